// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability implements AS4 reception awareness for outgoing
messages: what happens to a UserMessage after each send attempt.

# Outcomes

The sender reports every attempt to the Engine:

	engine := reliability.NewEngine(deps, nil)
	err := engine.HandleReliability(ctx, reliability.Outcome{
	    MessageID:   id,
	    Reliability: reliability.ReliabilitySendFail,
	    Leg:         leg,
	})

OK acknowledges the message, WAITING_FOR_CALLBACK waits for an
asynchronous receipt, SEND_FAIL schedules a retry and ABORT fails the
message at once. A message that reached SEND_FAILURE or ACKNOWLEDGED is
never changed again, so the backend is notified at most once.

# Retries

Retries follow the reception awareness of the leg. The retry window
starts when the message was received and is spread over the configured
retry count with the CONSTANT, LINEAR or PROGRESSIVE strategy (see
NextAttempt). RetryService.EnqueueDueRetries is meant to be run
periodically; it uses an InFlightRegistry so that concurrent sweeps do
not enqueue a message twice.

# Pull

Messages sent by pulling are guarded by a MessagingLock which moves
READY -> WAITING_FOR_RECEIPT -> READY or DELETE. See PullService.

# References

  - OASIS AS4 Reception Awareness: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package reliability
