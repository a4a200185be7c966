// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package msh implements the sending side of the Message Service Handler.

The MSH ties PMode resolution, the message log and the reliability engine
together:

	submit -> resolve -> log (SEND_ENQUEUED) -> queue -> transport -> reliability

# Submitting

A backend submits business attributes and payloads. The attributes are
resolved to a pmodeKey, the message is logged and either queued for
pushing or, for pull exchanges, offered to the pulling party:

	receipt, err := m.Submit(ctx, &msh.Submission{
		Attributes: resolver.MessageAttributes{...},
		Payloads:   []msh.Payload{{ContentID: "cid:invoice", Data: data}},
	})

# Sending

Workers started with [MSH.Start] consume the queue and call [MSH.Send] for
every id. Send pushes the message once through the [Transport] and hands
the outcome to the reliability engine, which schedules retries, waits
for asynchronous receipts or fails the message. Transports wrap
[ErrAbort] for errors that retrying cannot fix.

# Pulling

[MSH.Pull] serves a pull request on an MPC from the pull process that
uses it, and [MSH.PullReceipt] records the receipt of a pulled message.

# References

  - OASIS ebMS 3.0 Processing: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - AS4 Profile: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package msh
