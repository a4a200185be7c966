// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mep defines the Message Exchange Patterns and MEP bindings that a
PMode process may reference.

# MEP Bindings

MEP bindings define how MEPs map to the transport:

	Push: the initiator sends the UserMessage with an HTTP POST
	Pull: the responder fetches the UserMessage with a PullRequest signal

Processes whose binding IsPull are excluded from push leg matching and are
the only candidates when a PullRequest is resolved.

# References

  - OASIS AS4 MEP: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - OASIS ebMS 3.0 MEP: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
*/
package mep
