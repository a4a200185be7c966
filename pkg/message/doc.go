// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message builds the ebMS3 UserMessage header of an outgoing message
and reads the signals a receiving MSH answers with.

# Building Messages

A UserMessage is derived from the resolved PMode entities of an exchange:

	um, err := message.Build(message.Exchange{
	    MessageID: id,
	    PModeKey:  key,
	    Sender:    sender,   // *pmode.Party
	    Receiver:  receiver, // *pmode.Party
	    Leg:       leg,      // service, action and MPC
	    Agreement: agreement,
	    Parts:     parts,
	})
	doc := um.Envelope() // SOAP 1.2 envelope with eb:Messaging header

Every identifier of a party is written as a PartyId. The agreement carries
the pmodeKey in its pmode attribute.

# Reading Signals

ParseSignals extracts the Receipt and Error signals of a SOAP response:

	signals, err := message.ParseSignals(body)

# Namespaces

	NsSOAPEnv = "http://www.w3.org/2003/05/soap-envelope"
	NsEbMS    = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"

# References

  - OASIS ebMS 3.0 Core: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - ebCore Party ID Types: https://docs.oasis-open.org/ebcore/PartyIdType/v1.0/
*/
package message
