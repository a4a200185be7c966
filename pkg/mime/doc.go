// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mime packages an AS4 message as SOAP with Attachments.

The root part carries the SOAP envelope and is named by the start
parameter of the multipart/related Content-Type. Every payload follows as
its own part, referenced from the envelope's PartInfo by Content-ID:

	Content-Type: multipart/related; boundary="..."; start="4f1c...@msh"; type="application/soap+xml"

	--...
	Content-Type: application/soap+xml; charset=UTF-8
	Content-ID: <4f1c...@msh>

	<env:Envelope>...</env:Envelope>
	--...
	Content-Type: application/xml
	Content-ID: <payload-1>

	<Invoice>...</Invoice>

Writing:

	body, contentType, err := mime.NewMessage(envelope, parts).Serialize()

Reading:

	msg, err := mime.Parse(r, contentType)
	invoice := msg.Part("cid:payload-1")

Parts without a Content-ID are numbered payload-1, payload-2, ... in
order. Lookups accept the cid: prefix and angle brackets.

# References

  - SOAP with Attachments: https://www.w3.org/TR/SOAP-attachments
  - multipart/related RFC 2387: https://datatracker.ietf.org/doc/html/rfc2387
*/
package mime
