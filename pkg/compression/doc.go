// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression implements the AS4 payload compression feature.

A leg with payload compression enabled sends every compressible part GZIP
compressed. The part keeps its original media type in the MimeType part
property and carries CompressionType=application/gzip:

	c := compression.NewCompressor()
	data, compressed, err := c.CompressPart("application/xml", payload)
	if compressed {
	    info.SetCompressionType(compression.TypeGzip)
	}

Media types that are already compressed (archives, JPEG, PNG, video) are
sent unchanged.

# References

  - AS4 Profile, section 3.1: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - GZIP RFC 1952: https://datatracker.ietf.org/doc/html/rfc1952
*/
package compression
