// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements the HTTPS transport of the MSH.

[HTTPSClient] implements msh.Transport. Each attempt builds the ebMS3
UserMessage envelope of the exchange (package message), attaches the
payloads behind it in a multipart/related body (package mime) and posts it
to the endpoint of the receiving party. Legs with payload compression send
compressible payloads GZIP compressed (package compression). The response
signals are mapped to a send outcome.

# TLS Configuration

The package recommends TLS 1.3 with fallback to TLS 1.2:

	config := transport.DefaultHTTPSConfig()
	// MinTLSVersion: TLS 1.2
	// MaxTLSVersion: TLS 1.3

For TLS 1.2, the following cipher suites are recommended:
  - TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
  - TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256

# Outcomes

  - 2xx with an ebMS Receipt signal: delivered (with warning when the
    response also carries warning errors)
  - 2xx with an empty body: the receipt arrives asynchronously
  - ebMS Error with severity failure, or 4xx other than 408/429: msh.ErrAbort
  - network errors, 408, 429, 5xx and responses without receipt: retried

# References

  - eDelivery AS4 Transport: https://ec.europa.eu/digital-building-blocks/sites/spaces/DIGITAL/
  - TLS 1.3 RFC 8446: https://datatracker.ietf.org/doc/html/rfc8446
  - TLS 1.2 RFC 5246: https://datatracker.ietf.org/doc/html/rfc5246
*/
package transport
