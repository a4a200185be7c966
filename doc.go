// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package gomsh is the core of an ebMS3/AS4 Message Service Handler: PMode
resolution and delivery reliability.

# Overview

go-msh decides, for every message, which configured exchange (PMode) it
belongs to and then drives its delivery: queueing, sending, retrying with
the leg's reception awareness policy, pull locks and the final outcome that
is reported back to the backend. Several nodes can share one database and
a NATS cluster.

# Specifications Implemented

  - OASIS ebXML Messaging Services v3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - OASIS AS4 Profile of ebMS 3.0 Version 1.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - eDelivery AS4 2.0: https://ec.europa.eu/digital-building-blocks/sites/spaces/DIGITAL/pages/845480153/eDelivery+AS4+-+2.0

# Package Structure

	github.com/sirosfoundation/go-msh/pkg/pmode       - PMode document model, parsing and validation
	github.com/sirosfoundation/go-msh/pkg/resolver    - PMode resolution (caching and query strategies)
	github.com/sirosfoundation/go-msh/pkg/reliability - Reliability engine, retries and pull locks
	github.com/sirosfoundation/go-msh/pkg/msh         - Message Service Handler: submit, send workers, pull
	github.com/sirosfoundation/go-msh/pkg/message     - ebMS3 UserMessage envelopes and signals
	github.com/sirosfoundation/go-msh/pkg/mime        - multipart/related SOAP with attachments
	github.com/sirosfoundation/go-msh/pkg/compression - GZIP payload compression
	github.com/sirosfoundation/go-msh/pkg/transport   - HTTPS push transport with TLS 1.2/1.3
	github.com/sirosfoundation/go-msh/pkg/mep         - MEP and MEP binding URIs
	github.com/sirosfoundation/go-msh/pkg/metrics     - Prometheus metrics

The mshd command (cmd/mshd) runs a node:

	mshd pmode validate pmodes.xml
	mshd pmode upload pmodes.xml
	mshd pmode resolve --from domibus-blue --to domibus-red --service bdx:noprocess --action TC1Leg1
	mshd serve

# Quick Start

	res := resolver.NewCachingResolver(store, resolver.Options{Logger: logger})
	if _, err := res.UpdatePModes(ctx, raw, "initial"); err != nil {
	    return err
	}
	ec, err := res.Resolve(ctx, attrs, resolver.Sending, false)
	if err != nil {
	    return err
	}
	leg, err := res.LegConfiguration(ctx, ec.PModeKey())

# License

BSD-2-Clause License
*/
package gomsh
