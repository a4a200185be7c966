// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package resolver maps the business attributes of a message to the PMode
configuration that governs it.

Two strategies implement the Resolver interface:

	CachingResolver  resolves against an immutable in-memory snapshot
	QueryResolver    translates each lookup into a store query

Both run the same algorithm: the agreement, the sender and receiver
parties, the service and the action are resolved to names, and the leg is
chosen among the legs of the processes connecting the two parties. A
message without an agreement reference resolves to pmode.OptionalAndEmpty.
Pull requests invert sender and receiver, since the initiator of a pull
exchange is the receiver of the business message, and must end on a leg of
a pull bound process.

# Usage

	r := resolver.NewCachingResolver(store, resolver.Options{
	    Logger:   logger,
	    Signaler: signaler,
	})
	ec, err := r.Resolve(ctx, attrs, resolver.Sending, false)
	if err != nil {
	    return err
	}
	leg, err := r.LegConfiguration(ctx, ec.PModeKey())

Resolution failures are *pmode.ResolutionError values that unwrap to one
of the pmode.ErrNoMatching* sentinels. pmode.ErrConfigurationMissing is
returned as long as no PMode document has been uploaded.

# Reloading

UpdatePModes validates and stores a new document. The caching resolver
then drops its snapshot and broadcasts a reload signal so that other nodes
call Refresh; the next lookup on each node loads the new configuration.
*/
package resolver
