package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

const strategyQuery = "query"

// Querier answers point queries against the stored configuration. Lookups
// return a zero value and a nil error when nothing matches.
type Querier interface {
	AgreementName(ctx context.Context, value, typ string) (string, error)
	PartyNameByIdentifier(ctx context.Context, value, typ string) (string, error)
	ServiceName(ctx context.Context, value, typ string) (string, error)
	ActionName(ctx context.Context, value string) (string, error)
	LegCandidates(ctx context.Context, q pmode.LegQuery, ignoreAgreement bool) ([]pmode.LegCandidate, error)

	Leg(ctx context.Context, name string) (*pmode.LegConfiguration, error)
	Party(ctx context.Context, name string) (*pmode.Party, error)
	Service(ctx context.Context, name string) (*pmode.Service, error)
	Action(ctx context.Context, name string) (*pmode.Action, error)
	Agreement(ctx context.Context, name string) (*pmode.Agreement, error)
	RoleByValue(ctx context.Context, value string) (*pmode.Role, error)
	MpcByName(ctx context.Context, name string) (*pmode.Mpc, error)
	MpcByQualifiedName(ctx context.Context, qualifiedName string) (*pmode.Mpc, error)
}

// QueryStore is a configuration store that can also be queried.
type QueryStore interface {
	ConfigurationStore
	Querier
}

// QueryResolver translates every lookup into a query against the store.
// It never caches, so it always sees the latest stored configuration.
type QueryResolver struct {
	store QueryStore
	opts  Options
}

var _ Resolver = (*QueryResolver)(nil)

// NewQueryResolver creates a resolver over store.
func NewQueryResolver(store QueryStore, opts Options) *QueryResolver {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With("component", "pmode-resolver", "strategy", strategyQuery)
	return &QueryResolver{store: store, opts: opts}
}

func (r *QueryResolver) ensureLoaded(ctx context.Context) error {
	ok, err := r.store.ConfigurationExists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check PMode configuration: %w", err)
	}
	if !ok {
		return pmode.ErrConfigurationMissing
	}
	return nil
}

// Resolve implements Resolver.
func (r *QueryResolver) Resolve(ctx context.Context, attrs *MessageAttributes, role MSHRole, isPull bool) (*pmode.ExchangeConfiguration, error) {
	start := time.Now()
	if err := r.ensureLoaded(ctx); err != nil {
		r.opts.Metrics.ObserveResolution(strategyQuery, string(role), err, time.Since(start))
		return nil, err
	}
	logger := r.opts.Logger.With("message_id", attrs.MessageID, "role", role, "pull", isPull)
	ec, err := resolve(ctx, queryFinder{r}, r.opts.Naming, logger, attrs, isPull)
	r.opts.Metrics.ObserveResolution(strategyQuery, string(role), err, time.Since(start))
	if err != nil {
		logger.Debug("resolution failed", "error", err)
		return nil, err
	}
	logger.Debug("resolved", "pmode_key", ec.PModeKey(), "mpc", ec.Mpc)
	return ec, nil
}

// LegConfiguration implements Resolver.
func (r *QueryResolver) LegConfiguration(ctx context.Context, pmodeKey string) (*pmode.LegConfiguration, error) {
	ec, err := pmode.ParsePModeKey(pmodeKey)
	if err != nil {
		return nil, err
	}
	return found(r.store.Leg(ctx, ec.Leg))("leg", ec.Leg)
}

// SenderParty implements Resolver.
func (r *QueryResolver) SenderParty(ctx context.Context, pmodeKey string) (*pmode.Party, error) {
	ec, err := pmode.ParsePModeKey(pmodeKey)
	if err != nil {
		return nil, err
	}
	return found(r.store.Party(ctx, ec.Sender))("party", ec.Sender)
}

// ReceiverParty implements Resolver.
func (r *QueryResolver) ReceiverParty(ctx context.Context, pmodeKey string) (*pmode.Party, error) {
	ec, err := pmode.ParsePModeKey(pmodeKey)
	if err != nil {
		return nil, err
	}
	return found(r.store.Party(ctx, ec.Receiver))("party", ec.Receiver)
}

// Service implements Resolver.
func (r *QueryResolver) Service(ctx context.Context, pmodeKey string) (*pmode.Service, error) {
	ec, err := pmode.ParsePModeKey(pmodeKey)
	if err != nil {
		return nil, err
	}
	return found(r.store.Service(ctx, ec.Service))("service", ec.Service)
}

// Action implements Resolver.
func (r *QueryResolver) Action(ctx context.Context, pmodeKey string) (*pmode.Action, error) {
	ec, err := pmode.ParsePModeKey(pmodeKey)
	if err != nil {
		return nil, err
	}
	return found(r.store.Action(ctx, ec.Action))("action", ec.Action)
}

// Agreement implements Resolver.
func (r *QueryResolver) Agreement(ctx context.Context, pmodeKey string) (*pmode.Agreement, error) {
	ec, err := pmode.ParsePModeKey(pmodeKey)
	if err != nil {
		return nil, err
	}
	if ec.Agreement == pmode.OptionalAndEmpty {
		return nil, nil
	}
	return found(r.store.Agreement(ctx, ec.Agreement))("agreement", ec.Agreement)
}

// BusinessProcessRole implements Resolver.
func (r *QueryResolver) BusinessProcessRole(ctx context.Context, roleValue string) (*pmode.Role, error) {
	return found(r.store.RoleByValue(ctx, roleValue))("role", roleValue)
}

// found turns a nil result of a point query into ErrUnknownEntity.
func found[T any](v *T, err error) func(kind, name string) (*T, error) {
	return func(kind, name string) (*T, error) {
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, unknown(kind, name)
		}
		return v, nil
	}
}

func (r *QueryResolver) findMpc(ctx context.Context, mpc string) (*pmode.Mpc, error) {
	m, err := r.store.MpcByQualifiedName(ctx, mpc)
	if err != nil || m != nil {
		return m, err
	}
	return r.store.MpcByName(ctx, mpc)
}

// IsMpcExistant implements Resolver.
func (r *QueryResolver) IsMpcExistant(ctx context.Context, mpc string) (bool, error) {
	m, err := r.findMpc(ctx, mpc)
	if err != nil {
		return false, err
	}
	return m != nil, nil
}

func (r *QueryResolver) mpcBy(ctx context.Context, name string, byURI bool) (*pmode.Mpc, error) {
	var (
		m   *pmode.Mpc
		err error
	)
	if byURI {
		m, err = r.store.MpcByQualifiedName(ctx, name)
	} else {
		m, err = r.store.MpcByName(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, pmode.NewResolutionError(pmode.ErrNoMatchingMpc, "mpc", name)
	}
	return m, nil
}

// RetentionDownloadedByMpcName implements Resolver.
func (r *QueryResolver) RetentionDownloadedByMpcName(ctx context.Context, name string) (int, error) {
	m, err := r.mpcBy(ctx, name, false)
	if err != nil {
		return 0, err
	}
	return m.RetentionDownloaded, nil
}

// RetentionDownloadedByMpcURI implements Resolver.
func (r *QueryResolver) RetentionDownloadedByMpcURI(ctx context.Context, qualifiedName string) (int, error) {
	m, err := r.mpcBy(ctx, qualifiedName, true)
	if err != nil {
		return 0, err
	}
	return m.RetentionDownloaded, nil
}

// RetentionUndownloadedByMpcName implements Resolver.
func (r *QueryResolver) RetentionUndownloadedByMpcName(ctx context.Context, name string) (int, error) {
	m, err := r.mpcBy(ctx, name, false)
	if err != nil {
		return 0, err
	}
	return m.RetentionUndownloaded, nil
}

// RetentionUndownloadedByMpcURI implements Resolver.
func (r *QueryResolver) RetentionUndownloadedByMpcURI(ctx context.Context, qualifiedName string) (int, error) {
	m, err := r.mpcBy(ctx, qualifiedName, true)
	if err != nil {
		return 0, err
	}
	return m.RetentionUndownloaded, nil
}

// UpdatePModes stores a new document. Other nodes read the store directly,
// so no cluster signal is needed.
func (r *QueryResolver) UpdatePModes(ctx context.Context, raw []byte, description string) ([]string, error) {
	warnings, err := upload(ctx, r.store, r.opts, raw, description)
	if err != nil {
		return nil, err
	}
	r.opts.Metrics.Reloaded(strategyQuery, "update")
	return warnings, nil
}

// Refresh is a no-op; nothing is cached.
func (r *QueryResolver) Refresh() {}

// IsConfigurationLoaded implements Resolver.
func (r *QueryResolver) IsConfigurationLoaded(ctx context.Context) bool {
	loaded := r.ensureLoaded(ctx) == nil
	r.opts.Metrics.SetLoaded(strategyQuery, loaded)
	return loaded
}

// queryFinder implements finder with point queries.
type queryFinder struct {
	r *QueryResolver
}

func (f queryFinder) agreementByRef(ctx context.Context, value, typ string) (string, error) {
	return f.r.store.AgreementName(ctx, value, typ)
}

func (f queryFinder) partyByIdentifier(ctx context.Context, value, typ string) (string, error) {
	return f.r.store.PartyNameByIdentifier(ctx, value, typ)
}

func (f queryFinder) serviceByRef(ctx context.Context, value, typ string) (string, error) {
	return f.r.store.ServiceName(ctx, value, typ)
}

func (f queryFinder) actionByValue(ctx context.Context, value string) (string, error) {
	return f.r.store.ActionName(ctx, value)
}

func (f queryFinder) mpcExists(ctx context.Context, mpc string) (bool, error) {
	return f.r.IsMpcExistant(ctx, mpc)
}

// legCandidates queries with the agreement first and, when allowed, falls
// back to ignoring it.
func (f queryFinder) legCandidates(ctx context.Context, q pmode.LegQuery) ([]pmode.LegCandidate, error) {
	candidates, err := f.r.store.LegCandidates(ctx, q, false)
	if err != nil || len(candidates) > 0 || !f.r.opts.LegacyAgreementFallback {
		return candidates, err
	}
	candidates, err = f.r.store.LegCandidates(ctx, q, true)
	if err == nil && len(candidates) > 0 {
		f.r.opts.Logger.Warn("leg matched only when ignoring the agreement",
			"agreement", q.Agreement, "service", q.Service, "action", q.Action)
	}
	return candidates, err
}
