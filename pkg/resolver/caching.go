package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

const strategyCaching = "caching"

// snapshot is an immutable view of one loaded configuration.
type snapshot struct {
	cfg      *pmode.Configuration
	pull     *pmode.PullIndex
	loadedAt time.Time
}

// CachingResolver resolves against an in-memory snapshot of the stored
// configuration. Readers load the snapshot pointer once per call; a
// rebuild after Refresh is serialized so the store is read once.
type CachingResolver struct {
	store ConfigurationStore
	opts  Options

	snap atomic.Pointer[snapshot]
	mu   sync.Mutex
}

var _ Resolver = (*CachingResolver)(nil)

// NewCachingResolver creates a resolver over store. Nothing is loaded until
// the first lookup.
func NewCachingResolver(store ConfigurationStore, opts Options) *CachingResolver {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With("component", "pmode-resolver", "strategy", strategyCaching)
	return &CachingResolver{store: store, opts: opts}
}

func (r *CachingResolver) current(ctx context.Context) (*snapshot, error) {
	if s := r.snap.Load(); s != nil {
		return s, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.snap.Load(); s != nil {
		return s, nil
	}

	cfg, err := r.store.LoadConfiguration(ctx)
	if err != nil {
		r.opts.Metrics.SetLoaded(strategyCaching, false)
		if errors.Is(err, pmode.ErrConfigurationMissing) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load PMode configuration: %w", err)
	}
	s := &snapshot{cfg: cfg, pull: pmode.NewPullIndex(cfg), loadedAt: time.Now()}
	r.snap.Store(s)
	r.opts.Metrics.SetLoaded(strategyCaching, true)
	r.opts.Logger.Info("PMode configuration loaded",
		"gateway", cfg.GatewayPartyName,
		"processes", len(cfg.Processes),
		"pull_mpcs", len(s.pull.Mpcs()))
	return s, nil
}

// Resolve implements Resolver.
func (r *CachingResolver) Resolve(ctx context.Context, attrs *MessageAttributes, role MSHRole, isPull bool) (*pmode.ExchangeConfiguration, error) {
	start := time.Now()
	s, err := r.current(ctx)
	if err != nil {
		r.opts.Metrics.ObserveResolution(strategyCaching, string(role), err, time.Since(start))
		return nil, err
	}
	logger := r.opts.Logger.With("message_id", attrs.MessageID, "role", role, "pull", isPull)
	ec, err := resolve(ctx, snapshotFinder{s.cfg}, r.opts.Naming, logger, attrs, isPull)
	r.opts.Metrics.ObserveResolution(strategyCaching, string(role), err, time.Since(start))
	if err != nil {
		logger.Debug("resolution failed", "error", err)
		return nil, err
	}
	logger.Debug("resolved", "pmode_key", ec.PModeKey(), "mpc", ec.Mpc)
	return ec, nil
}

func (r *CachingResolver) keyed(ctx context.Context, pmodeKey string) (*pmode.Configuration, *pmode.ExchangeConfiguration, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, nil, err
	}
	ec, err := pmode.ParsePModeKey(pmodeKey)
	if err != nil {
		return nil, nil, err
	}
	return s.cfg, ec, nil
}

func unknown(kind, name string) error {
	return fmt.Errorf("%w: %s %q", pmode.ErrUnknownEntity, kind, name)
}

// LegConfiguration implements Resolver.
func (r *CachingResolver) LegConfiguration(ctx context.Context, pmodeKey string) (*pmode.LegConfiguration, error) {
	cfg, ec, err := r.keyed(ctx, pmodeKey)
	if err != nil {
		return nil, err
	}
	if l := cfg.Leg(ec.Leg); l != nil {
		return l, nil
	}
	return nil, unknown("leg", ec.Leg)
}

// SenderParty implements Resolver.
func (r *CachingResolver) SenderParty(ctx context.Context, pmodeKey string) (*pmode.Party, error) {
	cfg, ec, err := r.keyed(ctx, pmodeKey)
	if err != nil {
		return nil, err
	}
	if p := cfg.Party(ec.Sender); p != nil {
		return p, nil
	}
	return nil, unknown("party", ec.Sender)
}

// ReceiverParty implements Resolver.
func (r *CachingResolver) ReceiverParty(ctx context.Context, pmodeKey string) (*pmode.Party, error) {
	cfg, ec, err := r.keyed(ctx, pmodeKey)
	if err != nil {
		return nil, err
	}
	if p := cfg.Party(ec.Receiver); p != nil {
		return p, nil
	}
	return nil, unknown("party", ec.Receiver)
}

// Service implements Resolver.
func (r *CachingResolver) Service(ctx context.Context, pmodeKey string) (*pmode.Service, error) {
	cfg, ec, err := r.keyed(ctx, pmodeKey)
	if err != nil {
		return nil, err
	}
	if s := cfg.Service(ec.Service); s != nil {
		return s, nil
	}
	return nil, unknown("service", ec.Service)
}

// Action implements Resolver.
func (r *CachingResolver) Action(ctx context.Context, pmodeKey string) (*pmode.Action, error) {
	cfg, ec, err := r.keyed(ctx, pmodeKey)
	if err != nil {
		return nil, err
	}
	if a := cfg.Action(ec.Action); a != nil {
		return a, nil
	}
	return nil, unknown("action", ec.Action)
}

// Agreement implements Resolver.
func (r *CachingResolver) Agreement(ctx context.Context, pmodeKey string) (*pmode.Agreement, error) {
	cfg, ec, err := r.keyed(ctx, pmodeKey)
	if err != nil {
		return nil, err
	}
	if ec.Agreement == pmode.OptionalAndEmpty {
		return nil, nil
	}
	if a := cfg.Agreement(ec.Agreement); a != nil {
		return a, nil
	}
	return nil, unknown("agreement", ec.Agreement)
}

// BusinessProcessRole implements Resolver.
func (r *CachingResolver) BusinessProcessRole(ctx context.Context, roleValue string) (*pmode.Role, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	if role := s.cfg.RoleByValue(roleValue); role != nil {
		return role, nil
	}
	return nil, unknown("role", roleValue)
}

// IsMpcExistant implements Resolver.
func (r *CachingResolver) IsMpcExistant(ctx context.Context, mpc string) (bool, error) {
	s, err := r.current(ctx)
	if err != nil {
		return false, err
	}
	return s.cfg.FindMpc(mpc) != nil, nil
}

func (r *CachingResolver) mpcBy(ctx context.Context, name string, byURI bool) (*pmode.Mpc, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	var m *pmode.Mpc
	if byURI {
		m = s.cfg.MpcByQualifiedName(name)
	} else {
		m = s.cfg.Mpc(name)
	}
	if m == nil {
		return nil, pmode.NewResolutionError(pmode.ErrNoMatchingMpc, "mpc", name)
	}
	return m, nil
}

// RetentionDownloadedByMpcName implements Resolver.
func (r *CachingResolver) RetentionDownloadedByMpcName(ctx context.Context, name string) (int, error) {
	m, err := r.mpcBy(ctx, name, false)
	if err != nil {
		return 0, err
	}
	return m.RetentionDownloaded, nil
}

// RetentionDownloadedByMpcURI implements Resolver.
func (r *CachingResolver) RetentionDownloadedByMpcURI(ctx context.Context, qualifiedName string) (int, error) {
	m, err := r.mpcBy(ctx, qualifiedName, true)
	if err != nil {
		return 0, err
	}
	return m.RetentionDownloaded, nil
}

// RetentionUndownloadedByMpcName implements Resolver.
func (r *CachingResolver) RetentionUndownloadedByMpcName(ctx context.Context, name string) (int, error) {
	m, err := r.mpcBy(ctx, name, false)
	if err != nil {
		return 0, err
	}
	return m.RetentionUndownloaded, nil
}

// RetentionUndownloadedByMpcURI implements Resolver.
func (r *CachingResolver) RetentionUndownloadedByMpcURI(ctx context.Context, qualifiedName string) (int, error) {
	m, err := r.mpcBy(ctx, qualifiedName, true)
	if err != nil {
		return 0, err
	}
	return m.RetentionUndownloaded, nil
}

// UpdatePModes stores a new document, drops the snapshot and tells the
// other nodes to do the same. The cluster signal is best effort.
func (r *CachingResolver) UpdatePModes(ctx context.Context, raw []byte, description string) ([]string, error) {
	warnings, err := upload(ctx, r.store, r.opts, raw, description)
	if err != nil {
		return nil, err
	}
	r.invalidate("update")
	if r.opts.Signaler != nil {
		if err := r.opts.Signaler.SignalReload(ctx); err != nil {
			r.opts.Logger.Warn("failed to signal PMode reload to the cluster", "error", err)
		}
	}
	return warnings, nil
}

// Refresh drops the snapshot; the next lookup reloads it from the store.
func (r *CachingResolver) Refresh() {
	r.invalidate("refresh")
}

func (r *CachingResolver) invalidate(trigger string) {
	r.mu.Lock()
	r.snap.Store(nil)
	r.mu.Unlock()
	r.opts.Metrics.Reloaded(strategyCaching, trigger)
	r.opts.Logger.Debug("PMode snapshot dropped", "trigger", trigger)
}

// IsConfigurationLoaded implements Resolver.
func (r *CachingResolver) IsConfigurationLoaded(ctx context.Context) bool {
	_, err := r.current(ctx)
	return err == nil
}

// snapshotFinder implements finder with scans over a loaded configuration.
type snapshotFinder struct {
	cfg *pmode.Configuration
}

func (f snapshotFinder) agreementByRef(_ context.Context, value, typ string) (string, error) {
	for _, a := range f.cfg.Agreements {
		if a.Value == value && a.Type == typ {
			return a.Name, nil
		}
	}
	return "", nil
}

func (f snapshotFinder) partyByIdentifier(_ context.Context, value, typ string) (string, error) {
	for _, p := range f.cfg.Parties {
		for _, id := range p.Identifiers {
			if id.TypeValue() == typ && strings.EqualFold(id.PartyID, value) {
				return p.Name, nil
			}
		}
	}
	return "", nil
}

func (f snapshotFinder) serviceByRef(_ context.Context, value, typ string) (string, error) {
	for _, s := range f.cfg.Services {
		if strings.EqualFold(s.Value, value) && s.Type == typ {
			return s.Name, nil
		}
	}
	return "", nil
}

func (f snapshotFinder) actionByValue(_ context.Context, value string) (string, error) {
	for _, a := range f.cfg.Actions {
		if strings.EqualFold(a.Value, value) {
			return a.Name, nil
		}
	}
	return "", nil
}

func (f snapshotFinder) mpcExists(_ context.Context, mpc string) (bool, error) {
	return f.cfg.FindMpc(mpc) != nil, nil
}

func (f snapshotFinder) legCandidates(_ context.Context, q pmode.LegQuery) ([]pmode.LegCandidate, error) {
	return f.cfg.LegCandidates(q, false), nil
}
