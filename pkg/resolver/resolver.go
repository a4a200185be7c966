package resolver

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sirosfoundation/go-msh/pkg/metrics"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// MSHRole tells whether the MSH is sending or receiving the message being
// resolved. It is recorded for diagnostics only.
type MSHRole string

const (
	Sending   MSHRole = "sending"
	Receiving MSHRole = "receiving"
)

// PartyID is a party identifier as carried by a message
type PartyID struct {
	Value string
	Type  string
}

func (p PartyID) String() string {
	if p.Type == "" {
		return p.Value
	}
	return p.Type + "|" + p.Value
}

// AgreementRef is the agreement reference of a message
type AgreementRef struct {
	Value string
	Type  string
}

// ServiceRef is the service of a message
type ServiceRef struct {
	Value string
	Type  string
}

// MessageAttributes are the business attributes of a message used for
// resolution.
type MessageAttributes struct {
	MessageID string
	Agreement *AgreementRef
	From      []PartyID
	To        []PartyID
	Service   ServiceRef
	Action    string
	Mpc       string
}

// Resolver maps message attributes to the configuration that governs them
// and answers lookups by pmodeKey.
type Resolver interface {
	Resolve(ctx context.Context, attrs *MessageAttributes, role MSHRole, isPull bool) (*pmode.ExchangeConfiguration, error)

	LegConfiguration(ctx context.Context, pmodeKey string) (*pmode.LegConfiguration, error)
	SenderParty(ctx context.Context, pmodeKey string) (*pmode.Party, error)
	ReceiverParty(ctx context.Context, pmodeKey string) (*pmode.Party, error)
	Service(ctx context.Context, pmodeKey string) (*pmode.Service, error)
	Action(ctx context.Context, pmodeKey string) (*pmode.Action, error)
	// Agreement returns nil for keys carrying pmode.OptionalAndEmpty.
	Agreement(ctx context.Context, pmodeKey string) (*pmode.Agreement, error)
	BusinessProcessRole(ctx context.Context, roleValue string) (*pmode.Role, error)

	IsMpcExistant(ctx context.Context, mpc string) (bool, error)
	RetentionDownloadedByMpcName(ctx context.Context, name string) (int, error)
	RetentionDownloadedByMpcURI(ctx context.Context, qualifiedName string) (int, error)
	RetentionUndownloadedByMpcName(ctx context.Context, name string) (int, error)
	RetentionUndownloadedByMpcURI(ctx context.Context, qualifiedName string) (int, error)

	// UpdatePModes validates and stores a new PMode document and returns
	// its warnings.
	UpdatePModes(ctx context.Context, raw []byte, description string) ([]string, error)
	Refresh()
	IsConfigurationLoaded(ctx context.Context) bool
}

// ConfigurationStore persists PMode documents.
type ConfigurationStore interface {
	// LoadConfiguration returns pmode.ErrConfigurationMissing when no
	// document was ever stored.
	LoadConfiguration(ctx context.Context) (*pmode.Configuration, error)
	PersistConfiguration(ctx context.Context, raw []byte, description string, cfg *pmode.Configuration) error
	ConfigurationExists(ctx context.Context) (bool, error)
}

// Transactor runs fn in a transaction, joining the one carried by ctx.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ClusterSignaler tells the other nodes to drop their cached configuration.
type ClusterSignaler interface {
	SignalReload(ctx context.Context) error
}

// Options configures a resolver. The zero value is usable.
type Options struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Transactor Transactor
	Signaler   ClusterSignaler
	// Validators run on every upload; nil means pmode.DefaultValidators.
	Validators []pmode.Validator
	Naming     pmode.MpcNaming

	// LegacyAgreementFallback lets the query resolver retry leg matching
	// without the agreement when the agreement-aware query finds nothing.
	LegacyAgreementFallback bool
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Validators == nil {
		o.Validators = pmode.DefaultValidators()
	}
	if o.Naming.Separator == "" {
		o.Naming.Separator = pmode.DefaultPullSeparator
	}
	return o
}

// finder is the lookup mechanics a strategy provides to the shared
// resolution algorithm. Lookups return "" (or false) when nothing matches.
type finder interface {
	agreementByRef(ctx context.Context, value, typ string) (string, error)
	partyByIdentifier(ctx context.Context, value, typ string) (string, error)
	serviceByRef(ctx context.Context, value, typ string) (string, error)
	actionByValue(ctx context.Context, value string) (string, error)
	mpcExists(ctx context.Context, mpc string) (bool, error)
	legCandidates(ctx context.Context, q pmode.LegQuery) ([]pmode.LegCandidate, error)
}

// resolve is the resolution algorithm shared by both strategies.
func resolve(ctx context.Context, f finder, naming pmode.MpcNaming, logger *slog.Logger, attrs *MessageAttributes, isPull bool) (*pmode.ExchangeConfiguration, error) {
	agreement, err := resolveAgreement(ctx, f, attrs.Agreement)
	if err != nil {
		return nil, err
	}
	sender, err := resolveParty(ctx, f, logger, attrs.From, "from")
	if err != nil {
		return nil, err
	}

	mpc := attrs.Mpc
	forcePull := isPull && naming.ForcePull(mpc)
	receiver, err := resolveParty(ctx, f, logger, attrs.To, "to")
	if err != nil {
		initiator, ok := naming.Initiator(mpc)
		if !forcePull || !ok || !pmode.IsResolutionError(err) {
			return nil, err
		}
		logger.Debug("receiver taken from mpc", "mpc", mpc, "initiator", initiator)
		receiver = initiator
	}
	if forcePull {
		mpc = naming.BaseMpc(mpc)
	}

	service, err := resolveService(ctx, f, attrs.Service)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(attrs.Action, pmode.TestAction) && !strings.EqualFold(attrs.Service.Value, pmode.TestService) {
		return nil, pmode.NewResolutionError(pmode.ErrTestActionMisuse, "service", attrs.Service.Value, "action", attrs.Action)
	}
	action, err := f.actionByValue(ctx, attrs.Action)
	if err != nil {
		return nil, err
	}
	if action == "" {
		return nil, pmode.NewResolutionError(pmode.ErrNoMatchingAction, "action", attrs.Action)
	}

	if mpc != "" {
		ok, err := f.mpcExists(ctx, mpc)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, pmode.NewResolutionError(pmode.ErrNoMatchingMpc, "mpc", mpc)
		}
	}

	q := pmode.LegQuery{
		Agreement: agreement,
		Initiator: sender,
		Responder: receiver,
		Service:   service,
		Action:    action,
		Mpc:       mpc,
	}
	if isPull {
		q.Initiator, q.Responder = receiver, sender
	}
	candidates, err := f.legCandidates(ctx, q)
	if err != nil {
		return nil, err
	}
	chosen, err := pickLeg(candidates, q, isPull)
	if err != nil {
		return nil, err
	}

	effective := chosen.Mpc
	if effective == "" {
		effective = mpc
	}
	return &pmode.ExchangeConfiguration{
		Agreement: agreement,
		Sender:    sender,
		Receiver:  receiver,
		Service:   service,
		Action:    action,
		Leg:       chosen.Leg,
		Mpc:       effective,
	}, nil
}

func resolveAgreement(ctx context.Context, f finder, ref *AgreementRef) (string, error) {
	if ref == nil || strings.TrimSpace(ref.Value) == "" {
		return pmode.OptionalAndEmpty, nil
	}
	name, err := f.agreementByRef(ctx, ref.Value, ref.Type)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", pmode.NewResolutionError(pmode.ErrNoMatchingAgreement, "value", ref.Value, "type", ref.Type)
	}
	return name, nil
}

// resolveParty returns the first party matching one of ids. Untyped
// identifiers must be URIs; others are skipped.
func resolveParty(ctx context.Context, f finder, logger *slog.Logger, ids []PartyID, side string) (string, error) {
	tried := make([]string, 0, len(ids))
	for _, id := range ids {
		tried = append(tried, id.String())
		if id.Type == "" && !pmode.IsAbsoluteURI(id.Value) {
			logger.Debug("skipping untyped party id that is not a URI", "side", side, "party_id", id.Value)
			continue
		}
		name, err := f.partyByIdentifier(ctx, id.Value, id.Type)
		if err != nil {
			return "", err
		}
		if name != "" {
			return name, nil
		}
	}
	return "", pmode.NewResolutionError(pmode.ErrNoMatchingParty, side, strings.Join(tried, ","))
}

func resolveService(ctx context.Context, f finder, ref ServiceRef) (string, error) {
	if ref.Type == "" && !pmode.IsAbsoluteURI(ref.Value) {
		return "", pmode.NewResolutionError(pmode.ErrNoMatchingService, "value", ref.Value, "reason", "untyped service is not a URI")
	}
	name, err := f.serviceByRef(ctx, ref.Value, ref.Type)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", pmode.NewResolutionError(pmode.ErrNoMatchingService, "value", ref.Value, "type", ref.Type)
	}
	return name, nil
}

// pickLeg requires exactly one distinct leg. Push resolution ignores legs
// of pull processes; pull resolution requires the leg to be pull bound.
func pickLeg(candidates []pmode.LegCandidate, q pmode.LegQuery, isPull bool) (pmode.LegCandidate, error) {
	var legs []pmode.LegCandidate
	seen := make(map[string]int)
	for _, c := range candidates {
		if !isPull && c.Pull {
			continue
		}
		k := strings.ToLower(c.Leg)
		if i, ok := seen[k]; ok {
			legs[i].Pull = legs[i].Pull || c.Pull
			continue
		}
		seen[k] = len(legs)
		legs = append(legs, c)
	}

	values := []string{
		"agreement", q.Agreement,
		"initiator", q.Initiator,
		"responder", q.Responder,
		"service", q.Service,
		"action", q.Action,
		"mpc", q.Mpc,
	}
	switch len(legs) {
	case 0:
		return pmode.LegCandidate{}, pmode.NewResolutionError(pmode.ErrNoMatchingLeg, values...)
	case 1:
	default:
		names := make([]string, len(legs))
		for i, l := range legs {
			names[i] = l.Leg
		}
		return pmode.LegCandidate{}, pmode.NewResolutionError(pmode.ErrAmbiguousLeg, append(values, "legs", strings.Join(names, ","))...)
	}
	if isPull && !legs[0].Pull {
		return pmode.LegCandidate{}, pmode.NewResolutionError(pmode.ErrPullBindingMismatch, "leg", legs[0].Leg, "process", legs[0].Process)
	}
	return legs[0], nil
}

func warningMessages(issues []pmode.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Message)
	}
	return out
}

// upload validates raw and persists it, inside the caller's transaction
// when there is one.
func upload(ctx context.Context, store ConfigurationStore, opts Options, raw []byte, description string) ([]string, error) {
	cfg, issues, err := pmode.Load(raw, opts.Validators)
	if err != nil {
		opts.Logger.Warn("PMode upload rejected", "error", err)
		return nil, err
	}
	for _, i := range issues {
		opts.Logger.Warn("PMode upload warning", "issue", i.Message)
	}
	persist := func(ctx context.Context) error {
		return store.PersistConfiguration(ctx, raw, description, cfg)
	}
	if opts.Transactor != nil {
		err = opts.Transactor.InTx(ctx, persist)
	} else {
		err = persist(ctx)
	}
	if err != nil {
		return nil, err
	}
	opts.Logger.Info("PMode configuration stored",
		"description", description,
		"parties", len(cfg.Parties),
		"legs", len(cfg.Legs),
		"processes", len(cfg.Processes),
		"warnings", len(issues))
	return warningMessages(issues), nil
}
