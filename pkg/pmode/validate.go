package pmode

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// IssueLevel grades a ValidationIssue
type IssueLevel string

const (
	LevelWarning IssueLevel = "WARNING"
	LevelError   IssueLevel = "ERROR"
)

// ValidationIssue is a single finding about a PMode document
type ValidationIssue struct {
	Level   IssueLevel
	Message string
}

func (i ValidationIssue) String() string {
	return string(i.Level) + ": " + i.Message
}

// Validator checks a linked Configuration
type Validator interface {
	Validate(cfg *Configuration) []ValidationIssue
}

// ValidatorFunc adapts a function to the Validator interface
type ValidatorFunc func(cfg *Configuration) []ValidationIssue

// Validate calls f(cfg).
func (f ValidatorFunc) Validate(cfg *Configuration) []ValidationIssue { return f(cfg) }

// DefaultValidators returns the structural checks run on every upload.
func DefaultValidators() []Validator {
	return []Validator{
		ValidatorFunc(ValidateReferences),
		ValidatorFunc(ValidateKeySeparator),
		ValidatorFunc(ValidateDuplicateIdentifiers),
		ValidatorFunc(ValidateRetry),
		ValidatorFunc(ValidateServiceValues),
		ValidatorFunc(ValidateAmbiguousLegs),
		ValidatorFunc(ValidatePullProcesses),
	}
}

// Load parses raw and runs the validators. Any ERROR issue rejects the
// document with a ConfigurationInvalidError; otherwise the warnings of
// the strict pass and of the validators are returned with the
// configuration.
func Load(raw []byte, validators []Validator) (*Configuration, []ValidationIssue, error) {
	cfg, issues, err := Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	for _, v := range validators {
		issues = append(issues, v.Validate(cfg)...)
	}
	if HasErrors(issues) {
		return nil, issues, &ConfigurationInvalidError{Issues: issues}
	}
	return cfg, issues, nil
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []ValidationIssue) bool {
	for _, i := range issues {
		if i.Level == LevelError {
			return true
		}
	}
	return false
}

// Messages returns the issue messages, prefixed by level.
func Messages(issues []ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.String())
	}
	return out
}

// IsAbsoluteURI reports whether v parses as a URI with a scheme.
func IsAbsoluteURI(v string) bool {
	u, err := url.Parse(v)
	return err == nil && u.Scheme != ""
}

type issues []ValidationIssue

func (is *issues) errorf(format string, args ...any) {
	*is = append(*is, ValidationIssue{Level: LevelError, Message: fmt.Sprintf(format, args...)})
}

func (is *issues) warnf(format string, args ...any) {
	*is = append(*is, ValidationIssue{Level: LevelWarning, Message: fmt.Sprintf(format, args...)})
}

// ValidateReferences reports references to entities that do not exist.
func ValidateReferences(cfg *Configuration) []ValidationIssue {
	var out issues
	if cfg.GatewayParty() == nil {
		out.errorf("gateway party %q is not defined", cfg.GatewayPartyName)
	}
	for _, p := range cfg.Parties {
		for _, id := range p.Identifiers {
			if id.PartyIDTypeName != "" && id.PartyIDType == nil {
				out.errorf("party %q: identifier %q references unknown partyIdType %q", p.Name, id.PartyID, id.PartyIDTypeName)
			}
		}
	}
	for _, l := range cfg.Legs {
		if l.Service == nil {
			out.errorf("leg %q references unknown service %q", l.Name, l.ServiceName)
		}
		if l.Action == nil {
			out.errorf("leg %q references unknown action %q", l.Name, l.ActionName)
		}
		if l.DefaultMpc == nil {
			out.errorf("leg %q references unknown mpc %q", l.Name, l.DefaultMpcName)
		}
		if l.SecurityName != "" && l.Security == nil {
			out.errorf("leg %q references unknown security %q", l.Name, l.SecurityName)
		}
		if l.ReceptionAwarenessName != "" && l.ReceptionAwareness == nil {
			out.errorf("leg %q references unknown receptionAwareness %q", l.Name, l.ReceptionAwarenessName)
		}
	}
	for _, p := range cfg.Processes {
		if p.AgreementName != "" && p.Agreement == nil {
			out.errorf("process %q references unknown agreement %q", p.Name, p.AgreementName)
		}
		if p.Mep == nil {
			out.errorf("process %q references unknown mep %q", p.Name, p.MepName)
		}
		if p.Binding == nil {
			out.errorf("process %q references unknown binding %q", p.Name, p.BindingName)
		}
		if p.InitiatorRoleName != "" && p.InitiatorRole == nil {
			out.errorf("process %q references unknown role %q", p.Name, p.InitiatorRoleName)
		}
		if p.ResponderRoleName != "" && p.ResponderRole == nil {
			out.errorf("process %q references unknown role %q", p.Name, p.ResponderRoleName)
		}
		for _, n := range p.InitiatorNames {
			if cfg.Party(n) == nil {
				out.errorf("process %q references unknown initiator party %q", p.Name, n)
			}
		}
		for _, n := range p.ResponderNames {
			if cfg.Party(n) == nil {
				out.errorf("process %q references unknown responder party %q", p.Name, n)
			}
		}
		for _, n := range p.LegNames {
			if cfg.Leg(n) == nil {
				out.errorf("process %q references unknown leg %q", p.Name, n)
			}
		}
	}
	return out
}

// ValidateKeySeparator rejects names that would corrupt a pmodeKey.
func ValidateKeySeparator(cfg *Configuration) []ValidationIssue {
	var out issues
	check := func(kind, name string) {
		if strings.Contains(name, KeySeparator) {
			out.errorf("%s name %q contains the reserved character %q", kind, name, KeySeparator)
		}
	}
	for _, a := range cfg.Agreements {
		check("agreement", a.Name)
	}
	for _, p := range cfg.Parties {
		check("party", p.Name)
	}
	for _, s := range cfg.Services {
		check("service", s.Name)
	}
	for _, a := range cfg.Actions {
		check("action", a.Name)
	}
	for _, l := range cfg.Legs {
		check("leg", l.Name)
	}
	return out
}

// ValidateDuplicateIdentifiers warns when two parties share an identifier.
func ValidateDuplicateIdentifiers(cfg *Configuration) []ValidationIssue {
	var out issues
	owners := make(map[string]string)
	for _, p := range cfg.Parties {
		for _, id := range p.Identifiers {
			k := id.TypeValue() + "|" + strings.ToLower(id.PartyID)
			if owner, ok := owners[k]; ok && !strings.EqualFold(owner, p.Name) {
				out.warnf("identifier %q is used by parties %q and %q", id.PartyID, owner, p.Name)
				continue
			}
			owners[k] = p.Name
		}
	}
	return out
}

// ValidateRetry checks the retry parameters of each receptionAwareness.
func ValidateRetry(cfg *Configuration) []ValidationIssue {
	var out issues
	for _, ra := range cfg.ReceptionAwareness {
		if !ra.Strategy.IsKnown() {
			out.errorf("receptionAwareness %q has unknown retry strategy %q", ra.Name, ra.Strategy)
			continue
		}
		if ra.Strategy == RetrySendOnce {
			continue
		}
		if ra.RetryCount < 0 {
			out.warnf("receptionAwareness %q has a negative retry count", ra.Name)
		}
		if ra.RetryTimeout <= 0 && ra.RetryCount > 0 {
			out.warnf("receptionAwareness %q retries %d times within a zero timeout", ra.Name, ra.RetryCount)
		}
	}
	return out
}

// ValidateServiceValues warns about untyped services whose value is not a URI.
func ValidateServiceValues(cfg *Configuration) []ValidationIssue {
	var out issues
	for _, s := range cfg.Services {
		if s.Type == "" && !IsAbsoluteURI(s.Value) {
			out.warnf("service %q has no type and its value %q is not a URI; messages cannot match it", s.Name, s.Value)
		}
	}
	return out
}

// ValidateAmbiguousLegs warns when the same exchange can match more than
// one leg, which makes resolution fail at runtime.
func ValidateAmbiguousLegs(cfg *Configuration) []ValidationIssue {
	var out issues
	legs := make(map[string]map[string]bool)
	for _, p := range cfg.Processes {
		for _, i := range p.InitiatorNames {
			for _, r := range p.ResponderNames {
				for _, l := range p.Legs {
					k := strings.ToLower(strings.Join([]string{
						p.AgreementName, i, r, l.ServiceName, l.ActionName, l.MpcQualifiedName(), fmt.Sprint(p.IsPull()),
					}, "|"))
					if legs[k] == nil {
						legs[k] = make(map[string]bool)
					}
					legs[k][l.Name] = true
				}
			}
		}
	}
	keys := make([]string, 0, len(legs))
	for k := range legs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(legs[k]) < 2 {
			continue
		}
		names := make([]string, 0, len(legs[k]))
		for n := range legs[k] {
			names = append(names, n)
		}
		sort.Strings(names)
		parts := strings.Split(k, "|")
		out.warnf("legs %s match the same exchange (initiator %q, responder %q, service %q, action %q)",
			strings.Join(names, ", "), parts[1], parts[2], parts[3], parts[4])
	}
	return out
}

// ValidatePullProcesses checks the shape of pull processes.
func ValidatePullProcesses(cfg *Configuration) []ValidationIssue {
	var out issues
	for _, p := range cfg.Processes {
		if !p.IsPull() {
			continue
		}
		if len(p.InitiatorNames) > 1 {
			out.warnf("pull process %q has %d initiators; pull requests must encode the initiator in the mpc", p.Name, len(p.InitiatorNames))
		}
		if len(p.LegNames) == 0 {
			out.warnf("pull process %q has no legs", p.Name)
		}
	}
	return out
}
