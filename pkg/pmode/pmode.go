package pmode

import (
	"strings"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/mep"
)

const (
	// OptionalAndEmpty stands for an absent agreement in a pmodeKey.
	OptionalAndEmpty = "OAE"

	// TestService is the reserved ebMS3 test service
	TestService = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/service"

	// TestAction is the reserved ebMS3 test action. It is only valid
	// together with TestService.
	TestAction = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/test"

	// DefaultMPC is the ebMS3 default message partition channel
	DefaultMPC = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultMPC"
)

// RetryStrategy selects the backoff used between send attempts
type RetryStrategy string

const (
	RetryConstant    RetryStrategy = "CONSTANT"
	RetryLinear      RetryStrategy = "LINEAR"
	RetryProgressive RetryStrategy = "PROGRESSIVE"
	RetrySendOnce    RetryStrategy = "SEND_ONCE"
)

// IsKnown reports whether s is one of the supported strategies.
func (s RetryStrategy) IsKnown() bool {
	switch s {
	case RetryConstant, RetryLinear, RetryProgressive, RetrySendOnce:
		return true
	}
	return false
}

// Configuration is the parsed PMode graph. A Configuration is immutable
// once Link has been called; resolvers share it between goroutines.
type Configuration struct {
	// GatewayPartyName names the party that represents this access point
	GatewayPartyName string

	Mpcs               []*Mpc
	Roles              []*Role
	PartyIDTypes       []*PartyIDType
	Parties            []*Party
	Meps               []*Mep
	Bindings           []*Binding
	Securities         []*Security
	Agreements         []*Agreement
	Services           []*Service
	Actions            []*Action
	ReceptionAwareness []*ReceptionAwareness
	Legs               []*LegConfiguration
	Processes          []*Process

	idx *index
}

// Mpc is a message partition channel
type Mpc struct {
	Name                  string
	QualifiedName         string
	Enabled               bool
	Default               bool
	RetentionDownloaded   int // minutes
	RetentionUndownloaded int // minutes
}

// Role is a business role a party plays in a process
type Role struct {
	Name  string
	Value string
}

// PartyIDType qualifies party identifiers
type PartyIDType struct {
	Name  string
	Value string
}

// Identifier is one of the ids a party is known by
type Identifier struct {
	PartyID         string
	PartyIDTypeName string
	PartyIDType     *PartyIDType
}

// TypeValue returns the value of the identifier type, or "" for an
// untyped identifier.
func (i *Identifier) TypeValue() string {
	if i.PartyIDType == nil {
		return ""
	}
	return i.PartyIDType.Value
}

// Party is a trading partner
type Party struct {
	Name        string
	Endpoint    string
	Identifiers []*Identifier
}

// Mep is a named message exchange pattern
type Mep struct {
	Name  string
	Value mep.MEPType
	Legs  int
}

// Binding is a named MEP binding
type Binding struct {
	Name  string
	Value mep.MEPBinding
}

// Security names a WS-Security policy
type Security struct {
	Name            string
	Policy          string
	SignatureMethod string
}

// Agreement is a business agreement reference
type Agreement struct {
	Name  string
	Value string
	Type  string
}

// Service is a business service
type Service struct {
	Name  string
	Value string
	Type  string
}

// Action is a business action
type Action struct {
	Name  string
	Value string
}

// ReceptionAwareness carries the retry parameters of a leg
type ReceptionAwareness struct {
	Name               string
	RetryTimeout       int // minutes
	RetryCount         int
	Strategy           RetryStrategy
	DuplicateDetection bool
}

// Timeout returns the retry window as a duration.
func (r *ReceptionAwareness) Timeout() time.Duration {
	if r == nil {
		return 0
	}
	return time.Duration(r.RetryTimeout) * time.Minute
}

// MaxAttempts returns the number of sends allowed for a message: the
// first send plus the configured retries.
func (r *ReceptionAwareness) MaxAttempts() int {
	if r == nil || r.Strategy == RetrySendOnce {
		return 1
	}
	return r.RetryCount + 1
}

// LegConfiguration describes one message flow of a process
type LegConfiguration struct {
	Name                   string
	ServiceName            string
	ActionName             string
	DefaultMpcName         string
	SecurityName           string
	ReceptionAwarenessName string
	CompressPayloads       bool

	Service            *Service
	Action             *Action
	DefaultMpc         *Mpc
	Security           *Security
	ReceptionAwareness *ReceptionAwareness
}

// MpcQualifiedName returns the qualified name of the leg's default MPC.
func (l *LegConfiguration) MpcQualifiedName() string {
	if l.DefaultMpc == nil {
		return ""
	}
	return l.DefaultMpc.QualifiedName
}

// Process binds parties in roles to a set of legs
type Process struct {
	Name              string
	AgreementName     string
	MepName           string
	BindingName       string
	InitiatorRoleName string
	ResponderRoleName string
	InitiatorNames    []string
	ResponderNames    []string
	LegNames          []string

	Agreement     *Agreement
	Mep           *Mep
	Binding       *Binding
	InitiatorRole *Role
	ResponderRole *Role
	Initiators    []*Party
	Responders    []*Party
	Legs          []*LegConfiguration
}

// IsPull reports whether the process uses a pull binding.
func (p *Process) IsPull() bool {
	return p.Binding != nil && p.Binding.Value.IsPull()
}

// HasInitiator reports whether the named party initiates the process.
func (p *Process) HasInitiator(name string) bool {
	return containsFold(p.InitiatorNames, name)
}

// HasResponder reports whether the named party responds in the process.
func (p *Process) HasResponder(name string) bool {
	return containsFold(p.ResponderNames, name)
}

// HasLeg reports whether the process contains the named leg.
func (p *Process) HasLeg(name string) bool {
	return containsFold(p.LegNames, name)
}

// MatchesAgreement reports whether the process is governed by the named
// agreement. The OptionalAndEmpty sentinel matches processes without an
// agreement and processes whose agreement has an empty value.
func (p *Process) MatchesAgreement(name string) bool {
	if name == OptionalAndEmpty {
		if p.AgreementName == "" {
			return true
		}
		return p.Agreement != nil && p.Agreement.Value == ""
	}
	return p.AgreementName != "" && strings.EqualFold(p.AgreementName, name)
}

func containsFold(list []string, name string) bool {
	for _, v := range list {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}
