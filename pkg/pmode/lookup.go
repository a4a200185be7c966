package pmode

import "strings"

// index holds the name lookups built by Link. Names are case-insensitive.
type index struct {
	mpcs          map[string]*Mpc
	mpcsQualified map[string]*Mpc
	roles         map[string]*Role
	rolesByValue  map[string]*Role
	idTypes       map[string]*PartyIDType
	parties       map[string]*Party
	meps          map[string]*Mep
	bindings      map[string]*Binding
	securities    map[string]*Security
	agreements    map[string]*Agreement
	services      map[string]*Service
	actions       map[string]*Action
	awareness     map[string]*ReceptionAwareness
	legs          map[string]*LegConfiguration
	processes     map[string]*Process
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Link builds the lookup indices and resolves the name references between
// entities. References that cannot be resolved are left nil; see
// ReferenceValidator. The first entity wins when names are duplicated.
func (c *Configuration) Link() {
	idx := &index{
		mpcs:          make(map[string]*Mpc),
		mpcsQualified: make(map[string]*Mpc),
		roles:         make(map[string]*Role),
		rolesByValue:  make(map[string]*Role),
		idTypes:       make(map[string]*PartyIDType),
		parties:       make(map[string]*Party),
		meps:          make(map[string]*Mep),
		bindings:      make(map[string]*Binding),
		securities:    make(map[string]*Security),
		agreements:    make(map[string]*Agreement),
		services:      make(map[string]*Service),
		actions:       make(map[string]*Action),
		awareness:     make(map[string]*ReceptionAwareness),
		legs:          make(map[string]*LegConfiguration),
		processes:     make(map[string]*Process),
	}
	for _, m := range c.Mpcs {
		putFirst(idx.mpcs, m.Name, m)
		if _, ok := idx.mpcsQualified[m.QualifiedName]; !ok {
			idx.mpcsQualified[m.QualifiedName] = m
		}
	}
	for _, r := range c.Roles {
		putFirst(idx.roles, r.Name, r)
		if _, ok := idx.rolesByValue[r.Value]; !ok {
			idx.rolesByValue[r.Value] = r
		}
	}
	for _, t := range c.PartyIDTypes {
		putFirst(idx.idTypes, t.Name, t)
	}
	for _, p := range c.Parties {
		putFirst(idx.parties, p.Name, p)
		for _, id := range p.Identifiers {
			if id.PartyIDTypeName != "" {
				id.PartyIDType = idx.idTypes[key(id.PartyIDTypeName)]
			}
		}
	}
	for _, m := range c.Meps {
		putFirst(idx.meps, m.Name, m)
	}
	for _, b := range c.Bindings {
		putFirst(idx.bindings, b.Name, b)
	}
	for _, s := range c.Securities {
		putFirst(idx.securities, s.Name, s)
	}
	for _, a := range c.Agreements {
		putFirst(idx.agreements, a.Name, a)
	}
	for _, s := range c.Services {
		putFirst(idx.services, s.Name, s)
	}
	for _, a := range c.Actions {
		putFirst(idx.actions, a.Name, a)
	}
	for _, r := range c.ReceptionAwareness {
		putFirst(idx.awareness, r.Name, r)
	}
	for _, l := range c.Legs {
		putFirst(idx.legs, l.Name, l)
		l.Service = idx.services[key(l.ServiceName)]
		l.Action = idx.actions[key(l.ActionName)]
		l.DefaultMpc = idx.mpcs[key(l.DefaultMpcName)]
		l.Security = idx.securities[key(l.SecurityName)]
		l.ReceptionAwareness = idx.awareness[key(l.ReceptionAwarenessName)]
	}
	for _, p := range c.Processes {
		putFirst(idx.processes, p.Name, p)
		p.Agreement = nil
		if p.AgreementName != "" {
			p.Agreement = idx.agreements[key(p.AgreementName)]
		}
		p.Mep = idx.meps[key(p.MepName)]
		p.Binding = idx.bindings[key(p.BindingName)]
		p.InitiatorRole = idx.roles[key(p.InitiatorRoleName)]
		p.ResponderRole = idx.roles[key(p.ResponderRoleName)]
		p.Initiators = linkAll(idx.parties, p.InitiatorNames)
		p.Responders = linkAll(idx.parties, p.ResponderNames)
		p.Legs = linkAll(idx.legs, p.LegNames)
	}
	c.idx = idx
}

func putFirst[T any](m map[string]*T, name string, v *T) {
	k := key(name)
	if _, ok := m[k]; !ok {
		m[k] = v
	}
}

func linkAll[T any](m map[string]*T, names []string) []*T {
	out := make([]*T, 0, len(names))
	for _, n := range names {
		if v, ok := m[key(n)]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (c *Configuration) lookups() *index {
	if c.idx == nil {
		c.Link()
	}
	return c.idx
}

// Party returns the party with the given name, or nil.
func (c *Configuration) Party(name string) *Party { return c.lookups().parties[key(name)] }

// Leg returns the leg with the given name, or nil.
func (c *Configuration) Leg(name string) *LegConfiguration { return c.lookups().legs[key(name)] }

// Service returns the service with the given name, or nil.
func (c *Configuration) Service(name string) *Service { return c.lookups().services[key(name)] }

// Action returns the action with the given name, or nil.
func (c *Configuration) Action(name string) *Action { return c.lookups().actions[key(name)] }

// Agreement returns the agreement with the given name, or nil.
func (c *Configuration) Agreement(name string) *Agreement { return c.lookups().agreements[key(name)] }

// Process returns the process with the given name, or nil.
func (c *Configuration) Process(name string) *Process { return c.lookups().processes[key(name)] }

// Mpc returns the MPC with the given name, or nil.
func (c *Configuration) Mpc(name string) *Mpc { return c.lookups().mpcs[key(name)] }

// MpcByQualifiedName returns the MPC with the given qualified name, or nil.
// Qualified names are URIs and compared exactly.
func (c *Configuration) MpcByQualifiedName(qn string) *Mpc {
	return c.lookups().mpcsQualified[qn]
}

// FindMpc looks an MPC up by qualified name first and by name second.
func (c *Configuration) FindMpc(nameOrQualified string) *Mpc {
	if m := c.MpcByQualifiedName(nameOrQualified); m != nil {
		return m
	}
	return c.Mpc(nameOrQualified)
}

// RoleByValue returns the role with the given value, or nil.
func (c *Configuration) RoleByValue(value string) *Role { return c.lookups().rolesByValue[value] }

// GatewayParty returns the party that represents this access point.
func (c *Configuration) GatewayParty() *Party { return c.Party(c.GatewayPartyName) }

// LegQuery selects legs by the names resolved from a message.
type LegQuery struct {
	Agreement string
	Initiator string
	Responder string
	Service   string
	Action    string
	Mpc       string // optional, name or qualified name
}

// LegCandidate is a leg that matched a LegQuery within one process.
type LegCandidate struct {
	Leg     string
	Process string
	Pull    bool
	Mpc     string // qualified name of the leg's default MPC
}

// LegCandidates returns every (process, leg) pair matching q. When
// ignoreAgreement is set the agreement of the process is not checked.
func (c *Configuration) LegCandidates(q LegQuery, ignoreAgreement bool) []LegCandidate {
	var out []LegCandidate
	for _, p := range c.Processes {
		if !ignoreAgreement && !p.MatchesAgreement(q.Agreement) {
			continue
		}
		if !p.HasInitiator(q.Initiator) || !p.HasResponder(q.Responder) {
			continue
		}
		for _, l := range p.Legs {
			if !strings.EqualFold(l.ServiceName, q.Service) || !strings.EqualFold(l.ActionName, q.Action) {
				continue
			}
			if q.Mpc != "" && !legUsesMpc(l, q.Mpc) {
				continue
			}
			out = append(out, LegCandidate{
				Leg:     l.Name,
				Process: p.Name,
				Pull:    p.IsPull(),
				Mpc:     l.MpcQualifiedName(),
			})
		}
	}
	return out
}

func legUsesMpc(l *LegConfiguration, mpc string) bool {
	if l.DefaultMpc == nil {
		return strings.EqualFold(l.DefaultMpcName, mpc)
	}
	return l.DefaultMpc.QualifiedName == mpc || strings.EqualFold(l.DefaultMpc.Name, mpc)
}
