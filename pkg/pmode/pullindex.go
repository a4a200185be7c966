package pmode

import "strings"

// PullIndex groups the pull processes of a configuration by initiator and
// by the qualified name of the MPCs their legs use.
type PullIndex struct {
	byInitiator map[string][]*Process
	byMpc       map[string][]*Process
}

// NewPullIndex indexes the pull processes of cfg.
func NewPullIndex(cfg *Configuration) *PullIndex {
	idx := &PullIndex{
		byInitiator: make(map[string][]*Process),
		byMpc:       make(map[string][]*Process),
	}
	for _, p := range cfg.Processes {
		if !p.IsPull() {
			continue
		}
		for _, party := range p.InitiatorNames {
			k := strings.ToLower(party)
			idx.byInitiator[k] = appendOnce(idx.byInitiator[k], p)
		}
		for _, l := range p.Legs {
			if qn := l.MpcQualifiedName(); qn != "" {
				idx.byMpc[qn] = appendOnce(idx.byMpc[qn], p)
			}
		}
	}
	return idx
}

func appendOnce(list []*Process, p *Process) []*Process {
	for _, v := range list {
		if v == p {
			return list
		}
	}
	return append(list, p)
}

// ByInitiator returns the pull processes the named party initiates.
func (i *PullIndex) ByInitiator(party string) []*Process {
	return i.byInitiator[strings.ToLower(party)]
}

// ByMpc returns the pull processes whose legs use the MPC.
func (i *PullIndex) ByMpc(qualifiedName string) []*Process {
	return i.byMpc[qualifiedName]
}

// Mpcs returns the qualified names of the MPCs that can be pulled.
func (i *PullIndex) Mpcs() []string {
	out := make([]string, 0, len(i.byMpc))
	for k := range i.byMpc {
		out = append(out, k)
	}
	return out
}
