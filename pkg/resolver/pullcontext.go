package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

var (
	ErrNoPullProcess         = errors.New("no pull process for mpc")
	ErrMultiplePullProcesses = errors.New("more than one pull process for mpc")
	ErrPullInitiator         = errors.New("pull process must have exactly one initiator")
)

// PullContext is the process a pull request on an MPC is served from.
type PullContext struct {
	Mpc       string // as requested
	BaseMpc   string // qualified name without the initiator segment
	Process   *pmode.Process
	Initiator *pmode.Party
}

// Responders returns the parties whose messages may be pulled.
func (c *PullContext) Responders() []*pmode.Party {
	return c.Process.Responders
}

// PullContext resolves the pull process for a PullRequest on mpc. Exactly
// one pull process must use the MPC and it must have exactly one
// initiator, unless the MPC names the initiator.
func (r *CachingResolver) PullContext(ctx context.Context, mpc string) (*PullContext, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}

	base, initiatorName := mpc, ""
	if r.opts.Naming.ForcePull(mpc) {
		base = r.opts.Naming.BaseMpc(mpc)
		initiatorName, _ = r.opts.Naming.Initiator(mpc)
	}
	m := s.cfg.FindMpc(base)
	if m == nil {
		return nil, pmode.NewResolutionError(pmode.ErrNoMatchingMpc, "mpc", base)
	}

	processes := s.pull.ByMpc(m.QualifiedName)
	switch len(processes) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNoPullProcess, m.QualifiedName)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %s (%d processes)", ErrMultiplePullProcesses, m.QualifiedName, len(processes))
	}
	p := processes[0]

	pc := &PullContext{Mpc: mpc, BaseMpc: m.QualifiedName, Process: p}
	switch {
	case initiatorName != "":
		if !p.HasInitiator(initiatorName) {
			return nil, fmt.Errorf("%w: %q does not initiate process %q", ErrPullInitiator, initiatorName, p.Name)
		}
		pc.Initiator = s.cfg.Party(initiatorName)
	case len(p.Initiators) == 1:
		pc.Initiator = p.Initiators[0]
	default:
		return nil, fmt.Errorf("%w: process %q has %d", ErrPullInitiator, p.Name, len(p.Initiators))
	}
	if pc.Initiator == nil {
		return nil, fmt.Errorf("%w: initiator %q is not a configured party", ErrPullInitiator, initiatorName)
	}
	return pc, nil
}

// PullProcessesByInitiator returns the pull processes the named party
// initiates.
func (r *CachingResolver) PullProcessesByInitiator(ctx context.Context, party string) ([]*pmode.Process, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	return s.pull.ByInitiator(party), nil
}

// PullProcessesByMpc returns the pull processes using the MPC.
func (r *CachingResolver) PullProcessesByMpc(ctx context.Context, mpc string) ([]*pmode.Process, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	if m := s.cfg.FindMpc(mpc); m != nil {
		mpc = m.QualifiedName
	}
	return s.pull.ByMpc(mpc), nil
}
