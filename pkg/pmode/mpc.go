package pmode

import "strings"

// DefaultPullSeparator marks the initiator segment of a force-pull MPC.
const DefaultPullSeparator = "PID"

// MpcNaming handles MPCs that carry the pull initiator in their name:
// base + "/" + separator + "/" + initiator.
type MpcNaming struct {
	ForcePullByMpc bool
	Separator      string
}

// DefaultMpcNaming returns naming with force-pull disabled.
func DefaultMpcNaming() MpcNaming {
	return MpcNaming{Separator: DefaultPullSeparator}
}

func (n MpcNaming) marker() string {
	sep := n.Separator
	if sep == "" {
		sep = DefaultPullSeparator
	}
	return "/" + sep + "/"
}

// ForcePull reports whether mpc should be treated as carrying the
// initiator.
func (n MpcNaming) ForcePull(mpc string) bool {
	if !n.ForcePullByMpc {
		return false
	}
	i := strings.LastIndex(mpc, n.marker())
	return i > 0 && i+len(n.marker()) < len(mpc)
}

// Compose builds the MPC for the given base MPC and initiator.
func (n MpcNaming) Compose(base, initiator string) string {
	return base + n.marker() + initiator
}

// Initiator extracts the initiator from an MPC built by Compose.
func (n MpcNaming) Initiator(mpc string) (string, bool) {
	i := strings.LastIndex(mpc, n.marker())
	if i <= 0 {
		return "", false
	}
	initiator := mpc[i+len(n.marker()):]
	return initiator, initiator != ""
}

// BaseMpc strips the initiator segment; other MPCs are returned as is.
func (n MpcNaming) BaseMpc(mpc string) string {
	i := strings.LastIndex(mpc, n.marker())
	if i <= 0 {
		return mpc
	}
	return mpc[:i]
}
