package pmode

import (
	"fmt"
	"strings"
)

// KeySeparator joins the segments of a pmodeKey. Entity names must not
// contain it.
const KeySeparator = ":"

const keySegments = 6

// ExchangeConfiguration is the result of resolving a message against the
// PMode configuration: the names of the matched entities.
type ExchangeConfiguration struct {
	Agreement string
	Sender    string
	Receiver  string
	Service   string
	Action    string
	Leg       string

	// Mpc is the effective MPC of the exchange. It is not part of the key.
	Mpc string
}

// PModeKey composes the opaque handle used by the per-key lookups:
// agreement:sender:receiver:service:action:leg.
func (e *ExchangeConfiguration) PModeKey() string {
	return strings.Join([]string{e.Agreement, e.Sender, e.Receiver, e.Service, e.Action, e.Leg}, KeySeparator)
}

func (e *ExchangeConfiguration) String() string {
	if e.Mpc == "" {
		return e.PModeKey()
	}
	return fmt.Sprintf("%s (mpc %s)", e.PModeKey(), e.Mpc)
}

// ParsePModeKey splits a pmodeKey back into its names. Mpc is left empty.
func ParsePModeKey(pmodeKey string) (*ExchangeConfiguration, error) {
	parts := strings.Split(pmodeKey, KeySeparator)
	if len(parts) != keySegments {
		return nil, fmt.Errorf("%w: %q has %d segments, want %d", ErrInvalidPModeKey, pmodeKey, len(parts), keySegments)
	}
	for i, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment at position %d", ErrInvalidPModeKey, pmodeKey, i)
		}
	}
	return &ExchangeConfiguration{
		Agreement: parts[0],
		Sender:    parts[1],
		Receiver:  parts[2],
		Service:   parts[3],
		Action:    parts[4],
		Leg:       parts[5],
	}, nil
}
