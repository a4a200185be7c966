package mep

import "strings"

// MEPType represents a Message Exchange Pattern type
type MEPType string

const (
	// OneWay is the one-way MEP
	OneWay MEPType = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/oneWay"

	// TwoWay is the two-way MEP
	TwoWay MEPType = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/twoWay"
)

// MEPBinding represents a MEP binding
type MEPBinding string

const (
	// Push binding
	Push MEPBinding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push"

	// PushAndPush binding for two-way
	PushAndPush MEPBinding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pushAndPush"

	// Pull binding
	Pull MEPBinding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pull"

	// PullAndPush binding
	PullAndPush MEPBinding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pullAndPush"

	// PushAndPull binding
	PushAndPull MEPBinding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pushAndPull"
)

// IsPull reports whether the first leg of the binding is pulled by the
// responder.
func (b MEPBinding) IsPull() bool {
	v := strings.TrimSpace(string(b))
	return strings.EqualFold(v, string(Pull)) || strings.EqualFold(v, string(PullAndPush))
}

// IsKnown reports whether b is one of the bindings defined by ebMS3.
func (b MEPBinding) IsKnown() bool {
	switch MEPBinding(strings.TrimSpace(string(b))) {
	case Push, PushAndPush, Pull, PullAndPush, PushAndPull:
		return true
	}
	return false
}

// IsKnown reports whether t is one of the MEPs defined by ebMS3.
func (t MEPType) IsKnown() bool {
	switch MEPType(strings.TrimSpace(string(t))) {
	case OneWay, TwoWay:
		return true
	}
	return false
}
