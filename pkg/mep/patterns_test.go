package mep

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMEPBindingConstants(t *testing.T) {
	assert.Equal(t, "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push", string(Push))
	assert.Equal(t, "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pull", string(Pull))
	assert.Equal(t, "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/oneWay", string(OneWay))
}

func TestIsPull(t *testing.T) {
	tests := []struct {
		binding MEPBinding
		want    bool
	}{
		{Push, false},
		{PushAndPush, false},
		{PushAndPull, false},
		{Pull, true},
		{PullAndPush, true},
		{" " + Pull + " ", true},
		{MEPBinding("urn:example:other"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.binding), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.binding.IsPull())
		})
	}
}

func TestIsKnown(t *testing.T) {
	assert.True(t, Push.IsKnown())
	assert.True(t, PullAndPush.IsKnown())
	assert.False(t, MEPBinding("push").IsKnown())
	assert.True(t, TwoWay.IsKnown())
	assert.False(t, MEPType("").IsKnown())
}
