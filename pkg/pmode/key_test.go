package pmode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPModeKeyRoundTrip(t *testing.T) {
	tests := []ExchangeConfiguration{
		{Agreement: OptionalAndEmpty, Sender: "blue_gw", Receiver: "red_gw", Service: "testService1", Action: "tc1Action", Leg: "pushTestcase1tc1Action"},
		{Agreement: "agreement1", Sender: "red_gw", Receiver: "blue_gw", Service: "s", Action: "a", Leg: "l"},
	}
	for _, want := range tests {
		t.Run(want.PModeKey(), func(t *testing.T) {
			got, err := ParsePModeKey(want.PModeKey())
			require.NoError(t, err)
			assert.Equal(t, want, *got)
		})
	}
}

func TestPModeKeyLayout(t *testing.T) {
	e := &ExchangeConfiguration{Agreement: "ag", Sender: "s", Receiver: "r", Service: "svc", Action: "act", Leg: "leg", Mpc: "mpc"}
	assert.Equal(t, "ag:s:r:svc:act:leg", e.PModeKey())
	assert.Equal(t, "ag:s:r:svc:act:leg (mpc mpc)", e.String())
}

func TestParsePModeKeyErrors(t *testing.T) {
	for _, key := range []string{"", "a:b:c:d:e", "a:b:c:d:e:f:g", "a::c:d:e:f"} {
		_, err := ParsePModeKey(key)
		assert.ErrorIs(t, err, ErrInvalidPModeKey, key)
	}
}
