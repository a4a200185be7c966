package resolver

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

func TestPullContext(t *testing.T) {
	r := NewCachingResolver(newMemStore(t, domibus), Options{})

	pc, err := r.PullContext(context.Background(), pullMpc)
	require.NoError(t, err)
	assert.Equal(t, "pullProcess", pc.Process.Name)
	assert.Equal(t, "red_gw", pc.Initiator.Name)
	assert.Equal(t, pullMpc, pc.BaseMpc)
	require.Len(t, pc.Responders(), 1)
	assert.Equal(t, "blue_gw", pc.Responders()[0].Name)

	pc, err = r.PullContext(context.Background(), "pullMpc")
	require.NoError(t, err)
	assert.Equal(t, pullMpc, pc.BaseMpc)
}

func TestPullContextErrors(t *testing.T) {
	r := NewCachingResolver(newMemStore(t, domibus), Options{})

	_, err := r.PullContext(context.Background(), "urn:mpc:none")
	assert.ErrorIs(t, err, pmode.ErrNoMatchingMpc)

	_, err = r.PullContext(context.Background(), pmode.DefaultMPC)
	assert.ErrorIs(t, err, ErrNoPullProcess)
}

func TestPullContextInitiatorFromMpc(t *testing.T) {
	raw := strings.Replace(string(pullConfig("m1")),
		`<initiatorParty name="b"/>`,
		`<initiatorParty name="b"/><initiatorParty name="a"/>`, 1)
	store := newMemStore(t, "")
	store.raw = []byte(raw)
	naming := pmode.MpcNaming{ForcePullByMpc: true, Separator: "PID"}
	r := NewCachingResolver(store, Options{Naming: naming})
	ctx := context.Background()

	_, err := r.PullContext(ctx, "urn:mpc:m1")
	assert.ErrorIs(t, err, ErrPullInitiator)

	pc, err := r.PullContext(ctx, naming.Compose("urn:mpc:m1", "a"))
	require.NoError(t, err)
	assert.Equal(t, "a", pc.Initiator.Name)
	assert.Equal(t, "urn:mpc:m1", pc.BaseMpc)

	_, err = r.PullContext(ctx, naming.Compose("urn:mpc:m1", "c"))
	assert.ErrorIs(t, err, ErrPullInitiator)
}

func TestPullContextMultipleProcesses(t *testing.T) {
	raw := strings.Replace(string(pullConfig("m1")), `</businessProcesses>`, `<process name="pull2" mep="oneway" binding="pull">
      <initiatorParties><initiatorParty name="a"/></initiatorParties>
      <responderParties><responderParty name="b"/></responderParties>
      <legs><leg name="leg"/></legs>
    </process>
  </businessProcesses>`, 1)
	store := newMemStore(t, "")
	store.raw = []byte(raw)
	r := NewCachingResolver(store, Options{})

	_, err := r.PullContext(context.Background(), "urn:mpc:m1")
	assert.ErrorIs(t, err, ErrMultiplePullProcesses)
}
