package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	published []published
	handler   nats.MsgHandler
	subject   string
	fail      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.fail != nil {
		return c.fail
	}
	c.published = append(c.published, published{subject, data})
	return nil
}

func (c *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.subject = subject
	c.handler = cb
	return nil, nil
}

// deliver plays every published message back to the subscriber, as a
// NATS server would
func (c *fakeConn) deliver() {
	for _, p := range c.published {
		c.handler(&nats.Msg{Subject: p.subject, Data: p.data})
	}
}

type counter struct{ n int }

func (c *counter) Refresh() { c.n++ }

func TestSignalReloadPublishesOrigin(t *testing.T) {
	conn := &fakeConn{}
	s := NewSignaler(conn, "", nil)

	require.NoError(t, s.SignalReload(context.Background()))
	require.Len(t, conn.published, 1)
	assert.Equal(t, DefaultSubject, conn.published[0].subject)

	var sig reloadSignal
	require.NoError(t, json.Unmarshal(conn.published[0].data, &sig))
	assert.Equal(t, s.Origin(), sig.Origin)
	assert.False(t, sig.SentAt.IsZero())
}

func TestSignalReloadPublishFailure(t *testing.T) {
	conn := &fakeConn{fail: errors.New("nats: connection closed")}
	s := NewSignaler(conn, "reload", nil)
	assert.Error(t, s.SignalReload(context.Background()))
}

func TestPeerSignalRefreshes(t *testing.T) {
	conn := &fakeConn{}
	local := NewSignaler(conn, "reload", nil)
	peer := NewSignaler(conn, "reload", nil)

	c := &counter{}
	local.Register(c)
	require.NoError(t, local.Start())
	assert.Equal(t, "reload", conn.subject)

	require.NoError(t, peer.SignalReload(context.Background()))
	conn.deliver()
	assert.Equal(t, 1, c.n)
}

func TestOwnSignalIgnored(t *testing.T) {
	s := NewSignaler(&fakeConn{}, "reload", nil)
	c := &counter{}
	s.Register(c)

	data, err := json.Marshal(reloadSignal{Origin: s.Origin()})
	require.NoError(t, err)
	assert.False(t, s.handle(data))
	assert.Equal(t, 0, c.n)
}

func TestMalformedSignalIgnored(t *testing.T) {
	s := NewSignaler(&fakeConn{}, "reload", nil)
	c := &counter{}
	s.Register(c)
	assert.False(t, s.handle([]byte("not json")))
	assert.Equal(t, 0, c.n)
}

func TestClosedSignalerRefusesToPublish(t *testing.T) {
	conn := &fakeConn{}
	s := NewSignaler(conn, "reload", nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.SignalReload(context.Background()), ErrClosed)
	assert.Empty(t, conn.published)
}
