package dispatch

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV mimics the create-if-absent semantics of a JetStream KV bucket
type fakeKV struct {
	mu   sync.Mutex
	keys map[string][]byte
	err  error
}

func newFakeKV() *fakeKV {
	return &fakeKV{keys: map[string][]byte{}}
}

func (kv *fakeKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.err != nil {
		return 0, kv.err
	}
	if _, ok := kv.keys[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	kv.keys[key] = value
	return uint64(len(kv.keys)), nil
}

func (kv *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.keys, key)
	return nil
}

func TestMarkerKeyAlphabet(t *testing.T) {
	valid := regexp.MustCompile(`^[-_A-Za-z0-9]+$`)
	for _, id := range []string{"<m1@blue.example>", "a/b.c", "uuid-4e2f@domibus.eu"} {
		assert.Regexp(t, valid, markerKey(id), id)
	}
	assert.NotEqual(t, markerKey("a@b"), markerKey("a_b"))
}

func TestKVRegistryAcquireOnce(t *testing.T) {
	kv := newFakeKV()
	r := NewKVRegistry(kv, "node-1")
	r.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	ok, err := r.TryAcquire(ctx, "m1@blue")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "node-1 2024-05-01T10:00:00Z", string(kv.keys[markerKey("m1@blue")]))

	ok, err = r.TryAcquire(ctx, "m1@blue")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Release(ctx, "m1@blue"))
	ok, err = r.TryAcquire(ctx, "m1@blue")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKVRegistryError(t *testing.T) {
	kv := newFakeKV()
	kv.err = errors.New("nats: timeout")
	r := NewKVRegistry(kv, "node-1")
	ok, err := r.TryAcquire(context.Background(), "m1")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestMemoryRegistryConcurrentAcquire(t *testing.T) {
	r := NewMemoryRegistry()
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := r.TryAcquire(context.Background(), "m1"); ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())

	require.NoError(t, r.Release(context.Background(), "m1"))
	ok, err := r.TryAcquire(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChannelQueueConsume(t *testing.T) {
	q := NewChannelQueue(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, "m1"))
	require.NoError(t, q.Enqueue(ctx, "m2"))
	assert.Equal(t, 2, q.Len())

	got := make(chan string, 2)
	done := make(chan error)
	go func() {
		done <- q.Consume(ctx, func(_ context.Context, id string) error {
			got <- id
			if id == "m2" {
				return errors.New("transport down")
			}
			return nil
		})
	}()

	assert.Equal(t, "m1", <-got)
	assert.Equal(t, "m2", <-got)
	cancel()
	assert.NoError(t, <-done)
}

func TestChannelQueueEnqueueHonoursContext(t *testing.T) {
	q := NewChannelQueue(1, nil)
	require.NoError(t, q.Enqueue(context.Background(), "m1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, "m2"), context.DeadlineExceeded)
}

type fakeJetStream struct {
	jetstream.JetStream
	subjects []string
	data     []string
	err      error
}

func (js *fakeJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if js.err != nil {
		return nil, js.err
	}
	js.subjects = append(js.subjects, subject)
	js.data = append(js.data, string(data))
	return &jetstream.PubAck{Stream: DefaultStream}, nil
}

func TestJetStreamQueueEnqueue(t *testing.T) {
	js := &fakeJetStream{}
	q := NewJetStreamQueue(js, JetStreamConfig{}, nil)

	require.NoError(t, q.Enqueue(context.Background(), "m1@blue"))
	assert.Equal(t, []string{DefaultSubject}, js.subjects)
	assert.Equal(t, []string{"m1@blue"}, js.data)

	js.err = errors.New("nats: no response from stream")
	assert.Error(t, q.Enqueue(context.Background(), "m2@blue"))
}
