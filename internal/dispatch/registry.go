package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/sirosfoundation/go-msh/pkg/reliability"
)

// DefaultBucket is the KV bucket holding in-flight markers
const DefaultBucket = "msh_in_flight"

// KeyValue is the part of jetstream.KeyValue the registry needs
type KeyValue interface {
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// KVRegistry keeps in-flight markers in a JetStream KV bucket. Create
// only succeeds for an absent key, which makes TryAcquire a
// compare-and-set shared by every node.
type KVRegistry struct {
	kv    KeyValue
	owner string
	now   func() time.Time
}

var _ reliability.InFlightRegistry = (*KVRegistry)(nil)

// NewKVRegistry creates a registry writing owner into each marker
func NewKVRegistry(kv KeyValue, owner string) *KVRegistry {
	return &KVRegistry{kv: kv, owner: owner, now: time.Now}
}

// EnsureBucket opens the marker bucket, creating it when missing. Markers
// left by a crashed node expire after ttl.
func EnsureBucket(ctx context.Context, js jetstream.JetStream, name string, ttl time.Duration) (jetstream.KeyValue, error) {
	if name == "" {
		name = DefaultBucket
	}
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("opening KV bucket %s: %w", name, err)
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "messages queued or being sent",
		TTL:         ttl,
		History:     1,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		// created by another node in the meantime
		return js.KeyValue(ctx, name)
	}
	if err != nil {
		return nil, fmt.Errorf("creating KV bucket %s: %w", name, err)
	}
	return kv, nil
}

// markerKey encodes a message id into the KV key alphabet; ebMS message
// ids carry '@' and '<'.
func markerKey(messageID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(messageID))
}

func (r *KVRegistry) TryAcquire(ctx context.Context, messageID string) (bool, error) {
	value := fmt.Sprintf("%s %s", r.owner, r.now().UTC().Format(time.RFC3339))
	_, err := r.kv.Create(ctx, markerKey(messageID), []byte(value))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquiring in-flight marker for %s: %w", messageID, err)
	}
	return true, nil
}

func (r *KVRegistry) Release(ctx context.Context, messageID string) error {
	err := r.kv.Delete(ctx, markerKey(messageID))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("releasing in-flight marker for %s: %w", messageID, err)
	}
	return nil
}

// MemoryRegistry keeps in-flight markers in process, for single node
// deployments without NATS.
type MemoryRegistry struct {
	held sync.Map
}

var _ reliability.InFlightRegistry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{}
}

func (r *MemoryRegistry) TryAcquire(_ context.Context, messageID string) (bool, error) {
	_, loaded := r.held.LoadOrStore(messageID, struct{}{})
	return !loaded, nil
}

func (r *MemoryRegistry) Release(_ context.Context, messageID string) error {
	r.held.Delete(messageID)
	return nil
}
