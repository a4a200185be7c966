// Package storage defines the persistence contracts of the MSH and the
// helpers shared by its backends.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces, most of them
// declared by the packages that consume them:
//
//   - [resolver.ConfigurationStore]: raw PMode documents
//   - [resolver.Querier]: direct queries over the normalized PMode tables
//   - [reliability.MessageLogStore], [reliability.LockStore] and
//     [reliability.AttemptStore]: delivery bookkeeping
//   - [PayloadStore]: message payloads, removed once a message is final
//   - [ConfigurationHistory]: list of uploaded documents
//
// The [Store] interface combines what a full SQL backend provides.
//
// # Implementations
//
// The sqlstore sub-package implements [Store] with gorm on SQLite or
// MySQL. The mongodb sub-package keeps PMode documents and payloads in
// MongoDB; it has no PMode tables and so only serves the caching
// resolver.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
	"github.com/sirosfoundation/go-msh/pkg/resolver"
)

// ErrNotFound indicates the requested record does not exist
var ErrNotFound = errors.New("not found")

// Store is the main storage interface combining all sub-stores
type Store interface {
	resolver.QueryStore
	reliability.MessageLogStore
	reliability.LockStore
	reliability.AttemptStore
	reliability.Transactor
	PayloadStore
	ConfigurationHistory

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks database connectivity
	Ping(ctx context.Context) error
}

// ConfigurationHistory lists stored PMode documents, newest first
type ConfigurationHistory interface {
	ListConfigurations(ctx context.Context, limit int) ([]ConfigurationInfo, error)
}

// ConfigurationInfo describes one stored PMode document
type ConfigurationInfo struct {
	ID          string    `bson:"_id" json:"id"`
	Description string    `bson:"description" json:"description"`
	Size        int       `bson:"size" json:"size"`
	CreatedAt   time.Time `bson:"created_at" json:"createdAt"`
}

// PayloadStore manages message payloads (large binary data)
type PayloadStore interface {
	// StorePayload stores a payload of a message and returns its ID
	StorePayload(ctx context.Context, payload *PayloadData) (string, error)

	// GetPayloads retrieves the payloads of a message
	GetPayloads(ctx context.Context, messageID string) ([]*PayloadData, error)

	// ClearPayload deletes every payload of a message
	ClearPayload(ctx context.Context, messageID string) error
}

// PayloadData holds payload content and metadata
type PayloadData struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	ContentID string `json:"contentId"`
	MimeType  string `json:"mimeType"`
	Data      []byte `json:"-"`
	Checksum  string `json:"checksum"`
}

// DecodeConfiguration parses a stored PMode document. Documents were
// validated on upload, so strict-mode warnings are dropped here.
func DecodeConfiguration(raw []byte) (*pmode.Configuration, error) {
	if len(raw) == 0 {
		return nil, pmode.ErrConfigurationMissing
	}
	cfg, _, err := pmode.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("stored PMode configuration is unreadable: %w", err)
	}
	return cfg, nil
}
