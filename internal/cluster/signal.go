// Package cluster propagates PMode reloads between MSH nodes over NATS.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/sirosfoundation/go-msh/pkg/resolver"
)

// DefaultSubject is the subject reload signals are published on
const DefaultSubject = "msh.pmode.reload"

var ErrClosed = errors.New("cluster signaler closed")

// Conn is the part of *nats.Conn the signaler needs
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Refresher drops a cached configuration
type Refresher interface {
	Refresh()
}

// reloadSignal is the payload of a reload message
type reloadSignal struct {
	Origin string    `json:"origin"`
	SentAt time.Time `json:"sent_at"`
}

// Signaler publishes reload signals and refreshes local resolvers when
// another node publishes one.
type Signaler struct {
	conn    Conn
	subject string
	origin  string
	logger  *slog.Logger

	mu         sync.Mutex
	refreshers []Refresher
	sub        *nats.Subscription
	closed     bool
}

var _ resolver.ClusterSignaler = (*Signaler)(nil)

// NewSignaler creates a signaler with a fresh node identity
func NewSignaler(conn Conn, subject string, logger *slog.Logger) *Signaler {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	origin := uuid.New().String()
	return &Signaler{
		conn:    conn,
		subject: subject,
		origin:  origin,
		logger:  logger.With("component", "cluster", "node", origin),
	}
}

// Origin returns the node identity carried by signals from this node
func (s *Signaler) Origin() string {
	return s.origin
}

// Register adds a resolver to refresh on remote signals
func (s *Signaler) Register(r Refresher) {
	s.mu.Lock()
	s.refreshers = append(s.refreshers, r)
	s.mu.Unlock()
}

// SignalReload implements resolver.ClusterSignaler
func (s *Signaler) SignalReload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(reloadSignal{Origin: s.origin, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publishing reload signal: %w", err)
	}
	s.logger.Debug("Reload signal published", "subject", s.subject)
	return nil
}

// Start subscribes to reload signals
func (s *Signaler) Start() error {
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		s.handle(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.subject, err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.logger.Info("Listening for PMode reload signals", "subject", s.subject)
	return nil
}

// Close unsubscribes. It is safe to call more than once.
func (s *Signaler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.sub != nil {
		return s.sub.Unsubscribe()
	}
	return nil
}

// handle refreshes the registered resolvers unless the signal came from
// this node, which already dropped its snapshot on upload.
func (s *Signaler) handle(data []byte) bool {
	var sig reloadSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		s.logger.Warn("Ignoring malformed reload signal", "error", err)
		return false
	}
	if sig.Origin == s.origin {
		return false
	}

	s.mu.Lock()
	refreshers := append([]Refresher(nil), s.refreshers...)
	s.mu.Unlock()

	for _, r := range refreshers {
		r.Refresh()
	}
	s.logger.Info("PMode reload requested by peer", "peer", sig.Origin, "sent_at", sig.SentAt)
	return true
}
