// Package notify publishes final send outcomes to the submitting backend
// over NATS JetStream.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/sirosfoundation/go-msh/pkg/reliability"
)

// DefaultSubjectPrefix is prepended to the outcome in the subject
const DefaultSubjectPrefix = "msh.notify"

// Publisher is the part of jetstream.JetStream the notifier needs
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Event is the notification body
type Event struct {
	MessageID   string    `json:"message_id"`
	Outcome     string    `json:"outcome"`
	Code        string    `json:"code,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	OutcomeSuccess = "send_success"
	OutcomeFailure = "send_failure"
)

// JetStreamNotifier implements reliability.BackendNotifier
type JetStreamNotifier struct {
	js     Publisher
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var _ reliability.BackendNotifier = (*JetStreamNotifier)(nil)

// NewJetStreamNotifier creates a notifier publishing on
// <prefix>.send_success and <prefix>.send_failure
func NewJetStreamNotifier(js Publisher, prefix string, logger *slog.Logger) *JetStreamNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamNotifier{
		js:     js,
		prefix: prefix,
		logger: logger.With("component", "notify"),
		now:    time.Now,
	}
}

// Subjects returns the subjects the notifier publishes on, for stream
// configuration
func (n *JetStreamNotifier) Subjects() []string {
	return []string{n.prefix + ".>"}
}

func (n *JetStreamNotifier) NotifySendSuccess(ctx context.Context, messageID string) error {
	return n.publish(ctx, Event{MessageID: messageID, Outcome: OutcomeSuccess})
}

func (n *JetStreamNotifier) NotifySendFailure(ctx context.Context, messageID string, code reliability.ErrorCode, detail string) error {
	return n.publish(ctx, Event{
		MessageID:   messageID,
		Outcome:     OutcomeFailure,
		Code:        code.Code,
		Severity:    code.Severity,
		Description: code.ShortDescription,
		Category:    code.Category,
		Detail:      detail,
	})
}

func (n *JetStreamNotifier) publish(ctx context.Context, ev Event) error {
	ev.Timestamp = n.now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	subject := n.prefix + "." + ev.Outcome
	// The message id doubles as the dedup id, so a redelivered outcome is
	// dropped by the stream.
	if _, err := n.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.Outcome+":"+ev.MessageID)); err != nil {
		return fmt.Errorf("publishing %s for %s: %w", ev.Outcome, ev.MessageID, err)
	}
	n.logger.Debug("Backend notified", "message_id", ev.MessageID, "outcome", ev.Outcome, "code", ev.Code)
	return nil
}

// LogNotifier only logs outcomes; it is used when no NATS server is
// configured
type LogNotifier struct {
	Logger *slog.Logger
}

var _ reliability.BackendNotifier = LogNotifier{}

func (l LogNotifier) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l LogNotifier) NotifySendSuccess(_ context.Context, messageID string) error {
	l.logger().Info("Message sent", "message_id", messageID)
	return nil
}

func (l LogNotifier) NotifySendFailure(_ context.Context, messageID string, code reliability.ErrorCode, detail string) error {
	l.logger().Warn("Message send failed", "message_id", messageID, "code", code.Code, "detail", detail)
	return nil
}
