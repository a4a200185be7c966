package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/sirosfoundation/go-msh/pkg/reliability"
)

const (
	DefaultStream  = "MSH_OUTBOUND"
	DefaultSubject = "msh.outbound"
	DefaultDurable = "msh-sender"
)

// Handler sends one message. Its error is logged; the outcome of the
// send is recorded by the reliability engine, not by redelivery.
type Handler = func(ctx context.Context, messageID string) error

// Queue is an outbound queue the sender consumes
type Queue interface {
	reliability.DispatchQueue
	// Consume calls h for every queued id until ctx is done
	Consume(ctx context.Context, h Handler) error
}

// JetStreamConfig names the stream, subject and durable consumer
type JetStreamConfig struct {
	Stream  string
	Subject string
	Durable string
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Durable == "" {
		c.Durable = DefaultDurable
	}
	return c
}

// JetStreamQueue queues message ids on a work-queue stream shared by all
// nodes; each id is delivered to one consumer.
type JetStreamQueue struct {
	js     jetstream.JetStream
	cfg    JetStreamConfig
	logger *slog.Logger
}

var _ Queue = (*JetStreamQueue)(nil)

func NewJetStreamQueue(js jetstream.JetStream, cfg JetStreamConfig, logger *slog.Logger) *JetStreamQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamQueue{js: js, cfg: cfg.withDefaults(), logger: logger.With("component", "dispatch")}
}

// Setup creates or updates the stream
func (q *JetStreamQueue) Setup(ctx context.Context) (jetstream.Stream, error) {
	stream, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      q.cfg.Stream,
		Subjects:  []string{q.cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating stream %s: %w", q.cfg.Stream, err)
	}
	return stream, nil
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, messageID string) error {
	if _, err := q.js.Publish(ctx, q.cfg.Subject, []byte(messageID)); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", messageID, q.cfg.Subject, err)
	}
	return nil
}

func (q *JetStreamQueue) Consume(ctx context.Context, h Handler) error {
	stream, err := q.Setup(ctx)
	if err != nil {
		return err
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       q.cfg.Durable,
		FilterSubject: q.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("creating consumer %s: %w", q.cfg.Durable, err)
	}

	consumeContext, err := consumer.Consume(func(msg jetstream.Msg) {
		q.deliver(ctx, h, string(msg.Data()))
		if err := msg.Ack(); err != nil {
			q.logger.Warn("Failed to ack outbound message", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("consuming %s: %w", q.cfg.Subject, err)
	}
	defer consumeContext.Stop()

	q.logger.Info("Consuming outbound queue", "stream", q.cfg.Stream, "subject", q.cfg.Subject)
	<-ctx.Done()
	return nil
}

func (q *JetStreamQueue) deliver(ctx context.Context, h Handler, messageID string) {
	if err := h(ctx, messageID); err != nil {
		q.logger.Error("Dispatch failed", "message_id", messageID, "error", err)
	}
}

// ChannelQueue is an in-process queue for single node deployments
type ChannelQueue struct {
	ch     chan string
	logger *slog.Logger
}

var _ Queue = (*ChannelQueue)(nil)

func NewChannelQueue(size int, logger *slog.Logger) *ChannelQueue {
	if size <= 0 {
		size = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelQueue{ch: make(chan string, size), logger: logger.With("component", "dispatch")}
}

// Enqueue blocks while the queue is full
func (q *ChannelQueue) Enqueue(ctx context.Context, messageID string) error {
	select {
	case q.ch <- messageID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued ids
func (q *ChannelQueue) Len() int {
	return len(q.ch)
}

func (q *ChannelQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-q.ch:
			if err := h(ctx, id); err != nil {
				q.logger.Error("Dispatch failed", "message_id", id, "error", err)
			}
		}
	}
}
