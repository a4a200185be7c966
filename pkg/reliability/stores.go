package reliability

import (
	"context"
	"log/slog"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/metrics"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// MessageLogStore persists UserMessageLog records.
type MessageLogStore interface {
	// FindUserMessageLog returns ErrMessageNotFound for unknown ids.
	FindUserMessageLog(ctx context.Context, messageID string) (*UserMessageLog, error)
	SaveUserMessageLog(ctx context.Context, l *UserMessageLog) error
	// FindRetryCandidates lists ids of messages waiting for a retry or a
	// receipt whose next attempt is due at now, and of SEND_ENQUEUED
	// messages enqueued at or before enqueuedBefore.
	FindRetryCandidates(ctx context.Context, now, enqueuedBefore time.Time, limit int) ([]string, error)
}

// LockStore persists pull MessagingLocks.
type LockStore interface {
	SaveLock(ctx context.Context, l *MessagingLock) error
	// FindLock returns ErrLockNotFound for unknown ids.
	FindLock(ctx context.Context, messageID string) (*MessagingLock, error)
	// FindReadyLock returns the oldest READY lock for mpc and initiator,
	// or nil when there is none.
	FindReadyLock(ctx context.Context, mpc, initiator string, now time.Time) (*MessagingLock, error)
	// TransitionLock moves a lock from one state to another and reports
	// false when the lock was no longer in state from.
	TransitionLock(ctx context.Context, messageID string, from, to LockState) (bool, error)
	FindWaitingForReceiptLocks(ctx context.Context, now time.Time) ([]*MessagingLock, error)
	FindStaledLocks(ctx context.Context, now time.Time) ([]*MessagingLock, error)
	DeleteLocks(ctx context.Context, state LockState) (int64, error)
}

// AttemptStore records send attempts.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, a *MessageAttempt) error
}

// PayloadCleaner removes the payload of a finished message.
type PayloadCleaner interface {
	ClearPayload(ctx context.Context, messageID string) error
}

// BackendNotifier tells the submitting backend about final outcomes.
type BackendNotifier interface {
	NotifySendSuccess(ctx context.Context, messageID string) error
	NotifySendFailure(ctx context.Context, messageID string, code ErrorCode, detail string) error
}

// InFlightRegistry marks messages currently queued or being sent so
// that concurrent retry sweeps do not enqueue them twice.
type InFlightRegistry interface {
	TryAcquire(ctx context.Context, messageID string) (bool, error)
	Release(ctx context.Context, messageID string) error
}

// DispatchQueue hands a message to the sender.
type DispatchQueue interface {
	Enqueue(ctx context.Context, messageID string) error
}

// LegResolver returns the leg of an exchange by pmodeKey.
type LegResolver interface {
	LegConfiguration(ctx context.Context, pmodeKey string) (*pmode.LegConfiguration, error)
}

// Transactor runs fn in a transaction. InTx joins the transaction
// carried by ctx if there is one; InNewTx always starts a fresh one.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	InNewTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DefaultStaleEnqueued is how long a message may stay SEND_ENQUEUED
// before the retry sweep queues it again.
const DefaultStaleEnqueued = 5 * time.Minute

// Dependencies wires the reliability services to storage and the
// outside world. Attempts, InFlight, Queue, Locks, Metrics, Logger, Now,
// BatchSize and StaleEnqueued are optional.
type Dependencies struct {
	Logs     MessageLogStore
	Locks    LockStore
	Attempts AttemptStore
	Payloads PayloadCleaner
	Notifier BackendNotifier
	InFlight InFlightRegistry
	Queue    DispatchQueue
	Legs     LegResolver
	Tx       Transactor

	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
	BatchSize int
	// StaleEnqueued is the age after which a SEND_ENQUEUED message whose
	// queue entry or outcome got lost is queued again
	StaleEnqueued time.Duration
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 100
	}
	if d.StaleEnqueued <= 0 {
		d.StaleEnqueued = DefaultStaleEnqueued
	}
	return d
}
