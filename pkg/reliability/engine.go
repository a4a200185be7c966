package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Engine applies the outcome of a send attempt to the message log.
type Engine struct {
	deps   Dependencies
	retry  *RetryService
	logger *slog.Logger
}

// NewEngine creates an Engine sharing its bookkeeping with retry.
func NewEngine(deps Dependencies, retry *RetryService) *Engine {
	deps = deps.withDefaults()
	if retry == nil {
		retry = NewRetryService(deps)
	}
	return &Engine{deps: deps, retry: retry, logger: deps.Logger.With("component", "reliability")}
}

// HandleReliability records o. An ABORT fails the message in a
// transaction of its own. Any other outcome is applied in the caller's
// transaction; if that fails it is retried once in a new transaction
// before giving up with ErrOutcomeNotRecorded.
func (e *Engine) HandleReliability(ctx context.Context, o Outcome) error {
	if e.deps.InFlight != nil {
		defer func() {
			if err := e.deps.InFlight.Release(context.WithoutCancel(ctx), o.MessageID); err != nil {
				e.logger.Warn("Failed to release in-flight marker", "message_id", o.MessageID, "error", err)
			}
		}()
	}
	e.deps.Metrics.Outcome(string(o.Reliability))
	e.recordAttempt(ctx, o)

	switch o.Reliability {
	case ReliabilityAbort:
		return e.retry.MessageFailedInNewTransaction(ctx, o.MessageID, ErrorOther, detail(o))
	case ReliabilityOK, ReliabilityWaitingForCallback, ReliabilitySendFail:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOutcome, o.Reliability)
	}

	apply := func(ctx context.Context) error { return e.apply(ctx, o) }
	err := e.deps.Tx.InTx(ctx, apply)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrMessageNotFound) {
		return err
	}
	e.logger.Warn("Recording outcome failed, retrying in a new transaction", "message_id", o.MessageID, "error", err)
	if err2 := e.deps.Tx.InNewTx(ctx, apply); err2 != nil {
		e.logger.Error("Could not record outcome", "message_id", o.MessageID, "status", o.Reliability, "error", err2)
		return fmt.Errorf("%w: %s: %w", ErrOutcomeNotRecorded, o.MessageID, err2)
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, o Outcome) error {
	switch o.Reliability {
	case ReliabilityOK:
		log, err := e.deps.Logs.FindUserMessageLog(ctx, o.MessageID)
		if err != nil {
			return err
		}
		return e.retry.acknowledge(ctx, log, o.Response == ResponseWarning)
	case ReliabilityWaitingForCallback:
		return e.retry.updateWaitingReceipt(ctx, o.MessageID, o.Leg)
	default:
		return e.retry.updateRetryLogging(ctx, o.MessageID, o.Leg)
	}
}

// recordAttempt stores the attempt outside any transaction; losing it
// does not affect delivery.
func (e *Engine) recordAttempt(ctx context.Context, o Outcome) {
	if e.deps.Attempts == nil {
		return
	}
	a := &MessageAttempt{
		ID:        uuid.NewString(),
		MessageID: o.MessageID,
		Started:   o.Started,
		Ended:     e.deps.Now(),
		Status:    AttemptSuccess,
	}
	switch o.Reliability {
	case ReliabilityAbort:
		a.Status = AttemptAbort
	case ReliabilitySendFail:
		a.Status = AttemptError
	}
	if o.Err != nil {
		a.Error = o.Err.Error()
	}
	if a.Started.IsZero() {
		a.Started = a.Ended
	}
	if err := e.deps.Attempts.RecordAttempt(ctx, a); err != nil {
		e.logger.Warn("Failed to record send attempt", "message_id", o.MessageID, "error", err)
	}
}

func detail(o Outcome) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return "send aborted"
}
