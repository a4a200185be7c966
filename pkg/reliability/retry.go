package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// RetryService owns the retry bookkeeping of UserMessageLogs.
type RetryService struct {
	deps   Dependencies
	logger *slog.Logger
}

// NewRetryService creates a RetryService.
func NewRetryService(deps Dependencies) *RetryService {
	deps = deps.withDefaults()
	return &RetryService{deps: deps, logger: deps.Logger.With("component", "retry")}
}

// UpdateRetryLogging records a failed send attempt and either schedules
// the next retry or fails the message.
func (s *RetryService) UpdateRetryLogging(ctx context.Context, messageID string, leg *pmode.LegConfiguration) error {
	return s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		return s.updateRetryLogging(ctx, messageID, leg)
	})
}

// UpdateWaitingReceiptRetryLogging records a send whose receipt will
// arrive asynchronously. The attempt counter is left alone.
func (s *RetryService) UpdateWaitingReceiptRetryLogging(ctx context.Context, messageID string, leg *pmode.LegConfiguration) error {
	return s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		return s.updateWaitingReceipt(ctx, messageID, leg)
	})
}

// MessageFailed finalizes a message as SEND_FAILURE.
func (s *RetryService) MessageFailed(ctx context.Context, messageID string, code ErrorCode, detail string) error {
	return s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		return s.failByID(ctx, messageID, code, detail)
	})
}

// MessageFailedInNewTransaction is MessageFailed in a transaction of
// its own, so the failure sticks even if the caller's one rolls back.
func (s *RetryService) MessageFailedInNewTransaction(ctx context.Context, messageID string, code ErrorCode, detail string) error {
	return s.deps.Tx.InNewTx(ctx, func(ctx context.Context) error {
		return s.failByID(ctx, messageID, code, detail)
	})
}

func (s *RetryService) updateRetryLogging(ctx context.Context, messageID string, leg *pmode.LegConfiguration) error {
	log, err := s.deps.Logs.FindUserMessageLog(ctx, messageID)
	if err != nil {
		return err
	}
	if !log.Status.RetryEligible() {
		s.logger.Debug("Ignoring send failure of finished message", "message_id", messageID, "status", log.Status)
		return nil
	}
	now := s.deps.Now()
	log.SendAttempts++
	if log.TestMessage || !s.hasAttemptsLeft(log, leg, now) {
		return s.fail(ctx, log, ErrorDeliveryFailure, fmt.Sprintf("no attempts left after %d sends", log.SendAttempts))
	}
	strategy, retries, timeout := retryPlan(leg)
	next := NextAttempt(strategy, s.base(log), log.SendAttempts, retries, timeout)
	log.NextAttempt = &next
	log.Status = StatusWaitingForRetry
	if err := s.deps.Logs.SaveUserMessageLog(ctx, log); err != nil {
		return err
	}
	s.deps.Metrics.RetryScheduled()
	s.logger.Info("Scheduled retry", "message_id", messageID, "attempt", log.SendAttempts, "next_attempt", next)
	return nil
}

func (s *RetryService) updateWaitingReceipt(ctx context.Context, messageID string, leg *pmode.LegConfiguration) error {
	log, err := s.deps.Logs.FindUserMessageLog(ctx, messageID)
	if err != nil {
		return err
	}
	if !log.Status.RetryEligible() {
		return nil
	}
	now := s.deps.Now()
	if !s.hasAttemptsLeft(log, leg, now) {
		return s.fail(ctx, log, ErrorMissingReceipt, "no receipt within the retry window")
	}
	strategy, retries, timeout := retryPlan(leg)
	next := NextAttempt(strategy, now, log.SendAttempts+1, retries, timeout)
	log.NextAttempt = &next
	log.Status = StatusWaitingForReceipt
	return s.deps.Logs.SaveUserMessageLog(ctx, log)
}

// hasAttemptsLeft reports whether another send is allowed within the
// retry window that started when the message was received.
func (s *RetryService) hasAttemptsLeft(log *UserMessageLog, leg *pmode.LegConfiguration, now time.Time) bool {
	if leg == nil || leg.ReceptionAwareness == nil {
		return false
	}
	return log.SendAttempts < log.SendAttemptsMax && now.Sub(log.Received) < leg.ReceptionAwareness.Timeout()
}

func (s *RetryService) base(log *UserMessageLog) time.Time {
	if log.NextAttempt != nil {
		return *log.NextAttempt
	}
	return log.Received
}

func (s *RetryService) failByID(ctx context.Context, messageID string, code ErrorCode, detail string) error {
	log, err := s.deps.Logs.FindUserMessageLog(ctx, messageID)
	if err != nil {
		return err
	}
	return s.fail(ctx, log, code, detail)
}

// fail moves a message to SEND_FAILURE. A message already finished is
// left untouched so the backend hears about a failure only once. The
// status is saved before the backend is notified, so a failed save never
// follows a sent notification.
func (s *RetryService) fail(ctx context.Context, log *UserMessageLog, code ErrorCode, detail string) error {
	if !log.Status.RetryEligible() {
		s.logger.Debug("Message already finished", "message_id", log.MessageID, "status", log.Status)
		return nil
	}
	now := s.deps.Now()
	notify := log.NotificationStatus == NotificationRequired
	if notify {
		log.NotificationStatus = NotificationNotified
		log.Deleted = &now
	}
	log.Status = StatusSendFailure
	log.Failed = &now
	log.NextAttempt = nil
	if err := s.deps.Logs.SaveUserMessageLog(ctx, log); err != nil {
		return err
	}
	if notify {
		if err := s.deps.Notifier.NotifySendFailure(ctx, log.MessageID, code, detail); err != nil {
			return fmt.Errorf("failed to notify send failure of %s: %w", log.MessageID, err)
		}
	}
	s.clearPayload(ctx, log.MessageID)
	s.deps.Metrics.SendFailed(code.ShortDescription)
	s.logger.Warn("Message failed", "message_id", log.MessageID, "code", code.Code, "detail", detail)
	return nil
}

// acknowledge finalizes a message whose receipt arrived. Pulled messages
// counted their attempt when they were reserved.
func (s *RetryService) acknowledge(ctx context.Context, log *UserMessageLog, warning bool) error {
	if !log.Status.RetryEligible() {
		s.logger.Debug("Ignoring receipt of finished message", "message_id", log.MessageID, "status", log.Status)
		return nil
	}
	now := s.deps.Now()
	if log.Status != StatusBeingPulled {
		log.SendAttempts++
	}
	log.Status = StatusAcknowledged
	if warning {
		log.Status = StatusAckWithWarnings
	}
	log.Acknowledged = &now
	log.NextAttempt = nil
	notify := log.NotificationStatus == NotificationRequired
	if notify {
		log.NotificationStatus = NotificationNotified
	}
	if err := s.deps.Logs.SaveUserMessageLog(ctx, log); err != nil {
		return err
	}
	if notify {
		if err := s.deps.Notifier.NotifySendSuccess(ctx, log.MessageID); err != nil {
			return fmt.Errorf("failed to notify send success of %s: %w", log.MessageID, err)
		}
	}
	s.clearPayload(ctx, log.MessageID)
	return nil
}

// clearPayload drops the payload of a finished message. A leftover
// payload is removed by retention cleanup, so failures only get logged.
func (s *RetryService) clearPayload(ctx context.Context, messageID string) {
	if err := s.deps.Payloads.ClearPayload(ctx, messageID); err != nil {
		s.logger.Warn("Failed to clear payload", "message_id", messageID, "error", err)
	}
}

// EnqueueDueRetries hands every message whose next attempt is due back
// to the dispatch queue and fails those waiting for a receipt that ran
// out of attempts. Messages left SEND_ENQUEUED for longer than
// StaleEnqueued lost their queue entry or their outcome and are queued
// again. It returns the number of messages enqueued.
func (s *RetryService) EnqueueDueRetries(ctx context.Context) (int, error) {
	if s.deps.Queue == nil {
		return 0, errors.New("no dispatch queue configured")
	}
	now := s.deps.Now()
	staleBefore := now.Add(-s.deps.StaleEnqueued)
	ids, err := s.deps.Logs.FindRetryCandidates(ctx, now, staleBefore, s.deps.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list retry candidates: %w", err)
	}

	count := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		if s.deps.InFlight != nil {
			acquired, err := s.deps.InFlight.TryAcquire(ctx, id)
			if err != nil {
				s.logger.Warn("Failed to mark message in flight", "message_id", id, "error", err)
				continue
			}
			if !acquired {
				s.deps.Metrics.RetrySkipped()
				continue
			}
		}

		enqueued := false
		err := s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
			var err error
			enqueued, err = s.enqueue(ctx, id, now, staleBefore)
			return err
		})
		if err != nil {
			enqueued = false
			s.logger.Error("Failed to enqueue retry", "message_id", id, "error", err)
		}
		if !enqueued && s.deps.InFlight != nil {
			if rerr := s.deps.InFlight.Release(ctx, id); rerr != nil {
				s.logger.Warn("Failed to release in-flight marker", "message_id", id, "error", rerr)
			}
		}
		if enqueued {
			count++
			s.deps.Metrics.RetryEnqueued()
		}
	}
	return count, nil
}

func (s *RetryService) enqueue(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	log, err := s.deps.Logs.FindUserMessageLog(ctx, id)
	if err != nil {
		return false, err
	}
	switch log.Status {
	case StatusSendEnqueued:
		since := log.Received
		if log.Enqueued != nil {
			since = *log.Enqueued
		}
		if since.After(staleBefore) {
			return false, nil
		}
		s.logger.Info("Queueing stale message again", "message_id", id, "enqueued", since)
	case StatusWaitingForRetry, StatusWaitingForReceipt:
		if log.NextAttempt == nil || log.NextAttempt.After(now) {
			return false, nil
		}
	default:
		return false, nil
	}
	if log.Status == StatusWaitingForReceipt {
		leg, err := s.deps.Legs.LegConfiguration(ctx, log.PModeKey)
		if err != nil {
			return false, s.fail(ctx, log, ErrorDeliveryFailure, "leg no longer configured: "+err.Error())
		}
		if !s.hasAttemptsLeft(log, leg, now) {
			return false, s.fail(ctx, log, ErrorMissingReceipt, "no receipt within the retry window")
		}
	}
	log.Status = StatusSendEnqueued
	log.Enqueued = &now
	if err := s.deps.Logs.SaveUserMessageLog(ctx, log); err != nil {
		return false, err
	}
	if err := s.deps.Queue.Enqueue(ctx, id); err != nil {
		return false, fmt.Errorf("failed to enqueue %s: %w", id, err)
	}
	return true, nil
}
