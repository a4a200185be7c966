package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// maxReserveTries bounds how often ReservePullMessage retries after
// losing a lock to a concurrent pull.
const maxReserveTries = 5

// noExpiry is the stale time of locks on legs without a retry window.
var noExpiry = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// PullService keeps the MessagingLocks of messages offered for pulling.
type PullService struct {
	deps   Dependencies
	retry  *RetryService
	logger *slog.Logger
}

// NewPullService creates a PullService. deps.Locks and deps.Legs are
// required.
func NewPullService(deps Dependencies, retry *RetryService) *PullService {
	deps = deps.withDefaults()
	if retry == nil {
		retry = NewRetryService(deps)
	}
	return &PullService{deps: deps, retry: retry, logger: deps.Logger.With("component", "pull")}
}

// AddPullLock offers a message for pulling by initiator on mpc.
func (s *PullService) AddPullLock(ctx context.Context, messageID, initiator, mpc string, leg *pmode.LegConfiguration) error {
	return s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		log, err := s.deps.Logs.FindUserMessageLog(ctx, messageID)
		if err != nil {
			return err
		}
		staled := noExpiry
		if ra := leg.ReceptionAwareness; ra != nil && ra.Timeout() > 0 {
			staled = log.Received.Add(ra.Timeout())
		}
		lock := &MessagingLock{
			MessageID:       messageID,
			Mpc:             mpc,
			Initiator:       initiator,
			State:           LockReady,
			SendAttemptsMax: log.SendAttemptsMax,
			Received:        log.Received,
			NextAttempt:     log.Received,
			Staled:          staled,
		}
		if err := s.deps.Locks.SaveLock(ctx, lock); err != nil {
			return fmt.Errorf("failed to save pull lock of %s: %w", messageID, err)
		}
		log.Status = StatusReadyToPull
		log.Mpc = mpc
		if err := s.deps.Logs.SaveUserMessageLog(ctx, log); err != nil {
			return err
		}
		s.deps.Metrics.PullLock("added")
		return nil
	})
}

// ReservePullMessage hands the oldest ready message on mpc to
// initiator. It returns an empty id when nothing is waiting.
func (s *PullService) ReservePullMessage(ctx context.Context, mpc, initiator string) (string, error) {
	var id string
	err := s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		now := s.deps.Now()
		for i := 0; i < maxReserveTries; i++ {
			lock, err := s.deps.Locks.FindReadyLock(ctx, mpc, initiator, now)
			if err != nil {
				return err
			}
			if lock == nil {
				return nil
			}
			ok, err := s.deps.Locks.TransitionLock(ctx, lock.MessageID, LockReady, LockWaitingForReceipt)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := s.reserve(ctx, lock, now); err != nil {
				return err
			}
			id = lock.MessageID
			return nil
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if id != "" {
		s.deps.Metrics.PullLock("reserved")
	}
	return id, nil
}

func (s *PullService) reserve(ctx context.Context, lock *MessagingLock, now time.Time) error {
	log, err := s.deps.Logs.FindUserMessageLog(ctx, lock.MessageID)
	if err != nil {
		return err
	}
	leg, err := s.deps.Legs.LegConfiguration(ctx, log.PModeKey)
	if err != nil {
		return fmt.Errorf("failed to resolve leg of %s: %w", lock.MessageID, err)
	}
	strategy, retries, timeout := retryPlan(leg)
	lock.State = LockWaitingForReceipt
	lock.SendAttempts++
	lock.NextAttempt = NextAttempt(strategy, now, lock.SendAttempts, retries, timeout)
	if err := s.deps.Locks.SaveLock(ctx, lock); err != nil {
		return err
	}
	log.Status = StatusBeingPulled
	log.SendAttempts = lock.SendAttempts
	next := lock.NextAttempt
	log.NextAttempt = &next
	return s.deps.Logs.SaveUserMessageLog(ctx, log)
}

// PullReceiptReceived finalizes a pulled message whose receipt arrived.
func (s *PullService) PullReceiptReceived(ctx context.Context, messageID string, warning bool) error {
	return s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		lock, err := s.deps.Locks.FindLock(ctx, messageID)
		if err != nil && !errors.Is(err, ErrLockNotFound) {
			return err
		}
		if lock != nil && lock.State != LockDelete {
			if _, err := s.deps.Locks.TransitionLock(ctx, messageID, lock.State, LockDelete); err != nil {
				return err
			}
		}
		log, err := s.deps.Logs.FindUserMessageLog(ctx, messageID)
		if err != nil {
			return err
		}
		return s.retry.acknowledge(ctx, log, warning)
	})
}

// ResetWaitingForReceiptPullMessages offers again every pulled message
// whose receipt is overdue, or fails it when it has no attempts left.
// It returns the number of locks handled.
func (s *PullService) ResetWaitingForReceiptPullMessages(ctx context.Context) (int, error) {
	now := s.deps.Now()
	locks, err := s.deps.Locks.FindWaitingForReceiptLocks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list waiting pull locks: %w", err)
	}
	handled := 0
	for _, lock := range locks {
		err := s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
			return s.reset(ctx, lock, now)
		})
		if err != nil {
			s.logger.Error("Failed to reset pull lock", "message_id", lock.MessageID, "error", err)
			continue
		}
		handled++
	}
	return handled, nil
}

func (s *PullService) reset(ctx context.Context, lock *MessagingLock, now time.Time) error {
	log, err := s.deps.Logs.FindUserMessageLog(ctx, lock.MessageID)
	if err != nil {
		return err
	}
	retry := lock.SendAttempts < lock.SendAttemptsMax && now.Before(lock.Staled)
	target := LockReady
	if !retry || !log.Status.RetryEligible() {
		// finished messages must not be offered again
		target = LockDelete
	}
	ok, err := s.deps.Locks.TransitionLock(ctx, lock.MessageID, LockWaitingForReceipt, target)
	if err != nil || !ok {
		return err
	}
	if !retry {
		s.deps.Metrics.PullLock("failed")
		return s.retry.fail(ctx, log, ErrorMissingReceipt, "no receipt for pulled message")
	}
	if target == LockDelete {
		return nil
	}
	log.Status = StatusReadyToPull
	if err := s.deps.Logs.SaveUserMessageLog(ctx, log); err != nil {
		return err
	}
	s.deps.Metrics.PullLock("reset")
	return nil
}

// BulkExpirePullMessages fails every message whose lock went stale. It
// returns the number of messages expired.
func (s *PullService) BulkExpirePullMessages(ctx context.Context) (int, error) {
	now := s.deps.Now()
	locks, err := s.deps.Locks.FindStaledLocks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale pull locks: %w", err)
	}
	expired := 0
	for _, lock := range locks {
		done := false
		err := s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
			ok, err := s.deps.Locks.TransitionLock(ctx, lock.MessageID, lock.State, LockDelete)
			if err != nil || !ok {
				return err
			}
			log, err := s.deps.Logs.FindUserMessageLog(ctx, lock.MessageID)
			if err != nil {
				return err
			}
			done = true
			return s.retry.fail(ctx, log, ErrorDeliveryFailure, "pull lock expired")
		})
		if err != nil {
			s.logger.Error("Failed to expire pull lock", "message_id", lock.MessageID, "error", err)
			continue
		}
		if done {
			expired++
			s.deps.Metrics.PullLock("expired")
		}
	}
	return expired, nil
}

// DeleteReleasedLocks removes locks in state DELETE.
func (s *PullService) DeleteReleasedLocks(ctx context.Context) (int64, error) {
	n, err := s.deps.Locks.DeleteLocks(ctx, LockDelete)
	if err != nil {
		return 0, fmt.Errorf("failed to delete released locks: %w", err)
	}
	return n, nil
}
