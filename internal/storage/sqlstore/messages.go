package sqlstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
)

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// MessageLogStore implementation

func (s *Store) FindUserMessageLog(ctx context.Context, messageID string) (*reliability.UserMessageLog, error) {
	var row userMessageLogRow
	err := s.conn(ctx).Where("message_id = ?", messageID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, reliability.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reliability.UserMessageLog{
		MessageID:          row.MessageID,
		PModeKey:           row.PModeKey,
		Mpc:                row.Mpc,
		Status:             reliability.MessageStatus(row.Status),
		NotificationStatus: reliability.NotificationStatus(row.NotificationStatus),
		SendAttempts:       row.SendAttempts,
		SendAttemptsMax:    row.SendAttemptsMax,
		TestMessage:        row.TestMessage,
		Received:           row.Received,
		NextAttempt:        row.NextAttempt,
		Enqueued:           row.Enqueued,
		Acknowledged:       row.Acknowledged,
		Failed:             row.Failed,
		Deleted:            row.Deleted,
	}, nil
}

func (s *Store) SaveUserMessageLog(ctx context.Context, l *reliability.UserMessageLog) error {
	row := userMessageLogRow{
		MessageID:          l.MessageID,
		PModeKey:           l.PModeKey,
		Mpc:                l.Mpc,
		Status:             string(l.Status),
		NotificationStatus: string(l.NotificationStatus),
		SendAttempts:       l.SendAttempts,
		SendAttemptsMax:    l.SendAttemptsMax,
		TestMessage:        l.TestMessage,
		Received:           l.Received.UTC(),
		NextAttempt:        utcPtr(l.NextAttempt),
		Enqueued:           utcPtr(l.Enqueued),
		Acknowledged:       utcPtr(l.Acknowledged),
		Failed:             utcPtr(l.Failed),
		Deleted:            utcPtr(l.Deleted),
	}
	return s.conn(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *Store) FindRetryCandidates(ctx context.Context, now, enqueuedBefore time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.conn(ctx).Model(&userMessageLogRow{}).
		Where("(status IN ? AND next_attempt IS NOT NULL AND next_attempt <= ?) OR (status = ? AND enqueued IS NOT NULL AND enqueued <= ?)",
			[]string{string(reliability.StatusWaitingForRetry), string(reliability.StatusWaitingForReceipt)}, now.UTC(),
			string(reliability.StatusSendEnqueued), enqueuedBefore.UTC()).
		Order("next_attempt, message_id").
		Limit(limit).
		Pluck("message_id", &ids).Error
	return ids, err
}

// LockStore implementation

func lockFromRow(row *messagingLockRow) *reliability.MessagingLock {
	return &reliability.MessagingLock{
		MessageID:       row.MessageID,
		Mpc:             row.Mpc,
		Initiator:       row.Initiator,
		State:           reliability.LockState(row.State),
		SendAttempts:    row.SendAttempts,
		SendAttemptsMax: row.SendAttemptsMax,
		Received:        row.Received,
		NextAttempt:     row.NextAttempt,
		Staled:          row.Staled,
	}
}

func locksFromRows(rows []messagingLockRow) []*reliability.MessagingLock {
	out := make([]*reliability.MessagingLock, 0, len(rows))
	for i := range rows {
		out = append(out, lockFromRow(&rows[i]))
	}
	return out
}

func (s *Store) SaveLock(ctx context.Context, l *reliability.MessagingLock) error {
	row := messagingLockRow{
		MessageID:       l.MessageID,
		Mpc:             l.Mpc,
		Initiator:       l.Initiator,
		State:           string(l.State),
		SendAttempts:    l.SendAttempts,
		SendAttemptsMax: l.SendAttemptsMax,
		Received:        l.Received.UTC(),
		NextAttempt:     l.NextAttempt.UTC(),
		Staled:          l.Staled.UTC(),
	}
	return s.conn(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *Store) FindLock(ctx context.Context, messageID string) (*reliability.MessagingLock, error) {
	var row messagingLockRow
	err := s.conn(ctx).Where("message_id = ?", messageID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, reliability.ErrLockNotFound
	}
	if err != nil {
		return nil, err
	}
	return lockFromRow(&row), nil
}

func (s *Store) FindReadyLock(ctx context.Context, mpc, initiator string, now time.Time) (*reliability.MessagingLock, error) {
	var rows []messagingLockRow
	err := s.conn(ctx).
		Where("mpc = ? AND initiator = ? AND state = ? AND staled > ?", mpc, initiator, string(reliability.LockReady), now.UTC()).
		Order("received, message_id").
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return lockFromRow(&rows[0]), nil
}

func (s *Store) TransitionLock(ctx context.Context, messageID string, from, to reliability.LockState) (bool, error) {
	res := s.conn(ctx).Model(&messagingLockRow{}).
		Where("message_id = ? AND state = ?", messageID, string(from)).
		Update("state", string(to))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) FindWaitingForReceiptLocks(ctx context.Context, now time.Time) ([]*reliability.MessagingLock, error) {
	var rows []messagingLockRow
	err := s.conn(ctx).
		Where("state = ? AND next_attempt < ?", string(reliability.LockWaitingForReceipt), now.UTC()).
		Order("message_id").
		Find(&rows).Error
	return locksFromRows(rows), err
}

func (s *Store) FindStaledLocks(ctx context.Context, now time.Time) ([]*reliability.MessagingLock, error) {
	var rows []messagingLockRow
	err := s.conn(ctx).
		Where("state <> ? AND staled < ?", string(reliability.LockDelete), now.UTC()).
		Order("message_id").
		Find(&rows).Error
	return locksFromRows(rows), err
}

func (s *Store) DeleteLocks(ctx context.Context, state reliability.LockState) (int64, error) {
	res := s.conn(ctx).Where("state = ?", string(state)).Delete(&messagingLockRow{})
	return res.RowsAffected, res.Error
}

// AttemptStore implementation

func (s *Store) RecordAttempt(ctx context.Context, a *reliability.MessageAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return s.conn(ctx).Create(&messageAttemptRow{
		ID:        a.ID,
		MessageID: a.MessageID,
		Started:   a.Started.UTC(),
		Ended:     a.Ended.UTC(),
		Status:    string(a.Status),
		Error:     a.Error,
	}).Error
}

// Attempts returns the recorded attempts of a message, oldest first.
func (s *Store) Attempts(ctx context.Context, messageID string) ([]reliability.MessageAttempt, error) {
	var rows []messageAttemptRow
	if err := s.conn(ctx).Where("message_id = ?", messageID).Order("started, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]reliability.MessageAttempt, 0, len(rows))
	for _, r := range rows {
		out = append(out, reliability.MessageAttempt{
			ID: r.ID, MessageID: r.MessageID, Started: r.Started, Ended: r.Ended,
			Status: reliability.AttemptStatus(r.Status), Error: r.Error,
		})
	}
	return out, nil
}

// PayloadStore implementation

func (s *Store) StorePayload(ctx context.Context, payload *storage.PayloadData) (string, error) {
	if payload.Checksum == "" {
		hash := sha256.Sum256(payload.Data)
		payload.Checksum = hex.EncodeToString(hash[:])
	}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	err := s.conn(ctx).Create(&payloadRow{
		ID:        payload.ID,
		MessageID: payload.MessageID,
		ContentID: payload.ContentID,
		MimeType:  payload.MimeType,
		Data:      payload.Data,
		Checksum:  payload.Checksum,
	}).Error
	return payload.ID, err
}

func (s *Store) GetPayloads(ctx context.Context, messageID string) ([]*storage.PayloadData, error) {
	var rows []payloadRow
	if err := s.conn(ctx).Where("message_id = ?", messageID).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*storage.PayloadData, 0, len(rows))
	for _, r := range rows {
		out = append(out, &storage.PayloadData{
			ID: r.ID, MessageID: r.MessageID, ContentID: r.ContentID,
			MimeType: r.MimeType, Data: r.Data, Checksum: r.Checksum,
		})
	}
	return out, nil
}

func (s *Store) ClearPayload(ctx context.Context, messageID string) error {
	return s.conn(ctx).Where("message_id = ?", messageID).Delete(&payloadRow{}).Error
}
