// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for per-recipient
// delivery records.
//
// State transitions are guarded updates: a row only moves when its current
// state is one of the allowed predecessors, so concurrent or replayed acks
// can never regress a record.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-core/internal/domain"
)

// InsertDeliveryIfAbsent creates rec unless a record for the same
// (message, recipient) already exists. created reports whether a row was written.
func InsertDeliveryIfAbsent(ctx context.Context, db *gorm.DB, rec *domain.DeliveryRecord) (bool, error) {
	res := db.WithContext(ctx).
		Omit("Message").
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetDelivery fetches one record, or ErrNotFound.
func GetDelivery(ctx context.Context, db *gorm.DB, messageID, recipientID string) (*domain.DeliveryRecord, error) {
	var rec domain.DeliveryRecord
	err := db.WithContext(ctx).
		Where("message_id = ? AND recipient_id = ?", messageID, recipientID).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// AdvanceDelivery moves a record to state `to` if its current state is in
// `from`. Reaching read also stamps delivered_at when it was never set.
// It returns whether a row changed.
func AdvanceDelivery(ctx context.Context, db *gorm.DB, messageID, recipientID, to string, from []string, now time.Time) (bool, error) {
	updates := map[string]any{"state": to, "updated_at": now}
	switch to {
	case domain.StateDelivered:
		updates["delivered_at"] = now
	case domain.StateRead:
		updates["read_at"] = now
		updates["delivered_at"] = gorm.Expr("COALESCE(delivered_at, ?)", now)
	}
	res := db.WithContext(ctx).
		Model(&domain.DeliveryRecord{}).
		Where("message_id = ? AND recipient_id = ? AND state IN ?", messageID, recipientID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListDeliveries returns every record of a message ordered by recipient.
func ListDeliveries(ctx context.Context, db *gorm.DB, messageID string) ([]domain.DeliveryRecord, error) {
	var out []domain.DeliveryRecord
	err := db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("recipient_id ASC").
		Find(&out).Error
	return out, err
}

// ListPending returns the recipient's pending records ordered by
// (conversation, seq), at most limit (0 = all).
func ListPending(ctx context.Context, db *gorm.DB, recipientID string, limit int) ([]domain.DeliveryRecord, error) {
	var out []domain.DeliveryRecord
	q := db.WithContext(ctx).
		Where("recipient_id = ? AND state = ?", recipientID, domain.StatePending).
		Order("conversation_id ASC, seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// PendingFloor is the lowest pending seq of a recipient in one conversation.
type PendingFloor struct {
	ConversationID string
	MinSeq         int64
}

// PendingFloors groups the recipient's pending records by conversation.
func PendingFloors(ctx context.Context, db *gorm.DB, recipientID string) ([]PendingFloor, error) {
	var out []PendingFloor
	err := db.WithContext(ctx).
		Model(&domain.DeliveryRecord{}).
		Select("conversation_id, MIN(seq) AS min_seq").
		Where("recipient_id = ? AND state = ?", recipientID, domain.StatePending).
		Group("conversation_id").
		Order("conversation_id ASC").
		Scan(&out).Error
	return out, err
}

// MarkRecipientUnreachable turns every pending or delivered record of
// recipientID into unreachable and returns the number of rows changed.
func MarkRecipientUnreachable(ctx context.Context, db *gorm.DB, recipientID string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.DeliveryRecord{}).
		Where("recipient_id = ? AND state IN ?", recipientID, []string{domain.StatePending, domain.StateDelivered}).
		Updates(map[string]any{"state": domain.StateUnreachable, "updated_at": now})
	return res.RowsAffected, res.Error
}
