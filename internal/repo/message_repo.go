// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// log: sequence allocation, insertion and ordered range reads.
package repo

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-core/internal/domain"
)

// ClaimNextSeq advances conversations.last_seq by one and returns the new
// value. It must run inside the transaction that inserts the message so a
// rollback releases the sequence. Starting the transaction with this write
// takes the SQLite write lock up front. Returns ErrNotFound for an unknown
// conversation.
func ClaimNextSeq(tx *gorm.DB, conversationID string) (int64, error) {
	var seq int64
	res := tx.Raw(
		"UPDATE conversations SET last_seq = last_seq + 1 WHERE id = ? RETURNING last_seq",
		conversationID,
	).Scan(&seq)
	if res.Error != nil {
		return 0, res.Error
	}
	if seq == 0 {
		return 0, ErrNotFound
	}
	return seq, nil
}

// InsertMessage inserts m as-is. The caller assigns ID, Seq and CreatedAt.
func InsertMessage(tx *gorm.DB, m *domain.Message) error {
	return tx.Omit("Conversation").Create(m).Error
}

// IsTokenViolation reports whether err is a unique violation on the
// (conversation, sender, idempotency token) index.
func IsTokenViolation(err error) bool {
	return IsUniqueViolation(err) && strings.Contains(strings.ToLower(err.Error()), "idempotency_token")
}

// GetMessage fetches a message by ID, or ErrNotFound.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessagesAfter returns messages with seq > fromSeq, ascending, at most limit.
func ListMessagesAfter(ctx context.Context, db *gorm.DB, conversationID string, fromSeq int64, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("conversation_id = ? AND seq > ?", conversationID, fromSeq).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListLatestMessages returns the last count messages in ascending order.
func ListLatestMessages(ctx context.Context, db *gorm.DB, conversationID string, count int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		Limit(count).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListMediaAfter returns image/voice/file reference messages with
// seq > fromSeq, ascending, at most limit.
func ListMediaAfter(ctx context.Context, db *gorm.DB, conversationID string, fromSeq int64, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("conversation_id = ? AND seq > ?", conversationID, fromSeq).
		Where("kind IN ?", []string{domain.PayloadImageRef, domain.PayloadVoiceRef, domain.PayloadFileRef}).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&total).Error
	return total, err
}
