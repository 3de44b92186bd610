// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the idempotency-token lookup used to
// implement safe-retry semantics for message appends.
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-core/internal/domain"
)

// FindByIdempotencyToken returns the message previously stored for
// (conversationID, senderID, token), or ErrNotFound.
func FindByIdempotencyToken(ctx context.Context, db *gorm.DB, conversationID, senderID, token string) (*domain.Message, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNotFound
	}
	var m domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND sender_id = ? AND idempotency_token = ?", conversationID, senderID, token).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
