// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for conversations
// and their participants.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a conversation is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-core/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateConversation inserts c together with its participants. A direct
// conversation whose DirectKey already exists fails with a unique violation
// (see IsUniqueViolation).
func CreateConversation(ctx context.Context, db *gorm.DB, c *domain.Conversation) error {
	return db.WithContext(ctx).Create(c).Error
}

// GetConversation fetches a conversation by ID with participants preloaded
// in join order, or ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Preload("Participants", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Where("id = ?", id).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindDirect fetches the direct conversation for a DirectKey, or ErrNotFound.
func FindDirect(ctx context.Context, db *gorm.DB, directKey string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Preload("Participants", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Where("direct_key = ?", directKey).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversationsForUser returns every conversation userID participates
// in, most recently created first.
func ListConversationsForUser(ctx context.Context, db *gorm.DB, userID string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Preload("Participants", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Where("id IN (?)", db.Model(&domain.Participant{}).Select("conversation_id").Where("user_id = ?", userID)).
		Order("created_at desc, id asc").
		Find(&out).Error
	return out, err
}

// AddParticipant appends userID to the conversation membership at the next
// position. It returns added=false when the user is already a member.
func AddParticipant(ctx context.Context, db *gorm.DB, conversationID, userID string) (bool, error) {
	var added bool
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var next int
		if err := tx.Raw(
			"SELECT COALESCE(MAX(position), -1) + 1 FROM participants WHERE conversation_id = ?",
			conversationID,
		).Scan(&next).Error; err != nil {
			return err
		}
		p := &domain.Participant{
			ConversationID: conversationID,
			UserID:         userID,
			Position:       next,
			JoinedAt:       time.Now().UTC(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(p)
		if res.Error != nil {
			return res.Error
		}
		added = res.RowsAffected > 0
		return nil
	})
	return added, err
}

// IsParticipant reports whether userID is a member of the conversation.
func IsParticipant(ctx context.Context, db *gorm.DB, conversationID, userID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&n).Error
	return n > 0, err
}

// Contacts returns the distinct users sharing at least one conversation with
// userID, excluding userID itself, in lexical order.
func Contacts(ctx context.Context, db *gorm.DB, userID string) ([]string, error) {
	var out []string
	err := db.WithContext(ctx).Raw(`
		SELECT DISTINCT p2.user_id
		FROM participants p1
		JOIN participants p2 ON p2.conversation_id = p1.conversation_id
		WHERE p1.user_id = ? AND p2.user_id <> ?
		ORDER BY p2.user_id`, userID, userID).
		Scan(&out).Error
	return out, err
}

// LastSeq returns the highest committed sequence of a conversation, or ErrNotFound.
func LastSeq(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Select("id", "last_seq").
		Where("id = ?", conversationID).
		First(&c).Error
	if err != nil {
		return 0, err
	}
	return c.LastSeq, nil
}
