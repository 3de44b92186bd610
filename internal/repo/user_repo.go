// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the user directory.
package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/search"
)

// EnsureUser inserts a directory row for id if none exists. A new row is
// searchable by its id until a profile is set.
func EnsureUser(ctx context.Context, db *gorm.DB, id string) error {
	u := &domain.User{ID: id, SearchKey: search.Key(id), CreatedAt: time.Now().UTC()}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(u).Error
}

// UpdateProfile sets the handle and display name of id (creating the row
// when missing) and refreshes its search key. A nil username clears the
// handle. A taken handle surfaces as a unique violation.
func UpdateProfile(ctx context.Context, db *gorm.DB, id string, username *string, displayName string) (*domain.User, error) {
	if err := EnsureUser(ctx, db, id); err != nil {
		return nil, err
	}
	handle := ""
	if username != nil {
		handle = *username
	}
	err := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"username":     username,
			"display_name": displayName,
			"search_key":   search.Key(id, handle, displayName),
		}).Error
	if err != nil {
		return nil, err
	}
	return GetUser(ctx, db, id)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchUsers returns live accounts whose search key contains needle (an
// already folded token), excluding excludeID, ordered by id.
func SearchUsers(ctx context.Context, db *gorm.DB, needle, excludeID string, limit int) ([]domain.User, error) {
	var out []domain.User
	if needle == "" {
		return out, nil
	}
	err := db.WithContext(ctx).
		Where("deleted_at IS NULL AND id <> ?", excludeID).
		Where(`search_key LIKE ? ESCAPE '\'`, "%"+likeEscaper.Replace(needle)+"%").
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetUser fetches a user row, or ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// MarkUserDeleted stamps deleted_at on the user (creating the row when
// missing). It returns changed=false if the account was already deleted.
func MarkUserDeleted(ctx context.Context, db *gorm.DB, id string, now time.Time) (bool, error) {
	if err := EnsureUser(ctx, db, id); err != nil {
		return false, err
	}
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", now)
	return res.RowsAffected > 0, res.Error
}

// DeletedUsers returns the subset of ids whose accounts are deleted.
func DeletedUsers(ctx context.Context, db *gorm.DB, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	var deleted []string
	err := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id IN ? AND deleted_at IS NOT NULL", ids).
		Pluck("id", &deleted).Error
	for _, id := range deleted {
		out[id] = true
	}
	return out, err
}
