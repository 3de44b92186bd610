package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-core/internal/domain"
)

// CreateContactRequest inserts a pending request. A pending request for
// the same pair surfaces as a unique violation.
func CreateContactRequest(ctx context.Context, db *gorm.DB, r *domain.ContactRequest) error {
	return db.WithContext(ctx).Create(r).Error
}

// GetContactRequest fetches a request by id, or ErrNotFound.
func GetContactRequest(ctx context.Context, db *gorm.DB, id string) (*domain.ContactRequest, error) {
	var r domain.ContactRequest
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// FindPendingRequest fetches the pending request of a pair, in either
// direction, or ErrNotFound.
func FindPendingRequest(ctx context.Context, db *gorm.DB, pairKey string) (*domain.ContactRequest, error) {
	var r domain.ContactRequest
	err := db.WithContext(ctx).
		Where("pair_key = ? AND status = ?", pairKey, domain.RequestPending).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ResolveContactRequest moves a pending request to status. It returns
// false if the request was no longer pending.
func ResolveContactRequest(ctx context.Context, db *gorm.DB, id, status string, conversationID *string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.ContactRequest{}).
		Where("id = ? AND status = ?", id, domain.RequestPending).
		Updates(map[string]any{
			"status":          status,
			"conversation_id": conversationID,
			"responded_at":    now,
		})
	return res.RowsAffected > 0, res.Error
}

// ListContactRequests returns requests addressed to userID (incoming) or
// sent by it, in the given status, newest first.
func ListContactRequests(ctx context.Context, db *gorm.DB, userID string, incoming bool, status string, limit int) ([]domain.ContactRequest, error) {
	col := "from_id"
	if incoming {
		col = "to_id"
	}
	var out []domain.ContactRequest
	err := db.WithContext(ctx).
		Where(col+" = ? AND status = ?", userID, status).
		Order("created_at DESC").Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// PendingRequestTargets returns the subset of ids fromID has a pending
// outgoing request to.
func PendingRequestTargets(ctx context.Context, db *gorm.DB, fromID string, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	var to []string
	err := db.WithContext(ctx).
		Model(&domain.ContactRequest{}).
		Where("from_id = ? AND status = ? AND to_id IN ?", fromID, domain.RequestPending, ids).
		Pluck("to_id", &to).Error
	for _, id := range to {
		out[id] = true
	}
	return out, err
}

// RejectPendingRequestsOf rejects every pending request sent or received by
// userID and returns how many changed.
func RejectPendingRequestsOf(ctx context.Context, db *gorm.DB, userID string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.ContactRequest{}).
		Where("status = ? AND (from_id = ? OR to_id = ?)", domain.RequestPending, userID, userID).
		Updates(map[string]any{"status": domain.RequestRejected, "responded_at": now})
	return res.RowsAffected, res.Error
}
