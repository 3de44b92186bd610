package domain

import "time"

// Contact request states. Pending is the only state that can change; both
// outcomes are terminal.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
)

// ContactRequest asks ToID to open a direct conversation with FromID.
//
// Fields:
//   - PairKey: the order-independent pair (see DirectKeyFor). The partial
//     unique index allows at most one pending request per pair in either
//     direction; resolved requests do not block a new one.
//   - ConversationID: the direct conversation opened by acceptance.
type ContactRequest struct {
	ID             string     `json:"id"                        gorm:"type:char(36);primaryKey"`
	FromID         string     `json:"from_id"                   gorm:"type:varchar(64);not null;index:idx_contact_from_status,priority:1"`
	ToID           string     `json:"to_id"                     gorm:"type:varchar(64);not null;index:idx_contact_to_status,priority:1"`
	PairKey        string     `json:"-"                         gorm:"type:varchar(160);not null;uniqueIndex:ux_contact_pending_pair,where:status = 'pending'"`
	Status         string     `json:"status"                    gorm:"type:varchar(16);not null;index:idx_contact_from_status,priority:2;index:idx_contact_to_status,priority:2;check:status IN ('pending','accepted','rejected')"`
	ConversationID *string    `json:"conversation_id,omitempty" gorm:"type:char(36)"`
	CreatedAt      time.Time  `json:"created_at"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
}

// TableName returns the database table name for ContactRequest.
func (ContactRequest) TableName() string { return "contact_requests" }

// Peer returns the other side of the request as seen by userID.
func (r *ContactRequest) Peer(userID string) string {
	if r.FromID == userID {
		return r.ToID
	}
	return r.FromID
}
