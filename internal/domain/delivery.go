package domain

import "time"

// Delivery states. Pending, delivered and read form a monotonic chain;
// unreachable is terminal and excluded from aggregation.
const (
	StatePending     = "pending"
	StateDelivered   = "delivered"
	StateRead        = "read"
	StateUnreachable = "unreachable"
)

// DeliveryRecord tracks one (message, recipient) pair. ConversationID, Seq
// and SenderID are denormalized from the message so the per-recipient
// pending queue can be read in log order without a join.
type DeliveryRecord struct {
	MessageID      string     `json:"message_id"             gorm:"type:char(36);primaryKey"`
	RecipientID    string     `json:"recipient_id"           gorm:"type:varchar(64);primaryKey;index:idx_delivery_recipient_state,priority:1"`
	State          string     `json:"state"                  gorm:"type:varchar(16);not null;index:idx_delivery_recipient_state,priority:2;check:state IN ('pending','delivered','read','unreachable')"`
	ConversationID string     `json:"conversation_id"        gorm:"type:char(36);not null;index"`
	Seq            int64      `json:"seq"                    gorm:"not null"`
	SenderID       string     `json:"sender_id"              gorm:"type:varchar(64);not null"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Message is the tracked log entry. Records are cascade-deleted with it.
	Message Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for DeliveryRecord.
func (DeliveryRecord) TableName() string { return "delivery_records" }

// StateRank orders the reachable states; unreachable ranks -1.
func StateRank(s string) int {
	switch s {
	case StatePending:
		return 0
	case StateDelivered:
		return 1
	case StateRead:
		return 2
	}
	return -1
}

// ValidState reports whether s is a known delivery state.
func ValidState(s string) bool {
	return StateRank(s) >= 0 || s == StateUnreachable
}

// CanAdvance reports whether a record may move from cur to next without regressing.
func CanAdvance(cur, next string) bool {
	if cur == StateUnreachable {
		return false
	}
	if next == StateUnreachable {
		return cur != StateRead
	}
	return StateRank(next) > StateRank(cur)
}
