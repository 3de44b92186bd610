// Package domain defines the persistence models for conversations, their
// participants, the per-conversation message log and per-recipient delivery
// records. These types are mapped with GORM and form the core data layer of
// the messaging core.
package domain

import (
	"sort"
	"strings"
	"time"
)

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Payload kinds. Edits and deletes are new log entries that reference the
// original message through RefMessageID; stored messages are never mutated.
const (
	PayloadText     = "text"
	PayloadImageRef = "image_ref"
	PayloadVoiceRef = "voice_ref"
	PayloadFileRef  = "file_ref"
	PayloadEdit     = "edit"
	PayloadDelete   = "delete"
)

// Conversation is an ordered log owner. LastSeq is the highest committed
// sequence number and is advanced in the same transaction as the insert of
// the message that claims it.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - Kind: "direct" or "group" (enforced by DB constraint).
//   - DirectKey: sorted "a|b" participant pair for direct conversations; the
//     unique index makes opening a direct conversation idempotent. NULL for groups.
//   - LastSeq: highest assigned sequence; 0 for an empty log.
//   - Participants: ordered membership (by Position).
type Conversation struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Kind      string    `json:"kind"       gorm:"type:varchar(16);not null;check:kind IN ('direct','group')"`
	DirectKey *string   `json:"-"          gorm:"type:varchar(160);uniqueIndex:ux_conversation_direct_key"`
	LastSeq   int64     `json:"last_seq"   gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`

	Participants []Participant `json:"participants" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Members returns participant user ids in join order.
func (c *Conversation) Members() []string {
	ps := append([]Participant(nil), c.Participants...)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Position < ps[j].Position })
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.UserID)
	}
	return out
}

// HasMember reports whether userID participates in the conversation.
func (c *Conversation) HasMember(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Participant is one membership row. Membership of a direct conversation is
// fixed at creation; group membership is append-only.
type Participant struct {
	ConversationID string    `json:"-"         gorm:"type:char(36);primaryKey"`
	UserID         string    `json:"user_id"   gorm:"type:varchar(64);primaryKey;index:idx_participant_user"`
	Position       int       `json:"position"  gorm:"not null"`
	JoinedAt       time.Time `json:"joined_at"`
}

// TableName returns the database table name for Participant.
func (Participant) TableName() string { return "participants" }

// Message is one immutable entry of a conversation log.
//
// Fields:
//   - ID: UUID primary key (char(36)), globally unique.
//   - ConversationID + Seq: unique; Seq is gapless and strictly increasing
//     per conversation, starting at 1.
//   - SenderID + IdempotencyToken: unique per conversation; a client retry
//     with the same token resolves to the row already stored.
//   - Kind: payload kind (enforced by DB constraint).
//   - Body: text content, or a media/file reference for *_ref kinds.
//   - RefMessageID: target of an edit/delete entry.
//   - CreatedAt: server-assigned, authoritative timestamp.
type Message struct {
	ID               string    `json:"id"                       gorm:"type:char(36);primaryKey"`
	ConversationID   string    `json:"conversation_id"          gorm:"type:char(36);not null;uniqueIndex:ux_message_conv_seq,priority:1;uniqueIndex:ux_message_conv_token,priority:1"`
	Seq              int64     `json:"seq"                      gorm:"not null;uniqueIndex:ux_message_conv_seq,priority:2"`
	SenderID         string    `json:"sender_id"                gorm:"type:varchar(64);not null;uniqueIndex:ux_message_conv_token,priority:2"`
	IdempotencyToken string    `json:"client_msg_id"            gorm:"type:varchar(200);not null;uniqueIndex:ux_message_conv_token,priority:3"`
	Kind             string    `json:"payload_kind"             gorm:"type:varchar(16);not null;check:kind IN ('text','image_ref','voice_ref','file_ref','edit','delete')"`
	Body             string    `json:"payload"                  gorm:"type:text;not null"`
	RefMessageID     *string   `json:"ref_message_id,omitempty" gorm:"type:char(36)"`
	CreatedAt        time.Time `json:"created_at"`

	// Conversation is the owning log. Messages are cascade-deleted if the
	// conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// User is the directory row of an account: a deleted account is a
// permanently unreachable recipient.
//
// Fields:
//   - Username: optional unique handle, stored lowercase without "@".
//   - DisplayName: free-form name shown to other users.
//   - SearchKey: folded id, username and display name; the user search
//     prefilters on it.
type User struct {
	ID          string     `json:"id"                     gorm:"type:varchar(64);primaryKey"`
	Username    *string    `json:"username,omitempty"     gorm:"type:varchar(32);uniqueIndex:ux_user_username"`
	DisplayName string     `json:"display_name,omitempty" gorm:"type:varchar(128);not null;default:''"`
	SearchKey   string     `json:"-"                      gorm:"type:varchar(256);not null;default:'';index:idx_user_search_key"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"   gorm:"index"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// ValidConversationKind reports whether k is a known conversation kind.
func ValidConversationKind(k string) bool {
	return k == KindDirect || k == KindGroup
}

// ValidPayloadKind reports whether k is a known payload kind.
func ValidPayloadKind(k string) bool {
	switch k {
	case PayloadText, PayloadImageRef, PayloadVoiceRef, PayloadFileRef, PayloadEdit, PayloadDelete:
		return true
	}
	return false
}

// IsMediaKind reports whether k references shared media (images, voice notes, files).
func IsMediaKind(k string) bool {
	return k == PayloadImageRef || k == PayloadVoiceRef || k == PayloadFileRef
}

// IsReferenceKind reports whether k must carry RefMessageID.
func IsReferenceKind(k string) bool {
	return k == PayloadEdit || k == PayloadDelete
}

// DirectKeyFor returns the order-independent key of a direct conversation
// between a and b.
func DirectKeyFor(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return strings.Join([]string{a, b}, "|")
}
