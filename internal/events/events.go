// Package events defines the wire contract between a connected client and
// the messaging core. Every frame is a JSON object carrying a "type"
// discriminator plus the fields of that event.
//
// Inbound (client -> core): connect, sendMessage, ackDelivered, ackRead,
// setTyping, heartbeat.
//
// Outbound (core -> client): connected, backfill, newMessage,
// deliveryStateChanged, presenceChanged, typing, contactRequest, error.
//
// Outbound events are classified as critical (messages, receipts, errors)
// or droppable (typing, presence); session queues shed droppable events
// first under backpressure.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tbourn/go-chat-core/internal/domain"
)

// Inbound event types.
const (
	TypeConnect      = "connect"
	TypeSendMessage  = "sendMessage"
	TypeAckDelivered = "ackDelivered"
	TypeAckRead      = "ackRead"
	TypeSetTyping    = "setTyping"
	TypeHeartbeat    = "heartbeat"
)

// Outbound event types.
const (
	TypeConnected            = "connected"
	TypeBackfill             = "backfill"
	TypeNewMessage           = "newMessage"
	TypeDeliveryStateChanged = "deliveryStateChanged"
	TypePresenceChanged      = "presenceChanged"
	TypeTyping               = "typing"
	TypeContactRequest       = "contactRequest"
	TypeError                = "error"
)

// Error kinds carried by Error events.
const (
	KindConversationNotFound = "conversation_not_found"
	KindWriteConflict        = "write_conflict"
	KindDeliveryFailed       = "delivery_failed"
	KindNotParticipant       = "not_participant"
	KindInvalidPayload       = "invalid_payload"
	KindRateLimited          = "rate_limited"
	KindInternal             = "internal"
)

// Presence states carried by PresenceChanged.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object with a
	// string "type" field, or whose fields do not decode.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownType is returned for frames with an unrecognised "type".
	ErrUnknownType = errors.New("unknown event type")
)

// ---------- Inbound ----------

// Inbound is a decoded client frame.
type Inbound interface {
	InboundType() string
}

// Connect must be the first frame of a session.
type Connect struct {
	UserID        string           `json:"userId"`
	DeviceID      string           `json:"deviceId"`
	ResumeCursors map[string]int64 `json:"resumeCursors"`
}

// SendMessage asks the core to append a message. ClientMsgID is the
// idempotency token.
type SendMessage struct {
	ConversationID string `json:"conversationId"`
	ClientMsgID    string `json:"clientMsgId"`
	PayloadKind    string `json:"payloadKind"`
	Payload        string `json:"payload"`
	RefMessageID   string `json:"refMessageId,omitempty"`
}

// AckDelivered acknowledges receipt of a message by the device.
type AckDelivered struct {
	MessageID string `json:"messageId"`
}

// AckRead acknowledges that the user has read a message.
type AckRead struct {
	MessageID string `json:"messageId"`
}

// SetTyping signals typing in a conversation. It stops implicitly after the typing TTL.
type SetTyping struct {
	ConversationID string `json:"conversationId"`
}

// Heartbeat refreshes presence.
type Heartbeat struct{}

func (Connect) InboundType() string      { return TypeConnect }
func (SendMessage) InboundType() string  { return TypeSendMessage }
func (AckDelivered) InboundType() string { return TypeAckDelivered }
func (AckRead) InboundType() string      { return TypeAckRead }
func (SetTyping) InboundType() string    { return TypeSetTyping }
func (Heartbeat) InboundType() string    { return TypeHeartbeat }

// Decode parses one client frame.
func Decode(data []byte) (Inbound, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == nil {
		return nil, ErrMalformed
	}

	var (
		ev  Inbound
		err error
	)
	switch *head.Type {
	case TypeConnect:
		var v Connect
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeSendMessage:
		var v SendMessage
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeAckDelivered:
		var v AckDelivered
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeAckRead:
		var v AckRead
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeSetTyping:
		var v SetTyping
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeHeartbeat:
		ev = Heartbeat{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ev, nil
}

// ---------- Outbound ----------

// Outbound is an event queued for a session.
type Outbound interface {
	OutboundType() string
	// Critical events are never shed under backpressure.
	Critical() bool
}

// Message is the wire form of a stored message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"senderId"`
	ClientMsgID    string    `json:"clientMsgId"`
	PayloadKind    string    `json:"payloadKind"`
	Payload        string    `json:"payload"`
	RefMessageID   string    `json:"refMessageId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// FromDomain converts a stored message to its wire form.
func FromDomain(m domain.Message) Message {
	out := Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		ClientMsgID:    m.IdempotencyToken,
		PayloadKind:    m.Kind,
		Payload:        m.Body,
		CreatedAt:      m.CreatedAt,
	}
	if m.RefMessageID != nil {
		out.RefMessageID = *m.RefMessageID
	}
	return out
}

// FromDomainList converts a page of stored messages.
func FromDomainList(ms []domain.Message) []Message {
	out := make([]Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, FromDomain(m))
	}
	return out
}

type Connected struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type Backfill struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}

type NewMessage struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

type DeliveryStateChanged struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
	State          string `json:"state"`
}

type PresenceChanged struct {
	Type     string     `json:"type"`
	UserID   string     `json:"userId"`
	State    string     `json:"state"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Typing announces that a user started typing, or with Stopped set, that
// the indicator expired.
type Typing struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Stopped        bool   `json:"stopped,omitempty"`
}

// ContactRequest tells both parties that a contact request was created or
// resolved. ConversationID is set once an accepted request opened one.
type ContactRequest struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId"`
	FromID         string `json:"fromId"`
	ToID           string `json:"toId"`
	Status         string `json:"status"`
	ConversationID string `json:"conversationId,omitempty"`
}

type Error struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Context string `json:"context,omitempty"`
}

func (Connected) OutboundType() string            { return TypeConnected }
func (Backfill) OutboundType() string             { return TypeBackfill }
func (NewMessage) OutboundType() string           { return TypeNewMessage }
func (DeliveryStateChanged) OutboundType() string { return TypeDeliveryStateChanged }
func (PresenceChanged) OutboundType() string      { return TypePresenceChanged }
func (Typing) OutboundType() string               { return TypeTyping }
func (ContactRequest) OutboundType() string       { return TypeContactRequest }
func (Error) OutboundType() string                { return TypeError }

func (Connected) Critical() bool            { return true }
func (Backfill) Critical() bool             { return true }
func (NewMessage) Critical() bool           { return true }
func (DeliveryStateChanged) Critical() bool { return true }
func (PresenceChanged) Critical() bool      { return false }
func (Typing) Critical() bool               { return false }
func (ContactRequest) Critical() bool       { return true }
func (Error) Critical() bool                { return true }

// Constructors set the type discriminator.

func NewConnected(sessionID string) Connected {
	return Connected{Type: TypeConnected, SessionID: sessionID}
}

func NewBackfill(conversationID string, msgs []domain.Message) Backfill {
	return Backfill{Type: TypeBackfill, ConversationID: conversationID, Messages: FromDomainList(msgs)}
}

func NewNewMessage(m domain.Message) NewMessage {
	return NewMessage{Type: TypeNewMessage, Message: FromDomain(m)}
}

func NewDeliveryStateChanged(rec domain.DeliveryRecord) DeliveryStateChanged {
	return DeliveryStateChanged{
		Type:           TypeDeliveryStateChanged,
		MessageID:      rec.MessageID,
		ConversationID: rec.ConversationID,
		RecipientID:    rec.RecipientID,
		State:          rec.State,
	}
}

func NewPresenceChanged(userID string, online bool, lastSeen time.Time) PresenceChanged {
	st := PresenceOffline
	if online {
		st = PresenceOnline
	}
	ev := PresenceChanged{Type: TypePresenceChanged, UserID: userID, State: st}
	if !lastSeen.IsZero() {
		ls := lastSeen.UTC()
		ev.LastSeen = &ls
	}
	return ev
}

func NewTyping(conversationID, userID string) Typing {
	return Typing{Type: TypeTyping, ConversationID: conversationID, UserID: userID}
}

func NewTypingStopped(conversationID, userID string) Typing {
	return Typing{Type: TypeTyping, ConversationID: conversationID, UserID: userID, Stopped: true}
}

func NewContactRequest(r domain.ContactRequest) ContactRequest {
	ev := ContactRequest{Type: TypeContactRequest, RequestID: r.ID, FromID: r.FromID, ToID: r.ToID, Status: r.Status}
	if r.ConversationID != nil {
		ev.ConversationID = *r.ConversationID
	}
	return ev
}

func NewError(kind, context string) Error {
	return Error{Type: TypeError, Kind: kind, Context: context}
}
