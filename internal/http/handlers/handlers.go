// Package handlers exposes the REST surface of the messaging core.
//
// Endpoints (relative to the API base path):
//   - POST   /conversations                    open a direct conversation or create a group
//   - GET    /conversations                    list the caller's conversations
//   - GET    /conversations/{id}               fetch one conversation
//   - POST   /conversations/{id}/participants  add a member to a group
//   - GET    /conversations/{id}/messages      range or tail read of the log
//   - POST   /conversations/{id}/messages      append (Idempotency-Key = client message id)
//   - GET    /conversations/{id}/media         shared-media view of the log
//   - GET    /contacts                         users sharing a conversation with the caller
//   - GET    /messages/{id}/delivery           sender-facing delivery summary
//   - GET    /users?q=                          search the user directory
//   - PUT    /users/{id}/profile               set the caller's handle and display name
//   - GET    /users/{id}/presence              presence status
//   - DELETE /users/{id}                       delete the caller's account
//   - POST   /contact-requests                 ask a user to connect
//   - GET    /contact-requests                 pending requests (incoming or outgoing)
//   - POST   /contact-requests/{id}/accept     accept and open the direct conversation
//   - POST   /contact-requests/{id}/reject     reject
//
// Handlers are transport-thin: they validate input, call the services and
// translate results through the shared error envelope.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/http/middleware"
	"github.com/tbourn/go-chat-core/internal/services"
)

//
// Service contracts (context-aware)
//

// Store covers conversation management and log reads.
type Store interface {
	CreateDirect(ctx context.Context, a, b string) (*domain.Conversation, bool, error)
	CreateGroup(ctx context.Context, creator string, members []string) (*domain.Conversation, error)
	AddParticipant(ctx context.Context, actor, conversationID, userID string) (*domain.Conversation, error)
	Conversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	Contacts(ctx context.Context, userID string) ([]string, error)

	FetchRange(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]domain.Message, error)
	FetchLatest(ctx context.Context, conversationID string, count int) ([]domain.Message, error)
	ListMedia(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]domain.Message, error)
	Message(ctx context.Context, id string) (*domain.Message, error)
}

// Messenger sends messages through the router so REST posts fan out exactly
// like socket sends, and handles account deletion.
type Messenger interface {
	Send(ctx context.Context, senderID, conversationID, token string, p services.Payload) (*domain.Message, bool, error)
	DeleteAccount(ctx context.Context, userID string) (int64, error)
}

// DeliveryService reports delivery summaries.
type DeliveryService interface {
	Summary(ctx context.Context, messageID string) (*services.Summary, error)
}

// PresenceService reports presence.
type PresenceService interface {
	Status(ctx context.Context, userID string) services.PresenceStatus
}

// Directory manages profiles and the user search.
type Directory interface {
	UpdateProfile(ctx context.Context, userID string, p services.Profile) (*domain.User, error)
	Search(ctx context.Context, callerID, q string, limit int) ([]services.UserMatch, error)
}

// ContactService runs the contact-request handshake.
type ContactService interface {
	Send(ctx context.Context, fromID, toID string) (*domain.ContactRequest, bool, error)
	Accept(ctx context.Context, userID, requestID string) (*domain.ContactRequest, *domain.Conversation, error)
	Reject(ctx context.Context, userID, requestID string) (*domain.ContactRequest, error)
	Pending(ctx context.Context, userID string, outgoing bool) ([]domain.ContactRequest, error)
}

//
// Handler wiring
//

// Handlers groups the REST endpoints.
type Handlers struct {
	store     Store
	msgr      Messenger
	delivery  DeliveryService
	presence  PresenceService
	directory Directory
	contacts  ContactService
}

// New constructs Handlers bound to the given services.
func New(store Store, msgr Messenger, delivery DeliveryService, presence PresenceService, directory Directory, contacts ContactService) *Handlers {
	return &Handlers{store: store, msgr: msgr, delivery: delivery, presence: presence, directory: directory, contacts: contacts}
}

// caller returns the authenticated user or answers 401.
func caller(c *gin.Context) (string, bool) {
	uid := middleware.UserID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return "", false
	}
	return uid, true
}

// memberConversation loads the :id conversation and checks the caller
// belongs to it. It writes the error response itself.
func (h *Handlers) memberConversation(c *gin.Context, uid string) (*domain.Conversation, bool) {
	conv, err := h.store.Conversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		failService(c, err)
		return nil, false
	}
	if !conv.HasMember(uid) {
		failService(c, services.ErrNotParticipant)
		return nil, false
	}
	return conv, true
}
