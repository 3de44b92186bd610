// Conversation HTTP handlers.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-core/internal/domain"
)

// CreateConversationRequest opens a direct conversation (exactly one other
// member) or creates a group (any members; the caller is always included
// and listed first).
type CreateConversationRequest struct {
	Kind    string   `json:"kind"    binding:"required,oneof=direct group"`
	Members []string `json:"members"`
}

// AddParticipantRequest adds one user to a group.
type AddParticipantRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// ConversationResponse wraps one conversation.
type ConversationResponse struct {
	Conversation *domain.Conversation `json:"conversation"`
	Members      []string             `json:"members"`
}

// ListConversationsResponse lists the caller's conversations.
type ListConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
}

// ContactsResponse lists users sharing any conversation with the caller.
type ContactsResponse struct {
	Contacts []string `json:"contacts"`
}

func conversationResponse(conv *domain.Conversation) ConversationResponse {
	return ConversationResponse{Conversation: conv, Members: conv.Members()}
}

// CreateConversation handles POST /conversations. Opening an existing direct
// conversation answers 200 with it; anything new answers 201.
func (h *Handlers) CreateConversation(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "kind must be direct or group")
		return
	}
	ctx := c.Request.Context()

	switch req.Kind {
	case domain.KindDirect:
		var peer string
		for _, m := range req.Members {
			if m = strings.TrimSpace(m); m != "" && m != uid {
				if peer != "" && peer != m {
					fail(c, http.StatusBadRequest, ErrCodeInvalidConversation, "direct conversations have exactly two members")
					return
				}
				peer = m
			}
		}
		conv, created, err := h.store.CreateDirect(ctx, uid, peer)
		if err != nil {
			failService(c, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		ok(c, status, conversationResponse(conv))
	default:
		conv, err := h.store.CreateGroup(ctx, uid, req.Members)
		if err != nil {
			failService(c, err)
			return
		}
		ok(c, http.StatusCreated, conversationResponse(conv))
	}
}

// ListConversations handles GET /conversations.
func (h *Handlers) ListConversations(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	convs, err := h.store.ListConversations(c.Request.Context(), uid)
	if err != nil {
		failService(c, err)
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	ok(c, http.StatusOK, ListConversationsResponse{Conversations: convs})
}

// GetConversation handles GET /conversations/{id}.
func (h *Handlers) GetConversation(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	conv, found := h.memberConversation(c, uid)
	if !found {
		return
	}
	ok(c, http.StatusOK, conversationResponse(conv))
}

// AddParticipant handles POST /conversations/{id}/participants. Re-adding a
// member is a no-op that still answers 200.
func (h *Handlers) AddParticipant(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	var req AddParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id required")
		return
	}
	conv, err := h.store.AddParticipant(c.Request.Context(), uid, c.Param("id"), strings.TrimSpace(req.UserID))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, conversationResponse(conv))
}

// ListContacts handles GET /contacts.
func (h *Handlers) ListContacts(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	contacts, err := h.store.Contacts(c.Request.Context(), uid)
	if err != nil {
		failService(c, err)
		return
	}
	if contacts == nil {
		contacts = []string{}
	}
	ok(c, http.StatusOK, ContactsResponse{Contacts: contacts})
}
