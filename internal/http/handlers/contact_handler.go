// Contact-request HTTP handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-core/internal/domain"
)

// SendContactRequest asks user_id to connect with the caller.
type SendContactRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// ContactRequestResponse wraps one request and, once accepted, the direct
// conversation it opened.
type ContactRequestResponse struct {
	Request      *domain.ContactRequest `json:"request"`
	Conversation *domain.Conversation   `json:"conversation,omitempty"`
}

// ListContactRequestsResponse lists pending requests.
type ListContactRequestsResponse struct {
	Requests []domain.ContactRequest `json:"requests"`
}

// CreateContactRequest handles POST /contact-requests. A new request
// answers 201; a request that was already pending, or that accepted the
// reverse pending request, answers 200.
func (h *Handlers) CreateContactRequest(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	var req SendContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id is required")
		return
	}
	r, created, err := h.contacts.Send(c.Request.Context(), uid, req.UserID)
	if err != nil {
		failService(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, ContactRequestResponse{Request: r})
}

// ListContactRequests handles GET /contact-requests?direction=incoming|outgoing.
func (h *Handlers) ListContactRequests(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	var outgoing bool
	switch c.DefaultQuery("direction", "incoming") {
	case "incoming":
	case "outgoing":
		outgoing = true
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "direction must be incoming or outgoing")
		return
	}
	rs, err := h.contacts.Pending(c.Request.Context(), uid, outgoing)
	if err != nil {
		failService(c, err)
		return
	}
	if rs == nil {
		rs = []domain.ContactRequest{}
	}
	ok(c, http.StatusOK, ListContactRequestsResponse{Requests: rs})
}

// AcceptContactRequest handles POST /contact-requests/{id}/accept.
func (h *Handlers) AcceptContactRequest(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	r, conv, err := h.contacts.Accept(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ContactRequestResponse{Request: r, Conversation: conv})
}

// RejectContactRequest handles POST /contact-requests/{id}/reject.
func (h *Handlers) RejectContactRequest(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	r, err := h.contacts.Reject(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ContactRequestResponse{Request: r})
}
