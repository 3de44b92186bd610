package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetDelivery handles GET /messages/{id}/delivery: the aggregate status and
// per-recipient records of one message, visible to conversation members.
func (h *Handlers) GetDelivery(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	ctx := c.Request.Context()
	m, err := h.store.Message(ctx, c.Param("id"))
	if err != nil {
		failService(c, err)
		return
	}
	conv, err := h.store.Conversation(ctx, m.ConversationID)
	if err != nil {
		failService(c, err)
		return
	}
	if !conv.HasMember(uid) {
		fail(c, http.StatusForbidden, ErrCodeNotParticipant, "not a participant")
		return
	}
	sum, err := h.delivery.Summary(ctx, m.ID)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, sum)
}
