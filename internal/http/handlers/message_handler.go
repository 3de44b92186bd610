// Message HTTP handlers.
//
// This file exposes the conversation log over REST:
//   - POST /conversations/{id}/messages  append through the router
//   - GET  /conversations/{id}/messages  ?after=&limit= range read, or ?latest=N tail
//   - GET  /conversations/{id}/media     shared-media view, same cursor params
//
// Idempotency: the Idempotency-Key header (or client_msg_id in the body) is
// the message's client token. A retry returns the stored message with
// `Idempotency-Replayed: true` and 200 instead of 201.
package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/http/middleware"
	"github.com/tbourn/go-chat-core/internal/services"
	"github.com/tbourn/go-chat-core/internal/utils"
)

const (
	defaultMsgPageSize = 50
	maxMsgPageSize     = 500
)

// PostMessageRequest is the JSON payload for appending a message.
type PostMessageRequest struct {
	PayloadKind  string `json:"payload_kind"   binding:"required"`
	Payload      string `json:"payload"`
	RefMessageID string `json:"ref_message_id"`
	ClientMsgID  string `json:"client_msg_id"`
}

// PostMessageResponse wraps the stored message.
type PostMessageResponse struct {
	Message *domain.Message `json:"message"`
}

// ListMessagesResponse is one page of the log. NextAfter is the cursor for
// the following page; HasMore reports whether the log extends past it.
type ListMessagesResponse struct {
	Messages  []domain.Message `json:"messages"`
	LastSeq   int64            `json:"last_seq"`
	NextAfter int64            `json:"next_after"`
	HasMore   bool             `json:"has_more"`
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeText normalizes line endings of text bodies and collapses runs of
// blank lines. Trimming and NFC normalization happen in the store.
func sanitizeText(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return nlCollapseRE.ReplaceAllString(s, "\n\n")
}

// rangeParams parses after/limit. A malformed cursor is a client error.
func rangeParams(c *gin.Context) (after int64, limit int, err error) {
	after, err = utils.ParseInt64Default(c.Query("after"), 0)
	if err != nil || after < 0 {
		return 0, 0, fmt.Errorf("after must be a non-negative integer")
	}
	limit = utils.Clamp(utils.AtoiDefault(c.Query("limit"), defaultMsgPageSize), 1, maxMsgPageSize)
	return after, limit, nil
}

func page(msgs []domain.Message, after, lastSeq int64) ListMessagesResponse {
	if msgs == nil {
		msgs = []domain.Message{}
	}
	next := after
	if n := len(msgs); n > 0 {
		next = msgs[n-1].Seq
	}
	return ListMessagesResponse{Messages: msgs, LastSeq: lastSeq, NextAfter: next, HasMore: next < lastSeq}
}

// PostMessage handles POST /conversations/{id}/messages.
func (h *Handlers) PostMessage(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payload_kind required")
		return
	}
	token, _ := middleware.GetIdempotencyKey(c)
	if token == "" {
		token = strings.TrimSpace(req.ClientMsgID)
	}
	body := req.Payload
	if req.PayloadKind == domain.PayloadText || req.PayloadKind == domain.PayloadEdit {
		body = sanitizeText(body)
	}

	m, replay, err := h.msgr.Send(c.Request.Context(), uid, c.Param("id"), token, services.Payload{
		Kind:         req.PayloadKind,
		Body:         body,
		RefMessageID: strings.TrimSpace(req.RefMessageID),
	})
	if err != nil {
		failService(c, err)
		return
	}
	stored(c, m, replay)
}

// ListMessages handles GET /conversations/{id}/messages. The weak ETag
// tracks the log head, so an unchanged log answers 304.
func (h *Handlers) ListMessages(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	conv, found := h.memberConversation(c, uid)
	if !found {
		return
	}

	if notModified(c, fmt.Sprintf(`W/"log:%s:%d"`, conv.ID, conv.LastSeq)) {
		return
	}

	ctx := c.Request.Context()
	if latest := c.Query("latest"); latest != "" {
		n := utils.Clamp(utils.AtoiDefault(latest, defaultMsgPageSize), 1, maxMsgPageSize)
		msgs, err := h.store.FetchLatest(ctx, conv.ID, n)
		if err != nil {
			failService(c, err)
			return
		}
		resp := page(msgs, conv.LastSeq, conv.LastSeq)
		resp.HasMore = false
		ok(c, http.StatusOK, resp)
		return
	}

	after, limit, err := rangeParams(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	msgs, err := h.store.FetchRange(ctx, conv.ID, after, limit)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, page(msgs, after, conv.LastSeq))
}

// ListMedia handles GET /conversations/{id}/media. has_more is reported
// for full pages only since the log tail may hold no further media.
func (h *Handlers) ListMedia(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	conv, found := h.memberConversation(c, uid)
	if !found {
		return
	}
	after, limit, err := rangeParams(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	msgs, err := h.store.ListMedia(c.Request.Context(), conv.ID, after, limit)
	if err != nil {
		failService(c, err)
		return
	}
	resp := page(msgs, after, conv.LastSeq)
	resp.HasMore = len(msgs) == limit
	ok(c, http.StatusOK, resp)
}
