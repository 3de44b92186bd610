package handlers

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/http/middleware"
)

// HeaderReplayed marks a message post answered from the stored message.
const HeaderReplayed = "Idempotency-Replayed"

// ErrorResponse is the error envelope returned by every endpoint.
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "conversation_not_found",
//	  "message": "conversation not found"
//	}
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code"`
	// Human-readable message (safe to show to users)
	Message string `json:"message"`
}

// fail aborts with the error envelope. 5xx responses are logged with the
// request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("user_id", middleware.UserID(c)).
			Str("conversation_id", c.Param("id")).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// failRetry is fail with a Retry-After hint, rounded up to whole seconds.
func failRetry(c *gin.Context, status int, code, msg string, after time.Duration) {
	secs := int(math.Ceil(after.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	fail(c, status, code, msg)
}

// Fail is the exported variant of fail() for router-level fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// stored answers a message post: 201 for a new append, 200 plus
// Idempotency-Replayed for a retry of one already in the log.
func stored(c *gin.Context, m *domain.Message, replay bool) {
	if replay {
		c.Header(HeaderReplayed, "true")
		ok(c, http.StatusOK, PostMessageResponse{Message: m})
		return
	}
	ok(c, http.StatusCreated, PostMessageResponse{Message: m})
}

// notModified sets etag and, when the client already holds it, answers 304
// and reports true.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}
