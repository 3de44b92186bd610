// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file validates the Idempotency-Key header of message posts. The key
// is the client message id of the append: a retry with the same key resolves
// to the message already stored for (conversation, sender, key). The
// middleware annotates the request context so downstream handlers can:
//   - read the normalized key (GetIdempotencyKey)
//   - detect replayed requests (IsReplay)
//   - bypass rate limiting when a replay is served (via an internal flag)
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header carrying the client message id.
const HeaderIdempotencyKey = "Idempotency-Key"

// Context keys used internally to stash idempotency state.
const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: a message already exists for the key
	ctxKeyRateBypass = "rate.bypass" // bool: skip rate limiting
)

// GetIdempotencyKey returns the validated key stored by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether a message already exists for this request's key.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures header validation.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200, the
	// width of the stored client message id.
	MaxLen int
	// Pattern restricts allowed characters. Defaults to keyPattern.
	Pattern *regexp.Regexp
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// IdempotencyLookup reports whether senderID already stored a message under
// key in conversationID.
type IdempotencyLookup func(ctx context.Context, senderID, conversationID, key string) (exists bool, err error)

// checkKey returns the client-facing reason a key is rejected, or "".
func (o IdempotencyOptions) checkKey(key string) string {
	switch {
	case len(key) > o.MaxLen:
		return "Idempotency-Key longer than " + strconv.Itoa(o.MaxLen) + " bytes"
	case !o.Pattern.MatchString(key):
		return "Idempotency-Key has characters outside [A-Za-z0-9._~-:]"
	}
	return ""
}

// IdempotencyValidator validates the Idempotency-Key header when present and
// stashes it. On a message post (POST with an :id parameter and a resolved
// caller) it asks lookup whether the key is already stored, and if so marks
// the request as a replay that skips rate limiting. A failing lookup is
// logged and treated as a miss: the store still deduplicates on append.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	if opts.MaxLen <= 0 {
		opts.MaxLen = 200
	}
	if opts.Pattern == nil {
		opts.Pattern = keyPattern
	}

	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" {
			c.Next()
			return
		}
		if reason := opts.checkKey(key); reason != "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_idempotency_key",
				"message":    reason,
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		convID, uid := c.Param("id"), UserID(c)
		if lookup == nil || c.Request.Method != http.MethodPost || convID == "" || uid == "" {
			c.Next()
			return
		}
		exists, err := lookup(c.Request.Context(), uid, convID, key)
		if err != nil {
			LoggerFrom(c).Warn().Err(err).Str("conversation_id", convID).Msg("idempotency lookup failed")
		}
		if exists {
			c.Set(ctxKeyIdemReplay, true)
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	}
}
