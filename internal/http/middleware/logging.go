// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// Order: RequestID, Identity, Logger, Recovery. Logger needs both the request
// id and the caller to build the request-scoped logger that LoggerFrom hands
// to handlers.
package middleware

import (
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey      = "requestID"
	requestIDHeader   = "X-Request-ID"
	maxQueryLogLength = 2048 // bytes of raw query kept in access lines
	redacted          = "[REDACTED]"
)

// sensitiveQuery lists query parameters whose values never reach the logs.
var sensitiveQuery = map[string]struct{}{
	"access_token": {},
	"token":        {},
}

// RequestID reuses an incoming X-Request-ID or mints a UUIDv4, and echoes it
// on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// RequestIDFrom returns the correlation ID stored by RequestID.
func RequestIDFrom(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	return asString(v)
}

// Logger writes one access line per request and attaches a request-scoped
// logger. Upgraded websocket requests log when the session ends, with the
// session lifetime as latency.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		l := requestLogger(c)
		c.Set("logger", &l)

		c.Next()

		status := c.Writer.Status()
		ev := l.WithLevel(accessLevel(status, len(c.Errors) > 0)).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Bool("websocket", c.IsWebsocket())
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Msg("request")
	}
}

func requestLogger(c *gin.Context) zerolog.Logger {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	return log.With().
		Str("request_id", RequestIDFrom(c)).
		Str("user_id", UserID(c)).
		Str("method", c.Request.Method).
		Str("path", path).
		Str("remote_ip", c.ClientIP()).
		Str("user_agent", c.Request.UserAgent()).
		Str("query", truncate(redactQuery(c.Request.URL.RawQuery), maxQueryLogLength)).
		Int64("bytes_in", c.Request.ContentLength).
		Logger()
}

// accessLevel is error for 5xx or collected gin errors, warn for 4xx.
func accessLevel(status int, errored bool) zerolog.Level {
	switch {
	case errored, status >= http.StatusInternalServerError:
		return zerolog.ErrorLevel
	case status >= http.StatusBadRequest:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// redactQuery masks sensitive parameter values. Unparseable queries are
// dropped entirely.
func redactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return redacted
	}
	masked := false
	for k := range vals {
		if _, ok := sensitiveQuery[strings.ToLower(k)]; ok {
			vals[k] = []string{redacted}
			masked = true
		}
	}
	if !masked {
		return raw
	}
	return vals.Encode()
}

// Recovery turns a panic into a logged stack trace and, when nothing has
// been written yet, the JSON 500 envelope carrying the request id.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := RequestIDFrom(c)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped zerolog.Logger, or a fallback
// logger without request fields when Logger() did not run.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get("logger"); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at max bytes plus an ellipsis. A max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
