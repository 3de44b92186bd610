package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-core/internal/domain"
)

func Test_fail_500_LogsWithConversation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-500")
		c.Set("logger", &logger)
		c.Next()
	})
	r.GET("/conversations/:id", func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, ErrCodeCorruptLog, "gap at seq 4")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/conversations/c9", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.RequestID != "rid-500" || resp.Code != ErrCodeCorruptLog {
		t.Fatalf("unexpected body: %+v", resp)
	}
	logged := buf.String()
	if !strings.Contains(logged, `"level":"error"`) || !strings.Contains(logged, `"conversation_id":"c9"`) {
		t.Fatalf("expected error log with conversation, got: %s", logged)
	}
}

func Test_fail_4xx_NotLogged(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r.Use(func(c *gin.Context) { c.Set("logger", &logger); c.Next() })
	r.GET("/missing", func(c *gin.Context) {
		Fail(c, http.StatusNotFound, ErrCodeNotFound, "nope")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
	if buf.Len() != 0 {
		t.Fatalf("4xx should not log, got: %s", buf.String())
	}
}

func Test_failRetry_RoundsUp(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, tc := range []struct {
		after time.Duration
		want  string
	}{
		{0, "1"},
		{300 * time.Millisecond, "1"},
		{time.Second, "1"},
		{2500 * time.Millisecond, "3"},
	} {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
		failRetry(c, http.StatusConflict, ErrCodeWriteConflict, "busy", tc.after)
		if got := c.Writer.Header().Get("Retry-After"); got != tc.want {
			t.Errorf("after=%v Retry-After=%q; want %q", tc.after, got, tc.want)
		}
	}
}

func Test_stored_NewAndReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := &domain.Message{ID: "m1", ConversationID: "c1", Seq: 3}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	stored(c, m, false)
	if w.Code != http.StatusCreated || w.Header().Get(HeaderReplayed) != "" {
		t.Fatalf("new append: code=%d replayed=%q", w.Code, w.Header().Get(HeaderReplayed))
	}
	var body PostMessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Message == nil || body.Message.Seq != 3 {
		t.Fatalf("body=%s err=%v", w.Body.String(), err)
	}

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	stored(c, m, true)
	if w.Code != http.StatusOK || w.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("replay: code=%d replayed=%q", w.Code, w.Header().Get(HeaderReplayed))
	}
}

func Test_notModified_AndNoContent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/log", func(c *gin.Context) {
		if notModified(c, `W/"log:c1:7"`) {
			return
		}
		ok(c, http.StatusOK, gin.H{"last_seq": 7})
	})
	r.DELETE("/gone", func(c *gin.Context) { noContent(c) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/log", nil))
	if w.Code != http.StatusOK || w.Header().Get("ETag") != `W/"log:c1:7"` {
		t.Fatalf("first read: code=%d etag=%q", w.Code, w.Header().Get("ETag"))
	}

	req := httptest.NewRequest(http.MethodGet, "/log", nil)
	req.Header.Set("If-None-Match", `W/"log:c1:7"`)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotModified || w.Body.Len() != 0 {
		t.Fatalf("conditional read: code=%d body=%q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/log", nil)
	req.Header.Set("If-None-Match", `W/"log:c1:6"`)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("stale etag should re-read, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/gone", nil))
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("noContent: code=%d", w.Code)
	}
}
