package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIdempotencyAccessors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if _, ok := GetIdempotencyKey(c); ok || IsReplay(c) {
		t.Fatalf("fresh context must carry no idempotency state")
	}
	c.Set(ctxKeyIdemKey, 123)
	c.Set(ctxKeyIdemReplay, "yes")
	if _, ok := GetIdempotencyKey(c); ok || IsReplay(c) {
		t.Fatalf("wrongly typed values must read as absent")
	}
	c.Set(ctxKeyIdemKey, "m-1")
	c.Set(ctxKeyIdemReplay, true)
	if k, ok := GetIdempotencyKey(c); !ok || k != "m-1" || !IsReplay(c) {
		t.Fatalf("key=%q ok=%v replay=%v", k, ok, IsReplay(c))
	}
}

func TestIdempotencyValidator_RejectsBadKeys(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name   string
		opts   IdempotencyOptions
		key    string
		reason string
	}{
		{"too long", IdempotencyOptions{MaxLen: 5}, "abcdef", "longer than 5 bytes"},
		{"default cap", IdempotencyOptions{}, strings.Repeat("k", 201), "longer than 200 bytes"},
		{"custom pattern", IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, "abc123", "characters outside"},
		{"space", IdempotencyOptions{}, "has space", "characters outside"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(IdempotencyValidator(tc.opts, nil))
			r.POST("/conversations/:id/messages", func(c *gin.Context) { c.Status(http.StatusCreated) })

			req := httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil)
			req.Header.Set(HeaderIdempotencyKey, tc.key)
			w := serve(r, req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d", w.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("json: %v", err)
			}
			if body["code"] != "bad_idempotency_key" || !strings.Contains(body["message"], tc.reason) {
				t.Fatalf("body=%v; want reason %q", body, tc.reason)
			}
		})
	}
}

func TestIdempotencyValidator_Lookup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name       string
		method     string
		user       string
		key        string
		exists     bool
		err        error
		wantCalled bool
		wantReplay bool
	}{
		{"no header", http.MethodPost, "u9", "", true, nil, false, false},
		{"anonymous", http.MethodPost, "", "k-9", true, nil, false, false},
		{"read", http.MethodGet, "u9", "k-9", true, nil, false, false},
		{"miss", http.MethodPost, "u9", "k-9", false, nil, true, false},
		{"hit", http.MethodPost, "u9", "k-9", true, nil, true, true},
		{"lookup error", http.MethodPost, "u9", "k-9", false, errors.New("db gone"), true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			lookup := func(_ context.Context, sender, conv, key string) (bool, error) {
				called = true
				if sender != "u9" || conv != "c42" || key != "k-9" {
					t.Errorf("lookup(%q, %q, %q)", sender, conv, key)
				}
				return tc.exists, tc.err
			}

			r := gin.New()
			r.Use(func(c *gin.Context) {
				if tc.user != "" {
					c.Set(ctxKeyUserID, tc.user)
				}
				c.Next()
			})
			r.Use(IdempotencyValidator(IdempotencyOptions{}, lookup))
			var replay, bypass, stashed bool
			h := func(c *gin.Context) {
				replay, bypass = IsReplay(c), IsRateBypass(c)
				_, stashed = GetIdempotencyKey(c)
				c.Status(http.StatusOK)
			}
			r.Handle(tc.method, "/conversations/:id/messages", h)

			req := httptest.NewRequest(tc.method, "/conversations/c42/messages", nil)
			if tc.key != "" {
				req.Header.Set(HeaderIdempotencyKey, "  "+tc.key+" ")
			}
			if w := serve(r, req); w.Code != http.StatusOK {
				t.Fatalf("status=%d", w.Code)
			}
			if called != tc.wantCalled || replay != tc.wantReplay || bypass != tc.wantReplay {
				t.Fatalf("called=%v replay=%v bypass=%v", called, replay, bypass)
			}
			if stashed != (tc.key != "") {
				t.Fatalf("stashed=%v for key %q", stashed, tc.key)
			}
		})
	}
}
