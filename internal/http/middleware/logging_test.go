package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

// lines decodes each JSON log line written to buf.
func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad log line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	var seen string
	r.GET("/rid", func(c *gin.Context) { seen = RequestIDFrom(c) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/rid", nil))
	if gen := w.Header().Get(requestIDHeader); gen == "" || gen != seen {
		t.Fatalf("generated id header=%q context=%q", gen, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/rid", nil)
	req.Header.Set("x-request-id", "edge-7")
	w = serve(r, req)
	if w.Header().Get(requestIDHeader) != "edge-7" || seen != "edge-7" {
		t.Fatalf("incoming id not propagated: header=%q context=%q", w.Header().Get(requestIDHeader), seen)
	}
}

func TestLogger_LevelFollowsOutcome(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Logger())
	r.GET("/conversations/:id/messages", func(c *gin.Context) { c.String(http.StatusOK, "[]") })
	r.POST("/conversations/:id/messages", func(c *gin.Context) {
		_ = c.Error(errors.New("append failed"))
		c.Status(http.StatusConflict)
	})
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	serve(r, httptest.NewRequest(http.MethodGet, "/conversations/c1/messages", nil))
	serve(r, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	serve(r, httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil))
	serve(r, httptest.NewRequest(http.MethodGet, "/boom", nil))

	got := lines(t, buf)
	want := []struct{ level, path string }{
		{"info", "/conversations/:id/messages"},
		{"warn", "/nowhere"},
		{"error", "/conversations/:id/messages"},
		{"error", "/boom"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d access lines, want %d:\n%s", len(got), len(want), buf.String())
	}
	for i, w := range want {
		if got[i]["level"] != w.level || got[i]["path"] != w.path {
			t.Errorf("line %d: level=%v path=%v; want %s %s", i, got[i]["level"], got[i]["path"], w.level, w.path)
		}
		if got[i]["request_id"] == "" || got[i]["status"] == nil {
			t.Errorf("line %d missing request fields: %v", i, got[i])
		}
	}
	if got[2]["errors"] == nil {
		t.Errorf("gin errors not logged: %v", got[2])
	}
}

func TestLogger_RedactsTokensAndCarriesUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID())
	r.Use(func(c *gin.Context) { c.Set(ctxKeyUserID, "alice"); c.Next() })
	r.Use(Logger())
	r.GET("/ws", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve(r, httptest.NewRequest(http.MethodGet, "/ws?access_token=s3cr3t&device=phone", nil))

	out := buf.String()
	if strings.Contains(out, "s3cr3t") {
		t.Fatalf("token leaked into logs:\n%s", out)
	}
	if !strings.Contains(out, "device=phone") || !strings.Contains(out, `"user_id":"alice"`) {
		t.Fatalf("expected query and user in log, got:\n%s", out)
	}
}

func TestRedactQuery(t *testing.T) {
	cases := map[string]string{
		"":                  "",
		"after=3&limit=10":  "after=3&limit=10",
		"token=abc":         "token=%5BREDACTED%5D",
		"%zz":               redacted,
		"ACCESS_TOKEN=x&a=": "ACCESS_TOKEN=%5BREDACTED%5D&a=",
	}
	for in, want := range cases {
		if got := redactQuery(in); got != want {
			t.Errorf("redactQuery(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/panic", func(c *gin.Context) { panic("kaboom") })
	r.GET("/late", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("late kaboom")
	})

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(requestIDHeader, "rid-p")
	w := serve(r, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body["code"] != "internal_error" || body["request_id"] != "rid-p" {
		t.Fatalf("unexpected body: %v", body)
	}

	// Once the body is written the envelope cannot follow.
	w = serve(r, httptest.NewRequest(http.MethodGet, "/late", nil))
	if strings.Contains(w.Body.String(), "internal_error") {
		t.Fatalf("envelope appended after write: %q", w.Body.String())
	}

	logged := lines(t, buf)
	if len(logged) != 2 || logged[0]["message"] != "panic recovered" || logged[0]["stack"] == nil {
		t.Fatalf("expected two panic logs with stack, got:\n%s", buf.String())
	}
}

func TestLoggerFrom(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID())
	r.GET("/bare", func(c *gin.Context) { LoggerFrom(c).Info().Msg("bare") })
	scoped := r.Group("", Logger())
	scoped.GET("/scoped", func(c *gin.Context) { LoggerFrom(c).Info().Msg("scoped") })

	serve(r, httptest.NewRequest(http.MethodGet, "/bare", nil))
	serve(r, httptest.NewRequest(http.MethodGet, "/scoped", nil))

	for _, l := range lines(t, buf) {
		switch l["message"] {
		case "bare":
			if _, has := l["request_id"]; has {
				t.Errorf("fallback logger carried request fields: %v", l)
			}
		case "scoped":
			if l["request_id"] == nil || l["path"] != "/scoped" {
				t.Errorf("scoped logger missing request fields: %v", l)
			}
		}
	}
}

func TestHelpers(t *testing.T) {
	if asString("x") != "x" || asString(123) != "" {
		t.Fatalf("asString")
	}
	for _, tc := range []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"abcdefgh", 5, "abcde…"},
		{"abc", 0, "abc"},
	} {
		if got := truncate(tc.in, tc.max); got != tc.want {
			t.Errorf("truncate(%q, %d) = %q; want %q", tc.in, tc.max, got, tc.want)
		}
	}
}
