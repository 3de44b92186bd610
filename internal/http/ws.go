package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-core/internal/gateway"
	"github.com/tbourn/go-chat-core/internal/http/handlers"
	"github.com/tbourn/go-chat-core/internal/http/middleware"
)

// maxCloseReason keeps close frames within the 125-byte control payload.
const maxCloseReason = 120

// WSOptions tunes the websocket transport.
type WSOptions struct {
	AllowedOrigins []string // empty allows any origin
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxFrameBytes  int64
	// RequireAuth rejects upgrades without an authenticated caller.
	RequireAuth bool
}

func (o *WSOptions) defaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
}

// wsConn adapts a gorilla connection to gateway.Conn. The gateway reads from
// one goroutine and writes from another; pings go through WriteControl,
// which gorilla allows concurrently with both.
type wsConn struct {
	ws   *websocket.Conn
	opts WSOptions

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn, opts WSOptions) *wsConn {
	c := &wsConn{ws: ws, opts: opts, done: make(chan struct{})}
	pongWait := 2 * opts.PingInterval
	ws.SetReadLimit(opts.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
		return data, nil
	}
}

func (c *wsConn) WriteFrame(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears the socket down; later calls are no-ops.
func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// originChecker allows every origin when allowed is empty, otherwise only
// exact matches. Requests without Origin are non-browser clients.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// WebSocketHandler upgrades the request and runs a gateway session on it,
// bound to the authenticated caller when there is one.
func WebSocketHandler(gw *gateway.Gateway, opts WSOptions) gin.HandlerFunc {
	opts.defaults()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4 << 10,
		WriteBufferSize: 4 << 10,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return func(c *gin.Context) {
		principal := middleware.UserID(c)
		if opts.RequireAuth && principal == "" {
			handlers.Fail(c, http.StatusUnauthorized, handlers.ErrCodeUnauthorized, "authentication required")
			return
		}
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// The upgrader already answered with an HTTP error.
			middleware.LoggerFrom(c).Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		conn := newWSConn(ws, opts)
		if err := gw.ServeAs(c.Request.Context(), conn, principal); err != nil {
			log.Debug().Err(err).Str("user_id", principal).Msg("websocket session ended with error")
		}
		_ = conn.Close(websocket.CloseNormalClosure, "")
	}
}
