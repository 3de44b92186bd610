package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-chat-core/internal/events"
	"github.com/tbourn/go-chat-core/internal/observability"
	"github.com/tbourn/go-chat-core/internal/services"
)

// Options tunes sessions.
type Options struct {
	QueueSize        int
	BackfillPageSize int
	InboundRPS       float64
	InboundBurst     int
}

// Gateway tracks attached sessions per user and implements
// services.Pusher for the router.
type Gateway struct {
	router *services.ConversationRouter
	opts   Options

	mu       sync.RWMutex
	sessions map[string]map[string]*Session // user -> session id -> session
}

// New builds a gateway and registers it as the router's pusher.
func New(router *services.ConversationRouter, opts Options) *Gateway {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.BackfillPageSize <= 0 {
		opts.BackfillPageSize = 200
	}
	if opts.InboundRPS <= 0 {
		opts.InboundRPS = 20
	}
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = 40
	}
	g := &Gateway{
		router:   router,
		opts:     opts,
		sessions: make(map[string]map[string]*Session),
	}
	router.Pusher = g
	return g
}

// Push enqueues ev on every session of userID and returns how many accepted
// it. Sessions that cannot take a critical event are evicted as slow
// consumers without waiting on their transport.
func (g *Gateway) Push(userID string, ev events.Outbound) int {
	var (
		accepted int
		slow     []*Session
	)
	g.mu.RLock()
	for _, s := range g.sessions[userID] {
		if s.enqueue(ev) {
			accepted++
		} else {
			slow = append(slow, s)
		}
	}
	g.mu.RUnlock()

	for _, s := range slow {
		log.Warn().Str("session_id", s.ID).Str("user_id", userID).Msg("outbound queue overflow")
		s.evict(CloseSlowConsumer, reasonSlowConsumer, "slow consumer")
	}
	return accepted
}

// SessionCount reports the attached sessions of userID.
func (g *Gateway) SessionCount(userID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions[userID])
}

// TotalSessions reports all attached sessions.
func (g *Gateway) TotalSessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, m := range g.sessions {
		n += len(m)
	}
	return n
}

func (g *Gateway) register(s *Session) {
	g.mu.Lock()
	m, ok := g.sessions[s.UserID]
	if !ok {
		m = make(map[string]*Session)
		g.sessions[s.UserID] = m
	}
	m[s.ID] = s
	g.mu.Unlock()
	observability.ActiveSessions.Inc()
}

// unregister detaches s and reports whether it was the user's last session.
func (g *Gateway) unregister(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.sessions[s.UserID]
	if !ok {
		return false
	}
	if _, ok := m[s.ID]; !ok {
		return false
	}
	delete(m, s.ID)
	observability.ActiveSessions.Dec()
	if len(m) == 0 {
		delete(g.sessions, s.UserID)
		return true
	}
	return false
}

// Serve runs one connection to completion. The first frame must be connect;
// the session is registered before backfill so no live message can fall
// between the backfilled range and the live stream.
func (g *Gateway) Serve(ctx context.Context, conn Conn) error {
	return g.ServeAs(ctx, conn, "")
}

// ServeAs is Serve bound to an authenticated principal: a connect naming any
// other user is rejected. An empty principal trusts the connect frame.
func (g *Gateway) ServeAs(ctx context.Context, conn Conn, principal string) error {
	first, err := conn.ReadFrame()
	if err != nil {
		_ = conn.Close(CloseGoingAway, "")
		return err
	}
	in, err := events.Decode(first)
	if err != nil {
		_ = conn.Close(CloseProtocolViolation, err.Error())
		return err
	}
	hello, ok := in.(events.Connect)
	if !ok || hello.UserID == "" {
		_ = conn.Close(CloseProtocolViolation, "expected connect")
		return services.ErrProtocolViolation
	}
	if principal != "" && hello.UserID != principal {
		_ = conn.Close(CloseProtocolViolation, "identity mismatch")
		return fmt.Errorf("%w: connect as %s on behalf of %s", services.ErrProtocolViolation, hello.UserID, principal)
	}
	if err := g.validateCursors(ctx, hello); err != nil {
		_ = conn.Close(CloseProtocolViolation, "invalid cursor")
		return err
	}

	s := &Session{
		ID:        uuid.NewString(),
		UserID:    hello.UserID,
		DeviceID:  hello.DeviceID,
		gw:        g,
		conn:      conn,
		queue:     NewQueue(g.opts.QueueSize),
		limiter:   rate.NewLimiter(rate.Limit(g.opts.InboundRPS), g.opts.InboundBurst),
		watermark: make(map[string]int64),
		done:      make(chan struct{}),
	}
	g.register(s)
	defer func() {
		if g.unregister(s) {
			g.router.Presence.Leave(context.WithoutCancel(ctx), s.UserID)
		}
	}()
	log.Info().
		Str("session_id", s.ID).
		Str("user_id", s.UserID).
		Str("device_id", s.DeviceID).
		Int("cursors", len(hello.ResumeCursors)).
		Msg("session attached")

	if err := s.write(events.NewConnected(s.ID)); err != nil {
		s.shutdown(CloseGoingAway, reasonTransport, "write failed")
		return err
	}
	if err := g.backfill(ctx, s, hello.ResumeCursors); err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("backfill failed")
		s.shutdown(CloseGoingAway, reasonTransport, "backfill failed")
		return err
	}
	g.router.Heartbeat(ctx, s.UserID)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(context.WithoutCancel(ctx))
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown(CloseGoingAway, reasonShutdown, "server shutting down")
		case <-s.done:
		}
	}()
	s.readLoop(ctx)
	wg.Wait()
	return nil
}

// validateCursors rejects negative cursors, cursors past the log end and
// cursors for conversations the user is not part of.
func (g *Gateway) validateCursors(ctx context.Context, hello events.Connect) error {
	store := g.router.Store
	for convID, seq := range hello.ResumeCursors {
		if seq < 0 {
			return fmt.Errorf("%w: negative cursor for %s", services.ErrProtocolViolation, convID)
		}
		conv, err := store.Conversation(ctx, convID)
		if errors.Is(err, services.ErrConversationNotFound) {
			return fmt.Errorf("%w: unknown conversation %s", services.ErrProtocolViolation, convID)
		}
		if err != nil {
			return err
		}
		if !conv.HasMember(hello.UserID) {
			return fmt.Errorf("%w: not a participant of %s", services.ErrProtocolViolation, convID)
		}
		if seq > conv.LastSeq {
			return fmt.Errorf("%w: cursor %d past end of %s", services.ErrProtocolViolation, seq, convID)
		}
	}
	return nil
}

// backfill writes every message after the client's cursors, plus the
// pending backlog of conversations the client sent no cursor for, and
// records the watermark per conversation.
func (g *Gateway) backfill(ctx context.Context, s *Session, cursors map[string]int64) error {
	from := make(map[string]int64, len(cursors))
	for convID, seq := range cursors {
		from[convID] = seq
	}
	floors, err := g.router.Tracker.PendingFloors(ctx, s.UserID)
	if err != nil {
		return err
	}
	for _, f := range floors {
		if _, ok := from[f.ConversationID]; !ok {
			from[f.ConversationID] = f.MinSeq - 1
		}
	}

	ids := make([]string, 0, len(from))
	for id := range from {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := 0
	for _, convID := range ids {
		cur := g.router.Store.Scan(convID, from[convID], g.opts.BackfillPageSize)
		for !cur.Done() {
			page, err := cur.Next(ctx)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				break
			}
			if err := s.write(events.NewBackfill(convID, page)); err != nil {
				return err
			}
			total += len(page)
		}
		s.watermark[convID] = cur.Seq()
	}
	if total > 0 {
		log.Debug().Str("session_id", s.ID).Int("messages", total).Int("conversations", len(ids)).Msg("backfill written")
	}
	return nil
}

// Shutdown closes every session with going-away.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	var all []*Session
	for _, m := range g.sessions {
		for _, s := range m {
			all = append(all, s)
		}
	}
	g.mu.RUnlock()
	for _, s := range all {
		s.shutdown(CloseGoingAway, reasonShutdown, "server shutting down")
	}
}
