// Package services – PresenceRegistry
//
// PresenceRegistry keeps ephemeral online/typing status per user with
// TTL-based expiry. Entries are independent; a single mutex guards the map
// and no operation holds it while notifying listeners.
//
// Expiry is evaluated lazily by GetStatus and enforced by Sweep, which
// demotes expired entries and emits presence-changed notifications, and
// announces typing indicators that ran out.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-core/internal/observability"
)

// PresenceStatus is the externally visible state of a user.
type PresenceStatus struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
	TypingIn string    `json:"typing_in,omitempty"`
}

// PresenceListener receives presence transitions and typing signals.
type PresenceListener interface {
	PresenceChanged(ctx context.Context, status PresenceStatus)
	// Typing reports a typing signal (active) or the expiry of one.
	Typing(ctx context.Context, userID, conversationID string, active bool)
}

// PresenceMirror replicates presence to a shared store for cross-node lookups.
type PresenceMirror interface {
	Put(ctx context.Context, status PresenceStatus, ttl time.Duration) error
	Get(ctx context.Context, userID string) (PresenceStatus, bool, error)
}

type presenceEntry struct {
	online      bool
	lastSeen    time.Time
	expires     time.Time
	typingIn    string
	typingUntil time.Time
}

// PresenceRegistry tracks online and typing state of users.
type PresenceRegistry struct {
	OnlineTTL time.Duration
	TypingTTL time.Duration
	Now       func() time.Time

	Listener PresenceListener
	Mirror   PresenceMirror

	mu      sync.Mutex
	entries map[string]*presenceEntry
}

// NewPresenceRegistry constructs a registry using the wall clock.
func NewPresenceRegistry(onlineTTL, typingTTL time.Duration) *PresenceRegistry {
	if onlineTTL <= 0 {
		onlineTTL = 45 * time.Second
	}
	if typingTTL <= 0 {
		typingTTL = 5 * time.Second
	}
	return &PresenceRegistry{
		OnlineTTL: onlineTTL,
		TypingTTL: typingTTL,
		Now:       func() time.Time { return time.Now().UTC() },
		entries:   make(map[string]*presenceEntry),
	}
}

func (p *PresenceRegistry) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// touch refreshes the online TTL of userID and reports whether the user
// just came online. Caller holds p.mu.
func (p *PresenceRegistry) touch(userID string, now time.Time) (*presenceEntry, bool) {
	if p.entries == nil {
		p.entries = make(map[string]*presenceEntry)
	}
	e, ok := p.entries[userID]
	if !ok {
		e = &presenceEntry{}
		p.entries[userID] = e
	}
	wasOnline := e.online && now.Before(e.expires)
	e.online = true
	e.lastSeen = now
	e.expires = now.Add(p.OnlineTTL)
	return e, !wasOnline
}

// Heartbeat refreshes the online TTL of userID.
func (p *PresenceRegistry) Heartbeat(ctx context.Context, userID string) {
	now := p.now()
	p.mu.Lock()
	_, cameOnline := p.touch(userID, now)
	p.mu.Unlock()

	st := PresenceStatus{UserID: userID, Online: true, LastSeen: now}
	p.mirror(ctx, st)
	if cameOnline {
		p.notify(ctx, st)
	}
}

// SetTyping refreshes the typing TTL (and the online TTL) of userID in
// conversationID and notifies the conversation's participants.
func (p *PresenceRegistry) SetTyping(ctx context.Context, userID, conversationID string) {
	now := p.now()
	p.mu.Lock()
	e, cameOnline := p.touch(userID, now)
	e.typingIn = conversationID
	e.typingUntil = now.Add(p.TypingTTL)
	p.mu.Unlock()

	st := PresenceStatus{UserID: userID, Online: true, LastSeen: now, TypingIn: conversationID}
	p.mirror(ctx, st)
	if cameOnline {
		p.notify(ctx, st)
	}
	if p.Listener != nil {
		p.Listener.Typing(ctx, userID, conversationID, true)
	}
}

// GetStatus reports the current status of userID, evaluating expiry lazily.
// Unknown users are offline with a zero LastSeen.
func (p *PresenceRegistry) GetStatus(userID string) PresenceStatus {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[userID]
	if !ok {
		return PresenceStatus{UserID: userID}
	}
	st := PresenceStatus{UserID: userID, LastSeen: e.lastSeen}
	st.Online = e.online && now.Before(e.expires)
	if st.Online && e.typingIn != "" && now.Before(e.typingUntil) {
		st.TypingIn = e.typingIn
	}
	return st
}

// Status is GetStatus with a fallback to the mirror for users this node
// has never seen.
func (p *PresenceRegistry) Status(ctx context.Context, userID string) PresenceStatus {
	p.mu.Lock()
	_, known := p.entries[userID]
	p.mu.Unlock()
	if known || p.Mirror == nil {
		return p.GetStatus(userID)
	}
	st, ok, err := p.Mirror.Get(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("presence mirror lookup failed")
	}
	if !ok {
		return PresenceStatus{UserID: userID}
	}
	return st
}

// Leave marks userID offline immediately (its last session closed).
func (p *PresenceRegistry) Leave(ctx context.Context, userID string) {
	now := p.now()
	p.mu.Lock()
	e, ok := p.entries[userID]
	wasOnline := ok && e.online && now.Before(e.expires)
	if ok {
		e.online = false
		e.lastSeen = now
		e.typingIn = ""
	}
	p.mu.Unlock()

	if !wasOnline {
		return
	}
	observability.PresenceDemotions.WithLabelValues("leave").Inc()
	st := PresenceStatus{UserID: userID, Online: false, LastSeen: now}
	p.mirror(ctx, st)
	p.notify(ctx, st)
}

type typingExpiry struct{ userID, conversationID string }

// Sweep demotes every entry whose online TTL expired at now and returns the
// demoted statuses. Expired typing indicators are cleared and reported to
// the listener as stopped; a user demoted in the same sweep gets both.
func (p *PresenceRegistry) Sweep(ctx context.Context, now time.Time) []PresenceStatus {
	var (
		demoted []PresenceStatus
		stopped []typingExpiry
	)
	p.mu.Lock()
	for id, e := range p.entries {
		if e.typingIn != "" && !now.Before(e.typingUntil) {
			stopped = append(stopped, typingExpiry{id, e.typingIn})
			e.typingIn = ""
		}
		if e.online && !now.Before(e.expires) {
			e.online = false
			demoted = append(demoted, PresenceStatus{UserID: id, Online: false, LastSeen: e.lastSeen})
		}
	}
	p.mu.Unlock()

	if p.Listener != nil {
		for _, te := range stopped {
			p.Listener.Typing(ctx, te.userID, te.conversationID, false)
		}
	}
	for _, st := range demoted {
		observability.PresenceDemotions.WithLabelValues("ttl").Inc()
		p.mirror(ctx, st)
		p.notify(ctx, st)
	}
	return demoted
}

// Run sweeps every interval until ctx is cancelled.
func (p *PresenceRegistry) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := len(p.Sweep(ctx, p.now())); n > 0 {
				log.Debug().Int("demoted", n).Msg("presence sweep")
			}
		}
	}
}

func (p *PresenceRegistry) notify(ctx context.Context, st PresenceStatus) {
	if p.Listener != nil {
		p.Listener.PresenceChanged(ctx, st)
	}
}

func (p *PresenceRegistry) mirror(ctx context.Context, st PresenceStatus) {
	if p.Mirror == nil {
		return
	}
	ttl := p.OnlineTTL
	if !st.Online {
		ttl = 0
	}
	if err := p.Mirror.Put(ctx, st, ttl); err != nil {
		log.Warn().Err(err).Str("user_id", st.UserID).Msg("presence mirror write failed")
	}
}
