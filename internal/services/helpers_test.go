package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/events"
	"github.com/tbourn/go-chat-core/internal/repo"
)

// ---------- test helpers ----------

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) *MessageStore {
	t.Helper()
	return NewMessageStore(newServiceDB(t), time.Second, 5, 5*time.Millisecond, 100)
}

func mustDirect(t *testing.T, s *MessageStore, a, b string) *domain.Conversation {
	t.Helper()
	c, _, err := s.CreateDirect(context.Background(), a, b)
	if err != nil {
		t.Fatalf("CreateDirect: %v", err)
	}
	return c
}

func text(body string) Payload { return Payload{Kind: domain.PayloadText, Body: body} }

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakePusher records pushes per user; users listed in online accept events.
type fakePusher struct {
	mu     sync.Mutex
	online map[string]int
	got    map[string][]events.Outbound
}

func newFakePusher(online ...string) *fakePusher {
	p := &fakePusher{online: map[string]int{}, got: map[string][]events.Outbound{}}
	for _, u := range online {
		p.online[u] = 1
	}
	return p
}

func (p *fakePusher) Push(userID string, ev events.Outbound) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.online[userID]
	if n > 0 {
		p.got[userID] = append(p.got[userID], ev)
	}
	return n
}

func (p *fakePusher) events(userID string) []events.Outbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Outbound(nil), p.got[userID]...)
}

func (p *fakePusher) ofType(userID, typ string) []events.Outbound {
	var out []events.Outbound
	for _, ev := range p.events(userID) {
		if ev.OutboundType() == typ {
			out = append(out, ev)
		}
	}
	return out
}

// fakeNotifier records push-notification handoffs.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (n *fakeNotifier) Notify(_ context.Context, recipientID string, m *domain.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, recipientID+":"+m.ID)
	return n.err
}

// waitFor polls cond for up to two seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}
