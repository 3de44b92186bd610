package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-chat-core/internal/services"
)

// fakeKV is an in-memory kv that records expirations.
type fakeKV struct {
	data   map[string]string
	ttl    map[string]time.Duration
	getErr error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeKV) Set(_ context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttl[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func TestRedisPresence_PutGet(t *testing.T) {
	kv := newFakeKV()
	m := newRedisPresence(kv, "test")
	ctx := context.Background()
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := m.Put(ctx, services.PresenceStatus{UserID: "u1", Online: true, LastSeen: seen, TypingIn: "c1"}, 45*time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got := kv.ttl["test:presence:u1"]; got != 45*time.Second {
		t.Fatalf("ttl = %v", got)
	}

	st, ok, err := m.Get(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !st.Online || !st.LastSeen.Equal(seen) {
		t.Fatalf("status = %+v", st)
	}
	if st.TypingIn != "" {
		t.Fatalf("typing must not be mirrored, got %q", st.TypingIn)
	}
}

func TestRedisPresence_OfflinePersists(t *testing.T) {
	kv := newFakeKV()
	m := newRedisPresence(kv, "")
	if err := m.Put(context.Background(), services.PresenceStatus{UserID: "u2"}, -time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got, ok := kv.ttl["chatcore:presence:u2"]; !ok || got != 0 {
		t.Fatalf("offline ttl = %v (present=%v)", got, ok)
	}
}

func TestRedisPresence_GetMissAndErrors(t *testing.T) {
	kv := newFakeKV()
	m := newRedisPresence(kv, "test")
	ctx := context.Background()

	if _, ok, err := m.Get(ctx, "ghost"); ok || err != nil {
		t.Fatalf("miss: ok=%v err=%v", ok, err)
	}

	kv.data["test:presence:bad"] = "{not json"
	if _, ok, err := m.Get(ctx, "bad"); ok || err == nil {
		t.Fatalf("corrupt entry: ok=%v err=%v", ok, err)
	}

	boom := errors.New("boom")
	kv.getErr = boom
	if _, _, err := m.Get(ctx, "u1"); !errors.Is(err, boom) {
		t.Fatalf("want wrapped boom, got %v", err)
	}
}

// TestRedisPresence_Live runs against a real server when REDIS_URL is set.
func TestRedisPresence_Live(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	m := NewRedisPresence(client, "test-"+uuid.NewString())
	if err := m.Put(ctx, services.PresenceStatus{UserID: "u1", Online: true, LastSeen: time.Now().UTC()}, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	st, ok, err := m.Get(ctx, "u1")
	if err != nil || !ok || !st.Online {
		t.Fatalf("Get: st=%+v ok=%v err=%v", st, ok, err)
	}
}

func TestDial_BadURL(t *testing.T) {
	if _, err := Dial(context.Background(), "not-a-url"); err == nil {
		t.Fatalf("expected parse error")
	}
}
