package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-chat-core/internal/repo"
)

func TestNormalizeUsername(t *testing.T) {
	good := map[string]string{"@JDoe": "jdoe", " jane.doe_2 ": "jane.doe_2"}
	for in, want := range good {
		if got, err := NormalizeUsername(in); err != nil || got != want {
			t.Errorf("NormalizeUsername(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"ab", "has space", "émile", "x-y-z", "waytoolongusername_abcdefghijklmn"} {
		if _, err := NormalizeUsername(bad); !errors.Is(err, ErrInvalidProfile) {
			t.Errorf("NormalizeUsername(%q) should fail, got %v", bad, err)
		}
	}
}

func TestDirectory_UpdateProfile(t *testing.T) {
	store := newTestStore(t)
	d := NewUserDirectory(store.DB)
	ctx := context.Background()

	u, err := d.UpdateProfile(ctx, "u1", Profile{Username: "@Jane", DisplayName: "  Jane Doe "})
	if err != nil || u.Username == nil || *u.Username != "jane" || u.DisplayName != "Jane Doe" {
		t.Fatalf("UpdateProfile = %+v, %v", u, err)
	}
	if _, err := d.UpdateProfile(ctx, "u2", Profile{Username: "JANE"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("taken handle: %v", err)
	}
	if _, err := d.UpdateProfile(ctx, "u2", Profile{Username: "?"}); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("bad handle: %v", err)
	}
	long := make([]rune, 129)
	for i := range long {
		long[i] = 'é'
	}
	if _, err := d.UpdateProfile(ctx, "u2", Profile{DisplayName: string(long)}); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("long display name: %v", err)
	}
	u, err = d.UpdateProfile(ctx, "u1", Profile{DisplayName: "Jane"})
	if err != nil || u.Username != nil {
		t.Fatalf("empty username should clear the handle: %+v, %v", u, err)
	}

	if _, err := repo.MarkUserDeleted(ctx, store.DB, "u3", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if _, err := d.UpdateProfile(ctx, "u3", Profile{DisplayName: "Back"}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("deleted account: %v", err)
	}
}

func TestDirectory_SearchRanksAndFlags(t *testing.T) {
	store := newTestStore(t)
	d := NewUserDirectory(store.DB)
	contacts := NewContactService(store, nil)
	ctx := context.Background()

	for id, p := range map[string]Profile{
		"u-jane":  {Username: "jane", DisplayName: "Jane Doe"},
		"u-janet": {Username: "janet", DisplayName: "Janet Jackson"},
		"u-jose":  {Username: "jose", DisplayName: "José Álvarez"},
		"u-me":    {Username: "janeself", DisplayName: "Jane Self"},
	} {
		if _, err := d.UpdateProfile(ctx, id, p); err != nil {
			t.Fatalf("profile %s: %v", id, err)
		}
	}
	mustDirect(t, store, "u-me", "u-janet")
	if _, _, err := contacts.Send(ctx, "u-me", "u-jane"); err != nil {
		t.Fatal(err)
	}

	got, err := d.Search(ctx, "u-me", "JANE", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[0].ID != "u-jane" || got[1].ID != "u-janet" {
		t.Fatalf("jane hits: %+v", got)
	}
	if !got[0].RequestPending || got[0].Contact || got[0].Username != "jane" || got[0].DisplayName != "Jane Doe" {
		t.Fatalf("jane flags: %+v", got[0])
	}
	if !got[1].Contact || got[1].RequestPending {
		t.Fatalf("janet flags: %+v", got[1])
	}
	if got[0].Score <= got[1].Score {
		t.Fatalf("exact token should outrank prefix: %+v", got)
	}

	// Accents and the handle sigil fold away.
	if got, _ := d.Search(ctx, "u-me", "@ALVAREZ", 10); len(got) != 1 || got[0].ID != "u-jose" {
		t.Fatalf("folded search: %+v", got)
	}
	if got, _ := d.Search(ctx, "u-me", "jane doe", 10); len(got) != 1 || got[0].ID != "u-jane" {
		t.Fatalf("multi-word search: %+v", got)
	}
	if got, err := d.Search(ctx, "u-me", "  !! ", 10); err != nil || len(got) != 0 {
		t.Fatalf("tokenless query = %+v, %v", got, err)
	}
	if got, _ := d.Search(ctx, "u-me", "jane", 1); len(got) != 1 {
		t.Fatalf("limit: %+v", got)
	}

	if _, err := repo.MarkUserDeleted(ctx, store.DB, "u-jane", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if got, _ := d.Search(ctx, "u-me", "jane", 10); len(got) != 1 || got[0].ID != "u-janet" {
		t.Fatalf("deleted accounts are hidden: %+v", got)
	}
}
