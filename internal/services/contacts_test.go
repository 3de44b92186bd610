package services

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/events"
	"github.com/tbourn/go-chat-core/internal/repo"
)

func newContactFixture(t *testing.T, users ...string) (*ContactService, *fakePusher) {
	t.Helper()
	store := newTestStore(t)
	for _, u := range users {
		if err := repo.EnsureUser(context.Background(), store.DB, u); err != nil {
			t.Fatal(err)
		}
	}
	p := newFakePusher("alice", "bob", "carol")
	return NewContactService(store, p), p
}

func TestContacts_SendAcceptOpensDirect(t *testing.T) {
	s, p := newContactFixture(t, "alice", "bob")
	ctx := context.Background()

	r, created, err := s.Send(ctx, "alice", "bob")
	if err != nil || !created || r.Status != domain.RequestPending {
		t.Fatalf("Send = %+v, %v, %v", r, created, err)
	}
	again, created, err := s.Send(ctx, "alice", "bob")
	if err != nil || created || again.ID != r.ID {
		t.Fatalf("repeat Send = %+v, %v, %v; want the pending request", again, created, err)
	}
	if got := p.ofType("bob", events.TypeContactRequest); len(got) != 1 {
		t.Fatalf("bob should be told once: %+v", got)
	}

	in, err := s.Pending(ctx, "bob", false)
	if err != nil || len(in) != 1 || in[0].ID != r.ID {
		t.Fatalf("incoming = %+v, %v", in, err)
	}
	if out, _ := s.Pending(ctx, "alice", true); len(out) != 1 {
		t.Fatalf("outgoing = %+v", out)
	}

	if _, _, err := s.Accept(ctx, "alice", r.ID); !errors.Is(err, ErrNotRequestRecipient) {
		t.Fatalf("sender accepting: %v", err)
	}
	acc, conv, err := s.Accept(ctx, "bob", r.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if acc.Status != domain.RequestAccepted || acc.ConversationID == nil || *acc.ConversationID != conv.ID || acc.RespondedAt == nil {
		t.Fatalf("accepted = %+v", acc)
	}
	if conv.Kind != domain.KindDirect || !conv.HasMember("alice") || !conv.HasMember("bob") {
		t.Fatalf("conversation = %+v", conv)
	}
	ev := p.ofType("alice", events.TypeContactRequest)
	if len(ev) != 2 || ev[1].(events.ContactRequest).Status != domain.RequestAccepted || ev[1].(events.ContactRequest).ConversationID != conv.ID {
		t.Fatalf("alice events: %+v", ev)
	}

	if _, _, err := s.Accept(ctx, "bob", r.ID); !errors.Is(err, ErrRequestNotPending) {
		t.Fatalf("double accept: %v", err)
	}
	if _, _, err := s.Send(ctx, "bob", "alice"); !errors.Is(err, ErrAlreadyContacts) {
		t.Fatalf("request between contacts: %v", err)
	}
	if in, _ := s.Pending(ctx, "bob", false); len(in) != 0 {
		t.Fatalf("accepted request still pending: %+v", in)
	}
}

func TestContacts_ReverseRequestAccepts(t *testing.T) {
	s, _ := newContactFixture(t, "alice", "bob")
	ctx := context.Background()

	first, _, err := s.Send(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	r, created, err := s.Send(ctx, "bob", "alice")
	if err != nil || created {
		t.Fatalf("reverse Send = %+v, %v, %v", r, created, err)
	}
	if r.ID != first.ID || r.Status != domain.RequestAccepted || r.ConversationID == nil {
		t.Fatalf("reverse Send should accept the pending request: %+v", r)
	}
	if _, err := s.Store.Conversation(ctx, *r.ConversationID); err != nil {
		t.Fatalf("conversation not opened: %v", err)
	}
}

func TestContacts_RejectAllowsRetry(t *testing.T) {
	s, p := newContactFixture(t, "alice", "bob")
	ctx := context.Background()

	r, _, _ := s.Send(ctx, "alice", "bob")
	if _, err := s.Reject(ctx, "carol", r.ID); !errors.Is(err, ErrNotRequestRecipient) {
		t.Fatalf("stranger rejecting: %v", err)
	}
	rej, err := s.Reject(ctx, "bob", r.ID)
	if err != nil || rej.Status != domain.RequestRejected || rej.ConversationID != nil {
		t.Fatalf("Reject = %+v, %v", rej, err)
	}
	if _, err := s.Reject(ctx, "bob", r.ID); !errors.Is(err, ErrRequestNotPending) {
		t.Fatalf("double reject: %v", err)
	}
	if _, _, err := s.Accept(ctx, "bob", r.ID); !errors.Is(err, ErrRequestNotPending) {
		t.Fatalf("accept after reject: %v", err)
	}
	if convs, _ := s.Store.ListConversations(ctx, "alice"); len(convs) != 0 {
		t.Fatalf("reject must not open a conversation: %+v", convs)
	}
	if got := p.ofType("alice", events.TypeContactRequest); len(got) != 2 {
		t.Fatalf("alice should see sent and rejected: %+v", got)
	}

	again, created, err := s.Send(ctx, "alice", "bob")
	if err != nil || !created || again.ID == r.ID {
		t.Fatalf("retry after reject = %+v, %v, %v", again, created, err)
	}
}

func TestContacts_Errors(t *testing.T) {
	s, _ := newContactFixture(t, "alice", "bob")
	ctx := context.Background()

	for _, tc := range []struct{ from, to string }{{"", "bob"}, {"alice", " "}, {"alice", "alice"}} {
		if _, _, err := s.Send(ctx, tc.from, tc.to); !errors.Is(err, ErrInvalidContactRequest) {
			t.Fatalf("Send(%q, %q): %v", tc.from, tc.to, err)
		}
	}
	if _, _, err := s.Send(ctx, "alice", "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown target: %v", err)
	}
	if _, err := repo.MarkUserDeleted(ctx, s.Store.DB, "bob", s.now()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Send(ctx, "alice", "bob"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("deleted target: %v", err)
	}
	if _, _, err := s.Accept(ctx, "bob", "missing"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("missing request: %v", err)
	}
}

func TestContacts_AccountDeletionRejectsPending(t *testing.T) {
	s, _ := newContactFixture(t, "alice", "bob", "carol")
	ctx := context.Background()

	out, _, _ := s.Send(ctx, "alice", "bob")
	in, _, _ := s.Send(ctx, "carol", "alice")
	if _, err := NewDeliveryTracker(s.Store.DB).MarkRecipientUnreachable(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{out.ID, in.ID} {
		r, err := repo.GetContactRequest(ctx, s.Store.DB, id)
		if err != nil || r.Status != domain.RequestRejected {
			t.Fatalf("request %s = %+v, %v", id, r, err)
		}
	}
	if _, _, err := s.Accept(ctx, "bob", out.ID); !errors.Is(err, ErrRequestNotPending) {
		t.Fatalf("accepting a deleted user's request: %v", err)
	}
}
