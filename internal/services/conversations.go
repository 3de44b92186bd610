package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/observability"
	"github.com/tbourn/go-chat-core/internal/repo"
)

// CreateDirect opens the direct conversation between a and b, creating it
// on first use. created is false when it already existed.
func (s *MessageStore) CreateDirect(ctx context.Context, a, b string) (*domain.Conversation, bool, error) {
	tr := otel.Tracer("services/MessageStore")
	ctx, span := tr.Start(ctx, "CreateDirect",
		trace.WithAttributes(attribute.String("user.a", a), attribute.String("user.b", b)),
	)
	defer span.End()

	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return nil, false, ErrInvalidConversation
	}
	key := domain.DirectKeyFor(a, b)
	if c, err := repo.FindDirect(ctx, s.DB, key); err == nil {
		return c, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}

	for _, u := range []string{a, b} {
		if err := repo.EnsureUser(ctx, s.DB, u); err != nil {
			return nil, false, err
		}
	}
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:        uuid.NewString(),
		Kind:      domain.KindDirect,
		DirectKey: &key,
		CreatedAt: now,
		Participants: []domain.Participant{
			{UserID: a, Position: 0, JoinedAt: now},
			{UserID: b, Position: 1, JoinedAt: now},
		},
	}
	if err := repo.CreateConversation(ctx, s.DB, c); err != nil {
		if repo.IsUniqueViolation(err) {
			existing, ferr := repo.FindDirect(ctx, s.DB, key)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return c, true, nil
}

// CreateGroup creates a group conversation. The creator is always the first
// participant; duplicate and blank member ids are dropped.
func (s *MessageStore) CreateGroup(ctx context.Context, creator string, members []string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/MessageStore")
	ctx, span := tr.Start(ctx, "CreateGroup",
		trace.WithAttributes(observability.AttrUserID.String(creator), attribute.Int("members", len(members))),
	)
	defer span.End()

	creator = strings.TrimSpace(creator)
	if creator == "" {
		return nil, ErrInvalidConversation
	}
	seen := map[string]bool{creator: true}
	ordered := []string{creator}
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		ordered = append(ordered, m)
	}

	now := time.Now().UTC()
	c := &domain.Conversation{ID: uuid.NewString(), Kind: domain.KindGroup, CreatedAt: now}
	for i, u := range ordered {
		if err := repo.EnsureUser(ctx, s.DB, u); err != nil {
			return nil, err
		}
		c.Participants = append(c.Participants, domain.Participant{UserID: u, Position: i, JoinedAt: now})
	}
	if err := repo.CreateConversation(ctx, s.DB, c); err != nil {
		return nil, err
	}
	return c, nil
}

// AddParticipant appends userID to a group on behalf of actor, who must be
// a member. Direct conversations reject membership changes.
func (s *MessageStore) AddParticipant(ctx context.Context, actor, conversationID, userID string) (*domain.Conversation, error) {
	c, err := s.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !c.HasMember(actor) {
		return nil, ErrNotParticipant
	}
	if c.Kind == domain.KindDirect {
		return nil, ErrImmutableMembership
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidConversation
	}
	if err := repo.EnsureUser(ctx, s.DB, userID); err != nil {
		return nil, err
	}
	if _, err := repo.AddParticipant(ctx, s.DB, conversationID, userID); err != nil {
		return nil, err
	}
	return s.Conversation(ctx, conversationID)
}

// Conversation fetches a conversation with its ordered participants.
func (s *MessageStore) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := repo.GetConversation(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	return c, err
}

// ListConversations returns the conversations userID participates in.
func (s *MessageStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	return repo.ListConversationsForUser(ctx, s.DB, userID)
}

// Contacts returns the users sharing at least one conversation with userID.
func (s *MessageStore) Contacts(ctx context.Context, userID string) ([]string, error) {
	return repo.Contacts(ctx, s.DB, userID)
}
