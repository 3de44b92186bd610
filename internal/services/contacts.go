// Package services – ContactService
//
// ContactService runs the contact-request handshake: a user asks another to
// connect, the addressee accepts (which opens their direct conversation) or
// rejects. At most one request per pair is pending at a time; a request
// sent while the reverse one is pending accepts it. Both parties are told
// about every transition through their attached sessions.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/events"
	"github.com/tbourn/go-chat-core/internal/observability"
	"github.com/tbourn/go-chat-core/internal/repo"
)

const maxListedRequests = 100

// ContactService coordinates contact requests with the message store.
type ContactService struct {
	Store  *MessageStore
	Pusher Pusher
	Now    func() time.Time
}

// NewContactService constructs a service; pusher may be nil.
func NewContactService(store *MessageStore, pusher Pusher) *ContactService {
	return &ContactService{
		Store:  store,
		Pusher: pusher,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *ContactService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Send asks toID to connect with fromID. created is false when the same
// request was already pending, or when the reverse request was pending and
// this call accepted it (the returned request is then the accepted one).
func (s *ContactService) Send(ctx context.Context, fromID, toID string) (*domain.ContactRequest, bool, error) {
	tr := otel.Tracer("services/ContactService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(observability.AttrUserID.String(fromID), attribute.String("user.to", toID)),
	)
	defer span.End()

	fromID, toID = strings.TrimSpace(fromID), strings.TrimSpace(toID)
	if fromID == "" || toID == "" || fromID == toID {
		return nil, false, ErrInvalidContactRequest
	}
	db := s.Store.DB
	target, err := repo.GetUser(ctx, db, toID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && target.DeletedAt != nil) {
		return nil, false, ErrUserNotFound
	}
	if err != nil {
		return nil, false, err
	}

	key := domain.DirectKeyFor(fromID, toID)
	if _, err := repo.FindDirect(ctx, db, key); err == nil {
		return nil, false, ErrAlreadyContacts
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}

	// The unique index admits one pending request per pair, so a lost race
	// resolves to the winner.
	for attempt := 0; attempt < 2; attempt++ {
		pending, err := repo.FindPendingRequest(ctx, db, key)
		switch {
		case err == nil && pending.FromID == fromID:
			return pending, false, nil
		case err == nil:
			r, _, err := s.Accept(ctx, fromID, pending.ID)
			if err == nil {
				observability.ContactRequests.WithLabelValues("mutual").Inc()
			}
			return r, false, err
		case !errors.Is(err, repo.ErrNotFound):
			return nil, false, err
		}

		if err := repo.EnsureUser(ctx, db, fromID); err != nil {
			return nil, false, err
		}
		r := &domain.ContactRequest{
			ID:        uuid.NewString(),
			FromID:    fromID,
			ToID:      toID,
			PairKey:   key,
			Status:    domain.RequestPending,
			CreatedAt: s.now(),
		}
		err = repo.CreateContactRequest(ctx, db, r)
		if err == nil {
			observability.ContactRequests.WithLabelValues("sent").Inc()
			s.announce(*r)
			log.Info().Str("request_id", r.ID).Str("from_id", fromID).Str("to_id", toID).Msg("contact request sent")
			return r, true, nil
		}
		if !repo.IsUniqueViolation(err) {
			return nil, false, err
		}
	}
	return nil, false, ErrWriteConflict
}

// Accept resolves a pending request addressed to userID and opens the
// direct conversation of the pair. The conversation is opened before the
// request is resolved: if a concurrent reject wins, the conversation
// stays, exactly as if either side had opened it directly.
func (s *ContactService) Accept(ctx context.Context, userID, requestID string) (*domain.ContactRequest, *domain.Conversation, error) {
	tr := otel.Tracer("services/ContactService")
	ctx, span := tr.Start(ctx, "Accept",
		trace.WithAttributes(observability.AttrUserID.String(userID), attribute.String("request.id", requestID)),
	)
	defer span.End()

	r, err := s.pendingFor(ctx, userID, requestID)
	if err != nil {
		return nil, nil, err
	}
	conv, _, err := s.Store.CreateDirect(ctx, r.FromID, r.ToID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.resolve(ctx, r, domain.RequestAccepted, &conv.ID); err != nil {
		return nil, nil, err
	}
	span.SetAttributes(observability.AttrConversationID.String(conv.ID))
	return r, conv, nil
}

// Reject resolves a pending request addressed to userID without opening
// a conversation.
func (s *ContactService) Reject(ctx context.Context, userID, requestID string) (*domain.ContactRequest, error) {
	tr := otel.Tracer("services/ContactService")
	ctx, span := tr.Start(ctx, "Reject",
		trace.WithAttributes(observability.AttrUserID.String(userID), attribute.String("request.id", requestID)),
	)
	defer span.End()

	r, err := s.pendingFor(ctx, userID, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.resolve(ctx, r, domain.RequestRejected, nil); err != nil {
		return nil, err
	}
	return r, nil
}

// Pending lists the pending requests addressed to userID, or sent by it
// when outgoing is set, newest first.
func (s *ContactService) Pending(ctx context.Context, userID string, outgoing bool) ([]domain.ContactRequest, error) {
	return repo.ListContactRequests(ctx, s.Store.DB, userID, !outgoing, domain.RequestPending, maxListedRequests)
}

func (s *ContactService) pendingFor(ctx context.Context, userID, requestID string) (*domain.ContactRequest, error) {
	r, err := repo.GetContactRequest(ctx, s.Store.DB, requestID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.ToID != userID {
		return nil, ErrNotRequestRecipient
	}
	if r.Status != domain.RequestPending {
		return nil, ErrRequestNotPending
	}
	return r, nil
}

func (s *ContactService) resolve(ctx context.Context, r *domain.ContactRequest, status string, conversationID *string) error {
	now := s.now()
	ok, err := repo.ResolveContactRequest(ctx, s.Store.DB, r.ID, status, conversationID, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRequestNotPending
	}
	r.Status = status
	r.ConversationID = conversationID
	r.RespondedAt = &now
	observability.ContactRequests.WithLabelValues(status).Inc()
	s.announce(*r)
	log.Info().Str("request_id", r.ID).Str("from_id", r.FromID).Str("to_id", r.ToID).Str("status", status).Msg("contact request resolved")
	return nil
}

func (s *ContactService) announce(r domain.ContactRequest) {
	if s.Pusher == nil {
		return
	}
	ev := events.NewContactRequest(r)
	s.Pusher.Push(r.FromID, ev)
	s.Pusher.Push(r.ToID, ev)
}
