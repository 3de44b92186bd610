// Package services – DeliveryTracker
//
// DeliveryTracker owns the per-(message, recipient) state machine
// pending -> delivered -> read, plus the terminal unreachable state for
// deleted accounts. Every transition is a guarded update on the current
// state, so a record never regresses no matter how acks interleave.
package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/observability"
	"github.com/tbourn/go-chat-core/internal/repo"
)

// Transition is the outcome of an ack. From is the state observed before
// the update; Changed is false for no-op acks.
type Transition struct {
	Record  domain.DeliveryRecord
	From    string
	Changed bool
}

// Summary is the sender-facing aggregate of one message.
type Summary struct {
	MessageID string `json:"message_id"`
	// Status is the minimum state over reachable recipients; a message with
	// no reachable recipient is reported as read.
	Status     string                  `json:"status"`
	Counts     map[string]int          `json:"counts"`
	Recipients []domain.DeliveryRecord `json:"recipients"`
}

// DeliveryTracker persists and advances delivery records.
type DeliveryTracker struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewDeliveryTracker constructs a DeliveryTracker using the wall clock.
func NewDeliveryTracker(db *gorm.DB) *DeliveryTracker {
	return &DeliveryTracker{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

func (t *DeliveryTracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now().UTC()
}

// Track records m as pending for every recipient (the sender excluded).
// Existing records are left untouched; deleted accounts are recorded as
// unreachable. It returns only the records created by this call.
func (t *DeliveryTracker) Track(ctx context.Context, m *domain.Message, recipients []string) ([]domain.DeliveryRecord, error) {
	tr := otel.Tracer("services/DeliveryTracker")
	ctx, span := tr.Start(ctx, "Track",
		trace.WithAttributes(
			observability.AttrMessageID.String(m.ID),
			attribute.Int("recipients", len(recipients)),
		),
	)
	defer span.End()

	deleted, err := repo.DeletedUsers(ctx, t.DB, recipients)
	if err != nil {
		return nil, err
	}
	var created []domain.DeliveryRecord
	for _, r := range recipients {
		if r == m.SenderID {
			continue
		}
		rec := domain.DeliveryRecord{
			MessageID:      m.ID,
			RecipientID:    r,
			State:          domain.StatePending,
			ConversationID: m.ConversationID,
			Seq:            m.Seq,
			SenderID:       m.SenderID,
		}
		if deleted[r] {
			rec.State = domain.StateUnreachable
		}
		ok, err := repo.InsertDeliveryIfAbsent(ctx, t.DB, &rec)
		if err != nil {
			return created, err
		}
		if ok {
			observability.DeliveryTransitions.WithLabelValues(rec.State).Inc()
			created = append(created, rec)
		}
	}
	return created, nil
}

// MarkDelivered moves pending -> delivered. Acks on delivered or read
// records are no-ops. An unknown pair is ErrProtocolViolation.
func (t *DeliveryTracker) MarkDelivered(ctx context.Context, messageID, recipientID string) (Transition, error) {
	return t.advance(ctx, "MarkDelivered", messageID, recipientID, domain.StateDelivered, []string{domain.StatePending})
}

// MarkRead moves delivered -> read. A pending record is promoted through
// delivered in the same update (both timestamps set); read is a no-op.
func (t *DeliveryTracker) MarkRead(ctx context.Context, messageID, recipientID string) (Transition, error) {
	return t.advance(ctx, "MarkRead", messageID, recipientID, domain.StateRead, []string{domain.StatePending, domain.StateDelivered})
}

func (t *DeliveryTracker) advance(ctx context.Context, op, messageID, recipientID, to string, from []string) (Transition, error) {
	tr := otel.Tracer("services/DeliveryTracker")
	ctx, span := tr.Start(ctx, op,
		trace.WithAttributes(
			observability.AttrMessageID.String(messageID),
			observability.AttrUserID.String(recipientID),
		),
	)
	defer span.End()

	cur, err := repo.GetDelivery(ctx, t.DB, messageID, recipientID)
	if errors.Is(err, repo.ErrNotFound) {
		return Transition{}, ErrProtocolViolation
	}
	if err != nil {
		return Transition{}, err
	}
	if !domain.CanAdvance(cur.State, to) {
		return Transition{Record: *cur, From: cur.State}, nil
	}

	changed, err := repo.AdvanceDelivery(ctx, t.DB, messageID, recipientID, to, from, t.now())
	if err != nil {
		return Transition{}, err
	}
	next, err := repo.GetDelivery(ctx, t.DB, messageID, recipientID)
	if err != nil {
		return Transition{}, err
	}
	if changed {
		observability.DeliveryTransitions.WithLabelValues(to).Inc()
	}
	return Transition{Record: *next, From: cur.State, Changed: changed}, nil
}

// Summary aggregates the delivery records of a message.
func (t *DeliveryTracker) Summary(ctx context.Context, messageID string) (*Summary, error) {
	recs, err := repo.ListDeliveries(ctx, t.DB, messageID)
	if err != nil {
		return nil, err
	}
	return summarize(messageID, recs), nil
}

func summarize(messageID string, recs []domain.DeliveryRecord) *Summary {
	s := &Summary{
		MessageID: messageID,
		Status:    domain.StateRead,
		Counts: map[string]int{
			domain.StatePending:     0,
			domain.StateDelivered:   0,
			domain.StateRead:        0,
			domain.StateUnreachable: 0,
		},
		Recipients: recs,
	}
	if s.Recipients == nil {
		s.Recipients = []domain.DeliveryRecord{}
	}
	for _, r := range recs {
		s.Counts[r.State]++
		if r.State == domain.StateUnreachable {
			continue
		}
		if domain.StateRank(r.State) < domain.StateRank(s.Status) {
			s.Status = r.State
		}
	}
	return s
}

// Pending returns the recipient's pending queue ordered by (conversation, seq).
func (t *DeliveryTracker) Pending(ctx context.Context, recipientID string, limit int) ([]domain.DeliveryRecord, error) {
	return repo.ListPending(ctx, t.DB, recipientID, limit)
}

// PendingFloors returns, per conversation, the lowest pending seq of recipientID.
func (t *DeliveryTracker) PendingFloors(ctx context.Context, recipientID string) ([]repo.PendingFloor, error) {
	return repo.PendingFloors(ctx, t.DB, recipientID)
}

// MarkRecipientUnreachable records the account as deleted, moves every
// pending or delivered record of it to unreachable and rejects the pending
// contact requests it sent or received.
func (t *DeliveryTracker) MarkRecipientUnreachable(ctx context.Context, userID string) (int64, error) {
	tr := otel.Tracer("services/DeliveryTracker")
	ctx, span := tr.Start(ctx, "MarkRecipientUnreachable",
		trace.WithAttributes(observability.AttrUserID.String(userID)),
	)
	defer span.End()

	now := t.now()
	var n int64
	err := t.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.MarkUserDeleted(ctx, tx, userID, now); err != nil {
			return err
		}
		if _, err := repo.RejectPendingRequestsOf(ctx, tx, userID, now); err != nil {
			return err
		}
		var err error
		n, err = repo.MarkRecipientUnreachable(ctx, tx, userID, now)
		return err
	})
	if err == nil && n > 0 {
		observability.DeliveryTransitions.WithLabelValues(domain.StateUnreachable).Add(float64(n))
	}
	return n, err
}
