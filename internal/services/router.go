// Package services – ConversationRouter
//
// ConversationRouter turns a send into an append plus fan-out: it resolves
// the conversation's participants, records pending deliveries, pushes the
// message to every attached session of every participant (the sender's
// other devices included) and hands recipients without a live session to
// the push notifier. It also relays acks as delivery-state events and
// implements PresenceListener to fan out typing and presence changes.
//
// Fan-out runs inside the append's commit hook, while the conversation's
// write slot is held, so pushes for one conversation leave in seq order.
// Nothing in that hook waits on the network: session pushes are queue
// inserts and notifier handoffs go through a bounded outbox.
package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/events"
	"github.com/tbourn/go-chat-core/internal/observability"
)

// Pusher enqueues events on the attached sessions of a user. Push must not
// block; it returns the number of sessions that accepted the event.
type Pusher interface {
	Push(userID string, ev events.Outbound) int
}

// Notifier hands a message to the external push-notification collaborator
// for a recipient with no attached session.
type Notifier interface {
	Notify(ctx context.Context, recipientID string, m *domain.Message) error
}

// ConversationRouter coordinates store, tracker, presence and sessions.
type ConversationRouter struct {
	Store    *MessageStore
	Tracker  *DeliveryTracker
	Presence *PresenceRegistry
	Pusher   Pusher
	Notifier Notifier
	// Outbox tunes the asynchronous notifier handoff. Read once, on the
	// first handoff.
	Outbox OutboxOptions

	outboxOnce sync.Once
	outbox     *outbox
}

// NewConversationRouter wires a router and registers it as the presence listener.
func NewConversationRouter(store *MessageStore, tracker *DeliveryTracker, presence *PresenceRegistry, pusher Pusher, notifier Notifier) *ConversationRouter {
	r := &ConversationRouter{Store: store, Tracker: tracker, Presence: presence, Pusher: pusher, Notifier: notifier}
	if presence != nil {
		presence.Listener = r
	}
	return r
}

func (r *ConversationRouter) push(userID string, ev events.Outbound) int {
	if r.Pusher == nil {
		return 0
	}
	return r.Pusher.Push(userID, ev)
}

// Send appends a message and fans it out. A replay (same token) returns the
// stored message and only fans out to recipients that have no delivery
// record yet. The append is detached from ctx cancellation so a client
// disconnect never aborts a commit in flight.
func (r *ConversationRouter) Send(ctx context.Context, senderID, conversationID, token string, p Payload) (*domain.Message, bool, error) {
	tr := otel.Tracer("services/ConversationRouter")
	ctx, span := tr.Start(context.WithoutCancel(ctx), "Send",
		trace.WithAttributes(
			observability.AttrConversationID.String(conversationID),
			observability.AttrUserID.String(senderID),
		),
	)
	defer span.End()

	return r.Store.AppendWithRetry(ctx, AppendRequest{
		ConversationID:   conversationID,
		SenderID:         senderID,
		IdempotencyToken: token,
		Payload:          p,
		OnCommit:         r.fanout,
	})
}

func (r *ConversationRouter) fanout(ctx context.Context, m *domain.Message, replay bool) error {
	conv, err := r.Store.Conversation(ctx, m.ConversationID)
	if err != nil {
		return fmt.Errorf("%w: resolve participants: %v", ErrDeliveryFailed, err)
	}
	members := conv.Members()
	recipients := make([]string, 0, len(members))
	for _, u := range members {
		if u != m.SenderID {
			recipients = append(recipients, u)
		}
	}

	created, err := r.Tracker.Track(ctx, m, recipients)
	if err != nil {
		return fmt.Errorf("%w: record deliveries: %v", ErrDeliveryFailed, err)
	}

	ev := events.NewNewMessage(*m)
	pending := make(map[string]bool, len(created))
	for _, rec := range created {
		if rec.State == domain.StatePending {
			pending[rec.RecipientID] = true
		}
	}

	targets := members
	if replay {
		targets = make([]string, 0, len(created))
		for _, rec := range created {
			targets = append(targets, rec.RecipientID)
		}
	}
	for _, u := range targets {
		if n := r.push(u, ev); n > 0 || !pending[u] {
			continue
		}
		r.notify(ctx, u, m)
	}
	log.Debug().
		Str("conversation_id", m.ConversationID).
		Int64("seq", m.Seq).
		Bool("replay", replay).
		Int("recipients", len(recipients)).
		Int("new_records", len(created)).
		Msg("message fanned out")
	return nil
}

func (r *ConversationRouter) notify(ctx context.Context, recipientID string, m *domain.Message) {
	if r.Notifier == nil {
		return
	}
	r.outboxOnce.Do(func() { r.outbox = newOutbox(r.Notifier, r.Outbox) })
	if r.outbox == nil { // closed before the first handoff
		return
	}
	r.outbox.enqueue(ctx, recipientID, m)
}

// Close waits for queued notifier handoffs to finish. Later handoffs are
// dropped.
func (r *ConversationRouter) Close() {
	r.outboxOnce.Do(func() {})
	if r.outbox != nil {
		r.outbox.close()
	}
}

// Ack applies a delivered (read=false) or read acknowledgement from userID
// and relays the change to the sender's and the recipient's sessions. A
// pending record acked as read is relayed as delivered, then read.
func (r *ConversationRouter) Ack(ctx context.Context, userID, messageID string, read bool) (Transition, error) {
	var (
		t   Transition
		err error
	)
	if read {
		t, err = r.Tracker.MarkRead(ctx, messageID, userID)
	} else {
		t, err = r.Tracker.MarkDelivered(ctx, messageID, userID)
	}
	if err != nil || !t.Changed {
		return t, err
	}

	rec := t.Record
	if t.From == domain.StatePending && rec.State == domain.StateRead {
		mid := rec
		mid.State = domain.StateDelivered
		r.relay(mid)
	}
	r.relay(rec)
	return t, nil
}

// Delivered is called by a session once a live newMessage frame has been
// written to the recipient's connection.
func (r *ConversationRouter) Delivered(ctx context.Context, recipientID, messageID string) error {
	_, err := r.Ack(ctx, recipientID, messageID, false)
	return err
}

func (r *ConversationRouter) relay(rec domain.DeliveryRecord) {
	ev := events.NewDeliveryStateChanged(rec)
	r.push(rec.SenderID, ev)
	r.push(rec.RecipientID, ev)
}

// SetTyping validates membership and records a typing signal; the registry
// calls back Typing to fan it out.
func (r *ConversationRouter) SetTyping(ctx context.Context, userID, conversationID string) error {
	conv, err := r.Store.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasMember(userID) {
		return ErrNotParticipant
	}
	r.Presence.SetTyping(ctx, userID, conversationID)
	return nil
}

// Heartbeat refreshes the user's presence.
func (r *ConversationRouter) Heartbeat(ctx context.Context, userID string) {
	r.Presence.Heartbeat(ctx, userID)
}

// Typing implements PresenceListener: it pushes a typing event, or a
// stopped one once the indicator expired, to the other participants.
func (r *ConversationRouter) Typing(ctx context.Context, userID, conversationID string, active bool) {
	conv, err := r.Store.Conversation(ctx, conversationID)
	if err != nil {
		log.Debug().Err(err).Str("conversation_id", conversationID).Msg("typing fan-out skipped")
		return
	}
	ev := events.NewTyping(conversationID, userID)
	if !active {
		ev = events.NewTypingStopped(conversationID, userID)
	}
	for _, u := range conv.Members() {
		if u != userID {
			r.push(u, ev)
		}
	}
}

// PresenceChanged implements PresenceListener: it pushes the change to every
// user sharing a conversation with the subject.
func (r *ConversationRouter) PresenceChanged(ctx context.Context, st PresenceStatus) {
	contacts, err := r.Store.Contacts(ctx, st.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", st.UserID).Msg("presence fan-out skipped")
		return
	}
	ev := events.NewPresenceChanged(st.UserID, st.Online, st.LastSeen)
	for _, u := range contacts {
		r.push(u, ev)
	}
}

// DeleteAccount makes userID a permanently unreachable recipient.
func (r *ConversationRouter) DeleteAccount(ctx context.Context, userID string) (int64, error) {
	n, err := r.Tracker.MarkRecipientUnreachable(ctx, userID)
	if err != nil {
		return 0, err
	}
	r.Presence.Leave(ctx, userID)
	return n, nil
}
