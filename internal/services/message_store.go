// Package services – MessageStore
//
// MessageStore is the durable, ordered per-conversation log. Appends are
// serialized per conversation through a keyed write slot (one single-entry
// channel per conversation id, no global lock); waiting for a slot is
// bounded and a timeout is reported as ErrWriteConflict so one slow
// conversation never stalls the others.
//
// Inside the slot an append first resolves the idempotency token, then
// claims the next sequence and inserts the message in one transaction. The
// OnCommit hook runs while the slot is still held, so every observer sees
// a conversation's commits in sequence order.
//
// Observability: public methods are OpenTelemetry-instrumented and append
// results are counted in observability.Appends.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/observability"
	"github.com/tbourn/go-chat-core/internal/repo"
)

const (
	defaultPageSize  = 50
	maxPageSize      = 500
	maxRefBodyLength = 2048
)

// Payload is the client-supplied content of a message.
type Payload struct {
	Kind         string
	Body         string
	RefMessageID string
}

// CommitFunc is invoked with the committed (or replayed) message while the
// conversation's write slot is held.
type CommitFunc func(ctx context.Context, m *domain.Message, replay bool) error

// AppendRequest describes one append.
type AppendRequest struct {
	ConversationID   string
	SenderID         string
	IdempotencyToken string // generated when empty
	Payload          Payload
	OnCommit         CommitFunc
}

// MessageStore owns the message log.
type MessageStore struct {
	DB *gorm.DB

	// SlotTimeout bounds the wait for a conversation's write slot.
	SlotTimeout time.Duration
	// MaxRetries and RetryBase drive AppendWithRetry.
	MaxRetries int
	RetryBase  time.Duration
	// MaxTextRunes caps text and edit bodies.
	MaxTextRunes int

	mu    sync.Mutex
	slots map[string]*writeSlot
}

type writeSlot struct {
	ch   chan struct{}
	refs int
}

// NewMessageStore constructs a MessageStore with defaults for zero values.
func NewMessageStore(db *gorm.DB, slotTimeout time.Duration, maxRetries int, retryBase time.Duration, maxTextRunes int) *MessageStore {
	if slotTimeout <= 0 {
		slotTimeout = 2 * time.Second
	}
	if retryBase <= 0 {
		retryBase = 20 * time.Millisecond
	}
	if maxTextRunes <= 0 {
		maxTextRunes = 4000
	}
	return &MessageStore{
		DB:           db,
		SlotTimeout:  slotTimeout,
		MaxRetries:   maxRetries,
		RetryBase:    retryBase,
		MaxTextRunes: maxTextRunes,
		slots:        make(map[string]*writeSlot),
	}
}

// acquire takes the write slot of conversationID, waiting at most SlotTimeout.
func (s *MessageStore) acquire(ctx context.Context, conversationID string) (func(), error) {
	s.mu.Lock()
	if s.slots == nil {
		s.slots = make(map[string]*writeSlot)
	}
	sl, ok := s.slots[conversationID]
	if !ok {
		sl = &writeSlot{ch: make(chan struct{}, 1)}
		s.slots[conversationID] = sl
	}
	sl.refs++
	s.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(s.SlotTimeout)
	defer timer.Stop()

	select {
	case sl.ch <- struct{}{}:
		observability.SlotWait.Observe(time.Since(start).Seconds())
		return func() {
			<-sl.ch
			s.unref(conversationID, sl)
		}, nil
	case <-timer.C:
		s.unref(conversationID, sl)
		return nil, fmt.Errorf("%w: write slot busy for %s", ErrWriteConflict, s.SlotTimeout)
	case <-ctx.Done():
		s.unref(conversationID, sl)
		return nil, ctx.Err()
	}
}

func (s *MessageStore) unref(conversationID string, sl *writeSlot) {
	s.mu.Lock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, conversationID)
	}
	s.mu.Unlock()
}

// normalizePayload validates p and returns its canonical form.
func (s *MessageStore) normalizePayload(p Payload) (Payload, error) {
	p.Kind = strings.TrimSpace(p.Kind)
	p.RefMessageID = strings.TrimSpace(p.RefMessageID)
	if !domain.ValidPayloadKind(p.Kind) {
		return p, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
	if domain.IsReferenceKind(p.Kind) && p.RefMessageID == "" {
		return p, fmt.Errorf("%w: %s requires a referenced message", ErrInvalidPayload, p.Kind)
	}
	if !domain.IsReferenceKind(p.Kind) {
		p.RefMessageID = ""
	}

	switch p.Kind {
	case domain.PayloadText, domain.PayloadEdit:
		p.Body = norm.NFC.String(strings.TrimSpace(p.Body))
		if p.Body == "" {
			return p, fmt.Errorf("%w: empty body", ErrInvalidPayload)
		}
		if utf8.RuneCountInString(p.Body) > s.MaxTextRunes {
			return p, fmt.Errorf("%w: body exceeds %d characters", ErrInvalidPayload, s.MaxTextRunes)
		}
	case domain.PayloadDelete:
		p.Body = ""
	default: // media references
		p.Body = strings.TrimSpace(p.Body)
		if p.Body == "" {
			return p, fmt.Errorf("%w: empty reference", ErrInvalidPayload)
		}
		if len(p.Body) > maxRefBodyLength {
			return p, fmt.Errorf("%w: reference too long", ErrInvalidPayload)
		}
	}
	return p, nil
}

// Append stores one message, or resolves a retry to the message already
// stored under the same (conversation, sender, token). It returns the
// message and whether it was a replay. An error from OnCommit is returned
// alongside the committed message.
func (s *MessageStore) Append(ctx context.Context, req AppendRequest) (*domain.Message, bool, error) {
	tr := otel.Tracer("services/MessageStore")
	ctx, span := tr.Start(ctx, "Append",
		trace.WithAttributes(
			observability.AttrConversationID.String(req.ConversationID),
			observability.AttrUserID.String(req.SenderID),
		),
	)
	defer span.End()

	p, err := s.normalizePayload(req.Payload)
	if err != nil {
		return nil, false, err
	}
	conv, err := repo.GetConversation(ctx, s.DB, req.ConversationID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, ErrConversationNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if !conv.HasMember(req.SenderID) {
		return nil, false, ErrNotParticipant
	}
	token := strings.TrimSpace(req.IdempotencyToken)
	if token == "" {
		token = uuid.NewString()
	}

	release, err := s.acquire(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, ErrWriteConflict) {
			observability.Appends.WithLabelValues("conflict").Inc()
		}
		return nil, false, err
	}
	defer release()

	m, replay, err := s.appendLocked(ctx, req.ConversationID, req.SenderID, token, p)
	if err != nil {
		if errors.Is(err, ErrWriteConflict) {
			observability.Appends.WithLabelValues("conflict").Inc()
		} else {
			observability.Appends.WithLabelValues("error").Inc()
		}
		return nil, false, err
	}
	if replay {
		observability.Appends.WithLabelValues("replay").Inc()
	} else {
		observability.Appends.WithLabelValues("created").Inc()
	}
	span.SetAttributes(observability.AttrSeq.Int64(m.Seq), attribute.Bool("replay", replay))

	if req.OnCommit != nil {
		if err := req.OnCommit(ctx, m, replay); err != nil {
			return m, replay, err
		}
	}
	return m, replay, nil
}

func (s *MessageStore) appendLocked(ctx context.Context, conversationID, senderID, token string, p Payload) (*domain.Message, bool, error) {
	existing, err := repo.FindByIdempotencyToken(ctx, s.DB, conversationID, senderID, token)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, classifyWriteErr(err)
	}

	if p.RefMessageID != "" {
		ref, err := repo.GetMessage(ctx, s.DB, p.RefMessageID)
		if err != nil || ref.ConversationID != conversationID || ref.SenderID != senderID {
			return nil, false, fmt.Errorf("%w: referenced message not editable", ErrInvalidPayload)
		}
	}

	m := &domain.Message{
		ID:               uuid.NewString(),
		ConversationID:   conversationID,
		SenderID:         senderID,
		IdempotencyToken: token,
		Kind:             p.Kind,
		Body:             p.Body,
		CreatedAt:        time.Now().UTC(),
	}
	if p.RefMessageID != "" {
		ref := p.RefMessageID
		m.RefMessageID = &ref
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := repo.ClaimNextSeq(tx, conversationID)
		if err != nil {
			return err
		}
		m.Seq = seq
		return repo.InsertMessage(tx, m)
	})
	switch {
	case err == nil:
		return m, false, nil
	case errors.Is(err, repo.ErrNotFound):
		return nil, false, ErrConversationNotFound
	case repo.IsTokenViolation(err):
		// A concurrent writer outside this process stored the token first.
		existing, lerr := repo.FindByIdempotencyToken(ctx, s.DB, conversationID, senderID, token)
		if lerr != nil {
			return nil, false, classifyWriteErr(lerr)
		}
		return existing, true, nil
	default:
		return nil, false, classifyWriteErr(err)
	}
}

func classifyWriteErr(err error) error {
	if repo.IsUniqueViolation(err) || repo.IsBusy(err) {
		return fmt.Errorf("%w: %v", ErrWriteConflict, err)
	}
	return err
}

// AppendWithRetry is Append with exponential backoff on ErrWriteConflict.
// Every other error is returned immediately.
func (s *MessageStore) AppendWithRetry(ctx context.Context, req AppendRequest) (*domain.Message, bool, error) {
	var (
		msg    *domain.Message
		replay bool
	)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.RetryBase
	b.MaxInterval = 20 * s.RetryBase

	tries := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tries++
		m, r, err := s.Append(ctx, req)
		msg, replay = m, r
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrWriteConflict) {
			log.Debug().
				Str("conversation_id", req.ConversationID).
				Int("attempt", tries).
				Msg("append write conflict, retrying")
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.MaxRetries+1)))
	return msg, replay, err
}

// FetchRange returns messages with seq > fromSeq in ascending order, at most
// limit. The result is verified to be contiguous; a gap yields ErrCorruptLog.
func (s *MessageStore) FetchRange(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]domain.Message, error) {
	tr := otel.Tracer("services/MessageStore")
	ctx, span := tr.Start(ctx, "FetchRange",
		trace.WithAttributes(
			observability.AttrConversationID.String(conversationID),
			attribute.Int64("from_seq", fromSeq),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if fromSeq < 0 {
		fromSeq = 0
	}
	limit = clampLimit(limit)
	if _, err := repo.LastSeq(ctx, s.DB, conversationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	out, err := repo.ListMessagesAfter(ctx, s.DB, conversationID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	if err := checkContiguous(conversationID, fromSeq+1, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchLatest returns the last count messages of a conversation in
// ascending order.
func (s *MessageStore) FetchLatest(ctx context.Context, conversationID string, count int) ([]domain.Message, error) {
	tr := otel.Tracer("services/MessageStore")
	ctx, span := tr.Start(ctx, "FetchLatest",
		trace.WithAttributes(
			observability.AttrConversationID.String(conversationID),
			attribute.Int("count", count),
		),
	)
	defer span.End()

	count = clampLimit(count)
	last, err := repo.LastSeq(ctx, s.DB, conversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	out, err := repo.ListLatestMessages(ctx, s.DB, conversationID, count)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if last > 0 {
			return nil, fmt.Errorf("%w: conversation %s has last_seq %d and no messages", ErrCorruptLog, conversationID, last)
		}
		return out, nil
	}
	// Appends may commit between the two reads, so the page is checked
	// against itself: consecutive, reaching at least last, and starting at 1
	// when it holds the whole log.
	first := out[0].Seq
	if len(out) < count && first != 1 {
		return nil, fmt.Errorf("%w: conversation %s log starts at seq %d", ErrCorruptLog, conversationID, first)
	}
	if err := checkContiguous(conversationID, first, out); err != nil {
		return nil, err
	}
	if tail := out[len(out)-1].Seq; tail < last {
		return nil, fmt.Errorf("%w: conversation %s ends at seq %d, last_seq %d", ErrCorruptLog, conversationID, tail, last)
	}
	return out, nil
}

// ListMedia returns the shared-media view of a conversation: image, voice
// and file references with seq > fromSeq, filtered over the log on demand.
func (s *MessageStore) ListMedia(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]domain.Message, error) {
	if _, err := repo.LastSeq(ctx, s.DB, conversationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	if fromSeq < 0 {
		fromSeq = 0
	}
	return repo.ListMediaAfter(ctx, s.DB, conversationID, fromSeq, clampLimit(limit))
}

// LastSeq returns the highest committed sequence of a conversation.
func (s *MessageStore) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	seq, err := repo.LastSeq(ctx, s.DB, conversationID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, ErrConversationNotFound
	}
	return seq, err
}

// Message fetches one message by id.
func (s *MessageStore) Message(ctx context.Context, id string) (*domain.Message, error) {
	m, err := repo.GetMessage(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	return m, err
}

func checkContiguous(conversationID string, want int64, ms []domain.Message) error {
	for _, m := range ms {
		if m.Seq != want {
			log.Error().
				Str("conversation_id", conversationID).
				Int64("expected_seq", want).
				Int64("seq", m.Seq).
				Msg("message log gap detected")
			return fmt.Errorf("%w: conversation %s expected seq %d, found %d", ErrCorruptLog, conversationID, want, m.Seq)
		}
		want++
	}
	return nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

// RangeCursor is a lazy, restartable scan over a conversation log. Each Next
// yields the following page; Seq is the resume point, so a new cursor built
// with Scan(conversationID, cursor.Seq(), n) continues where this one stopped.
type RangeCursor struct {
	store          *MessageStore
	conversationID string
	seq            int64
	pageSize       int
	done           bool
}

// Scan returns a cursor over messages with seq > fromSeq.
func (s *MessageStore) Scan(conversationID string, fromSeq int64, pageSize int) *RangeCursor {
	if fromSeq < 0 {
		fromSeq = 0
	}
	return &RangeCursor{store: s, conversationID: conversationID, seq: fromSeq, pageSize: clampLimit(pageSize)}
}

// Next returns the next page, or an empty page once the log is exhausted.
func (c *RangeCursor) Next(ctx context.Context) ([]domain.Message, error) {
	if c.done {
		return nil, nil
	}
	page, err := c.store.FetchRange(ctx, c.conversationID, c.seq, c.pageSize)
	if err != nil {
		return nil, err
	}
	if len(page) < c.pageSize {
		c.done = true
	}
	if n := len(page); n > 0 {
		c.seq = page[n-1].Seq
	}
	return page, nil
}

// Seq is the highest sequence returned so far (the resume point).
func (c *RangeCursor) Seq() int64 { return c.seq }

// Done reports whether the last page has been returned.
func (c *RangeCursor) Done() bool { return c.done }
