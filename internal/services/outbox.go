package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/observability"
)

// OutboxOptions tunes the push-notification outbox.
type OutboxOptions struct {
	Size    int           // queued handoffs; 0 means 1024
	Workers int           // concurrent publishes; 0 means 4
	Timeout time.Duration // per publish; 0 means 5s
}

type handoff struct {
	recipientID string
	msg         domain.Message
	span        trace.SpanContext
}

// outbox publishes notifications off the append path. Enqueue never blocks:
// a full outbox drops the handoff, and the recipient still finds the message
// pending on reconnect.
type outbox struct {
	n    Notifier
	opts OutboxOptions
	jobs chan handoff

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newOutbox(n Notifier, opts OutboxOptions) *outbox {
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	o := &outbox{n: n, opts: opts, jobs: make(chan handoff, opts.Size)}
	o.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go o.work()
	}
	return o
}

func (o *outbox) enqueue(ctx context.Context, recipientID string, m *domain.Message) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	select {
	case o.jobs <- handoff{recipientID: recipientID, msg: *m, span: trace.SpanContextFromContext(ctx)}:
		return true
	default:
		observability.NotifierPublishes.WithLabelValues("dropped").Inc()
		log.Warn().
			Str("user_id", recipientID).
			Str("message_id", m.ID).
			Msg("notification outbox full, handoff dropped")
		return false
	}
}

func (o *outbox) work() {
	defer o.wg.Done()
	for h := range o.jobs {
		o.publish(h)
	}
}

func (o *outbox) publish(h handoff) {
	ctx := trace.ContextWithSpanContext(context.Background(), h.span)
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	if err := o.n.Notify(ctx, h.recipientID, &h.msg); err != nil {
		observability.NotifierPublishes.WithLabelValues("error").Inc()
		log.Warn().Err(err).
			Str("user_id", h.recipientID).
			Str("message_id", h.msg.ID).
			Msg("push notification handoff failed")
		return
	}
	observability.NotifierPublishes.WithLabelValues("ok").Inc()
}

// close stops intake and waits for queued handoffs to be published.
func (o *outbox) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.jobs)
	o.mu.Unlock()
	o.wg.Wait()
}
