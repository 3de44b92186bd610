package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-chat-core/internal/events"
	"github.com/tbourn/go-chat-core/internal/observability"
	"github.com/tbourn/go-chat-core/internal/services"
)

// Close codes sent to clients.
const (
	CloseGoingAway         = 1001
	CloseProtocolViolation = 4000
	CloseSlowConsumer      = 4001
)

// Close reasons, also used as metric labels.
const (
	reasonNormal            = "normal"
	reasonProtocolViolation = "protocol_violation"
	reasonSlowConsumer      = "slow_consumer"
	reasonShutdown          = "shutdown"
	reasonTransport         = "transport"
)

// Conn is one client connection carrying whole JSON frames. Close may be
// called concurrently with ReadFrame and WriteFrame; the other two methods
// each have a single caller.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close(code int, reason string) error
}

// Session is one attached client device.
type Session struct {
	ID       string
	UserID   string
	DeviceID string

	gw      *Gateway
	conn    Conn
	queue   *Queue
	limiter *rate.Limiter

	// watermark is the highest backfilled seq per conversation. Written
	// before the writer starts and read only by it afterwards.
	watermark map[string]int64

	closeOnce sync.Once
	done      chan struct{}
	reason    string
}

// Done is closed once the session has been shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// enqueue queues ev; false means the session cannot keep up and must close.
func (s *Session) enqueue(ev events.Outbound) bool {
	dropped, err := s.queue.Push(ev)
	if dropped != nil {
		observability.EventsDropped.WithLabelValues(dropped.OutboundType()).Inc()
	}
	return !errors.Is(err, ErrQueueOverflow)
}

// shutdown closes the session once; later calls are no-ops.
func (s *Session) shutdown(code int, reason, text string) {
	s.stop(code, reason, text, false)
}

// evict is shutdown for callers that must not wait on the transport: the
// session stops at once and the close frame is written in the background,
// since it can queue behind a stalled writer for the full write timeout.
func (s *Session) evict(code int, reason, text string) {
	s.stop(code, reason, text, true)
}

func (s *Session) stop(code int, reason, text string, async bool) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
		s.queue.Close()
		if async {
			go s.closeConn(code, text)
		} else {
			s.closeConn(code, text)
		}
		observability.SessionsClosed.WithLabelValues(reason).Inc()
		log.Info().
			Str("session_id", s.ID).
			Str("user_id", s.UserID).
			Str("reason", reason).
			Msg("session closed")
	})
}

func (s *Session) closeConn(code int, text string) {
	if err := s.conn.Close(code, text); err != nil {
		log.Debug().Err(err).Str("session_id", s.ID).Msg("close connection")
	}
}

func (s *Session) write(ev events.Outbound) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.conn.WriteFrame(data)
}

// writeLoop drains the queue onto the connection. Live messages at or below
// the backfill watermark were already delivered in a backfill frame.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		ev, ok := s.queue.Next(s.done)
		if !ok {
			return
		}
		nm, isMsg := ev.(events.NewMessage)
		if isMsg && nm.Message.Seq <= s.watermark[nm.Message.ConversationID] {
			continue
		}
		if err := s.write(ev); err != nil {
			log.Debug().Err(err).Str("session_id", s.ID).Msg("write failed")
			s.shutdown(CloseGoingAway, reasonTransport, "write failed")
			return
		}
		if isMsg && nm.Message.SenderID != s.UserID {
			if err := s.gw.router.Delivered(ctx, s.UserID, nm.Message.ID); err != nil {
				log.Warn().Err(err).
					Str("session_id", s.ID).
					Str("message_id", nm.Message.ID).
					Msg("mark delivered failed")
			}
		}
	}
}

// readLoop decodes and dispatches frames until the connection fails or the
// client violates the protocol.
func (s *Session) readLoop(ctx context.Context) {
	for {
		data, err := s.conn.ReadFrame()
		if err != nil {
			s.shutdown(CloseGoingAway, reasonNormal, "")
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		in, err := events.Decode(data)
		if err != nil {
			s.shutdown(CloseProtocolViolation, reasonProtocolViolation, err.Error())
			return
		}
		if !s.limiter.Allow() {
			s.enqueue(events.NewError(events.KindRateLimited, in.InboundType()))
			continue
		}
		if !s.dispatch(ctx, in) {
			return
		}
	}
}

// dispatch handles one inbound event; false ends the session.
func (s *Session) dispatch(ctx context.Context, in events.Inbound) bool {
	r := s.gw.router
	switch ev := in.(type) {
	case events.SendMessage:
		_, _, err := r.Send(ctx, s.UserID, ev.ConversationID, ev.ClientMsgID, services.Payload{
			Kind:         ev.PayloadKind,
			Body:         ev.Payload,
			RefMessageID: ev.RefMessageID,
		})
		if err != nil {
			log.Debug().Err(err).
				Str("session_id", s.ID).
				Str("conversation_id", ev.ConversationID).
				Msg("send rejected")
			s.enqueue(events.NewError(ErrorKind(err), ev.ClientMsgID))
		}
	case events.AckDelivered:
		return s.ack(ctx, ev.MessageID, false)
	case events.AckRead:
		return s.ack(ctx, ev.MessageID, true)
	case events.SetTyping:
		if err := r.SetTyping(ctx, s.UserID, ev.ConversationID); err != nil {
			s.enqueue(events.NewError(ErrorKind(err), ev.ConversationID))
		}
	case events.Heartbeat:
		r.Heartbeat(ctx, s.UserID)
	case events.Connect:
		s.shutdown(CloseProtocolViolation, reasonProtocolViolation, "already connected")
		return false
	}
	return true
}

func (s *Session) ack(ctx context.Context, messageID string, read bool) bool {
	_, err := s.gw.router.Ack(ctx, s.UserID, messageID, read)
	switch {
	case err == nil:
	case errors.Is(err, services.ErrProtocolViolation):
		s.shutdown(CloseProtocolViolation, reasonProtocolViolation, "unknown delivery record")
		return false
	default:
		log.Error().Err(err).Str("session_id", s.ID).Str("message_id", messageID).Msg("ack failed")
		s.enqueue(events.NewError(events.KindInternal, messageID))
	}
	return true
}

// ErrorKind maps a service error to its wire error kind.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		return events.KindConversationNotFound
	case errors.Is(err, services.ErrWriteConflict):
		return events.KindWriteConflict
	case errors.Is(err, services.ErrDeliveryFailed):
		return events.KindDeliveryFailed
	case errors.Is(err, services.ErrNotParticipant):
		return events.KindNotParticipant
	case errors.Is(err, services.ErrInvalidPayload):
		return events.KindInvalidPayload
	default:
		return events.KindInternal
	}
}
