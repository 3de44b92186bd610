// Package notify hands messages for offline recipients to the push
// notification pipeline over Kafka.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/services"
)

// Notification is the record published per offline recipient. The payload
// is left out; the push pipeline fetches it if it renders a preview.
type Notification struct {
	RecipientID    string    `json:"recipient_id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"sender_id"`
	PayloadKind    string    `json:"payload_kind"`
	CreatedAt      time.Time `json:"created_at"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier implements services.Notifier. Records are keyed by
// recipient so one user's notifications stay ordered within a partition.
type KafkaNotifier struct {
	w writer
}

var _ services.Notifier = (*KafkaNotifier)(nil)

// NewKafkaNotifier builds a synchronous writer for topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

// Notify publishes one notification for recipientID.
func (n *KafkaNotifier) Notify(ctx context.Context, recipientID string, m *domain.Message) error {
	b, err := json.Marshal(Notification{
		RecipientID:    recipientID,
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		PayloadKind:    m.Kind,
		CreatedAt:      m.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(recipientID),
		Value: b,
		Time:  m.CreatedAt,
	}); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (n *KafkaNotifier) Close() error {
	return n.w.Close()
}
