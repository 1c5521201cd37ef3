package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
)

const StateChangedTopic = "payment.state.changed"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher streams committed payment transitions keyed by payment id,
// so every transition of one payment lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
}

var _ interfaces.EventPublisher = (*KafkaPublisher)(nil)

func NewKafkaWriter(brokers string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers),
		Topic:    StateChangedTopic,
		Balancer: &kafka.Hash{},
	}
}

func NewKafkaPublisher(writer *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) PublishStateChange(ctx context.Context, evt models.StateChangeEvent) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal state change: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.PaymentID),
		Value: value,
	})
}
