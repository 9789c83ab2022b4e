package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "escrowpay-escrow-events"

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes one message per event keyed by escrow id, so every
// event for an escrow lands on the same partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = DefaultTopic
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := Message(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Message renders ev the way Publish sends it.
func Message(ev Event) (kafka.Message, error) {
	payload, err := Encode(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(ev.EscrowID),
		Value:   payload,
		Time:    ev.OccurredAt,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	}, nil
}
