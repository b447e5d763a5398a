package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mmeshcher/exchanger/internal/model"
)

// MessageWriter описывает часть kafka.Writer, используемую каналом.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaChannel публикует события заявок в топик для внешних потребителей.
type KafkaChannel struct {
	topic  string
	writer MessageWriter
}

// NewKafkaWriter создаёт writer для топика событий.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
}

// NewKafkaChannel создаёт канал поверх writer. Ключом сообщения служит id заявки,
// поэтому события одной заявки попадают в одну партицию.
func NewKafkaChannel(topic string, writer MessageWriter) *KafkaChannel {
	return &KafkaChannel{topic: topic, writer: writer}
}

// Name возвращает имя канала.
func (c *KafkaChannel) Name() string { return "kafka" }

// Recipient возвращает топик.
func (c *KafkaChannel) Recipient(model.Event) string {
	return c.topic
}

// Send пишет payload задания в топик.
func (c *KafkaChannel) Send(ctx context.Context, job model.NotificationJob) error {
	value, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.Payload.OrderID),
		Value: value,
		Time:  job.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(job.Event)},
			{Key: "job-id", Value: []byte(job.ID.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close закрывает writer.
func (c *KafkaChannel) Close() error {
	return c.writer.Close()
}
