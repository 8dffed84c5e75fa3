// Package kafkaaudit 将签名会话结果发布到 Kafka。
package kafkaaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/aegis-sign/signflow/internal/gateway/audit"
)

const eventVersion = "v1"

// Config 配置 Kafka 发布器。
type Config struct {
	Brokers      []string
	Topic        string
	ClientID     string
	BatchTimeout time.Duration
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher 实现 audit.Executor。
type Publisher struct {
	writer kafkaWriter
	topic  string
}

var _ audit.Executor = (*Publisher)(nil)

// Event 是发布到主题中的消息体。
type Event struct {
	EventVersion string    `json:"event_version"`
	DeliveryID   string    `json:"delivery_id"`
	SessionID    string    `json:"session_id"`
	ContainerID  string    `json:"container_id"`
	Method       string    `json:"method"`
	Status       string    `json:"status"`
	Code         string    `json:"code,omitempty"`
	Fault        string    `json:"fault,omitempty"`
	SignatureID  string    `json:"signature_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// NewPublisher 创建发布器。
func NewPublisher(cfg Config) (*Publisher, error) {
	brokers := normalizeBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka audit requires at least one broker")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("kafka audit requires topic")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		BatchTimeout:           batchTimeout,
	}
	if cfg.ClientID != "" {
		writer.Transport = &kafka.Transport{ClientID: cfg.ClientID}
	}
	return &Publisher{writer: writer, topic: topic}, nil
}

func normalizeBrokers(brokers []string) []string {
	out := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		broker = strings.TrimSpace(broker)
		if broker == "" {
			continue
		}
		out = append(out, broker)
	}
	return out
}

// Deliver 以容器 ID 为键写入一条消息，使同一容器的结果保持分区内有序。
func (p *Publisher) Deliver(ctx context.Context, record audit.Record) error {
	o := record.Outcome
	event := Event{
		EventVersion: eventVersion,
		DeliveryID:   record.DeliveryID,
		SessionID:    o.SessionID,
		ContainerID:  o.ContainerID,
		Method:       string(o.Method),
		Status:       string(o.Status),
		Code:         string(o.Code),
		Fault:        o.Fault,
		SignatureID:  o.SignatureID,
		StartedAt:    o.StartedAt.UTC(),
		FinishedAt:   o.FinishedAt.UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(o.ContainerID),
		Value: payload,
		Time:  event.FinishedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("signing_session_finished")},
			{Key: "event_version", Value: []byte(eventVersion)},
			{Key: "delivery_id", Value: []byte(record.DeliveryID)},
			{Key: "attempt", Value: []byte(fmt.Sprintf("%d", record.Attempt))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing kafka message to topic %q: %w", p.topic, err)
	}
	return nil
}

// Close 释放 Kafka writer。
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
