package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaRecorder publishes deliveries as JSON keyed by resource, so events for
// one blob stay ordered within a partition.
type KafkaRecorder struct {
	writer kafkaWriter
}

func NewKafkaRecorder(cfg KafkaConfig) (*KafkaRecorder, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaRecorder{writer: w}, nil
}

func (k *KafkaRecorder) Record(ctx context.Context, d Delivery) error {
	if k == nil || k.writer == nil {
		return errors.New("kafka recorder not initialized")
	}
	value, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode delivery")
	}
	msg := kafka.Message{
		Key:   []byte(d.Resource),
		Value: value,
		Time:  d.OccurredAt,
	}
	return errors.Wrap(k.writer.WriteMessages(ctx, msg), "publish delivery")
}

func (k *KafkaRecorder) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
