package ticker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaTransport consumes tick frames from a Kafka topic. Each message
// value is one frame.
type KafkaTransport struct {
	cfg    KafkaConfig
	dialer *kafka.Dialer
}

// NewKafkaTransport creates a Kafka transport.
func NewKafkaTransport(cfg KafkaConfig) *KafkaTransport {
	return &KafkaTransport{
		cfg:    cfg,
		dialer: &kafka.Dialer{Timeout: handshakeTimeout},
	}
}

func (t *KafkaTransport) Name() string { return "kafka" }

// Open verifies a broker is reachable before starting the reader; the
// reader itself connects lazily and would otherwise hide outages.
func (t *KafkaTransport) Open(ctx context.Context) (Stream, error) {
	if len(t.cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}

	var dialErr error
	for _, broker := range t.cfg.Brokers {
		conn, err := t.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			dialErr = errors.Join(dialErr, err)
			continue
		}
		_ = conn.Close()
		dialErr = nil
		break
	}
	if dialErr != nil {
		return nil, fmt.Errorf("dial failed: %w", dialErr)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        t.cfg.Brokers,
		Topic:          t.cfg.Topic,
		GroupID:        t.cfg.GroupID,
		Dialer:         t.dialer,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        200 * time.Millisecond,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})
	return &kafkaStream{reader: reader}, nil
}

type kafkaStream struct {
	reader *kafka.Reader
}

func (s *kafkaStream) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.reader.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Value, nil
}

func (s *kafkaStream) Close() error {
	return s.reader.Close()
}
