package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaRecorderConfig configures the governance event producer.
type KafkaRecorderConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic receives all governance events.
	Topic string

	// MaxAttempts is how many times a produce is retried on transient
	// error. Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaRecorder publishes governance events to Kafka. Messages are keyed by
// project id so every project's events land on one partition in order.
type KafkaRecorder struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaRecorder(cfg KafkaRecorderConfig) (*KafkaRecorder, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaRecorder{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Record produces the event with bounded retries and exponential backoff.
// Per the Recorder contract failures are logged, never returned.
func (r *KafkaRecorder) Record(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[audit] marshal event %s: %v", ev.ID, err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.ProjectID),
		Value: value,
		Time:  ev.Ts,
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := r.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	log.Printf("[audit] produce %s failed after %d attempts: %v", ev.EventType, r.maxAttempts, lastErr)
}

func (r *KafkaRecorder) Close() error {
	if r == nil || r.writer == nil {
		return nil
	}
	return r.writer.Close()
}
