// Package events ships commit results and analysis completions to Kafka
// for downstream consumers (pool allocation, audit).
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mbd888/risktier/internal/analysis"
	"github.com/mbd888/risktier/internal/clock"
	"github.com/mbd888/risktier/internal/commit"
	"github.com/mbd888/risktier/internal/logging"
	"github.com/mbd888/risktier/internal/metrics"
)

// Event types.
const (
	TypeCommitResult      = "commit.result"
	TypeAnalysisCompleted = "analysis.completed"
)

const sinkKafka = "kafka"

// Envelope wraps every message. Data is the JSON payload for Type.
type Envelope struct {
	Type    string          `json:"type"`
	Address string          `json:"address"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

// KafkaPublisher writes envelopes keyed by address, so all events for an
// address land on one partition in order.
type KafkaPublisher struct {
	topic  string
	p      sarama.SyncProducer
	clock  clock.Clock
	logger *slog.Logger
}

// NewKafkaPublisher dials brokers with acks from all replicas and
// idempotent retries.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if topic == "" {
		return nil, errors.New("events: topic empty")
	}
	if len(brokers) == 0 {
		return nil, errors.New("events: no brokers")
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = "risktier"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_1_0_0

	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: connect kafka: %w", err)
	}
	return NewKafkaPublisherWithProducer(sp, topic, nil, logger), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(sp sarama.SyncProducer, topic string, clk clock.Clock, logger *slog.Logger) *KafkaPublisher {
	if clk == nil {
		clk = clock.Real{}
	}
	return &KafkaPublisher{topic: topic, p: sp, clock: clk, logger: logger}
}

func (k *KafkaPublisher) Close() error {
	if k.p != nil {
		return k.p.Close()
	}
	return nil
}

// Publish implements commit.Publisher.
func (k *KafkaPublisher) Publish(ctx context.Context, r *commit.Result) error {
	return k.emit(ctx, TypeCommitResult, r.Address, r)
}

// AnalysisListener returns an analysis.Listener that publishes fresh
// reports. Failures are logged.
func (k *KafkaPublisher) AnalysisListener() analysis.Listener {
	return func(ctx context.Context, r *analysis.Report) {
		if err := k.emit(ctx, TypeAnalysisCompleted, r.Address, r); err != nil {
			logging.L(ctx, k.logger).Warn("publish analysis failed", "address", r.Address, "error", err)
		}
	}
}

func (k *KafkaPublisher) emit(ctx context.Context, typ, address string, v any) error {
	// SyncProducer takes no context; honor cancellation before sending.
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", typ, err)
	}
	b, err := json.Marshal(Envelope{Type: typ, Address: address, TS: k.clock.Now().UnixMilli(), Data: data})
	if err != nil {
		return fmt.Errorf("events: encode envelope: %w", err)
	}

	partition, offset, err := k.p.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(address),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(typ)},
		},
	})
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(sinkKafka, "error").Inc()
		return fmt.Errorf("events: kafka send: %w", err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(sinkKafka, "ok").Inc()
	logging.L(ctx, k.logger).Debug("event published", "type", typ, "address", address, "partition", partition, "offset", offset)
	return nil
}
