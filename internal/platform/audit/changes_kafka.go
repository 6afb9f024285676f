package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultKafkaBuffer bounds how many change events the consumer retains in
// memory for verification.
const DefaultKafkaBuffer = 10000

// KafkaConfig configures the CDC consumer.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Group   string
	// Buffer caps the retained event count; oldest events are dropped
	// first. Zero means DefaultKafkaBuffer.
	Buffer int
}

// KafkaChangeSource consumes a CDC topic into a bounded in-memory buffer
// and serves windowed reads from it. Verification windows must fall inside
// the buffer's retention; older events have been dropped.
type KafkaChangeSource struct {
	client *kgo.Client
	logger zerolog.Logger

	mu     sync.RWMutex
	buffer []ChangeEvent
	max    int
}

// NewKafkaChangeSource connects to the brokers and joins the consumer
// group. Call Run to start consuming and Close when done.
func NewKafkaChangeSource(cfg KafkaConfig) (*KafkaChangeSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka change source: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka change source: topic is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultKafkaBuffer
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	if cfg.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.Group))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka change source: connect: %w", err)
	}

	return &KafkaChangeSource{
		client: client,
		logger: log.With().Str("component", "change_source").Str("source", "kafka").Logger(),
		max:    cfg.Buffer,
	}, nil
}

// Run polls the topic until the context is canceled or the client closes.
func (s *KafkaChangeSource) Run(ctx context.Context) error {
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.Error().Err(err).
				Str("topic", topic).
				Int32("partition", partition).
				Msg("fetch error")
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			var ev ChangeEvent
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				s.logger.Warn().Err(err).
					Int64("offset", rec.Offset).
					Msg("undecodable change event, skipping")
				return
			}
			if ev.Op != OpCreate && ev.Op != OpUpdate && ev.Op != OpDelete {
				s.logger.Warn().Str("op", ev.Op).Msg("unknown change op, skipping")
				return
			}
			if ev.OccurredAt.IsZero() {
				ev.OccurredAt = rec.Timestamp
			}
			s.append(ev)
		})
	}
}

func (s *KafkaChangeSource) append(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, ev)
	if len(s.buffer) > s.max {
		s.buffer = s.buffer[len(s.buffer)-s.max:]
	}
}

// Changes returns the buffered events inside the window.
func (s *KafkaChangeSource) Changes(_ context.Context, w Window) ([]ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ChangeEvent
	for _, ev := range s.buffer {
		if w.Contains(ev.OccurredAt) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Buffered reports the retained event count.
func (s *KafkaChangeSource) Buffered() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffer)
}

// Close shuts down the Kafka client.
func (s *KafkaChangeSource) Close() {
	s.client.Close()
}
