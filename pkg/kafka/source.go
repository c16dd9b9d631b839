package kafka

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/edgestream/internal/streaming"
)

// SourceConfig configures a Kafka record source.
type SourceConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	MinBytes    int
	MaxBytes    int
	MaxWait     time.Duration
	StartOffset int64
}

// messageReader is the slice of kafkago.Reader the source consumes.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// Source consumes externally produced telemetry records from a local Kafka
// topic. Messages are JSON objects keyed by column name; they join the same
// single-writer queue as locally sampled records, so channel ownership
// stays with one submitter.
type Source struct {
	reader messageReader
	logger *zap.Logger
}

// NewSource constructs a Source from the given configuration.
func NewSource(cfg SourceConfig, logger *zap.Logger) *Source {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		reader: kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			GroupID:     cfg.GroupID,
			MinBytes:    cfg.MinBytes,
			MaxBytes:    cfg.MaxBytes,
			MaxWait:     cfg.MaxWait,
			StartOffset: cfg.StartOffset,
		}),
		logger: logger,
	}
}

// Run consumes messages until ctx is cancelled, decoding each into a record
// and delivering it to out. Undecodable messages are logged and skipped;
// they would fail schema validation anyway and must not wedge the topic.
func (s *Source) Run(ctx context.Context, out chan<- streaming.Record) error {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("kafka read failed", zap.Error(err))
			continue
		}
		var rec streaming.Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			s.logger.Warn("skipping undecodable kafka record",
				zap.Int64("offset", msg.Offset), zap.Error(err))
			continue
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases the underlying reader.
func (s *Source) Close() error {
	return s.reader.Close()
}
