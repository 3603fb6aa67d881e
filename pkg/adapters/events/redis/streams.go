package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/dagomon/pkg/message"
	"github.com/aescanero/dagomon/pkg/ports"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrSinkClosed is returned by Publish after Close
var ErrSinkClosed = errors.New("event sink closed")

// StreamWriter is the subset of the redis client used by the sink
type StreamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamsConfig configures a StreamsSink
type StreamsConfig struct {
	KeyPrefix        string
	MaxLen           int64
	QueueSize        int
	Workers          int
	WriteTimeout     time.Duration
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

func (c StreamsConfig) withDefaults() StreamsConfig {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "dagomon:events"
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 10000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

type entry struct {
	topic string
	id    string
	kind  string
	data  []byte
}

// StreamsSink archives routed envelopes to Redis Streams. Publish never
// blocks: entries go through a bounded queue that drops the oldest entry when
// full, and writes stop while the circuit breaker is open.
type StreamsSink struct {
	client  StreamWriter
	cfg     StreamsConfig
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	queue   chan entry
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	written atomic.Uint64
	dropped atomic.Uint64
}

var _ ports.EventSink = (*StreamsSink)(nil)

// NewStreamsSink creates a sink and starts its workers
func NewStreamsSink(client StreamWriter, cfg StreamsConfig, logger *zap.Logger) *StreamsSink {
	cfg = cfg.withDefaults()

	s := &StreamsSink{
		client: client,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan entry, cfg.QueueSize),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-streams",
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("event archive circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	logger.Info("event archive started",
		zap.String("key_prefix", cfg.KeyPrefix),
		zap.Int64("max_len", cfg.MaxLen),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Int("workers", cfg.Workers))

	return s
}

// Publish queues env for archiving under topic
func (s *StreamsSink) Publish(ctx context.Context, topic string, env *message.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	e := entry{topic: topic, id: env.ID, kind: env.Type, data: data}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.queue <- e:
		return nil
	default:
	}

	// Queue full: drop the oldest entry, then retry once
	select {
	case old := <-s.queue:
		s.dropped.Add(1)
		s.logger.Debug("event archive queue full, dropped oldest entry",
			zap.String("message_id", old.id),
			zap.String("topic", old.topic))
	default:
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
		s.logger.Warn("event archive queue full, entry dropped",
			zap.String("message_id", e.id),
			zap.String("topic", topic))
	}
	return nil
}

// Close stops accepting entries and waits for queued ones to be written
func (s *StreamsSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("event archive stopped",
		zap.Uint64("written", s.written.Load()),
		zap.Uint64("dropped", s.dropped.Load()))
	return nil
}

// Written returns the number of entries written to Redis
func (s *StreamsSink) Written() uint64 {
	return s.written.Load()
}

// Dropped returns the number of entries dropped by the queue or the breaker
func (s *StreamsSink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *StreamsSink) worker() {
	defer s.wg.Done()

	for e := range s.queue {
		s.write(e)
	}
}

func (s *StreamsSink) write(e entry) {
	streamKey := getStreamKey(s.cfg.KeyPrefix, e.topic)

	_, err := s.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		defer cancel()

		return s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey,
			MaxLen: s.cfg.MaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"id":   e.id,
				"type": e.kind,
				"data": string(e.data),
			},
		}).Result()
	})
	if err != nil {
		s.dropped.Add(1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.logger.Debug("event archive breaker open, entry dropped",
				zap.String("message_id", e.id))
			return
		}
		s.logger.Warn("failed to archive envelope",
			zap.String("message_id", e.id),
			zap.String("stream", streamKey),
			zap.Error(err))
		return
	}

	s.written.Add(1)
	s.logger.Debug("envelope archived",
		zap.String("message_id", e.id),
		zap.String("type", e.kind),
		zap.String("stream", streamKey))
}

// getStreamKey returns the Redis stream key for a topic
func getStreamKey(prefix, topic string) string {
	return fmt.Sprintf("%s:%s", prefix, topic)
}
