// Package history assembles the event logs a process writes to.
package history

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"zkelect/pkg/events"
	"zkelect/pkg/resilience"
	"zkelect/pkg/storage"
	"zkelect/pkg/storage/postgres"
	"zkelect/pkg/storage/redis"
)

// Config selects the optional external stores. Empty fields disable them.
type Config struct {
	DatabaseURL  string
	RedisAddr    string
	StreamKey    string
	RecentEvents int
	Breaker      resilience.CircuitBreakerConfig
}

// History is the set of event logs a process emits into. Recorder is always
// present; the external stores sit behind circuit breakers.
type History struct {
	Recorder *events.Recorder
	sinks    []storage.EventLog
	query    storage.EventLog
}

// Open connects to every configured store.
func Open(cfg Config, log *zap.Logger) (*History, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = resilience.DefaultCircuitBreakerConfig()
	}

	h := &History{Recorder: events.NewRecorder(cfg.RecentEvents)}
	h.sinks = append(h.sinks, h.Recorder)
	h.query = h.Recorder

	if cfg.RedisAddr != "" {
		streamCfg := redis.DefaultEventStreamConfig(cfg.RedisAddr)
		if cfg.StreamKey != "" {
			streamCfg.Key = cfg.StreamKey
		}
		stream, err := redis.NewEventStreamWithConfig(streamCfg)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("failed to open event stream: %w", err)
		}
		guarded := resilience.Guard("redis", stream, cfg.Breaker, log)
		h.sinks = append(h.sinks, guarded)
		h.query = guarded
		log.Info("event stream connected", zap.String("addr", cfg.RedisAddr), zap.String("key", streamCfg.Key))
	}

	if cfg.DatabaseURL != "" {
		store, err := postgres.NewEventStore(cfg.DatabaseURL)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("failed to open event store: %w", err)
		}
		guarded := resilience.Guard("postgres", store, cfg.Breaker, log)
		h.sinks = append(h.sinks, guarded)
		h.query = guarded
		log.Info("event store connected")
	}

	return h, nil
}

// Sinks are handed to events.NewEmitter.
func (h *History) Sinks() []storage.EventLog {
	return h.sinks
}

// Query is the most durable configured log, served by the status API.
func (h *History) Query() storage.EventLog {
	return h.query
}

// Close closes every log.
func (h *History) Close() error {
	var errs []error
	for _, sink := range h.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
