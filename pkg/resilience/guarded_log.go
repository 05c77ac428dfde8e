package resilience

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"zkelect/pkg/metrics"
	"zkelect/pkg/models"
	"zkelect/pkg/storage"
)

// GuardedLog puts an external event log behind a circuit breaker so that an
// unreachable store fails fast instead of delaying every emitted event.
type GuardedLog struct {
	inner   storage.EventLog
	breaker *CircuitBreaker
}

var _ storage.EventLog = (*GuardedLog)(nil)

// Guard wraps inner. The breaker state is exported as a metric labelled name.
func Guard(name string, inner storage.EventLog, config CircuitBreakerConfig, log *zap.Logger) *GuardedLog {
	breaker := NewCircuitBreaker(name, config, log)
	metrics.SinkCircuitState.WithLabelValues(name).Set(float64(CircuitClosed))
	breaker.OnStateChange(func(name string, _, to CircuitState) {
		metrics.SinkCircuitState.WithLabelValues(name).Set(float64(to))
	})
	return &GuardedLog{inner: inner, breaker: breaker}
}

// Breaker exposes the breaker guarding the log.
func (g *GuardedLog) Breaker() *CircuitBreaker {
	return g.breaker
}

func (g *GuardedLog) Append(ctx context.Context, event *models.Event) error {
	err := g.breaker.Execute(func() error {
		return g.inner.Append(ctx, event)
	})
	if err == ErrCircuitOpen {
		return fmt.Errorf("event log %s: %w", g.breaker.Name(), err)
	}
	return err
}

// Recent is not guarded.
func (g *GuardedLog) Recent(ctx context.Context, limit int) ([]models.Event, error) {
	return g.inner.Recent(ctx, limit)
}

func (g *GuardedLog) Close() error {
	return g.inner.Close()
}
