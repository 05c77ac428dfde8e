// Package events emits structured records of state transitions, watch
// registrations and errors, so behaviour can be asserted on and audited
// rather than read from log text.
package events

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"zkelect/pkg/metrics"
	"zkelect/pkg/models"
	tracing "zkelect/pkg/observability"
	"zkelect/pkg/storage"
)

// Emitter stamps events with an identity and fans them out to the logger,
// metrics, the active trace span and any configured event logs.
type Emitter struct {
	participant string
	log         *zap.Logger
	sinks       []storage.EventLog
	now         func() time.Time
}

// NewEmitter creates an emitter for the named participant. A nil logger
// disables log output.
func NewEmitter(participant string, log *zap.Logger, sinks ...storage.EventLog) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{
		participant: participant,
		log:         log,
		sinks:       sinks,
		now:         time.Now,
	}
}

// Nop returns an emitter that only updates metrics.
func Nop() *Emitter {
	return NewEmitter("", nil)
}

// Participant returns the identity stamped on every event.
func (e *Emitter) Participant() string {
	return e.participant
}

// Emit records ev. Sink failures are logged and counted, never returned.
func (e *Emitter) Emit(ctx context.Context, ev models.Event) {
	if e == nil {
		return
	}
	if ev.Participant == "" {
		ev.Participant = e.participant
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now().UTC()
	}

	metrics.EventsEmitted.WithLabelValues(string(ev.Kind)).Inc()
	tracing.AddEvent(ctx, string(ev.Kind),
		attribute.String("path", ev.Path),
		attribute.String("status", ev.Status),
	)
	e.logEvent(ev)

	for _, sink := range e.sinks {
		stored := ev
		if err := sink.Append(ctx, &stored); err != nil {
			metrics.EventSinkErrors.Inc()
			e.log.Warn("failed to store event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}
}

// Error is shorthand for emitting a KindError event.
func (e *Emitter) Error(ctx context.Context, path string, err error) {
	e.Emit(ctx, models.Event{Kind: models.KindError, Path: path, Error: err.Error()})
}

func (e *Emitter) logEvent(ev models.Event) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("participant", ev.Participant),
	}
	if ev.Path != "" {
		fields = append(fields, zap.String("path", ev.Path))
	}
	if ev.Status != "" {
		fields = append(fields, zap.String("status", ev.Status))
	}
	for k, v := range ev.Attributes {
		fields = append(fields, zap.String(k, v))
	}

	switch ev.Kind {
	case models.KindError:
		e.log.Error(ev.Error, fields...)
	case models.KindWatchArmed, models.KindEvaluationRetried:
		e.log.Debug("event", fields...)
	default:
		e.log.Info("event", fields...)
	}
}
