package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"zkelect/pkg/events"
	"zkelect/pkg/metrics"
	"zkelect/pkg/models"
)

type failingLog struct{ *events.Recorder }

func (failingLog) Append(context.Context, *models.Event) error {
	return errors.New("disk full")
}

func TestEmitter_StampsAndFansOut(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	first, second := events.NewRecorder(0), events.NewRecorder(0)
	emitter := events.NewEmitter("host-1", zap.New(core), first, second)

	before := time.Now().UTC()
	emitter.Emit(context.Background(), models.Event{
		Kind:       models.KindStatusChanged,
		Path:       "/election/c_0000000001",
		Status:     "LEADER",
		Attributes: models.Attributes{"entry": "c_0000000001"},
	})

	for _, rec := range []*events.Recorder{first, second} {
		got := rec.Events()
		require.Len(t, got, 1)
		assert.Equal(t, "host-1", got[0].Participant)
		assert.Equal(t, "LEADER", got[0].Status)
		assert.False(t, got[0].OccurredAt.Before(before))
	}

	entries := logs.FilterField(zap.String("kind", "STATUS_CHANGED")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "c_0000000001", entries[0].ContextMap()["entry"])
}

func TestEmitter_KeepsExplicitParticipant(t *testing.T) {
	rec := events.NewRecorder(0)
	events.NewEmitter("host-1", nil, rec).Emit(context.Background(), models.Event{
		Kind:        models.KindVolunteered,
		Participant: "other",
	})
	assert.Equal(t, "other", rec.Events()[0].Participant)
}

func TestEmitter_ErrorEvents(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	rec := events.NewRecorder(0)
	emitter := events.NewEmitter("host-1", zap.New(core), rec)

	emitter.Error(context.Background(), "/target", errors.New("connection loss"))

	errs := rec.OfKind(models.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, "connection loss", errs[0].Error)
	assert.Equal(t, "/target", errs[0].Path)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[0].Level)
}

func TestEmitter_SinkFailureIsCountedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rec := events.NewRecorder(0)
	emitter := events.NewEmitter("host-1", zap.New(core), failingLog{}, rec)

	before := testutil.ToFloat64(metrics.EventSinkErrors)
	emitter.Emit(context.Background(), models.Event{Kind: models.KindVolunteered})

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EventSinkErrors))
	assert.Len(t, rec.Events(), 1, "later sinks still receive the event")
	assert.Equal(t, 1, logs.FilterMessage("failed to store event").Len())
}

func TestEmitter_CountsByKind(t *testing.T) {
	counter := metrics.EventsEmitted.WithLabelValues(string(models.KindWatchFired))
	before := testutil.ToFloat64(counter)

	events.Nop().Emit(context.Background(), models.Event{Kind: models.KindWatchFired})

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestEmitter_NilIsSafe(t *testing.T) {
	var emitter *events.Emitter
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), models.Event{Kind: models.KindVolunteered})
	})
}

func TestRecorder_BoundedNewestFirst(t *testing.T) {
	rec := events.NewRecorder(3)
	ctx := context.Background()
	for _, kind := range []models.EventKind{
		models.KindSessionChanged, models.KindVolunteered, models.KindWatchArmed,
		models.KindStatusChanged, models.KindWatchFired,
	} {
		require.NoError(t, rec.Append(ctx, &models.Event{Kind: kind}))
	}

	all := rec.Events()
	require.Len(t, all, 3)
	assert.Equal(t, models.KindWatchArmed, all[0].Kind)

	recent, err := rec.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []models.EventKind{models.KindWatchFired, models.KindStatusChanged},
		[]models.EventKind{recent[0].Kind, recent[1].Kind})

	recent, err = rec.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
	assert.NoError(t, rec.Close())
}
