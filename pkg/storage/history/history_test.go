package history_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkelect/pkg/events"
	"zkelect/pkg/models"
	"zkelect/pkg/storage/history"
)

func TestOpen_RecorderOnly(t *testing.T) {
	h, err := history.Open(history.Config{RecentEvents: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	require.Len(t, h.Sinks(), 1)
	assert.Same(t, h.Recorder, h.Query())

	emitter := events.NewEmitter("p1", nil, h.Sinks()...)
	for _, kind := range []models.EventKind{models.KindVolunteered, models.KindWatchArmed, models.KindStatusChanged} {
		emitter.Emit(context.Background(), models.Event{Kind: kind})
	}

	recent, err := h.Query().Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2, "recorder keeps only the configured number of events")
	assert.Equal(t, models.KindStatusChanged, recent[0].Kind)
	assert.Equal(t, models.KindWatchArmed, recent[1].Kind)
}
