package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdocs/searchd/internal/index"
	"github.com/fleetdocs/searchd/pkg/config"
	apperrors "github.com/fleetdocs/searchd/pkg/errors"
)

func encodeStream(t *testing.T, ev StreamEvent) []byte {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return raw
}

func TestHandleStreamMessageEnqueuesMutations(t *testing.T) {
	jobs := newMemJobs()
	p, store := testPipeline(t, config.PipelineConfig{
		QueueSize: 16, Workers: 1, MaxAttempts: 3, InitialDelay: time.Millisecond,
	}, jobs, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	ctx := context.Background()
	doc := titleDoc("d1", 1, "brake pads")
	err := p.HandleStreamMessage(ctx, nil, encodeStream(t, StreamEvent{
		Action: StreamUpsert, Doc: &doc,
	}))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return store.DocFreq("brake") == 1
	}, 2*time.Second, 10*time.Millisecond)

	err = p.HandleStreamMessage(ctx, nil, encodeStream(t, StreamEvent{
		Action: StreamDelete, DocID: "d1",
	}))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return store.TotalDocs() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleStreamMessageSkipsPoisonPayloads(t *testing.T) {
	p, store := testPipeline(t, config.PipelineConfig{QueueSize: 4}, newMemJobs(), nil, nil)
	ctx := context.Background()

	// Undecodable, unknown-action, and incomplete events are committed
	// past, never retried.
	assert.NoError(t, p.HandleStreamMessage(ctx, nil, []byte("{not json")))
	assert.NoError(t, p.HandleStreamMessage(ctx, nil, encodeStream(t, StreamEvent{Action: "rename"})))
	assert.NoError(t, p.HandleStreamMessage(ctx, nil, encodeStream(t, StreamEvent{Action: StreamUpsert})))
	assert.NoError(t, p.HandleStreamMessage(ctx, nil, encodeStream(t, StreamEvent{Action: StreamDelete})))
	assert.Zero(t, p.QueueDepth())
	assert.EqualValues(t, 0, store.TotalDocs())
}

func TestHandleStreamMessageSurfacesThrottling(t *testing.T) {
	// Never started, ceiling 1: the second event cannot be queued and the
	// error propagates so the broker redelivers it.
	p, _ := testPipeline(t, config.PipelineConfig{QueueSize: 4, QueueCeiling: 1}, newMemJobs(), nil, nil)
	ctx := context.Background()

	d1 := titleDoc("d1", 1, "brake")
	require.NoError(t, p.HandleStreamMessage(ctx, nil, encodeStream(t, StreamEvent{
		Action: StreamUpsert, Doc: &d1,
	})))

	d2 := titleDoc("d2", 1, "brake")
	err := p.HandleStreamMessage(ctx, nil, encodeStream(t, StreamEvent{
		Action: StreamUpsert, Doc: &d2,
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrThrottled)
}

func TestStreamEventDocIDFallback(t *testing.T) {
	jobs := newMemJobs()
	p, _ := testPipeline(t, config.PipelineConfig{QueueSize: 4}, jobs, nil, nil)

	doc := index.Document{Revision: 1, Fields: map[string]string{"title": "brake"}}
	err := p.HandleStreamMessage(context.Background(), nil, encodeStream(t, StreamEvent{
		Action: StreamUpsert, DocID: "d9", Doc: &doc,
	}))
	require.NoError(t, err)

	queued, err := jobs.List(context.Background(), StateQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "d9", queued[0].DocID)
}
