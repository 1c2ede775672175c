package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdocs/searchd/internal/analyzer"
	"github.com/fleetdocs/searchd/internal/index"
	"github.com/fleetdocs/searchd/pkg/config"
)

func reindexDocs(n int) []index.Document {
	docs := make([]index.Document, 0, n)
	titles := []string{"brake pads", "rotor kit", "drum shoes", "air filter", "oil filter"}
	for i := 0; i < n; i++ {
		docs = append(docs, titleDoc(
			// IDs sort lexicographically in insertion order.
			string(rune('a'+i))+"-doc", uint64(i+1), titles[i%len(titles)]))
	}
	return docs
}

func TestReindexAllWalksEveryDocument(t *testing.T) {
	jobs := newMemJobs()
	source := &memSource{docs: reindexDocs(5)}
	p, store := testPipeline(t, config.PipelineConfig{
		QueueSize: 8, Workers: 1, MaxAttempts: 3,
		InitialDelay: time.Millisecond, BatchChunk: 2,
	}, jobs, source, nil)

	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	job, err := p.ReindexAll(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, job.BatchID)

	require.Eventually(t, func() bool {
		return jobs.state(job.ID) == StateSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 5, store.TotalDocs())
	assert.Equal(t, 2, store.DocFreq(analyzer.Stem("filter")), "both filter documents index under the stem")

	// The checkpoint is cleared once the batch completes.
	_, _, found, err := jobs.LoadCheckpoint(context.Background(), job.BatchID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReindexResumesFromCheckpoint(t *testing.T) {
	jobs := newMemJobs()
	source := &memSource{docs: reindexDocs(5)}
	p, store := testPipeline(t, config.PipelineConfig{
		MaxAttempts: 2, InitialDelay: time.Millisecond, BatchChunk: 2,
	}, jobs, source, nil)

	// A previous run committed the first two documents before dying.
	ctx := context.Background()
	require.NoError(t, jobs.SaveCheckpoint(ctx, "batch-1", "b-doc", 2))

	require.NoError(t, p.runReindex(ctx, "batch-1"))

	// The first page request starts after the checkpointed document, so
	// already-committed chunks are never re-read.
	require.NotEmpty(t, source.requests)
	assert.Equal(t, "b-doc", source.requests[0])
	assert.EqualValues(t, 3, store.TotalDocs(), "only the remaining documents are reapplied")
	_, ok := store.Meta("a-doc")
	assert.False(t, ok)
	_, ok = store.Meta("e-doc")
	assert.True(t, ok)

	_, _, found, err := jobs.LoadCheckpoint(ctx, "batch-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReindexFailureKeepsCheckpointForRetry(t *testing.T) {
	jobs := newMemJobs()
	source := &memSource{
		docs:    reindexDocs(5),
		failAt:  2,
		failErr: errors.New("storage hiccup"),
	}
	p, store := testPipeline(t, config.PipelineConfig{
		MaxAttempts: 2, InitialDelay: time.Millisecond, BatchChunk: 2,
	}, jobs, source, nil)

	ctx := context.Background()
	err := p.runReindex(ctx, "batch-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage hiccup")

	// The first chunk landed and its checkpoint survives the failure.
	afterDocID, processed, found, cerr := jobs.LoadCheckpoint(ctx, "batch-1")
	require.NoError(t, cerr)
	require.True(t, found)
	assert.Equal(t, "b-doc", afterDocID)
	assert.Equal(t, 2, processed)

	// The retry picks up where the checkpoint left off and finishes.
	source.mu.Lock()
	source.requests = nil
	source.mu.Unlock()
	require.NoError(t, p.runReindex(ctx, "batch-1"))
	assert.Equal(t, "b-doc", source.requests[0])
	assert.EqualValues(t, 5, store.TotalDocs())

	_, _, found, cerr = jobs.LoadCheckpoint(ctx, "batch-1")
	require.NoError(t, cerr)
	assert.False(t, found)
}

func TestReindexReappliesOverNewerRevisions(t *testing.T) {
	jobs := newMemJobs()
	source := &memSource{docs: []index.Document{titleDoc("a-doc", 3, "rotor kit")}}
	p, store := testPipeline(t, config.PipelineConfig{
		MaxAttempts: 2, InitialDelay: time.Millisecond, BatchChunk: 10,
	}, jobs, source, nil)

	ctx := context.Background()
	_, err := store.Upsert(ctx, titleDoc("a-doc", 3, "brake pads"))
	require.NoError(t, err)

	// Reindex reads the durable copy as truth: the same revision still
	// rebuilds the memory image.
	require.NoError(t, p.runReindex(ctx, "batch-1"))
	assert.Equal(t, 1, store.DocFreq("rotor"))
	assert.Zero(t, store.DocFreq("brake"))
}

func TestReindexAllRequiresSource(t *testing.T) {
	p, _ := testPipeline(t, config.PipelineConfig{QueueSize: 4}, newMemJobs(), nil, nil)
	_, err := p.ReindexAll(context.Background())
	require.Error(t, err)
}
