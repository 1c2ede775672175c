package analytics

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdocs/searchd/internal/search"
	"github.com/fleetdocs/searchd/pkg/config"
)

func TestRecordClickUpdatesSignalsImmediately(t *testing.T) {
	r := NewRecorder(config.AnalyticsConfig{}, nil, nil)

	assert.Zero(t, r.ClickCount("d1"))
	assert.Zero(t, r.Affinity("u1", "d1"))

	r.RecordClick("q1", "d1", "u1", 0)
	r.RecordClick("q2", "d1", "u1", 2)
	r.RecordClick("q3", "d1", "u2", 1)
	r.RecordClick("q4", "d2", "", 0)

	assert.EqualValues(t, 3, r.ClickCount("d1"))
	assert.EqualValues(t, 1, r.ClickCount("d2"))
	assert.Zero(t, r.ClickCount("d3"))

	// Affinity grows with the user's own clicks, scaled and logarithmic.
	assert.InDelta(t, affinityScale*math.Log1p(2), r.Affinity("u1", "d1"), 1e-9)
	assert.InDelta(t, affinityScale*math.Log1p(1), r.Affinity("u2", "d1"), 1e-9)
	assert.Zero(t, r.Affinity("u1", "d2"))
	assert.Zero(t, r.Affinity("unknown", "d1"))

	// Anonymous clicks count for popularity but never for affinity.
	assert.Zero(t, r.Affinity("", "d2"))
}

func TestObserveQueryLatencyView(t *testing.T) {
	r := NewRecorder(config.AnalyticsConfig{}, nil, nil)

	for _, ms := range []int64{10, 20, 30, 40, 100} {
		r.ObserveQuery(search.QueryStats{
			RequestID: "r",
			Query:     "brake",
			Latency:   time.Duration(ms) * time.Millisecond,
			Timestamp: time.Now(),
		})
	}

	stats, err := r.Stats(context.Background(), 10)
	require.NoError(t, err)
	assert.InDelta(t, 40.0, stats.AvgLatencyMs, 1e-9)
	assert.EqualValues(t, 30, stats.P50LatencyMs)
	assert.EqualValues(t, 100, stats.P95LatencyMs)
	assert.EqualValues(t, 100, stats.P99LatencyMs)
}

func TestStatsWithNoActivity(t *testing.T) {
	r := NewRecorder(config.AnalyticsConfig{}, nil, nil)
	stats, err := r.Stats(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, stats.AvgLatencyMs)
	assert.Zero(t, stats.P50LatencyMs)
	assert.Zero(t, stats.TotalQueries)
}

func TestStatsReportsClickThroughRates(t *testing.T) {
	r := NewRecorder(config.AnalyticsConfig{}, nil, nil)

	// d1 and d2 shown twice, d1 clicked once: CTR 0.5 versus 0.
	for i := 0; i < 2; i++ {
		r.ObserveQuery(search.QueryStats{
			Query:     "brake",
			DocIDs:    []string{"d1", "d2"},
			Timestamp: time.Now(),
		})
	}
	r.RecordClick("q1", "d1", "u1", 0)

	stats, err := r.Stats(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, stats.TopDocuments, 2)

	assert.Equal(t, DocClicks{DocID: "d1", Clicks: 1, Impressions: 2, CTR: 0.5}, stats.TopDocuments[0])
	assert.Equal(t, DocClicks{DocID: "d2", Impressions: 2}, stats.TopDocuments[1])

	// A click on a document never shown in the window still surfaces,
	// with no rate claimed for it.
	r.RecordClick("q2", "d9", "u1", 0)
	stats, err = r.Stats(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, stats.TopDocuments, 1)
	assert.Equal(t, DocClicks{DocID: "d1", Clicks: 1, Impressions: 2, CTR: 0.5}, stats.TopDocuments[0])
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	r := NewRecorder(config.AnalyticsConfig{BufferSize: 2}, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			r.RecordClick("q", "d1", "u1", 0)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recording blocked on a full buffer")
	}
	// The signal maps still saw every click.
	assert.EqualValues(t, 10, r.ClickCount("d1"))
}

func TestRecorderDrainsOnClose(t *testing.T) {
	r := NewRecorder(config.AnalyticsConfig{BufferSize: 16}, nil, nil)
	r.Start(context.Background())
	r.RecordClick("q1", "d1", "u1", 0)
	r.ObserveQuery(search.QueryStats{Query: "brake", Latency: 5 * time.Millisecond})
	r.Close()
	assert.EqualValues(t, 1, r.ClickCount("d1"))
}

func TestPercentile(t *testing.T) {
	sorted := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.EqualValues(t, 6, percentile(sorted, 50))
	assert.EqualValues(t, 10, percentile(sorted, 95))
	assert.EqualValues(t, 10, percentile(sorted, 99))
	assert.EqualValues(t, 1, percentile(sorted, 0))
	assert.Zero(t, percentile(nil, 50))
}
