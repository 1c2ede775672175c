// Package analytics records query and click activity off the search path
// and feeds the popularity and personalization signals back into ranking.
// Events flow through a bounded in-process buffer; when the buffer is full
// events are dropped, never blocking a search.
package analytics

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fleetdocs/searchd/internal/search"
	"github.com/fleetdocs/searchd/pkg/config"
	"github.com/fleetdocs/searchd/pkg/kafka"
	"github.com/fleetdocs/searchd/pkg/resilience"
)

// affinityScale converts a user's click count on a document into a score
// adjustment before the ranker clamps it.
const affinityScale = 0.05

// refreshInterval is how often the in-memory click signals are rebuilt from
// Postgres over the rolling window.
const refreshInterval = time.Minute

// latencyReservoir bounds how many recent latencies the percentile view
// keeps.
const latencyReservoir = 10000

// persistTimeout bounds each event insert.
const persistTimeout = 5 * time.Second

// Recorder consumes search activity asynchronously: it persists events to
// Postgres, mirrors them to Kafka for downstream consumers, and maintains
// the in-memory click counters ranking reads. It implements
// search.QueryObserver, search.PopularityProvider, and search.Personalizer.
type Recorder struct {
	cfg      config.AnalyticsConfig
	store    *Store
	producer *kafka.Producer
	logger   *slog.Logger

	events chan any
	done   chan struct{}

	mu             sync.RWMutex
	docClicks      map[string]int64
	docImpressions map[string]int64
	userClicks     map[string]map[string]int64
	latencies      []int64
}

// NewRecorder creates a Recorder. producer may be nil, in which case events
// are only persisted locally.
func NewRecorder(cfg config.AnalyticsConfig, store *Store, producer *kafka.Producer) *Recorder {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = 7 * 24 * time.Hour
	}
	return &Recorder{
		cfg:            cfg,
		store:          store,
		producer:       producer,
		logger:         slog.Default().With("component", "analytics-recorder"),
		events:         make(chan any, bufferSize),
		done:           make(chan struct{}),
		docClicks:      make(map[string]int64),
		docImpressions: make(map[string]int64),
		userClicks:     make(map[string]map[string]int64),
	}
}

// Start loads the click signals and begins draining the event buffer.
func (r *Recorder) Start(ctx context.Context) {
	if err := r.refresh(ctx); err != nil {
		r.logger.Warn("initial click signal load failed", "error", err)
	}
	go r.run(ctx)
	r.logger.Info("analytics recorder started", "buffer_size", cap(r.events))
}

// Close drains buffered events and stops the recorder.
func (r *Recorder) Close() {
	close(r.events)
	<-r.done
}

// ObserveQuery implements search.QueryObserver. Every shown document
// counts as one impression, the denominator of its click-through rate.
func (r *Recorder) ObserveQuery(stats search.QueryStats) {
	r.mu.Lock()
	if len(r.latencies) >= latencyReservoir {
		r.latencies = r.latencies[len(r.latencies)/2:]
	}
	r.latencies = append(r.latencies, stats.Latency.Milliseconds())
	for _, docID := range stats.DocIDs {
		r.docImpressions[docID]++
	}
	r.mu.Unlock()

	r.track(QueryEvent{
		Type:        EventQuery,
		QueryID:     stats.RequestID,
		Query:       stats.Query,
		Tenant:      stats.Tenant,
		UserID:      stats.UserID,
		Results:     stats.Results,
		DocIDs:      stats.DocIDs,
		CacheStatus: string(stats.CacheStatus),
		LatencyMs:   stats.Latency.Milliseconds(),
		Timestamp:   stats.Timestamp,
	})
}

// RecordClick registers that a user clicked a result. The in-memory signals
// update immediately so ranking reflects the click before the next refresh.
func (r *Recorder) RecordClick(queryID, docID, userID string, rank int) {
	r.mu.Lock()
	r.docClicks[docID]++
	if userID != "" {
		byDoc, ok := r.userClicks[userID]
		if !ok {
			byDoc = make(map[string]int64)
			r.userClicks[userID] = byDoc
		}
		byDoc[docID]++
	}
	r.mu.Unlock()

	r.track(ClickEvent{
		Type:      EventClick,
		QueryID:   queryID,
		DocID:     docID,
		UserID:    userID,
		Rank:      rank,
		Timestamp: time.Now().UTC(),
	})
}

// ClickCount implements search.PopularityProvider.
func (r *Recorder) ClickCount(docID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.docClicks[docID]
}

// Affinity implements search.Personalizer.
func (r *Recorder) Affinity(userID, docID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byDoc, ok := r.userClicks[userID]
	if !ok {
		return 0
	}
	return affinityScale * math.Log1p(float64(byDoc[docID]))
}

func (r *Recorder) track(event any) {
	select {
	case r.events <- event:
	default:
		r.logger.Warn("analytics event dropped (buffer full)")
	}
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-r.events:
			if !ok {
				r.drain()
				return
			}
			r.handle(ctx, event)
		case <-ticker.C:
			if err := r.refresh(ctx); err != nil {
				r.logger.Warn("click signal refresh failed", "error", err)
			}
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	ctx := context.Background()
	for {
		select {
		case event, ok := <-r.events:
			if !ok {
				return
			}
			r.handle(ctx, event)
		default:
			return
		}
	}
}

func (r *Recorder) handle(ctx context.Context, event any) {
	// A hung insert must not stall the drain loop behind it.
	var err error
	switch ev := event.(type) {
	case QueryEvent:
		if r.store != nil {
			err = resilience.WithTimeout(ctx, persistTimeout, "query-event-insert",
				func(ctx context.Context) error { return r.store.InsertQuery(ctx, ev) })
		}
	case ClickEvent:
		if r.store != nil {
			err = resilience.WithTimeout(ctx, persistTimeout, "click-event-insert",
				func(ctx context.Context) error { return r.store.InsertClick(ctx, ev) })
		}
	}
	if err != nil {
		r.logger.Error("persisting analytics event failed", "error", err)
	}
	if r.producer != nil {
		if perr := r.producer.Publish(ctx, kafka.Event{Key: "analytics", Value: event}); perr != nil {
			r.logger.Error("publishing analytics event failed", "error", perr)
		}
	}
}

// refresh rebuilds the click signals from the rolling window. Counts
// between refreshes drift slightly high because live clicks also increment
// the maps; the window rebuild corrects that.
func (r *Recorder) refresh(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	since := time.Now().Add(-r.cfg.RollingWindow)
	docs, err := r.store.DocClickCounts(ctx, since)
	if err != nil {
		return err
	}
	users, err := r.store.UserClickCounts(ctx, since)
	if err != nil {
		return err
	}
	impressions, err := r.store.DocImpressionCounts(ctx, since)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.docClicks = docs
	r.docImpressions = impressions
	r.userClicks = users
	r.mu.Unlock()
	return nil
}

// Stats assembles the aggregate analytics view.
func (r *Recorder) Stats(ctx context.Context, limit int) (Stats, error) {
	var stats Stats

	r.mu.RLock()
	latencies := make([]int64, len(r.latencies))
	copy(latencies, r.latencies)
	r.mu.RUnlock()
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum int64
		for _, l := range latencies {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(latencies))
		stats.P50LatencyMs = percentile(latencies, 50)
		stats.P95LatencyMs = percentile(latencies, 95)
		stats.P99LatencyMs = percentile(latencies, 99)
	}

	if r.store == nil {
		stats.TopDocuments = r.topDocumentsLocal(limit)
		return stats, nil
	}
	since := time.Now().Add(-r.cfg.RollingWindow)
	var err error
	if stats.TotalQueries, stats.ZeroResultCount, err = r.store.QueryCountSince(ctx, since); err != nil {
		return stats, err
	}
	if stats.TopQueries, err = r.store.TopQueries(ctx, since, limit); err != nil {
		return stats, err
	}
	if stats.ZeroResultQueries, err = r.store.ZeroResultQueries(ctx, since, limit); err != nil {
		return stats, err
	}
	if stats.TopDocuments, err = r.store.TopDocuments(ctx, since, limit); err != nil {
		return stats, err
	}
	return stats, nil
}

// topDocumentsLocal assembles the click-through view from the in-memory
// counters, used when no event store is configured.
func (r *Recorder) topDocumentsLocal(limit int) []DocClicks {
	if limit <= 0 {
		limit = 10
	}
	r.mu.RLock()
	byDoc := make(map[string]DocClicks, len(r.docImpressions))
	for docID, n := range r.docImpressions {
		byDoc[docID] = DocClicks{DocID: docID, Impressions: n}
	}
	for docID, n := range r.docClicks {
		dc := byDoc[docID]
		dc.DocID = docID
		dc.Clicks = n
		byDoc[docID] = dc
	}
	r.mu.RUnlock()

	out := make([]DocClicks, 0, len(byDoc))
	for _, dc := range byDoc {
		if dc.Impressions > 0 {
			dc.CTR = float64(dc.Clicks) / float64(dc.Impressions)
		}
		out = append(out, dc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Clicks != out[j].Clicks {
			return out[i].Clicks > out[j].Clicks
		}
		return out[i].DocID < out[j].DocID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
