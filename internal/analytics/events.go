package analytics

import "time"

// EventType discriminates analytics payloads on the wire.
type EventType string

const (
	EventQuery EventType = "query"
	EventClick EventType = "click"
)

// QueryEvent is one executed search. QueryID correlates later clicks with
// the query that surfaced them. DocIDs lists the returned page in rank
// order; each entry counts as one impression for click-through rates.
type QueryEvent struct {
	Type        EventType `json:"type"`
	QueryID     string    `json:"query_id"`
	Query       string    `json:"query"`
	Tenant      string    `json:"tenant,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Results     uint64    `json:"results"`
	DocIDs      []string  `json:"doc_ids,omitempty"`
	CacheStatus string    `json:"cache_status"`
	LatencyMs   int64     `json:"latency_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// ClickEvent is one result click.
type ClickEvent struct {
	Type      EventType `json:"type"`
	QueryID   string    `json:"query_id"`
	DocID     string    `json:"doc_id"`
	UserID    string    `json:"user_id,omitempty"`
	Rank      int       `json:"rank"`
	Timestamp time.Time `json:"timestamp"`
}

// QueryCount is one row of a top-queries breakdown.
type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// DocClicks is one row of a most-clicked-documents breakdown. CTR is
// clicks over impressions, zero when the document was never shown in the
// window.
type DocClicks struct {
	DocID       string  `json:"doc_id"`
	Clicks      int64   `json:"clicks"`
	Impressions int64   `json:"impressions"`
	CTR         float64 `json:"ctr"`
}

// Stats is the aggregate view served by the analytics endpoint. Latency
// percentiles come from the recorder's in-memory reservoir, counts from
// Postgres over the rolling window.
type Stats struct {
	TotalQueries      int64        `json:"total_queries"`
	ZeroResultCount   int64        `json:"zero_result_count"`
	AvgLatencyMs      float64      `json:"avg_latency_ms"`
	P50LatencyMs      int64        `json:"p50_latency_ms"`
	P95LatencyMs      int64        `json:"p95_latency_ms"`
	P99LatencyMs      int64        `json:"p99_latency_ms"`
	TopQueries        []QueryCount `json:"top_queries"`
	ZeroResultQueries []QueryCount `json:"zero_result_queries"`
	TopDocuments      []DocClicks  `json:"top_documents"`
}
