package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetdocs/searchd/pkg/postgres"
)

// Store persists query and click events and serves windowed aggregates.
type Store struct {
	db *postgres.Client
}

// NewStore creates a Store over db.
func NewStore(db *postgres.Client) *Store {
	return &Store{db: db}
}

// InsertQuery appends one query event to the log along with one impression
// row per shown document, in the same transaction.
func (s *Store) InsertQuery(ctx context.Context, ev QueryEvent) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO query_log (query_id, query, tenant, user_id, results, cache_status, latency_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.QueryID, ev.Query, ev.Tenant, ev.UserID, ev.Results, ev.CacheStatus, ev.LatencyMs, ev.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("inserting query event: %w", err)
		}
		for i, docID := range ev.DocIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO result_impressions (query_id, doc_id, rank, created_at)
				VALUES ($1, $2, $3, $4)`,
				ev.QueryID, docID, i+1, ev.Timestamp.UTC(),
			); err != nil {
				return fmt.Errorf("inserting impression for %s: %w", docID, err)
			}
		}
		return nil
	})
}

// InsertClick appends one click event.
func (s *Store) InsertClick(ctx context.Context, ev ClickEvent) error {
	_, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO result_clicks (query_id, doc_id, user_id, rank, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.QueryID, ev.DocID, ev.UserID, ev.Rank, ev.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting click event: %w", err)
	}
	return nil
}

// TopQueries returns the most frequent queries since the cutoff.
func (s *Store) TopQueries(ctx context.Context, since time.Time, limit int) ([]QueryCount, error) {
	return s.queryCounts(ctx, `
		SELECT query, COUNT(*) AS n FROM query_log
		WHERE created_at >= $1
		GROUP BY query ORDER BY n DESC, query LIMIT $2`, since, limit)
}

// ZeroResultQueries returns the most frequent queries that matched nothing
// since the cutoff. These feed synonym and content curation.
func (s *Store) ZeroResultQueries(ctx context.Context, since time.Time, limit int) ([]QueryCount, error) {
	return s.queryCounts(ctx, `
		SELECT query, COUNT(*) AS n FROM query_log
		WHERE created_at >= $1 AND results = 0
		GROUP BY query ORDER BY n DESC, query LIMIT $2`, since, limit)
}

func (s *Store) queryCounts(ctx context.Context, query string, since time.Time, limit int) ([]QueryCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.DB.QueryContext(ctx, query, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("aggregating queries: %w", err)
	}
	defer rows.Close()

	var out []QueryCount
	for rows.Next() {
		var qc QueryCount
		if err := rows.Scan(&qc.Query, &qc.Count); err != nil {
			return nil, err
		}
		out = append(out, qc)
	}
	return out, rows.Err()
}

// TopDocuments returns the most clicked documents since the cutoff with
// their impression counts and click-through rates.
func (s *Store) TopDocuments(ctx context.Context, since time.Time, limit int) ([]DocClicks, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.DB.QueryContext(ctx, `
		WITH clicks AS (
			SELECT doc_id, COUNT(*) AS n FROM result_clicks
			WHERE created_at >= $1 GROUP BY doc_id
		), impressions AS (
			SELECT doc_id, COUNT(*) AS n FROM result_impressions
			WHERE created_at >= $1 GROUP BY doc_id
		)
		SELECT COALESCE(c.doc_id, i.doc_id), COALESCE(c.n, 0), COALESCE(i.n, 0)
		FROM clicks c FULL OUTER JOIN impressions i ON c.doc_id = i.doc_id
		ORDER BY COALESCE(c.n, 0) DESC, 1 LIMIT $2`,
		since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("aggregating clicks: %w", err)
	}
	defer rows.Close()

	var out []DocClicks
	for rows.Next() {
		var dc DocClicks
		if err := rows.Scan(&dc.DocID, &dc.Clicks, &dc.Impressions); err != nil {
			return nil, err
		}
		if dc.Impressions > 0 {
			dc.CTR = float64(dc.Clicks) / float64(dc.Impressions)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// DocImpressionCounts returns impression counts per document since the
// cutoff. The recorder's in-memory click-through view refreshes from this.
func (s *Store) DocImpressionCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT doc_id, COUNT(*) FROM result_impressions
		WHERE created_at >= $1
		GROUP BY doc_id`,
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("loading impression counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			docID string
			n     int64
		)
		if err := rows.Scan(&docID, &n); err != nil {
			return nil, err
		}
		out[docID] = n
	}
	return out, rows.Err()
}

// DocClickCounts returns click counts per document since the cutoff. The
// ranker's popularity signal refreshes from this.
func (s *Store) DocClickCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT doc_id, COUNT(*) FROM result_clicks
		WHERE created_at >= $1
		GROUP BY doc_id`,
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("loading click counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			docID string
			n     int64
		)
		if err := rows.Scan(&docID, &n); err != nil {
			return nil, err
		}
		out[docID] = n
	}
	return out, rows.Err()
}

// UserClickCounts returns per-user per-document click counts since the
// cutoff. The personalization signal refreshes from this.
func (s *Store) UserClickCounts(ctx context.Context, since time.Time) (map[string]map[string]int64, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT user_id, doc_id, COUNT(*) FROM result_clicks
		WHERE created_at >= $1 AND user_id <> ''
		GROUP BY user_id, doc_id`,
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("loading user click counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int64)
	for rows.Next() {
		var (
			userID string
			docID  string
			n      int64
		)
		if err := rows.Scan(&userID, &docID, &n); err != nil {
			return nil, err
		}
		byDoc, ok := out[userID]
		if !ok {
			byDoc = make(map[string]int64)
			out[userID] = byDoc
		}
		byDoc[docID] = n
	}
	return out, rows.Err()
}

// QueryCountSince returns the query volume and zero-result volume since the
// cutoff.
func (s *Store) QueryCountSince(ctx context.Context, since time.Time) (total, zero int64, err error) {
	err = s.db.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE results = 0)
		FROM query_log WHERE created_at >= $1`,
		since.UTC()).Scan(&total, &zero)
	if err != nil {
		return 0, 0, fmt.Errorf("counting queries: %w", err)
	}
	return total, zero, nil
}
