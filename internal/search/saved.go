package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/fleetdocs/searchd/pkg/errors"
	"github.com/fleetdocs/searchd/pkg/postgres"
)

// SavedQuery is a named, reusable search request. The stored request keeps
// its filters and sort but not its pagination.
type SavedQuery struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Tenant    string    `json:"tenant,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Request   Request   `json:"request"`
	CreatedAt time.Time `json:"created_at"`
}

// SavedQueryStore persists saved queries in Postgres.
type SavedQueryStore struct {
	db *postgres.Client
}

// NewSavedQueryStore creates a SavedQueryStore over db.
func NewSavedQueryStore(db *postgres.Client) *SavedQueryStore {
	return &SavedQueryStore{db: db}
}

// Save inserts the saved query and fills in its ID.
func (s *SavedQueryStore) Save(ctx context.Context, sq *SavedQuery) error {
	if sq.Name == "" {
		return apperrors.Newf(apperrors.ErrInvalidInput, 400, "saved query name is required")
	}
	sq.Request.Offset = 0
	sq.Request.Limit = 0
	payload, err := json.Marshal(sq.Request)
	if err != nil {
		return fmt.Errorf("encoding saved query: %w", err)
	}
	now := time.Now().UTC()
	err = s.db.DB.QueryRowContext(ctx, `
		INSERT INTO saved_queries (name, tenant, user_id, request, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name, tenant, user_id) DO UPDATE
		SET request = EXCLUDED.request
		RETURNING id, created_at`,
		sq.Name, sq.Tenant, sq.UserID, payload, now,
	).Scan(&sq.ID, &sq.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving query %q: %w", sq.Name, err)
	}
	return nil
}

// Get returns one saved query by ID.
func (s *SavedQueryStore) Get(ctx context.Context, id int64) (SavedQuery, error) {
	var (
		sq      SavedQuery
		payload []byte
	)
	err := s.db.DB.QueryRowContext(ctx, `
		SELECT id, name, tenant, user_id, request, created_at
		FROM saved_queries WHERE id = $1`, id,
	).Scan(&sq.ID, &sq.Name, &sq.Tenant, &sq.UserID, &payload, &sq.CreatedAt)
	if err == sql.ErrNoRows {
		return SavedQuery{}, apperrors.Newf(apperrors.ErrDocumentNotFound, 404, "saved query %d not found", id)
	}
	if err != nil {
		return SavedQuery{}, fmt.Errorf("loading saved query %d: %w", id, err)
	}
	if err := json.Unmarshal(payload, &sq.Request); err != nil {
		return SavedQuery{}, fmt.Errorf("decoding saved query %d: %w", id, err)
	}
	return sq, nil
}

// List returns saved queries visible to the given tenant and user, newest
// first.
func (s *SavedQueryStore) List(ctx context.Context, tenant, userID string, limit int) ([]SavedQuery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT id, name, tenant, user_id, request, created_at
		FROM saved_queries
		WHERE tenant = $1 AND (user_id = $2 OR user_id = '')
		ORDER BY id DESC LIMIT $3`,
		tenant, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing saved queries: %w", err)
	}
	defer rows.Close()

	var out []SavedQuery
	for rows.Next() {
		var (
			sq      SavedQuery
			payload []byte
		)
		if err := rows.Scan(&sq.ID, &sq.Name, &sq.Tenant, &sq.UserID, &payload, &sq.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &sq.Request); err != nil {
			return nil, fmt.Errorf("decoding saved query %d: %w", sq.ID, err)
		}
		out = append(out, sq)
	}
	return out, rows.Err()
}

// Delete removes a saved query. Deleting an absent ID is a no-op.
func (s *SavedQueryStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.DB.ExecContext(ctx, `DELETE FROM saved_queries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting saved query %d: %w", id, err)
	}
	return nil
}
