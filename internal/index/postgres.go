package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/fleetdocs/searchd/pkg/postgres"
)

// PostgresPersister stores documents and postings in PostgreSQL. Each
// document's postings are replaced in full inside one transaction, so a
// crash can never leave a partially-updated posting set.
type PostgresPersister struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewPostgresPersister creates a persister backed by the given client.
func NewPostgresPersister(db *postgres.Client) *PostgresPersister {
	return &PostgresPersister{
		db:     db,
		logger: slog.Default().With("component", "index-persister"),
	}
}

// SaveDocument upserts the document row and replaces its postings
// atomically. The document row carries the revision guard at the SQL level
// as well, so concurrent writers race safely.
func (p *PostgresPersister) SaveDocument(ctx context.Context, doc Document, postings []Posting) error {
	fieldsJSON, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields: %w", err)
	}
	attrsJSON, err := json.Marshal(doc.Attrs)
	if err != nil {
		return fmt.Errorf("encoding attrs: %w", err)
	}

	return p.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO search_documents (doc_id, tenant, fields, attrs, revision, status, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (doc_id) DO UPDATE
			SET tenant = EXCLUDED.tenant,
			    fields = EXCLUDED.fields,
			    attrs = EXCLUDED.attrs,
			    revision = EXCLUDED.revision,
			    status = EXCLUDED.status,
			    updated_at = EXCLUDED.updated_at
			WHERE search_documents.revision < EXCLUDED.revision`,
			doc.ID, doc.Tenant, fieldsJSON, attrsJSON, doc.Revision, string(doc.Status), doc.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upserting document row: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			// A newer revision is already durable; leave its postings alone.
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM search_postings WHERE doc_id = $1`, doc.ID,
		); err != nil {
			return fmt.Errorf("clearing postings: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
			"search_postings", "term", "field", "doc_id", "frequency", "weight", "positions",
		))
		if err != nil {
			return fmt.Errorf("preparing postings copy: %w", err)
		}
		for i := range postings {
			pp := &postings[i]
			positions := make([]int64, len(pp.Positions))
			for j, pos := range pp.Positions {
				positions[j] = int64(pos)
			}
			if _, err := stmt.ExecContext(ctx,
				pp.Term, pp.Field, pp.DocID, pp.Frequency, pp.Weight, pq.Array(positions),
			); err != nil {
				stmt.Close()
				return fmt.Errorf("writing posting %s/%s: %w", pp.Term, pp.Field, err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("flushing postings copy: %w", err)
		}
		return stmt.Close()
	})
}

// DeleteDocument removes the document row and its postings. Idempotent.
func (p *PostgresPersister) DeleteDocument(ctx context.Context, docID string) error {
	return p.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM search_postings WHERE doc_id = $1`, docID,
		); err != nil {
			return fmt.Errorf("deleting postings: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM search_documents WHERE doc_id = $1`, docID,
		); err != nil {
			return fmt.Errorf("deleting document row: %w", err)
		}
		return nil
	})
}

// LoadDocuments streams every stored document to fn in doc_id order.
func (p *PostgresPersister) LoadDocuments(ctx context.Context, fn func(doc Document) error) error {
	rows, err := p.db.DB.QueryContext(ctx, `
		SELECT doc_id, tenant, fields, attrs, revision, status, updated_at
		FROM search_documents
		ORDER BY doc_id`)
	if err != nil {
		return fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			doc        Document
			fieldsJSON []byte
			attrsJSON  []byte
			status     string
		)
		if err := rows.Scan(&doc.ID, &doc.Tenant, &fieldsJSON, &attrsJSON,
			&doc.Revision, &status, &doc.UpdatedAt); err != nil {
			return fmt.Errorf("scanning document row: %w", err)
		}
		if err := json.Unmarshal(fieldsJSON, &doc.Fields); err != nil {
			return fmt.Errorf("decoding fields of %s: %w", doc.ID, err)
		}
		if err := json.Unmarshal(attrsJSON, &doc.Attrs); err != nil {
			return fmt.Errorf("decoding attrs of %s: %w", doc.ID, err)
		}
		doc.Status = Status(status)
		if err := fn(doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LoadDocumentsPage returns one page of documents for chunked batch
// reindexing, ordered by doc_id so checkpoints are stable.
func (p *PostgresPersister) LoadDocumentsPage(ctx context.Context, afterDocID string, limit int) ([]Document, error) {
	rows, err := p.db.DB.QueryContext(ctx, `
		SELECT doc_id, tenant, fields, attrs, revision, status, updated_at
		FROM search_documents
		WHERE doc_id > $1
		ORDER BY doc_id
		LIMIT $2`, afterDocID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying document page: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			doc        Document
			fieldsJSON []byte
			attrsJSON  []byte
			status     string
		)
		if err := rows.Scan(&doc.ID, &doc.Tenant, &fieldsJSON, &attrsJSON,
			&doc.Revision, &status, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		if err := json.Unmarshal(fieldsJSON, &doc.Fields); err != nil {
			return nil, fmt.Errorf("decoding fields of %s: %w", doc.ID, err)
		}
		if err := json.Unmarshal(attrsJSON, &doc.Attrs); err != nil {
			return nil, fmt.Errorf("decoding attrs of %s: %w", doc.ID, err)
		}
		doc.Status = Status(status)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetTermFrequencies replaces the persisted term dictionary with the given
// statistics.
func (p *PostgresPersister) SetTermFrequencies(ctx context.Context, df map[string]int) error {
	return p.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM search_terms`); err != nil {
			return fmt.Errorf("clearing term dictionary: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("search_terms", "term", "doc_freq"))
		if err != nil {
			return fmt.Errorf("preparing term copy: %w", err)
		}
		for term, freq := range df {
			if _, err := stmt.ExecContext(ctx, term, freq); err != nil {
				stmt.Close()
				return fmt.Errorf("writing term %q: %w", term, err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("flushing term copy: %w", err)
		}
		return stmt.Close()
	})
}
