// Package pipeline is the write path: a persistent job queue feeding a
// bounded worker pool that applies document changes to the index. Every
// mutation, including the synchronous real-time path, leaves a job record,
// so operators can audit and replay what the indexer did.
package pipeline

import (
	"time"

	"github.com/fleetdocs/searchd/internal/index"
)

// JobType names the kind of work a job carries.
type JobType string

const (
	JobUpsert  JobType = "upsert"
	JobDelete  JobType = "delete"
	JobReindex JobType = "reindex"
	JobCompact JobType = "compact"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	StateQueued       JobState = "queued"
	StateRunning      JobState = "running"
	StateSucceeded    JobState = "succeeded"
	StateFailed       JobState = "failed"
	StateDeadlettered JobState = "deadlettered"
)

// Job is one unit of indexing work. Upsert jobs carry the full document;
// delete jobs carry only the document ID.
type Job struct {
	ID        int64           `json:"id"`
	Type      JobType         `json:"type"`
	DocID     string          `json:"doc_id,omitempty"`
	Doc       *index.Document `json:"doc,omitempty"`
	BatchID   string          `json:"batch_id,omitempty"`
	State     JobState        `json:"state"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	NextRunAt time.Time       `json:"next_run_at,omitempty"`
}
