package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetdocs/searchd/pkg/resilience"
)

// ReindexAll schedules a full rebuild of the in-memory index from the
// durable document set. The work runs as a queued job; its batch ID is
// returned so progress can be tracked. A crash mid-batch resumes from the
// last committed chunk when the job is requeued on startup.
func (p *Pipeline) ReindexAll(ctx context.Context) (Job, error) {
	if p.source == nil {
		return Job{}, fmt.Errorf("no document source configured")
	}
	batchID := fmt.Sprintf("reindex-%d", time.Now().UnixNano())
	job := Job{Type: JobReindex, BatchID: batchID, State: StateQueued}
	return p.enqueue(ctx, job)
}

// runReindex walks the durable document set in chunks, reapplying each
// document to the memory image. A checkpoint is committed after every
// chunk; resuming starts after the last checkpointed document, so chunks
// are at-least-once and reapplication must stay idempotent.
func (p *Pipeline) runReindex(ctx context.Context, batchID string) error {
	chunk := p.cfg.BatchChunk
	if chunk <= 0 {
		chunk = 500
	}

	afterDocID, processed, resumed, err := p.jobs.LoadCheckpoint(ctx, batchID)
	if err != nil {
		return err
	}
	if resumed {
		p.logger.Info("resuming reindex from checkpoint",
			"batch_id", batchID, "after_doc_id", afterDocID, "processed", processed)
	} else {
		p.logger.Info("starting reindex", "batch_id", batchID, "chunk", chunk)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		docs, err := p.source.LoadDocumentsPage(ctx, afterDocID, chunk)
		if err != nil {
			return fmt.Errorf("loading reindex chunk after %q: %w", afterDocID, err)
		}
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			affected, err := p.store.Reapply(ctx, doc)
			if err != nil {
				return fmt.Errorf("reapplying document %s: %w", doc.ID, err)
			}
			p.invalidate(ctx, affected)
			processed++
		}
		afterDocID = docs[len(docs)-1].ID

		// The checkpoint write must land; losing it means redoing the
		// whole batch after a crash.
		err = resilience.Retry(ctx, "reindex-checkpoint", resilience.RetryConfig{
			MaxAttempts:  p.cfg.MaxAttempts,
			InitialDelay: p.cfg.InitialDelay,
			MaxDelay:     p.cfg.MaxDelay,
		}, func() error {
			return p.jobs.SaveCheckpoint(ctx, batchID, afterDocID, processed)
		})
		if err != nil {
			return err
		}
		p.logger.Debug("reindex chunk committed",
			"batch_id", batchID, "after_doc_id", afterDocID, "processed", processed)
	}

	if err := p.jobs.ClearCheckpoint(ctx, batchID); err != nil {
		return err
	}
	p.gaugeIndex()
	p.logger.Info("reindex finished", "batch_id", batchID, "processed", processed)
	return nil
}

// Jobs exposes the job store for admin listings.
func (p *Pipeline) Jobs() JobRecorder {
	return p.jobs
}
