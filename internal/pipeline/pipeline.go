package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/fleetdocs/searchd/internal/index"
	"github.com/fleetdocs/searchd/pkg/config"
	apperrors "github.com/fleetdocs/searchd/pkg/errors"
	"github.com/fleetdocs/searchd/pkg/metrics"
)

// Invalidator drops cached results covering the given terms. The result
// cache satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, terms []string) (int, error)
}

// DocumentSource pages through the durable document set in stable ID order.
// The index persister satisfies it; batch reindex reads from it.
type DocumentSource interface {
	LoadDocumentsPage(ctx context.Context, afterDocID string, limit int) ([]index.Document, error)
}

// JobRecorder persists job records and batch checkpoints. JobStore is the
// Postgres implementation.
type JobRecorder interface {
	Create(ctx context.Context, job *Job) error
	MarkRunning(ctx context.Context, id int64) error
	MarkSucceeded(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, lastError string, nextRunAt time.Time) error
	MarkDeadlettered(ctx context.Context, id int64, lastError string) error
	List(ctx context.Context, state JobState, limit int) ([]Job, error)
	Incomplete(ctx context.Context) ([]Job, error)
	SaveCheckpoint(ctx context.Context, batchID, afterDocID string, processed int) error
	LoadCheckpoint(ctx context.Context, batchID string) (afterDocID string, processed int, found bool, err error)
	ClearCheckpoint(ctx context.Context, batchID string) error
}

// Pipeline applies document mutations to the index through a persistent,
// bounded job queue and a fixed worker pool. Jobs that keep failing are
// deadlettered rather than retried forever.
type Pipeline struct {
	cfg         config.PipelineConfig
	store       *index.Store
	jobs        JobRecorder
	source      DocumentSource
	invalidator Invalidator
	metrics     *metrics.Metrics
	logger      *slog.Logger

	pool  *ants.Pool
	queue chan Job

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a Pipeline. invalidator and m may be nil.
func New(cfg config.PipelineConfig, store *index.Store, jobs JobRecorder, source DocumentSource, invalidator Invalidator, m *metrics.Metrics) (*Pipeline, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pipeline{
		cfg:         cfg,
		store:       store,
		jobs:        jobs,
		source:      source,
		invalidator: invalidator,
		metrics:     m,
		logger:      slog.Default().With("component", "pipeline"),
		pool:        pool,
		queue:       make(chan Job, queueSize),
	}, nil
}

// Start requeues jobs that never finished and begins dispatching. It
// returns once the dispatcher is running.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.started = true
	p.mu.Unlock()

	if p.jobs != nil {
		incomplete, err := p.jobs.Incomplete(ctx)
		if err != nil {
			return err
		}
		for _, job := range incomplete {
			select {
			case p.queue <- job:
			default:
				p.logger.Warn("queue full during startup requeue", "job_id", job.ID)
			}
		}
		if len(incomplete) > 0 {
			p.logger.Info("requeued incomplete jobs", "count", len(incomplete))
		}
	}

	p.wg.Add(1)
	go p.dispatch()
	return nil
}

// Close stops dispatching, waits for in-flight jobs, and releases the
// worker pool. Queued jobs stay persisted and resume on next start.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.mu.Unlock()

	// The pool drains first: a worker registers its retry waiter before it
	// returns, so the waiter count is only read once no worker can still
	// add to it.
	if err := p.pool.ReleaseTimeout(30 * time.Second); err != nil {
		p.logger.Warn("worker pool release timed out", "error", err)
	}
	p.wg.Wait()
}

// Enqueue schedules an upsert. Above the configured queue ceiling the
// caller is throttled instead of blocked; the backlog signals the workers
// cannot keep up.
func (p *Pipeline) Enqueue(ctx context.Context, doc index.Document) (Job, error) {
	job := Job{Type: JobUpsert, DocID: doc.ID, Doc: &doc, State: StateQueued}
	return p.enqueue(ctx, job)
}

// EnqueueDelete schedules a document removal.
func (p *Pipeline) EnqueueDelete(ctx context.Context, docID string) (Job, error) {
	job := Job{Type: JobDelete, DocID: docID, State: StateQueued}
	return p.enqueue(ctx, job)
}

// EnqueueCompact schedules a dictionary verify-and-compact pass. Compaction
// rides the same queue as document work so it never competes with it for
// extra workers.
func (p *Pipeline) EnqueueCompact(ctx context.Context) (Job, error) {
	job := Job{Type: JobCompact, State: StateQueued}
	return p.enqueue(ctx, job)
}

func (p *Pipeline) enqueue(ctx context.Context, job Job) (Job, error) {
	ceiling := p.cfg.QueueCeiling
	if ceiling <= 0 {
		ceiling = cap(p.queue)
	}
	if len(p.queue) >= ceiling {
		p.countJob("throttled")
		return Job{}, apperrors.Newf(apperrors.ErrThrottled, 429,
			"indexing queue at capacity (%d pending)", len(p.queue))
	}
	if p.jobs != nil {
		if err := p.jobs.Create(ctx, &job); err != nil {
			return Job{}, err
		}
	}
	select {
	case p.queue <- job:
	default:
		// The queue filled between the ceiling check and the send. The row
		// stays queued and is picked up on next startup requeue.
		p.countJob("throttled")
		return Job{}, apperrors.Newf(apperrors.ErrThrottled, 429, "indexing queue full")
	}
	p.countJob("queued")
	p.gaugeDepth()
	return job, nil
}

// IndexNow applies an upsert synchronously, bypassing the queue. The job
// record is still written so the audit trail covers real-time writes.
func (p *Pipeline) IndexNow(ctx context.Context, doc index.Document) (Job, error) {
	job := Job{Type: JobUpsert, DocID: doc.ID, Doc: &doc, State: StateRunning}
	if p.jobs != nil {
		if err := p.jobs.Create(ctx, &job); err != nil {
			return Job{}, err
		}
	}
	if err := p.apply(ctx, job); err != nil {
		if p.jobs != nil {
			_ = p.jobs.MarkDeadlettered(ctx, job.ID, err.Error())
		}
		p.countJob("failed")
		return Job{}, err
	}
	if p.jobs != nil {
		if err := p.jobs.MarkSucceeded(ctx, job.ID); err != nil {
			p.logger.Warn("marking job succeeded", "job_id", job.ID, "error", err)
		}
	}
	job.State = StateSucceeded
	p.countJob("succeeded")
	return job, nil
}

// RemoveNow applies a delete synchronously.
func (p *Pipeline) RemoveNow(ctx context.Context, docID string) (Job, error) {
	job := Job{Type: JobDelete, DocID: docID, State: StateRunning}
	if p.jobs != nil {
		if err := p.jobs.Create(ctx, &job); err != nil {
			return Job{}, err
		}
	}
	if err := p.apply(ctx, job); err != nil {
		if p.jobs != nil {
			_ = p.jobs.MarkDeadlettered(ctx, job.ID, err.Error())
		}
		p.countJob("failed")
		return Job{}, err
	}
	if p.jobs != nil {
		_ = p.jobs.MarkSucceeded(ctx, job.ID)
	}
	job.State = StateSucceeded
	p.countJob("succeeded")
	return job, nil
}

func (p *Pipeline) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.queue:
			p.gaugeDepth()
			j := job
			if err := p.pool.Submit(func() { p.process(j) }); err != nil {
				p.logger.Error("submitting job to pool", "job_id", j.ID, "error", err)
				p.retryLater(j, err)
			}
		}
	}
}

func (p *Pipeline) process(job Job) {
	ctx := p.ctx
	if p.jobs != nil && job.ID != 0 {
		if err := p.jobs.MarkRunning(ctx, job.ID); err != nil {
			p.logger.Warn("marking job running", "job_id", job.ID, "error", err)
		}
	}
	p.countJob("running")

	if err := p.apply(ctx, job); err != nil {
		p.retryLater(job, err)
		return
	}
	if p.jobs != nil && job.ID != 0 {
		if err := p.jobs.MarkSucceeded(ctx, job.ID); err != nil {
			p.logger.Warn("marking job succeeded", "job_id", job.ID, "error", err)
		}
	}
	p.countJob("succeeded")
}

// apply performs the job's mutation and invalidates covered cache entries.
// The index store persists before mutating memory, so a failure here leaves
// the memory image untouched.
func (p *Pipeline) apply(ctx context.Context, job Job) error {
	switch job.Type {
	case JobUpsert:
		if job.Doc == nil {
			return fmt.Errorf("upsert job %d has no document", job.ID)
		}
		affected, err := p.store.Upsert(ctx, *job.Doc)
		if err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.DocsIndexedTotal.Inc()
		}
		p.invalidate(ctx, affected)
	case JobDelete:
		affected, err := p.store.Remove(ctx, job.DocID)
		if err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.DocsRemovedTotal.Inc()
		}
		p.invalidate(ctx, affected)
	case JobReindex:
		if err := p.runReindex(ctx, job.BatchID); err != nil {
			return err
		}
	case JobCompact:
		repaired, err := p.store.Compact()
		if err != nil {
			return err
		}
		if p.metrics != nil && repaired > 0 {
			p.metrics.CorruptionRepairs.Add(float64(repaired))
		}
		p.logger.Info("compaction finished", "repaired_terms", repaired)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
	p.gaugeIndex()
	return nil
}

// retryLater schedules the job's next attempt with exponential backoff, or
// deadletters it once the attempt budget is spent.
func (p *Pipeline) retryLater(job Job, cause error) {
	job.Attempts++
	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if job.Attempts >= maxAttempts {
		p.logger.Error("job deadlettered",
			"job_id", job.ID, "type", job.Type, "doc_id", job.DocID,
			"attempts", job.Attempts, "error", cause,
		)
		if p.jobs != nil && job.ID != 0 {
			msg := apperrors.Newf(apperrors.ErrJobDeadlettered, 500,
				"gave up after %d attempts: %v", job.Attempts, cause).Error()
			_ = p.jobs.MarkDeadlettered(p.ctx, job.ID, msg)
		}
		if p.metrics != nil {
			p.metrics.JobsDeadlettered.Inc()
		}
		p.countJob("deadlettered")
		return
	}

	delay := p.backoff(job.Attempts)
	p.logger.Warn("job failed, scheduling retry",
		"job_id", job.ID, "type", job.Type, "attempt", job.Attempts,
		"next_delay", delay, "error", cause,
	)
	if p.jobs != nil && job.ID != 0 {
		_ = p.jobs.MarkFailed(p.ctx, job.ID, job.Attempts, cause.Error(), time.Now().Add(delay))
	}
	if p.metrics != nil {
		p.metrics.JobRetriesTotal.Inc()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-p.ctx.Done():
		case <-timer.C:
			select {
			case p.queue <- job:
				p.gaugeDepth()
			case <-p.ctx.Done():
			}
		}
	}()
}

func (p *Pipeline) backoff(attempt int) time.Duration {
	initial := p.cfg.InitialDelay
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	max := p.cfg.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	delay := initial << (attempt - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

func (p *Pipeline) invalidate(ctx context.Context, terms []string) {
	if p.invalidator == nil || len(terms) == 0 {
		return
	}
	if _, err := p.invalidator.Invalidate(ctx, terms); err != nil {
		// Stale entries age out at TTL; a failed invalidation is not fatal.
		p.logger.Warn("cache invalidation failed", "terms", len(terms), "error", err)
	}
}

// QueueDepth reports how many jobs are waiting.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

func (p *Pipeline) countJob(state string) {
	if p.metrics != nil {
		p.metrics.JobsTotal.WithLabelValues(state).Inc()
	}
}

func (p *Pipeline) gaugeDepth() {
	if p.metrics != nil {
		p.metrics.JobQueueDepth.Set(float64(len(p.queue)))
	}
}

func (p *Pipeline) gaugeIndex() {
	if p.metrics != nil {
		p.metrics.IndexTermCount.Set(float64(p.store.TermCount()))
		p.metrics.IndexDocCount.Set(float64(p.store.TotalDocs()))
	}
}
