// Package engine assembles the search service: index store, query read
// path, indexing pipeline, result cache, suggestion engine, and analytics
// recorder, wired against Postgres, Redis, and Kafka.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetdocs/searchd/internal/analytics"
	"github.com/fleetdocs/searchd/internal/analyzer"
	"github.com/fleetdocs/searchd/internal/cache"
	"github.com/fleetdocs/searchd/internal/index"
	"github.com/fleetdocs/searchd/internal/pipeline"
	"github.com/fleetdocs/searchd/internal/search"
	"github.com/fleetdocs/searchd/internal/suggest"
	"github.com/fleetdocs/searchd/pkg/config"
	"github.com/fleetdocs/searchd/pkg/health"
	"github.com/fleetdocs/searchd/pkg/kafka"
	"github.com/fleetdocs/searchd/pkg/metrics"
	"github.com/fleetdocs/searchd/pkg/postgres"
	"github.com/fleetdocs/searchd/pkg/redis"
)

// Engine owns every subsystem and their lifecycles.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *postgres.Client
	redis      *redis.Client
	producer   *kafka.Producer
	consumer   *kafka.Consumer
	stopStream context.CancelFunc

	Store        *index.Store
	Searcher     *search.Searcher
	Suggest      *suggest.Engine
	Pipeline     *pipeline.Pipeline
	Cache        *cache.ResultCache
	Recorder     *analytics.Recorder
	SavedQueries *search.SavedQueryStore
	Health       *health.Checker
	Metrics      *metrics.Metrics
}

// New builds the engine from configuration. Nothing runs until Start.
func New(cfg *config.Config) (*Engine, error) {
	logger := slog.Default().With("component", "engine")

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	var producer *kafka.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents)
	}

	m := metrics.New()
	an := analyzer.New(cfg.Analyzer)
	persister := index.NewPostgresPersister(db)
	store := index.NewStore(cfg.Index, an, persister)

	suggestEngine := suggest.NewEngine(cfg.Suggest, store, an, m)
	store.SetTermListener(suggestEngine)

	resultCache := cache.New(cache.NewRedisBackend(redisClient), cfg.Redis.CacheTTL, m)

	analyticsStore := analytics.NewStore(db)
	recorder := analytics.NewRecorder(cfg.Analytics, analyticsStore, producer)

	knownFields := make([]string, 0, len(cfg.Ranking.FieldBoosts))
	for field := range cfg.Ranking.FieldBoosts {
		knownFields = append(knownFields, field)
	}
	executor := search.NewExecutor(store, an, knownFields)
	ranker := search.NewRanker(store, cfg.Ranking, recorder, recorder)
	searcher := search.NewSearcher(cfg.Search, store, executor, ranker, an, resultCache, suggestEngine, recorder, m)

	pipe, err := pipeline.New(cfg.Pipeline, store, pipeline.NewJobStore(db), persister, resultCache, m)
	if err != nil {
		redisClient.Close()
		db.Close()
		return nil, err
	}

	// External producers can publish document mutations to the index
	// events topic; the pipeline ingests them like any other write.
	var consumer *kafka.Consumer
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics.IndexEvents != "" {
		consumer = kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.IndexEvents, pipe.HandleStreamMessage)
	}

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := db.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("index", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d documents, %d terms", store.TotalDocs(), store.TermCount()),
		}
	})

	return &Engine{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		redis:        redisClient,
		producer:     producer,
		consumer:     consumer,
		Store:        store,
		Searcher:     searcher,
		Suggest:      suggestEngine,
		Pipeline:     pipe,
		Cache:        resultCache,
		Recorder:     recorder,
		SavedQueries: search.NewSavedQueryStore(db),
		Health:       checker,
		Metrics:      m,
	}, nil
}

// Start replays the durable document set into memory, verifies the
// dictionary if configured, and starts the background subsystems.
func (e *Engine) Start(ctx context.Context) error {
	started := time.Now()
	if err := e.Store.Load(ctx); err != nil {
		return fmt.Errorf("loading index: %w", err)
	}
	e.logger.Info("index loaded",
		"docs", e.Store.TotalDocs(),
		"terms", e.Store.TermCount(),
		"took", time.Since(started),
	)

	if e.cfg.Index.VerifyOnLoad {
		repaired, err := e.Store.VerifyAll()
		if err != nil {
			e.logger.Warn("dictionary verification found inconsistencies", "repaired", repaired, "error", err)
			if e.Metrics != nil && repaired > 0 {
				e.Metrics.CorruptionRepairs.Add(float64(repaired))
			}
		}
	}

	e.Suggest.Bootstrap(e.Store.EachTerm)
	e.Recorder.Start(ctx)
	if err := e.Pipeline.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}
	if e.consumer != nil {
		streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.stopStream = cancel
		go func() {
			if err := e.consumer.Start(streamCtx); err != nil {
				e.logger.Error("index event consumer stopped", "error", err)
			}
		}()
	}
	return nil
}

// Close shuts down background work and infrastructure connections.
func (e *Engine) Close() {
	if e.stopStream != nil {
		e.stopStream()
	}
	e.Pipeline.Close()
	e.Recorder.Close()
	if e.producer != nil {
		if err := e.producer.Close(); err != nil {
			e.logger.Warn("closing kafka producer", "error", err)
		}
	}
	if err := e.redis.Close(); err != nil {
		e.logger.Warn("closing redis client", "error", err)
	}
	if err := e.db.Close(); err != nil {
		e.logger.Warn("closing postgres client", "error", err)
	}
}

// Search runs one query.
func (e *Engine) Search(ctx context.Context, req search.Request) (*search.Result, error) {
	return e.Searcher.Search(ctx, req)
}

// SearchSaved runs a saved query with the caller's pagination and identity.
func (e *Engine) SearchSaved(ctx context.Context, id int64, offset, limit int, userID string) (*search.Result, error) {
	sq, err := e.SavedQueries.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	req := sq.Request
	req.Offset = offset
	req.Limit = limit
	req.UserID = userID
	return e.Searcher.Search(ctx, req)
}

// Autocomplete completes a prefix against the live term set.
func (e *Engine) Autocomplete(prefix string, max int) []string {
	return e.Suggest.Autocomplete(prefix, max)
}

// RecordClick registers a result click for ranking feedback.
func (e *Engine) RecordClick(queryID, docID, userID string, rank int) {
	e.Recorder.RecordClick(queryID, docID, userID, rank)
}

// IndexDocument indexes a document. When sync is set the write is applied
// before the call returns; otherwise it is queued.
func (e *Engine) IndexDocument(ctx context.Context, doc index.Document, sync bool) (pipeline.Job, error) {
	if sync {
		return e.Pipeline.IndexNow(ctx, doc)
	}
	return e.Pipeline.Enqueue(ctx, doc)
}

// DeleteDocument removes a document. When sync is set the removal is
// applied before the call returns.
func (e *Engine) DeleteDocument(ctx context.Context, docID string, sync bool) (pipeline.Job, error) {
	if sync {
		return e.Pipeline.RemoveNow(ctx, docID)
	}
	return e.Pipeline.EnqueueDelete(ctx, docID)
}

// ReindexAll schedules a full rebuild from the durable document set.
func (e *Engine) ReindexAll(ctx context.Context) (pipeline.Job, error) {
	return e.Pipeline.ReindexAll(ctx)
}

// Optimize schedules a dictionary verify-and-compact pass.
func (e *Engine) Optimize(ctx context.Context) (pipeline.Job, error) {
	return e.Pipeline.EnqueueCompact(ctx)
}

// InvalidateCache drops cached results covering the given terms.
func (e *Engine) InvalidateCache(ctx context.Context, terms []string) (int, error) {
	return e.Cache.Invalidate(ctx, terms)
}

// WarmCache runs the window's most frequent queries so their results are
// cached before traffic arrives. It returns how many queries were warmed.
func (e *Engine) WarmCache(ctx context.Context, limit int) (int, error) {
	stats, err := e.Recorder.Stats(ctx, limit)
	if err != nil {
		return 0, err
	}
	var warmed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, qc := range stats.TopQueries {
		g.Go(func() error {
			// Individual failures only cost a cold entry, not the warm run.
			if _, err := e.Searcher.Search(gctx, search.Request{Query: qc.Query}); err != nil {
				e.logger.Warn("cache warm query failed", "query", qc.Query, "error", err)
				return nil
			}
			warmed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(warmed.Load()), err
	}
	return int(warmed.Load()), nil
}

// AnalyticsStats returns the windowed analytics view.
func (e *Engine) AnalyticsStats(ctx context.Context, limit int) (analytics.Stats, error) {
	return e.Recorder.Stats(ctx, limit)
}

// Jobs lists recent indexing jobs, optionally filtered by state.
func (e *Engine) Jobs(ctx context.Context, state pipeline.JobState, limit int) ([]pipeline.Job, error) {
	return e.Pipeline.Jobs().List(ctx, state, limit)
}
