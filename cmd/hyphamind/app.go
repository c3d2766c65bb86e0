package main

import (
	"context"
	"fmt"

	"github.com/hyphamind/hyphamind/internal/api"
	"github.com/hyphamind/hyphamind/internal/consolidate"
	"github.com/hyphamind/hyphamind/internal/embedding"
	"github.com/hyphamind/hyphamind/internal/flushtracker"
	"github.com/hyphamind/hyphamind/internal/guard"
	"github.com/hyphamind/hyphamind/internal/indexworker"
	"github.com/hyphamind/hyphamind/internal/llmarbiter"
	"github.com/hyphamind/hyphamind/internal/logging"
	"github.com/hyphamind/hyphamind/internal/mcpserver"
	"github.com/hyphamind/hyphamind/internal/memnode"
	"github.com/hyphamind/hyphamind/internal/observability"
	"github.com/hyphamind/hyphamind/internal/rerank"
	"github.com/hyphamind/hyphamind/internal/retrieval"
	"github.com/hyphamind/hyphamind/internal/sessioncache"
	"github.com/hyphamind/hyphamind/internal/store"
	"github.com/hyphamind/hyphamind/internal/vitality"
	"github.com/hyphamind/hyphamind/internal/writelane"
	"github.com/hyphamind/hyphamind/pkg/config"
)

// app bundles every wired collaborator, assembled once by buildApp and
// shared by every subcommand that needs to touch the store.
type app struct {
	cfg          *config.Config
	store        *store.Store
	mem          *memnode.Engine
	guard        *guard.Engine
	retrieval    *retrieval.Engine
	vit          *vitality.Engine
	worker       *indexworker.Worker
	consolidator *consolidate.Consolidator
	scheduler    *consolidate.Scheduler
	obs          *observability.Recorder
	lanes        *writelane.Coordinator
	sessions     *sessioncache.Cache
	flush        *flushtracker.Tracker
	gister       consolidate.Gister

	apiServer *api.Server
	mcpServer *mcpserver.Server
}

// buildApp wires every core engine into a shared app struct, in the same
// order and Deps shape internal/api.NewServer already proves out for the
// HTTP boundary.
//
// The index worker's Handler must dispatch into the sleep consolidator, and
// the consolidator's constructor needs the already-built *indexworker.Worker
// to enqueue its final rebuild_index step. That circular need is broken by
// declaring consolidator as a variable first and capturing it by reference
// in the handler closure: the closure only runs after worker.Start(), by
// which point consolidator has been assigned.
func buildApp(cfg *config.Config) (*app, error) {
	if err := cfg.EnsureConfigDir(); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}

	s, err := store.Open(store.Options{
		Path:        cfg.Database.URL,
		LockFile:    cfg.Database.MigrationLockFile,
		LockTimeout: cfg.Database.MigrationLockTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	mem := memnode.New(s)

	embedder := embedding.Resolve(cfg.Embedding.Backend, cfg.Embedding.APIBase, cfg.Embedding.Model, cfg.Embedding.Dim)

	var reranker rerank.Provider
	if cfg.Reranker.Enabled {
		reranker = rerank.NewAPIProvider(rerank.APIProviderOptions{
			Base: cfg.Reranker.APIBase, Model: cfg.Reranker.Model,
		})
	}

	var guardArbiter guard.Arbiter
	if cfg.GuardLLM.Enabled {
		guardArbiter = llmarbiter.New(cfg.GuardLLM.APIBase, cfg.GuardLLM.Model)
	}

	var gister consolidate.Gister
	if cfg.GistLLM.Enabled {
		gister = llmarbiter.New(cfg.GistLLM.APIBase, cfg.GistLLM.Model)
	}

	g := guard.New(s, mem, guard.Options{Embedder: embedder, Arbiter: guardArbiter})

	vit := vitality.New(s, mem, vitality.DecayCoordinatorConfig{CheckInterval: cfg.Vitality.DecayCheckIntervalSeconds},
		cfg.Cleanup.ReviewTTLSeconds, cfg.Cleanup.ReviewMaxPending)

	ret := retrieval.New(s, retrieval.Options{
		Embedder: embedder, Reranker: reranker, Vitality: vit,
		RecencyHalfLifeSeconds: int(cfg.SessionCache.HalfLifeSeconds.Seconds()),
	})

	lanes := writelane.New(cfg.WriteLane.GlobalConcurrency)
	sessions := sessioncache.New(sessioncache.Config{MaxHits: cfg.SessionCache.MaxHits, HalfLifeSeconds: int(cfg.SessionCache.HalfLifeSeconds.Seconds())})
	flush := flushtracker.New(flushtracker.Config{TriggerChars: cfg.FlushTracker.TriggerChars, MinEvents: cfg.FlushTracker.MinEvents, MaxEvents: cfg.FlushTracker.MaxEvents})
	obs := observability.New(s, observability.Config{SlowQueryMS: float64(cfg.Observability.CleanupQuerySlowMS)})

	var consolidator *consolidate.Consolidator
	handler := func(ctx context.Context, job indexworker.Job) (string, error) {
		switch job.TaskType {
		case indexworker.TaskSleepConsolidate:
			report, err := consolidator.Run(ctx, job.Reason)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("orphans=%d dedup_groups=%d gist_upserts=%d", report.OrphanCount, report.DuplicateGroups, report.GistUpserts), nil
		case indexworker.TaskReindexMemory, indexworker.TaskRebuildIndex:
			// Candidate generation is computed on the fly from stored content
			// (no precomputed vector index to rebuild), so these jobs complete
			// immediately without reading the store.
			return "ok", nil
		default:
			return "", fmt.Errorf("unknown task type: %s", job.TaskType)
		}
	}

	worker := indexworker.New(indexworker.Options{
		QueueMaxSize: cfg.IndexWorker.QueueMaxSize,
		RecentJobs:   cfg.IndexWorker.RecentJobs,
		Handler:      handler,
	})
	consolidator = consolidate.New(s, mem, gister, consolidate.Config{
		DedupApplyEnabled:          cfg.Sleep.DedupApply,
		FragmentRollupApplyEnabled: cfg.Sleep.FragmentRollupApply,
	}, worker)

	scheduler := consolidate.NewScheduler(worker, cfg.Sleep.IntervalSeconds)

	apiServer := api.NewServer(api.Deps{
		Config: cfg, Mem: mem, Guard: g, Retrieval: ret, Vitality: vit,
		Worker: worker, Consolidator: consolidator, Observability: obs,
		Lanes: lanes, Sessions: sessions, Flush: flush,
	})
	mcpSrv := mcpserver.NewServer(mcpserver.Deps{
		Mem: mem, Guard: g, Retrieval: ret, Vitality: vit, Worker: worker,
		Consolidator: consolidator, Observability: obs, Lanes: lanes,
		Sessions: sessions, Flush: flush, Gister: gister,
	})

	return &app{
		cfg: cfg, store: s, mem: mem, guard: g, retrieval: ret, vit: vit,
		worker: worker, consolidator: consolidator, scheduler: scheduler,
		obs: obs, lanes: lanes, sessions: sessions, flush: flush, gister: gister,
		apiServer: apiServer, mcpServer: mcpSrv,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logging.GetLogger("hyphamind").Warn("error closing store", "err", err)
	}
}
