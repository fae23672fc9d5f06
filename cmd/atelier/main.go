package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/atelier-ai/atelier/internal/batch"
	"github.com/atelier-ai/atelier/internal/chat"
	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/internal/engine"
	"github.com/atelier-ai/atelier/internal/history"
	"github.com/atelier-ai/atelier/internal/httpapi"
	"github.com/atelier-ai/atelier/internal/kv"
	"github.com/atelier-ai/atelier/internal/observability"
	"github.com/atelier-ai/atelier/internal/quota"
	"github.com/atelier-ai/atelier/internal/storage"
	"github.com/atelier-ai/atelier/internal/tasks"
)

// submitter routes jobs from the HTTP layer onto the worker pool.
type submitter struct {
	pool *batch.Pool
}

func (s *submitter) SubmitBatch(job batch.Job) error  { return s.pool.Submit(job) }
func (s *submitter) SubmitSingle(job batch.Job) error { return s.pool.Submit(job) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := kv.NewStore(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("state store init failed: %v", err)
	}
	defer store.Close()
	if cfg.RedisURL == "" {
		log.Printf("state store: in-memory (set REDIS_URL for persistence)")
	} else {
		log.Printf("state store: redis")
	}

	var objects storage.Store
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case "", "memory":
		objects = storage.NewMemoryStore(cfg.PublicBaseURL)
		log.Printf("image storage: in-memory")
	case "fs":
		objects, err = storage.NewFSStore(cfg.StorageDir, cfg.PublicBaseURL)
		if err != nil {
			log.Fatalf("image storage init failed: %v", err)
		}
		log.Printf("image storage: %s", cfg.StorageDir)
	default:
		log.Fatalf("invalid STORAGE_BACKEND: %q (expected memory|fs)", cfg.StorageBackend)
	}
	defer objects.Close()

	var eng engine.Engine
	engineMode := strings.ToLower(strings.TrimSpace(cfg.EngineProvider))
	if engineMode == "" {
		engineMode = "auto"
	}
	tryGemini := func(fatal bool) bool {
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			if fatal {
				log.Fatalf("ENGINE_PROVIDER=gemini but GOOGLE_API_KEY is not set")
			}
			return false
		}
		g, err := engine.NewGemini(ctx, engine.GeminiConfig{
			APIKey:     cfg.GeminiAPIKey,
			Model:      cfg.GeminiModel,
			MaxRetries: cfg.StoreRetries,
			RetryBase:  cfg.StoreRetryBase,
		})
		if err != nil {
			if fatal {
				log.Fatalf("gemini engine init failed: %v", err)
			}
			log.Printf("gemini engine unavailable: %v", err)
			return false
		}
		eng = g
		log.Printf("engine: gemini (%s)", cfg.GeminiModel)
		return true
	}
	switch engineMode {
	case "gemini":
		_ = tryGemini(true)
	case "mock":
		eng = engine.NewMock()
		log.Printf("engine: mock")
	case "auto":
		if !tryGemini(false) {
			eng = engine.NewMock()
			log.Printf("engine: mock (no gemini key)")
		}
	default:
		log.Fatalf("invalid ENGINE_PROVIDER: %q (expected auto|gemini|mock)", cfg.EngineProvider)
	}

	var archive history.Archive = history.Noop{}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pg, err := history.NewPostgresArchive(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("history archive init failed: %v", err)
		}
		archive = pg
		log.Printf("history archive: postgres")
	}
	defer archive.Close()

	ledger := quota.NewLedger(store, quota.Limits{
		DailyLimit:       cfg.DailyLimit,
		GlobalDailyLimit: cfg.GlobalDailyLimit,
		Cooldown:         cfg.Cooldown,
		MaxBatchSize:     cfg.MaxBatchSize,
		BucketTTL:        cfg.QuotaBucketTTL,
	})
	taskStore := tasks.NewStore(store, cfg.TaskTTL, cfg.StoreRetries, cfg.StoreRetryBase)
	hub := tasks.NewHub()
	canceller := tasks.NewCanceller(taskStore, hub, ledger)

	orchestrator := batch.NewOrchestrator(taskStore, hub, eng, objects, archive, ledger, metrics)
	pool := batch.NewPool(cfg.WorkerCount, cfg.QueueSize, func(ctx context.Context, job batch.Job) {
		if job.Kind == string(tasks.KindSingle) {
			orchestrator.RunSingle(ctx, job)
			return
		}
		orchestrator.Run(ctx, job)
	})
	pool.Start()
	defer pool.Stop()

	sessions := chat.NewManager(store, cfg.SessionTTL)
	window := &chat.WindowBuilder{MaxTurns: cfg.MaxTurns, ImageTurns: cfg.ImageTurns, Loader: objects}
	chatService := chat.NewService(sessions, ledger, eng, objects, archive, window)

	api := httpapi.New(cfg, ledger, taskStore, canceller, hub, &submitter{pool: pool},
		chatService, sessions, objects, archive, store, eng.Name(), metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
