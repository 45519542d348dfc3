package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/dreamframe/backend/internal/auth"
	"github.com/dreamframe/backend/internal/blob"
	"github.com/dreamframe/backend/internal/config"
	"github.com/dreamframe/backend/internal/events"
	"github.com/dreamframe/backend/internal/generation"
	"github.com/dreamframe/backend/internal/ledger"
	"github.com/dreamframe/backend/internal/migrate"
	"github.com/dreamframe/backend/internal/mirror"
	"github.com/dreamframe/backend/internal/poller"
	"github.com/dreamframe/backend/internal/provider"
	"github.com/dreamframe/backend/internal/queue"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	// Schema migrations
	if err := migrate.Run(ctx, cfg.DatabaseURL, "up"); err != nil {
		slog.Error("Schema migrations failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Schema migrations applied")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Redis (per-user admission lock)
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("Cannot reach Redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS (completion events)
	natsConn, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		slog.Error("Cannot reach NATS", "url", cfg.NatsURL, "error", err)
		os.Exit(1)
	}
	defer natsConn.Close()

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo)

	// Blob store for re-hosted generation media
	store, err := blob.NewDiskStore(cfg.BlobDir, cfg.BlobBaseURL)
	if err != nil {
		slog.Error("Failed to init blob store", "dir", cfg.BlobDir, "error", err)
		os.Exit(1)
	}

	// Providers
	providers := provider.Registry{}
	if cfg.OpenAIAPIKey != "" {
		openaiClient, err := provider.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if err != nil {
			slog.Error("Failed to init OpenAI provider", "error", err)
			os.Exit(1)
		}
		providers["openai"] = openaiClient
	} else {
		slog.Warn("OPENAI_API_KEY not set, openai provider disabled")
	}

	// Queue manager: enqueue funcs are set after the River client is created
	// (breaks init cycle)
	var insertMu sync.Mutex
	var insertGenerateFn queue.EnqueueGenerateFunc
	var insertResolveFn poller.EnqueueResolveFunc
	enqueueGenerate := func(ctx context.Context, args poller.GenerateArgs) error {
		insertMu.Lock()
		fn := insertGenerateFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, args)
	}
	enqueueResolve := func(ctx context.Context, args poller.ResolveArgs) error {
		insertMu.Lock()
		fn := insertResolveFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, args)
	}

	genRepo := generation.NewRepository(pool)
	locker := queue.NewRedisLocker(redisClient)
	publisher := events.NewPublisher(natsConn, logger)
	queueSvc := queue.NewService(genRepo, ledgerSvc, locker, publisher, enqueueGenerate, cfg.StartingCredits, logger)

	// Background workers
	workers := river.NewWorkers()
	river.AddWorker(workers, poller.NewGenerateWorker(queueSvc, providers, store, enqueueResolve, cfg.ProviderTimeout, logger))
	river.AddWorker(workers, poller.NewResolveWorker(queueSvc, providers, store, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertGenerateFn = func(ctx context.Context, args poller.GenerateArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	insertResolveFn = func(ctx context.Context, args poller.ResolveArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Auth
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret, cfg.StartingCredits)
	authHandler := auth.NewHandler(authSvc, logger)

	mux := http.NewServeMux()
	RegisterV1Routes(mux, authHandler, authSvc, queueSvc, ledgerSvc, logger)
	mux.Handle("GET /blobs/", http.StripPrefix("/blobs/", http.FileServer(http.Dir(cfg.BlobDir))))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "https://app.dreamframe.io"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes generate/resolve jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	// Completion mirror consumer
	mirrorWorker := mirror.NewWorker(pool, natsConn, logger)
	go func() {
		if err := mirrorWorker.Run(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("Mirror worker stopped", "error", err)
		}
	}()

	// Terminal record retention sweep + stale queued record recovery
	sweeper := queue.NewSweeper(genRepo, queueSvc, cfg.SweepInterval, cfg.SweepMaxAge, cfg.StaleQueuedAge, logger)
	go sweeper.Run(riverCtx)

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
