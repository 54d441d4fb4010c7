// atelierd is the pipeline worker daemon. It wires configuration,
// telemetry, the session store, the artifact store, and the engine,
// then drains the PENDING session backlog until shut down.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atelier-ai/atelier/core/pkg/artifacts"
	"github.com/atelier-ai/atelier/core/pkg/config"
	"github.com/atelier-ai/atelier/core/pkg/contracts"
	"github.com/atelier-ai/atelier/core/pkg/engine"
	"github.com/atelier-ai/atelier/core/pkg/events"
	"github.com/atelier-ai/atelier/core/pkg/hitl"
	"github.com/atelier-ai/atelier/core/pkg/observability"
	"github.com/atelier-ai/atelier/core/pkg/pipeline"
	"github.com/atelier-ai/atelier/core/pkg/quality"
	"github.com/atelier-ai/atelier/core/pkg/reconciler"
	"github.com/atelier-ai/atelier/core/pkg/resiliency"
	"github.com/atelier-ai/atelier/core/pkg/store"

	_ "github.com/lib/pq"          // Postgres driver
	_ "modernc.org/sqlite"         // SQLite driver
)

const pollInterval = 2 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("atelierd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.New().String()[:8]
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "atelier-pipeline",
		ServiceVersion: "1.0.0",
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	repo, cleanup, err := openRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer cleanup()

	var publisher events.Publisher = events.NewLogPublisher(logger)
	var cache *store.StatusCache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		defer func() { _ = client.Close() }()
		publisher = events.Fanout{publisher, events.NewRedisPublisher(client, cfg.RedisPrefix, logger)}
		cache = store.NewStatusCache(client, cfg.RedisPrefix, cfg.StatusCacheTTL)
	}

	blobs, err := artifacts.Open(ctx, cfg.StorageURL)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	archive := artifacts.NewOutputArchive(blobs)

	loaded, err := config.LoadAllProfiles(cfg.ProfilesDir)
	if err != nil {
		return fmt.Errorf("profiles: %w", err)
	}
	if len(loaded) == 0 {
		return fmt.Errorf("no pipeline profiles in %s", cfg.ProfilesDir)
	}
	profiles := config.PhaseLists(loaded)
	logger.Info("profiles loaded", "count", len(profiles), "dir", cfg.ProfilesDir)

	registry, err := pipeline.NewRegistry()
	if err != nil {
		return err
	}
	if err := registerBuiltins(registry, profiles); err != nil {
		return fmt.Errorf("adapters: %w", err)
	}

	gate := quality.NewGate(
		&quality.CompletenessScorer{},
		&quality.StructuralScorer{},
		&quality.ConsistencyScorer{},
	)
	celScorers, err := config.CELScorers(loaded)
	if err != nil {
		return fmt.Errorf("profile scorers: %w", err)
	}
	for _, s := range celScorers {
		gate.Register(s)
	}
	coordinator := hitl.NewCoordinator(repo, publisher)
	breakers := resiliency.NewRegistry(resiliency.DefaultConfig())

	orch := pipeline.New(repo, registry, gate, coordinator, breakers, publisher, pipeline.Config{
		OwnerID:       cfg.WorkerID,
		LeaseDuration: cfg.LeaseDuration,
	}).WithArtifacts(archive).WithMetrics(obs).WithLogger(logger)

	eng := engine.New(repo, orch, coordinator, gate, publisher, profiles).WithLogger(logger)
	if cache != nil {
		eng = eng.WithStatusCache(cache)
	}

	rec := reconciler.New(repo, publisher, reconciler.Config{
		Interval:          cfg.ReconcilerInterval,
		RunningStaleAfter: cfg.RunningStaleAfter,
	}).WithLogger(logger)
	go rec.Start(ctx)

	logger.Info("atelierd started", "worker_id", cfg.WorkerID, "storage", cfg.StorageURL)
	drain(ctx, repo, eng, cfg, logger)
	logger.Info("atelierd stopped")
	return nil
}

// drain claims and executes pending sessions until ctx is cancelled.
// On Postgres the claim uses SKIP LOCKED so multiple workers share the
// backlog; other stores fall back to a list-and-run poll.
func drain(ctx context.Context, repo store.Repository, eng *engine.Engine, cfg *config.Config, logger *slog.Logger) {
	claimer, canClaim := repo.(*store.PostgresRepository)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if canClaim {
			for {
				s, err := claimer.ClaimNextPending(ctx, cfg.WorkerID, cfg.LeaseDuration)
				if errors.Is(err, store.ErrNotFound) {
					break
				}
				if err != nil {
					logger.Error("claim failed", "error", err)
					break
				}
				execute(ctx, eng, s.ID, logger)
			}
			continue
		}

		pending, err := repo.ListByStatus(ctx, contracts.SessionPending)
		if err != nil {
			logger.Error("list pending failed", "error", err)
			continue
		}
		for _, s := range pending {
			execute(ctx, eng, s.ID, logger)
		}
	}
}

func execute(ctx context.Context, eng *engine.Engine, sessionID string, logger *slog.Logger) {
	if err := eng.Execute(ctx, sessionID); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("session failed", "session_id", sessionID, "error", err)
	}
}

// openRepository selects the store backend from the database URL:
// postgres://... for Postgres, sqlite://path or a bare path for
// embedded SQLite, empty for in-memory.
func openRepository(ctx context.Context, databaseURL string) (store.Repository, func(), error) {
	noop := func() {}

	if databaseURL == "" {
		return store.NewMemoryRepository(), noop, nil
	}

	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, noop, fmt.Errorf("parse database url: %w", err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("open postgres: %w", err)
		}
		repo := store.NewPostgresRepository(db)
		if err := repo.Init(ctx); err != nil {
			_ = db.Close()
			return nil, noop, fmt.Errorf("init schema: %w", err)
		}
		return repo, func() { _ = db.Close() }, nil

	case "sqlite", "":
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite: %w", err)
		}
		// modernc sqlite serializes writes through one connection.
		db.SetMaxOpenConns(1)
		repo := store.NewSQLRepository(db)
		if err := repo.Init(ctx); err != nil {
			_ = db.Close()
			return nil, noop, fmt.Errorf("init schema: %w", err)
		}
		return repo, func() { _ = db.Close() }, nil

	default:
		return nil, noop, fmt.Errorf("unsupported database scheme %q", u.Scheme)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
