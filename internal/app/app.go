package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	middleware "github.com/markdave123-py/contextai/internal/api/middlewares"
	"github.com/markdave123-py/contextai/internal/config"
	"github.com/markdave123-py/contextai/internal/core"
	db "github.com/markdave123-py/contextai/internal/core/database"
	"github.com/markdave123-py/contextai/internal/core/ingestion_engine"
	"github.com/markdave123-py/contextai/internal/core/llm"
	objectclient "github.com/markdave123-py/contextai/internal/core/object-client"
	"github.com/markdave123-py/contextai/internal/core/storage"
	"github.com/markdave123-py/contextai/internal/services"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
	reapInterval    = time.Minute
	changeLogMaxAge = 24 * time.Hour
)

type App struct {
	cfg      *config.Config
	kv       core.KVStore
	bus      core.MessageBus
	pool     *pgxpool.Pool
	rdb      *redis.Client
	changes  *db.PostgresStore
	registry *services.ContextRegistry
	pages    *ingestion_engine.PageIngestor
	Server   *Server
}

// NewApp opens the configured backend and wires the services on top of it.
// ctx bounds the lifetime of every context opened later.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	setupCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := a.openBackend(setupCtx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.EncryptionKey != "" {
		sealed, err := storage.NewSealedStore(a.kv, cfg.EncryptionKey)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.kv = sealed
		slog.Info("store encryption enabled")
	}

	store := services.NewConfigStore(a.kv)
	repo := services.NewChatRepository(store)
	streamer := llm.NewGeminiStreamer(cfg.DefaultModel)

	a.registry = services.NewContextRegistry(ctx, store, repo, a.bus, streamer, cfg.FragmentTimeout)
	a.pages = ingestion_engine.NewPageIngestor(ingestion_engine.NewPageTextExtractor(false), a.registry)
	settings := services.NewSettingsService(store, a.bus)
	tokens := middleware.NewContextTokens(cfg.JWTSecret, cfg.ContextTokenTTL)

	a.Server = NewServer(cfg, a.registry, settings, tokens, a.pages)
	return a, nil
}

func (a *App) openBackend(ctx context.Context) error {
	cfg := a.cfg
	ns := cfg.StoreNamespace
	a.bus = storage.NewMemoryBus()

	switch cfg.StoreBackend {
	case config.BackendMemory:
		a.kv = storage.NewMemoryStore()

	case config.BackendBolt:
		kv, err := storage.NewBoltStore(cfg.BoltPath, ns)
		if err != nil {
			return err
		}
		a.kv = kv

	case config.BackendRedis:
		rdb, err := storage.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		a.rdb = rdb
		a.kv = storage.NewRedisStore(rdb, ns)
		_ = a.bus.Close()
		a.bus = storage.NewRedisBus(rdb, ns)

	case config.BackendPostgres:
		if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.pool = pool
		a.changes = db.NewPostgresStore(pool, ns)
		a.kv = a.changes

	case config.BackendS3:
		opts := objectclient.S3Options{
			Region:       cfg.AwsRegion,
			AccessKey:    cfg.AwsAccessKey,
			SecretKey:    cfg.AwsSecretKey,
			Bucket:       cfg.BucketName,
			Namespace:    ns,
			PollInterval: cfg.S3PollInterval,
		}
		client, err := objectclient.NewS3Client(ctx, opts)
		if err != nil {
			return err
		}
		kv, err := objectclient.NewS3Store(client, opts)
		if err != nil {
			return err
		}
		a.kv = kv

	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	slog.Info("store ready", "backend", cfg.StoreBackend, "namespace", ns)
	return nil
}

// Run serves HTTP and runs the page workers until ctx ends, then shuts
// down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.pages.Start(gctx, a.cfg.PageWorkers)

	g.Go(func() error {
		return a.Server.Start()
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.registry.CloseAll()
		return a.Server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		a.registry.RunReaper(gctx, reapInterval, a.cfg.ContextIdle)
		return nil
	})

	if a.changes != nil {
		g.Go(func() error {
			a.pruneLoop(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.changes.PruneChanges(ctx, changeLogMaxAge)
			if err != nil {
				slog.Error("prune change log failed", "error", err)
				continue
			}
			slog.Debug("change log pruned", "rows", n)
		}
	}
}

func (a *App) Close() {
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
