package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/market-feed/internal/api"
	"github.com/atmx/market-feed/internal/clock"
	"github.com/atmx/market-feed/internal/config"
	"github.com/atmx/market-feed/internal/feed"
	"github.com/atmx/market-feed/internal/metrics"
	"github.com/atmx/market-feed/internal/model"
	"github.com/atmx/market-feed/internal/pricecache"
	"github.com/atmx/market-feed/internal/store"
	"github.com/atmx/market-feed/internal/stream"
	"github.com/atmx/market-feed/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// --- Initialize store ---
	st, cleanup, err := openStore(context.Background(), cfg)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Market data ---
	cache := pricecache.New()
	agg := feed.New(cfg.Feed(), clock.Real{},
		feed.DialerStreams{D: stream.NewDialer(cfg.Stream())},
		stream.NewRESTClient(cfg.RESTURL, cfg.RESTTimeout),
		cache)

	// --- WebSocket hub ---
	wsHub := api.NewHub()
	go wsHub.Run()
	unsubscribe := cache.Subscribe(wsHub.BroadcastPrices)

	// --- Momentum trackers ---
	hooks := tracker.Hooks{Changed: persister(st), Results: wsHub.BroadcastResults}
	count := tracker.NewCountTracker(tracker.CountConfig{
		Limits:     cfg.Limits(),
		Thresholds: cfg.CountThresholds(),
		Scope:      tracker.BufferScope(cfg.BufferScope),
		Hooks:      hooks,
	}, clock.Real{}, cache)
	duration := tracker.NewDurationTracker(tracker.DurationConfig{
		Limits:     cfg.Limits(),
		Thresholds: cfg.DurationThresholds(),
		Hooks:      hooks,
	}, clock.Real{})
	detach := duration.Attach(cache)

	if err := restore(context.Background(), st, count, duration); err != nil {
		slog.Error("folder restore failed", "err", err)
		os.Exit(1)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	err = agg.Start(startCtx)
	cancelStart()
	if err != nil {
		slog.Error("market feed start failed", "err", err)
		os.Exit(1)
	}

	svc := api.NewService(agg, count, duration)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-feed"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for price and momentum updates.
		r.Get("/ws", wsHub.HandleWS)

		// Request timeout applies to REST routes only; the socket is long-lived.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Mount(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-feed listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down market-feed...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	svc.Close()
	detach()
	unsubscribe()
	count.Close()
	duration.Close()
	if err := agg.Close(); err != nil {
		slog.Error("feed close error", "err", err)
	}
	wsHub.Close()
	fmt.Println("market-feed stopped")
}

// openStore picks the folder store from configuration: PostgreSQL (with an
// optional Redis read-through cache), Redis alone, or memory.
func openStore(ctx context.Context, cfg *config.Config) (store.FolderStore, []func(), error) {
	var cleanup []func()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, cleanup, err
		}
		slog.Info("connected to PostgreSQL")
		if rdb != nil {
			slog.Info("Redis cache enabled")
			return store.NewCachedStore(pg, store.NewRedisKV(rdb), cfg.CacheTTL), cleanup, nil
		}
		return pg, cleanup, nil
	}

	var kv store.KV
	if rdb != nil {
		kv = store.NewRedisKV(rdb)
		slog.Info("using Redis folder store")
	} else {
		slog.Warn("DATABASE_URL and REDIS_URL not set, using in-memory store (folders will not persist)")
		kv = store.NewMemoryKV()
	}
	kvs := store.NewKVStore(kv, cfg.RedisPrefix)
	if err := kvs.Migrate(ctx); err != nil {
		return nil, cleanup, err
	}
	return kvs, cleanup, nil
}

// persister saves the record set after every structural change. Saves are
// serialized.
func persister(st store.FolderStore) func(model.FolderKind, []model.FolderRecord) {
	var mu sync.Mutex
	return func(kind model.FolderKind, records []model.FolderRecord) {
		mu.Lock()
		defer mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.SaveFolders(ctx, kind, records); err != nil {
			slog.Error("folder save failed", "kind", kind, "err", err)
		}
	}
}

type loader interface {
	Kind() model.FolderKind
	Load(records []model.FolderRecord) error
}

func restore(ctx context.Context, st store.FolderStore, trackers ...loader) error {
	for _, t := range trackers {
		records, err := st.LoadFolders(ctx, t.Kind())
		if err != nil {
			return err
		}
		if err := t.Load(records); err != nil {
			return fmt.Errorf("load %s folders: %w", t.Kind(), err)
		}
		slog.Info("folders restored", "kind", t.Kind(), "folders", len(records))
	}
	return nil
}
