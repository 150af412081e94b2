package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"printlog/internal/api"
	"printlog/internal/config"
	"printlog/internal/history"
	"printlog/internal/logging"
	"printlog/internal/moonraker"
	"printlog/internal/queue"
	"printlog/internal/ratelimit"
	"printlog/internal/reconcile"
	"printlog/internal/registry"
	"printlog/internal/store"
	"printlog/internal/supervisor"
	"printlog/internal/thumbnail"
	"printlog/internal/worker"
)

func main() {
	cfg := config.MustLoad()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Caller: cfg.LogCaller})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, store.OptionsFromConfig(cfg))
	if err != nil {
		fatal("open store", err)
	}
	defer st.Close()

	thumbs, err := thumbnail.New(ctx, cfg)
	if err != nil {
		fatal("init thumbnail store", err)
	}

	rec := reconcile.New(st)
	reg := registry.New(st, rec, moonraker.OptionsFromConfig(cfg))
	importer := history.New(st, rec, history.Options{
		Thumbnails:     thumbs,
		HTTPTimeout:    cfg.MoonrakerHTTPTimeout,
		GcodeFetchRate: cfg.GcodeFetchRate,
	})

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddConnectionService(reg)

	deps := api.Deps{Store: st, Connections: reg, Importer: importer}
	if q, client := connectQueue(ctx, cfg); q != nil {
		defer q.Close()
		deps.Queue = q
		deps.Limiter = ratelimit.NewImportLimiter(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

		processor := worker.NewProcessor(cfg, q, workerID("api"))
		worker.NewImportHandlers(st, importer, cfg.HistoryImportLimit).Register(processor)
		tree.AddWorkerService(processor)
		tree.AddWorkerService(worker.NewScheduler(q, st, cfg.HistorySyncInterval, cfg.HistoryImportLimit))
	} else {
		logging.Warn().Str("redis_addr", cfg.RedisAddr).Msg("redis unavailable, imports run inline and periodic sync is off")
	}

	server := api.New(cfg, deps)
	tree.AddAPIService(supervisor.NewHTTPServerService("api-http", server.NewHTTPServer(), 5*time.Second))

	logging.Info().Str("port", cfg.HTTPPort).Str("database", cfg.DatabaseDriver).Msg("api starting")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		fatal("supervisor stopped", err)
	}
	logging.Info().Msg("api stopped")
}

// connectQueue returns nil when Redis is not configured or not reachable.
func connectQueue(ctx context.Context, cfg config.Config) (*queue.RedisQueue, *redis.Client) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logging.Warn().Err(err).Msg("redis ping failed")
		_ = client.Close()
		return nil, nil
	}
	return queue.NewWithClient(client, cfg), client
}

func workerID(prefix string) string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return prefix + "-" + hostname
	}
	return fmt.Sprintf("%s-%d", prefix, os.Getpid())
}

func fatal(msg string, err error) {
	logging.Error().Err(err).Msg(msg)
	os.Exit(1)
}
