package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"printlog/internal/config"
	"printlog/internal/history"
	"printlog/internal/logging"
	"printlog/internal/queue"
	"printlog/internal/reconcile"
	"printlog/internal/store"
	"printlog/internal/supervisor"
	"printlog/internal/telemetry"
	"printlog/internal/thumbnail"
	"printlog/internal/worker"
)

func main() {
	cfg := config.MustLoad()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Caller: cfg.LogCaller})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, store.OptionsFromConfig(cfg))
	if err != nil {
		fatal("open store", err)
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		fatal("connect redis", err)
	}

	thumbs, err := thumbnail.New(ctx, cfg)
	if err != nil {
		fatal("init thumbnail store", err)
	}
	importer := history.New(st, reconcile.New(st), history.Options{
		Thumbnails:     thumbs,
		HTTPTimeout:    cfg.MoonrakerHTTPTimeout,
		GcodeFetchRate: cfg.GcodeFetchRate,
	})

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := worker.NewProcessor(cfg, q, workerID)
	worker.NewImportHandlers(st, importer, cfg.HistoryImportLimit).Register(processor)

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddWorkerService(processor)
	tree.AddWorkerService(worker.NewScheduler(q, st, cfg.HistorySyncInterval, cfg.HistoryImportLimit))
	tree.AddAPIService(supervisor.NewHTTPServerService("metrics-http", metrics, 5*time.Second))

	logging.Info().Str("worker_id", workerID).Str("metrics_addr", cfg.MetricsAddr).Msg("worker starting")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		fatal("supervisor stopped", err)
	}
	logging.Info().Msg("worker stopped")
}

func fatal(msg string, err error) {
	logging.Error().Err(err).Msg(msg)
	os.Exit(1)
}
