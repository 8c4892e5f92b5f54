// Package main runs the ingestion service: pull from the configured
// sources, normalize, embed, and store, keeping per-source watermarks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/convomem/convomem/engine/ingest"
	"github.com/convomem/convomem/engine/preprocess"
	"github.com/convomem/convomem/engine/semantic"
	"github.com/convomem/convomem/engine/source/file"
	"github.com/convomem/convomem/engine/source/github"
	"github.com/convomem/convomem/engine/source/telegram"
	"github.com/convomem/convomem/engine/source/whatsapp"
	"github.com/convomem/convomem/engine/state"
	"github.com/convomem/convomem/pkg/config"
	"github.com/convomem/convomem/pkg/metrics"
	"github.com/convomem/convomem/pkg/ollama"
)

var errInterrupted = errors.New("interrupted")

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	full := flag.Bool("full", false, "ignore watermarks and re-ingest everything")
	daemon := flag.Bool("daemon", false, "keep running on the configured schedule")
	flag.Parse()

	if err := run(*configPath, *full, *daemon, logger); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(130)
		}
		logger.Error("ingest exited with error", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, full, daemon bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	reg := metrics.New()
	if cfg.MetricsPort > 0 {
		reg.ServeAsync(cfg.MetricsPort)
	}
	runsTotal := reg.Counter("convomem_ingest_runs_total", "Completed ingestion runs")
	docsTotal := reg.Counter("convomem_ingest_documents_total", "Documents stored")
	failedBatches := reg.Counter("convomem_ingest_failed_batches_total", "Batches that failed embedding or storage")
	runSeconds := reg.Histogram("convomem_ingest_run_seconds", "Ingestion run duration",
		[]float64{1, 5, 15, 60, 300, 900, 3600})

	states, err := state.Open(cfg.StateManager.DBPath, logger)
	if err != nil {
		return err
	}
	defer states.Close()

	store, err := semantic.NewStore(cfg.VectorStores.Qdrant, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Bootstrap(ctx); err != nil {
		return err
	}

	embedder := ollama.NewEmbedder(ollama.New(cfg.Embedder.BaseURL), cfg.Embedder.ModelName)

	var events ingest.Events
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("convomem-ingest"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()
		events = ingest.NewNATSEvents(nc, logger)
	}

	pipe := ingest.New(embedder, store, states, events, logger, ingest.Options{
		BatchSize:  cfg.Pipelines["default"].BatchSize,
		VectorDims: cfg.VectorStores.Qdrant.VectorDims,
	})

	if err := registerSources(ctx, pipe, cfg); err != nil {
		return err
	}

	var fileDriver *ingest.FileDriver
	if cfg.Sources.File.Enabled {
		fileDriver = ingest.NewFileDriver(
			"file_main",
			file.New(cfg.Sources.File.Directory),
			preprocess.NewGeneric(logger),
			pipe,
			logger,
			time.Duration(cfg.Sources.File.TickMinutes)*time.Minute,
			cfg.Sources.File.FilesPerTick,
		)
	}

	record := func(results map[string]ingest.RunResult) {
		for _, res := range results {
			runsTotal.Inc()
			docsTotal.Add(int64(res.Documents))
			failedBatches.Add(int64(res.FailedBatches))
			runSeconds.Observe(res.Duration.Seconds())
		}
	}

	if !daemon {
		record(pipe.RunAll(ctx, full))
		if fileDriver != nil {
			fileDriver.SweepOnce(ctx)
		}
		if ctx.Err() != nil {
			return errInterrupted
		}
		return nil
	}

	interval := time.Duration(cfg.Pipelines["default"].Schedule.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	sched := ingest.NewScheduler(pipe, interval, logger)
	sched.OnResults(record)

	if fileDriver != nil {
		go fileDriver.Start(ctx)
	}
	go sched.Start(ctx)

	logger.Info("ingest daemon running", "interval", interval, "ingestors", pipe.IDs())
	<-ctx.Done()
	sched.Stop()
	if fileDriver != nil {
		fileDriver.Stop()
	}
	return errInterrupted
}

func registerSources(ctx context.Context, pipe *ingest.Pipeline, cfg *config.Config) error {
	if cfg.Sources.Telegram.Enabled {
		a := telegram.New(cfg.Sources.Telegram.BaseURL)
		if err := pipe.Register(ctx, "telegram_main", a, preprocess.NewTelegram(nil)); err != nil {
			return err
		}
	}
	if cfg.Sources.WhatsApp.Enabled {
		a := whatsapp.New(cfg.Sources.WhatsApp.BaseURL)
		if err := pipe.Register(ctx, "whatsapp_main", a, preprocess.NewWhatsApp(nil)); err != nil {
			return err
		}
	}
	if cfg.Sources.GitHub.Enabled {
		for _, full := range cfg.Sources.GitHub.Repos {
			owner, repo, ok := strings.Cut(full, "/")
			if !ok {
				return fmt.Errorf("sources.github.repos entry %q is not owner/repo", full)
			}
			a := github.New(cfg.Sources.GitHub.BaseURL, owner, repo, cfg.Sources.GitHub.Token)
			id := fmt.Sprintf("github_%s_%s", owner, repo)
			if err := pipe.Register(ctx, id, a, preprocess.NewGitHub(nil)); err != nil {
				return err
			}
		}
	}
	return nil
}
