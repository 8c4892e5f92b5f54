// Package main implements the query API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/convomem/convomem/engine/rag"
	"github.com/convomem/convomem/engine/semantic"
	"github.com/convomem/convomem/pkg/config"
	"github.com/convomem/convomem/pkg/metrics"
	"github.com/convomem/convomem/pkg/mid"
	"github.com/convomem/convomem/pkg/ollama"
)

var errInterrupted = errors.New("interrupted")

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	flag.Parse()

	if err := run(*configPath, logger); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(130)
		}
		logger.Error("api exited with error", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := semantic.NewStore(cfg.VectorStores.Qdrant, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Bootstrap(ctx); err != nil {
		return err
	}

	client := ollama.New(cfg.Embedder.BaseURL)
	embedder := ollama.NewEmbedder(client, cfg.Embedder.ModelName)
	generator := newGenerator(cfg)

	expander := rag.NewExpander(generator, cfg.Orchestrator.ExpandQueries, logger)
	retriever := rag.NewRetriever(store, embedder, expander, cfg.Orchestrator.SparseWait(), logger)
	builder := rag.NewBuilder(cfg.PromptBuilder.BuilderConfig())
	svc := rag.NewService(retriever, builder, generator, rag.ServiceConfig{
		NumResults:          cfg.Orchestrator.NumResults,
		SimilarityThreshold: cfg.Orchestrator.SimilarityThreshold,
		ShortCircuit:        cfg.Orchestrator.ShortCircuit,
		AllowedSources:      cfg.Orchestrator.AllowedSources,
		Rules:               cfg.Orchestrator.RulesFor("default"),
		RulesByUser:         cfg.Orchestrator.ValidationRules,
	}, logger)

	reg := metrics.New()
	queries := reg.Counter("convomem_api_queries_total", "Queries served")
	rejected := reg.Counter("convomem_api_queries_rejected_total", "Queries rejected by validation")
	latency := reg.Histogram("convomem_api_query_seconds", "Query latency",
		[]float64{0.1, 0.5, 1, 2.5, 5, 10, 30})

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		h := store.Healthcheck(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !h.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})

	mux.HandleFunc("/api/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req rag.QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Source == "" {
			req.Source = "api"
		}

		start := time.Now()
		resp, err := svc.Query(r.Context(), req)
		latency.Since(start)
		if err != nil {
			logger.Error("query failed", "err", err)
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}
		queries.Inc()
		w.Header().Set("Content-Type", "application/json")
		if resp.Rejected {
			rejected.Inc()
			w.WriteHeader(http.StatusForbidden)
		}
		json.NewEncoder(w).Encode(resp)
	})

	handler := mid.Chain(mux,
		mid.Logger(logger),
		mid.Recover(logger),
		mid.CORS(cfg.API.CORSOrigin),
		mid.OTel("convomem-api"),
	)

	srv := &http.Server{Addr: cfg.API.Addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.API.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return errInterrupted
	}
}

func newGenerator(cfg *config.Config) rag.Generator {
	gen := ollama.NewGenerator(ollama.New(cfg.Generator.BaseURL), cfg.Generator.Model)
	return &boundGenerator{
		gen: gen,
		opts: ollama.GenOptions{
			Temperature: cfg.Generator.DefaultOptions.Temperature,
			NumPredict:  cfg.Generator.DefaultOptions.MaxTokens,
			TopP:        cfg.Generator.DefaultOptions.TopP,
		},
	}
}

// boundGenerator fixes the configured default options onto every call.
type boundGenerator struct {
	gen  *ollama.Generator
	opts ollama.GenOptions
}

func (b *boundGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	opts := b.opts
	return b.gen.Generate(ctx, prompt, &opts)
}
