// Package main is an interactive terminal chat over the memory store:
// each question is validated, answered from retrieved conversation history,
// and printed with its sources.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/convomem/convomem/engine/rag"
	"github.com/convomem/convomem/engine/semantic"
	"github.com/convomem/convomem/pkg/config"
	"github.com/convomem/convomem/pkg/ollama"
)

var errInterrupted = errors.New("interrupted")

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	user := flag.String("user", "", "user name for validation rules")
	permission := flag.String("permission", "user", "permission level: guest, user, admin")
	flag.Parse()

	if err := run(*configPath, *user, *permission, logger); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(130)
		}
		logger.Error("chat exited with error", "err", err)
		os.Exit(1)
	}
}

func run(configPath, user, permission string, logger *slog.Logger) error {
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

	embedder := ollama.NewEmbedder(ollama.New(cfg.Embedder.BaseURL), cfg.Embedder.ModelName)
	generator := &boundGenerator{
		gen: ollama.NewGenerator(ollama.New(cfg.Generator.BaseURL), cfg.Generator.Model),
		opts: ollama.GenOptions{
			Temperature: cfg.Generator.DefaultOptions.Temperature,
			NumPredict:  cfg.Generator.DefaultOptions.MaxTokens,
			TopP:        cfg.Generator.DefaultOptions.TopP,
		},
	}

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

	fmt.Println("convomem chat. Ask about your conversation history; /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			if ctx.Err() != nil {
				return errInterrupted
			}
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		resp, err := svc.Query(ctx, rag.QueryRequest{
			Query:      line,
			Source:     "chat",
			User:       user,
			Permission: permission,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if resp.Rejected {
			fmt.Printf("query not allowed: %s\n", strings.Join(resp.ValidationFailures, "; "))
			continue
		}

		fmt.Println(resp.Answer)
		if len(resp.Documents) > 0 {
			fmt.Println("\nsources:")
			for _, d := range resp.Documents {
				fmt.Printf("  - %s (score %.4f)\n", d.ID, d.Score)
			}
		}
		fmt.Println()
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
