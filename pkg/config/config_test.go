package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
vector_stores:
  qdrant:
    address: qdrant:6334
    persist_directory: /var/lib/convomem
    collection_name: memories
    vector_dims: 384
    enable_bm25: true
    collections:
      telegram: telegram_messages
state_manager:
  db_path: /var/lib/convomem/state.db
pipelines:
  default:
    batch_size: 50
    schedule:
      interval_minutes: 15
embedder:
  model_name: nomic-embed-text
generator:
  provider: ollama
  model: llama3
  default_options:
    temperature: 0.2
    max_tokens: 512
prompt_builder:
  user_reference:
    enabled: true
    terms: ["Sam", "sam_k"]
orchestrator:
  num_results: 3
  similarity_threshold: 0.4
  expand_queries: true
  allowed_sources: [api, chat, telegram]
  sparse_wait_seconds: 10
  validation_rules:
    default:
      - type: source
        allowed_sources: [api, chat]
sources:
  github:
    enabled: true
    repos: [acme/widget]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	q := cfg.VectorStores.Qdrant
	if q.Address != "qdrant:6334" || q.VectorDims != 384 || !q.EnableBM25 {
		t.Errorf("qdrant = %+v", q)
	}
	if q.Routes["telegram"] != "telegram_messages" {
		t.Errorf("routes = %v", q.Routes)
	}
	if q.BM25K1 != 1.5 || q.BM25B != 0.75 {
		t.Errorf("bm25 defaults not applied: k1=%v b=%v", q.BM25K1, q.BM25B)
	}

	if cfg.Pipelines["default"].BatchSize != 50 {
		t.Errorf("batch_size = %d", cfg.Pipelines["default"].BatchSize)
	}
	if cfg.Pipelines["default"].Schedule.IntervalMinutes != 15 {
		t.Errorf("interval = %d", cfg.Pipelines["default"].Schedule.IntervalMinutes)
	}

	if cfg.Orchestrator.NumResults != 3 || cfg.Orchestrator.SimilarityThreshold != 0.4 {
		t.Errorf("orchestrator = %+v", cfg.Orchestrator)
	}
	rules := cfg.Orchestrator.RulesFor("anyone")
	if len(rules) != 1 || rules[0].Type != "source" {
		t.Errorf("rules = %+v", rules)
	}
	if len(cfg.Orchestrator.AllowedSources) != 3 {
		t.Errorf("allowed_sources = %v", cfg.Orchestrator.AllowedSources)
	}
	if cfg.Orchestrator.SparseWait() != 10*time.Second {
		t.Errorf("sparse wait = %v", cfg.Orchestrator.SparseWait())
	}

	bc := cfg.PromptBuilder.BuilderConfig()
	if bc.UserReference != "Sam, sam_k" {
		t.Errorf("user reference = %q", bc.UserReference)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.VectorStores.Qdrant.DefaultCollection != "memories" {
		t.Errorf("collection = %q", cfg.VectorStores.Qdrant.DefaultCollection)
	}
	if cfg.Pipelines["default"].BatchSize != 100 {
		t.Errorf("batch_size = %d", cfg.Pipelines["default"].BatchSize)
	}
	if cfg.Orchestrator.NumResults != 5 {
		t.Errorf("num_results = %d", cfg.Orchestrator.NumResults)
	}
	if cfg.Orchestrator.SparseWaitSeconds != 60 {
		t.Errorf("sparse_wait_seconds = %d", cfg.Orchestrator.SparseWaitSeconds)
	}
	if len(cfg.Orchestrator.AllowedSources) == 0 {
		t.Error("allowed_sources default missing")
	}
	if cfg.Sources.File.TickMinutes != 5 || cfg.Sources.File.FilesPerTick != 10 {
		t.Errorf("file defaults = %+v", cfg.Sources.File)
	}
	bc := cfg.PromptBuilder.BuilderConfig()
	if bc.UserReference != "the user" {
		t.Errorf("user reference = %q", bc.UserReference)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad threshold": "orchestrator:\n  similarity_threshold: 2.0\n",
		"github no repos": "sources:\n  github:\n    enabled: true\n",
		"file no dir":     "sources:\n  file:\n    enabled: true\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "tok-from-env")
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sources.GitHub.Token != "tok-from-env" {
		t.Errorf("token = %q", cfg.Sources.GitHub.Token)
	}
}
