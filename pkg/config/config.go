// Package config loads the hierarchical YAML configuration shared by the
// binaries. Secrets can be supplied through the environment; a .env file is
// honored when present.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/convomem/convomem/engine/domain"
	"github.com/convomem/convomem/engine/rag"
	"github.com/convomem/convomem/engine/semantic"
)

// Config is the root document.
type Config struct {
	VectorStores struct {
		Qdrant semantic.Config `yaml:"qdrant"`
	} `yaml:"vector_stores"`

	StateManager struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"state_manager"`

	Pipelines map[string]Pipeline `yaml:"pipelines"`

	Embedder struct {
		BaseURL   string `yaml:"base_url"`
		ModelName string `yaml:"model_name"`
	} `yaml:"embedder"`

	Generator Generator `yaml:"generator"`

	PromptBuilder PromptBuilder `yaml:"prompt_builder"`

	Orchestrator Orchestrator `yaml:"orchestrator"`

	Sources Sources `yaml:"sources"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	API struct {
		Addr       string `yaml:"addr"`
		CORSOrigin string `yaml:"cors_origin"`
	} `yaml:"api"`

	MetricsPort int `yaml:"metrics_port"`
}

// Pipeline configures one ingestion pipeline.
type Pipeline struct {
	BatchSize int `yaml:"batch_size"`
	Schedule  struct {
		IntervalMinutes int `yaml:"interval_minutes"`
	} `yaml:"schedule"`
}

// Generator configures the language-model provider.
type Generator struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	DefaultOptions struct {
		Temperature float64 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
		TopP        float64 `yaml:"top_p"`
	} `yaml:"default_options"`
}

// PromptBuilder configures templates and the user-reference phrase.
type PromptBuilder struct {
	Template         string `yaml:"template"`
	FallbackTemplate string `yaml:"fallback_template"`
	ErrorTemplate    string `yaml:"error_template"`
	UserReference    struct {
		Enabled  bool     `yaml:"enabled"`
		Terms    []string `yaml:"terms"`
		Template string   `yaml:"template"`
	} `yaml:"user_reference"`
}

// BuilderConfig translates the section into the prompt builder's form.
func (p PromptBuilder) BuilderConfig() rag.BuilderConfig {
	ref := "the user"
	if p.UserReference.Enabled && len(p.UserReference.Terms) > 0 {
		ref = strings.Join(p.UserReference.Terms, ", ")
		if p.UserReference.Template != "" {
			ref = strings.ReplaceAll(p.UserReference.Template, "{terms}", ref)
		}
	}
	return rag.BuilderConfig{
		Template:         p.Template,
		FallbackTemplate: p.FallbackTemplate,
		ErrorTemplate:    p.ErrorTemplate,
		UserReference:    ref,
	}
}

// Orchestrator configures the query path. Validation rules are keyed by
// user; the "default" entry applies to everyone else.
type Orchestrator struct {
	NumResults          int                      `yaml:"num_results"`
	SimilarityThreshold float32                  `yaml:"similarity_threshold"`
	ExpandQueries       bool                     `yaml:"expand_queries"`
	ShortCircuit        bool                     `yaml:"short_circuit_validation"`
	AllowedSources      []string                 `yaml:"allowed_sources"`
	SparseWaitSeconds   int                      `yaml:"sparse_wait_seconds"`
	ValidationRules     map[string][]domain.Rule `yaml:"validation_rules"`
}

// SparseWait converts the configured keyword-search wait into a duration.
func (o Orchestrator) SparseWait() time.Duration {
	return time.Duration(o.SparseWaitSeconds) * time.Second
}

// RulesFor selects the rule list for a user.
func (o Orchestrator) RulesFor(user string) []domain.Rule {
	if rules, ok := o.ValidationRules[user]; ok {
		return rules
	}
	return o.ValidationRules["default"]
}

// Sources configures the remote adapters and the file drop directory.
type Sources struct {
	Telegram struct {
		Enabled bool   `yaml:"enabled"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"telegram"`
	WhatsApp struct {
		Enabled bool   `yaml:"enabled"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"whatsapp"`
	GitHub struct {
		Enabled bool     `yaml:"enabled"`
		BaseURL string   `yaml:"base_url"`
		Token   string   `yaml:"token"`
		Repos   []string `yaml:"repos"`
	} `yaml:"github"`
	File struct {
		Enabled      bool   `yaml:"enabled"`
		Directory    string `yaml:"directory"`
		TickMinutes  int    `yaml:"tick_minutes"`
		FilesPerTick int    `yaml:"files_per_tick"`
	} `yaml:"file"`
}

// Load reads and validates the configuration file. Environment variables
// override the secrets so they can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.Sources.GitHub.Token = v
	}
	if v := os.Getenv("GENERATOR_API_KEY"); v != "" {
		c.Generator.APIKey = v
	}
	if v := os.Getenv("QDRANT_URL"); v != "" {
		c.VectorStores.Qdrant.Address = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}

func (c *Config) applyDefaults() {
	q := &c.VectorStores.Qdrant
	if q.Address == "" {
		q.Address = "localhost:6334"
	}
	if q.DefaultCollection == "" {
		q.DefaultCollection = "memories"
	}
	if q.PersistDir == "" {
		q.PersistDir = "./data"
	}
	if q.VectorDims == 0 {
		q.VectorDims = 768
	}
	if q.BM25K1 == 0 {
		q.BM25K1 = semantic.DefaultBM25K1
	}
	if q.BM25B == 0 {
		q.BM25B = semantic.DefaultBM25B
	}
	if q.TokenizerPattern == "" {
		q.TokenizerPattern = semantic.DefaultTokenizerPattern
	}

	if c.StateManager.DBPath == "" {
		c.StateManager.DBPath = "./data/state.db"
	}

	if c.Pipelines == nil {
		c.Pipelines = map[string]Pipeline{}
	}
	def := c.Pipelines["default"]
	if def.BatchSize == 0 {
		def.BatchSize = 100
	}
	c.Pipelines["default"] = def

	if c.Embedder.BaseURL == "" {
		c.Embedder.BaseURL = "http://localhost:11434"
	}
	if c.Embedder.ModelName == "" {
		c.Embedder.ModelName = "nomic-embed-text"
	}

	if c.Generator.Provider == "" {
		c.Generator.Provider = "ollama"
	}
	if c.Generator.BaseURL == "" {
		c.Generator.BaseURL = "http://localhost:11434"
	}
	if c.Generator.Model == "" {
		c.Generator.Model = "llama3"
	}

	if c.Orchestrator.NumResults == 0 {
		c.Orchestrator.NumResults = 5
	}
	if len(c.Orchestrator.AllowedSources) == 0 {
		c.Orchestrator.AllowedSources = []string{"api", "chat"}
	}
	if c.Orchestrator.SparseWaitSeconds == 0 {
		c.Orchestrator.SparseWaitSeconds = 60
	}
	if c.Orchestrator.ValidationRules == nil {
		c.Orchestrator.ValidationRules = map[string][]domain.Rule{}
	}

	if c.Sources.File.TickMinutes == 0 {
		c.Sources.File.TickMinutes = 5
	}
	if c.Sources.File.FilesPerTick == 0 {
		c.Sources.File.FilesPerTick = 10
	}

	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.API.CORSOrigin == "" {
		c.API.CORSOrigin = "*"
	}
}

func (c *Config) validate() error {
	if c.VectorStores.Qdrant.VectorDims < 0 {
		return fmt.Errorf("config: vector_stores.qdrant.vector_dims must be positive")
	}
	if c.Orchestrator.SimilarityThreshold < 0 || c.Orchestrator.SimilarityThreshold > 1 {
		return fmt.Errorf("config: orchestrator.similarity_threshold must be in [0,1]")
	}
	if c.Sources.GitHub.Enabled && len(c.Sources.GitHub.Repos) == 0 {
		return fmt.Errorf("config: sources.github.repos is required when github is enabled")
	}
	if c.Sources.File.Enabled && c.Sources.File.Directory == "" {
		return fmt.Errorf("config: sources.file.directory is required when file is enabled")
	}
	return nil
}
