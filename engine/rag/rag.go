// Package rag serves interactive queries: validate, retrieve with hybrid
// search, assemble a structured prompt, and call the language model.
package rag

import (
	"context"
	"log/slog"
	"time"

	"github.com/convomem/convomem/engine/domain"
	"github.com/convomem/convomem/engine/semantic"
)

// Generator is the opaque language-model capability.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// QueryRequest carries a user question plus the validation context.
type QueryRequest struct {
	Query      string `json:"query"`
	Source     string `json:"source"`
	User       string `json:"user"`
	Permission string `json:"permission"`
}

// QueryResponse is the orchestrator's answer.
type QueryResponse struct {
	Answer             string                  `json:"answer"`
	Documents          []semantic.SearchResult `json:"documents,omitempty"`
	Rejected           bool                    `json:"rejected,omitempty"`
	ValidationFailures []string                `json:"validation_failures,omitempty"`
	GenerationFailed   bool                    `json:"generation_failed,omitempty"`
}

// ServiceConfig tunes the orchestrator. Rules apply to every user unless a
// per-user entry in RulesByUser overrides them. AllowedSources feeds the
// source rule that runs ahead of every configured rule list.
type ServiceConfig struct {
	NumResults          int                      `yaml:"num_results"`
	SimilarityThreshold float32                  `yaml:"similarity_threshold"`
	ShortCircuit        bool                     `yaml:"short_circuit_validation"`
	AllowedSources      []string                 `yaml:"allowed_sources"`
	Rules               []domain.Rule            `yaml:"validation_rules"`
	RulesByUser         map[string][]domain.Rule `yaml:"validation_rules_by_user"`
}

// rulesFor returns the rule list for a user, always headed by the source
// rule when an allowed set is configured.
func (c ServiceConfig) rulesFor(user string) []domain.Rule {
	rules := c.Rules
	if perUser, ok := c.RulesByUser[user]; ok {
		rules = perUser
	}
	if len(c.AllowedSources) == 0 {
		return rules
	}
	out := make([]domain.Rule, 0, len(rules)+1)
	out = append(out, domain.SourceRule(c.AllowedSources))
	return append(out, rules...)
}

// Service is the query orchestrator.
type Service struct {
	retriever *Retriever
	builder   *Builder
	gen       Generator
	cfg       ServiceConfig
	log       *slog.Logger
}

// NewService wires the query path.
func NewService(retriever *Retriever, builder *Builder, gen Generator, cfg ServiceConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.NumResults <= 0 {
		cfg.NumResults = 5
	}
	return &Service{retriever: retriever, builder: builder, gen: gen, cfg: cfg, log: log}
}

// Query runs the full path: validation, retrieval, prompt assembly,
// generation. A failed validation rejects without touching the stores; a
// failed generation degrades to the error template instead of an error.
func (s *Service) Query(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	rctx := domain.RuleContext{
		Source:     req.Source,
		User:       req.User,
		Permission: req.Permission,
		Now:        time.Now(),
	}
	if ok, failures := domain.Evaluate(req.Query, rctx, s.cfg.rulesFor(req.User), s.cfg.ShortCircuit); !ok {
		s.log.Warn("query rejected", "user", req.User, "failures", failures)
		return QueryResponse{Rejected: true, ValidationFailures: failures}, nil
	}

	docs, err := s.retriever.Retrieve(ctx, req.Query, s.cfg.NumResults, s.cfg.SimilarityThreshold)
	if err != nil {
		return QueryResponse{}, err
	}

	prompt := s.builder.Build(req.Query, docs)
	answer, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		s.log.Error("generation failed", "error", err)
		return QueryResponse{
			Answer:           s.builder.ErrorFor(req.Query),
			Documents:        docs,
			GenerationFailed: true,
		}, nil
	}
	return QueryResponse{Answer: answer, Documents: docs}, nil
}
