package rag

import (
	"context"
	"log/slog"
	"strings"
)

const expansionPrompt = `Rewrite the following question in 3 different ways that preserve its meaning. Output one rewrite per line, with no numbering and no extra commentary.

Question: `

// Expander produces query variants for hybrid retrieval. The original query
// always comes first; rephrasings are best-effort.
type Expander struct {
	gen      Generator
	enabled  bool
	maxExtra int
	log      *slog.Logger
}

// NewExpander builds an expander. Disabled or generator-less expanders just
// echo the query.
func NewExpander(gen Generator, enabled bool, log *slog.Logger) *Expander {
	if log == nil {
		log = slog.Default()
	}
	return &Expander{gen: gen, enabled: enabled, maxExtra: 3, log: log}
}

// Expand returns the original query plus up to three LM rephrasings.
// Any expansion failure degrades to the original query alone.
func (e *Expander) Expand(ctx context.Context, query string) []string {
	variants := []string{query}
	if !e.enabled || e.gen == nil {
		return variants
	}

	out, err := e.gen.Generate(ctx, expansionPrompt+query)
	if err != nil {
		e.log.Warn("query expansion failed, using original only", "error", err)
		return variants
	}

	seen := map[string]bool{strings.ToLower(strings.TrimSpace(query)): true}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789. "))
		if line == "" || seen[strings.ToLower(line)] {
			continue
		}
		seen[strings.ToLower(line)] = true
		variants = append(variants, line)
		if len(variants) > e.maxExtra {
			break
		}
	}
	return variants
}
