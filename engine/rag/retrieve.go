package rag

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/convomem/convomem/engine/semantic"
)

// sourceToken matches an inline source filter like "from:telegram".
var sourceToken = regexp.MustCompile(`(?i)\b(?:from|source):(\w+)`)

// Searcher is the slice of the vector store retrieval needs.
type Searcher interface {
	Search(ctx context.Context, collection string, vector []float32, topK int, filters map[string]string) ([]semantic.SearchResult, error)
	KeywordSearchAsync(ctx context.Context, collection, query string, topK int, maxWait time.Duration) ([]semantic.SearchResult, error)
	FindCollectionName(source string) string
}

// Embedder turns a query into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultSparseWait bounds how long a keyword search waits for the BM25
// index to settle before giving up.
const DefaultSparseWait = 60 * time.Second

// Retriever runs hybrid dense+sparse retrieval with rank fusion.
type Retriever struct {
	search     Searcher
	embed      Embedder
	expander   *Expander
	sparseWait time.Duration
	log        *slog.Logger
}

// NewRetriever wires the retrieval core. A non-positive sparseWait falls
// back to DefaultSparseWait.
func NewRetriever(search Searcher, embed Embedder, expander *Expander, sparseWait time.Duration, log *slog.Logger) *Retriever {
	if log == nil {
		log = slog.Default()
	}
	if sparseWait <= 0 {
		sparseWait = DefaultSparseWait
	}
	return &Retriever{
		search:     search,
		embed:      embed,
		expander:   expander,
		sparseWait: sparseWait,
		log:        log,
	}
}

// ParseSourceToken splits an inline source filter out of the query,
// returning the cleaned query and the source key (empty when absent).
func ParseSourceToken(query string) (string, string) {
	m := sourceToken.FindStringSubmatch(query)
	if m == nil {
		return query, ""
	}
	cleaned := strings.Join(strings.Fields(sourceToken.ReplaceAllString(query, " ")), " ")
	return cleaned, strings.ToLower(m[1])
}

// Retrieve returns the top k fused hits for the query. Each query variant
// gets one dense and one keyword search against the routed collection; the
// lists are fused with RRF and dense hits below threshold are dropped.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, threshold float32) ([]semantic.SearchResult, error) {
	cleaned, src := ParseSourceToken(query)
	collection := r.search.FindCollectionName(src)
	if src != "" {
		r.log.Debug("query routed by source token", "source", src, "collection", collection)
	}

	variants := []string{cleaned}
	if r.expander != nil {
		variants = r.expander.Expand(ctx, cleaned)
	}

	limit := k
	if limit < 5 {
		limit = 5
	}

	var (
		mu    sync.Mutex
		lists [][]semantic.SearchResult
		dense []bool
	)
	add := func(hits []semantic.SearchResult, isDense bool) {
		mu.Lock()
		lists = append(lists, hits)
		dense = append(dense, isDense)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, variant := range variants {
		variant := variant
		g.Go(func() error {
			vec, err := r.embed.Embed(gctx, variant)
			if err != nil {
				r.log.Warn("dense search skipped", "error", err)
				return nil
			}
			hits, err := r.search.Search(gctx, collection, vec, limit, nil)
			if err != nil {
				// A failed dense search degrades the answer to whatever
				// the keyword index finds; it never fails the query.
				r.log.Warn("dense search skipped", "error", err)
				return nil
			}
			add(hits, true)
			return nil
		})
		g.Go(func() error {
			hits, err := r.search.KeywordSearchAsync(gctx, collection, variant, limit, r.sparseWait)
			if err != nil {
				// Sparse search is best-effort; a busy or absent index
				// must not sink the dense results.
				r.log.Warn("keyword search skipped", "error", err)
				return nil
			}
			add(hits, false)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]semantic.SearchResult, 0, k)
	for _, h := range fuse(lists, dense) {
		if h.hasDense && h.dense < threshold {
			continue
		}
		res := h.result
		res.Score = float32(h.rrf)
		out = append(out, res)
		if len(out) == k {
			break
		}
	}
	return out, nil
}
