// Package ingest pulls raw conversation batches from source adapters,
// normalizes them, embeds them, and writes them to the vector store, keeping
// a per-ingestor watermark so runs stay incremental.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/convomem/convomem/engine/domain"
	"github.com/convomem/convomem/engine/preprocess"
	"github.com/convomem/convomem/engine/source"
	"github.com/convomem/convomem/engine/state"
	"github.com/convomem/convomem/pkg/fn"
	"github.com/convomem/convomem/pkg/resilience"
)

const (
	defaultBatchSize    = 100
	defaultEmbedWorkers = 4
	defaultAuthWait     = 300 * time.Second

	maxFetchAttempts = 5
	backoffCap       = 300 * time.Second
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorWriter persists embedded documents.
type VectorWriter interface {
	StoreDocuments(ctx context.Context, docs []domain.Document) error
}

// StateStore is the slice of the state layer the pipeline needs.
type StateStore interface {
	Get(ctx context.Context, ingestorID string) (state.Record, error)
	Set(ctx context.Context, ingestorID string, lastTimestamp int64, metadata map[string]any) error
}

// RunResult summarizes one ingestion run.
type RunResult struct {
	IngestorID             string        `json:"ingestor_id"`
	Documents              int           `json:"documents"`
	Batches                int           `json:"batches"`
	FailedBatches          int           `json:"failed_batches"`
	LastTimestamp          int64         `json:"last_timestamp"`
	AuthenticationRequired bool          `json:"authentication_required,omitempty"`
	Duration               time.Duration `json:"duration_ns"`
	Errors                 []string      `json:"errors,omitempty"`
}

type ingestor struct {
	id      string
	adapter source.Adapter
	prep    preprocess.Preprocessor
}

// DeduplicateFunc drops documents that were already ingested. It runs
// after preprocessing and before batching.
type DeduplicateFunc func(docs []domain.Document) []domain.Document

// Options tune a Pipeline. Zero values fall back to defaults.
type Options struct {
	BatchSize    int
	EmbedWorkers int
	VectorDims   int
	AuthWait     time.Duration
	BackoffBase  time.Duration

	// Deduplicate defaults to an in-memory seen-id filter scoped to the
	// pipeline's lifetime.
	Deduplicate DeduplicateFunc
}

// Pipeline owns the registered ingestors and drives their runs.
type Pipeline struct {
	embedder Embedder
	writer   VectorWriter
	states   StateStore
	events   Events
	breaker  *resilience.Breaker
	log      *slog.Logger

	batchSize    int
	embedWorkers int
	vectorDims   int
	authWait     time.Duration

	backoffBase time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	dedupe      DeduplicateFunc

	mu         sync.Mutex
	ingestors  map[string]ingestor
	orderAdded []string
	seenIDs    map[string]struct{}
}

// New assembles a pipeline. events may be nil when no broker is configured.
func New(embedder Embedder, writer VectorWriter, states StateStore, events Events, log *slog.Logger, opts Options) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.EmbedWorkers <= 0 {
		opts.EmbedWorkers = defaultEmbedWorkers
	}
	if opts.AuthWait <= 0 {
		opts.AuthWait = defaultAuthWait
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if events == nil {
		events = NopEvents{}
	}
	p := &Pipeline{
		embedder:     embedder,
		writer:       writer,
		states:       states,
		events:       events,
		breaker:      resilience.NewBreaker(resilience.DefaultBreakerOpts),
		log:          log,
		batchSize:    opts.BatchSize,
		embedWorkers: opts.EmbedWorkers,
		vectorDims:   opts.VectorDims,
		authWait:     opts.AuthWait,
		backoffBase:  opts.BackoffBase,
		sleep:        sleepCtx,
		ingestors:    make(map[string]ingestor),
		seenIDs:      make(map[string]struct{}),
	}
	p.dedupe = opts.Deduplicate
	if p.dedupe == nil {
		p.dedupe = p.dedupeSeen
	}
	return p
}

// dedupeSeen filters out documents whose id was already stored by this
// pipeline instance. Documents without an id always pass. Ids are marked
// seen only after their batch is stored, so failed batches stay eligible
// for the next run.
func (p *Pipeline) dedupeSeen(docs []domain.Document) []domain.Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := docs[:0]
	for _, d := range docs {
		if d.ID != "" {
			if _, dup := p.seenIDs[d.ID]; dup {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

func (p *Pipeline) markSeen(docs []domain.Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range docs {
		if d.ID != "" {
			p.seenIDs[d.ID] = struct{}{}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Register adds an ingestor under a unique id and creates its state row on
// first sight, so a run that never completes still leaves a trace.
func (p *Pipeline) Register(ctx context.Context, id string, adapter source.Adapter, prep preprocess.Preprocessor) error {
	if id == "" {
		return errors.New("ingest: empty ingestor id")
	}
	p.mu.Lock()
	if _, dup := p.ingestors[id]; dup {
		p.mu.Unlock()
		return fmt.Errorf("ingest: ingestor %q already registered", id)
	}
	p.ingestors[id] = ingestor{id: id, adapter: adapter, prep: prep}
	p.orderAdded = append(p.orderAdded, id)
	p.mu.Unlock()

	rec, err := p.states.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		meta := map[string]any{"source": adapter.Source(), "registered_at": time.Now().UTC().Format(time.RFC3339)}
		if err := p.states.Set(ctx, id, 0, meta); err != nil {
			return err
		}
	}
	p.log.Info("ingestor registered", "ingestor_id", id, "source", adapter.Source())
	return nil
}

// IDs returns registered ingestor ids in registration order.
func (p *Pipeline) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.orderAdded))
	copy(out, p.orderAdded)
	return out
}

// RunIngestion executes one run for an ingestor. With full set the whole
// history is fetched; otherwise only records after the stored watermark.
func (p *Pipeline) RunIngestion(ctx context.Context, id string, full bool) (RunResult, error) {
	p.mu.Lock()
	ing, ok := p.ingestors[id]
	p.mu.Unlock()
	if !ok {
		return RunResult{}, fmt.Errorf("ingest: unknown ingestor %q", id)
	}

	started := time.Now()
	res := RunResult{IngestorID: id}

	rec, err := p.states.Get(ctx, id)
	if err != nil {
		return res, err
	}
	res.LastTimestamp = rec.LastTimestamp

	batch, err := p.fetch(ctx, ing, full, rec.LastTimestamp)
	if errors.Is(err, source.ErrAuthRequired) {
		res.AuthenticationRequired = true
		res.Duration = time.Since(started)
		p.log.Warn("ingestion blocked on authentication", "ingestor_id", id)
		p.events.RunFinished(ctx, res)
		return res, nil
	}
	if err != nil {
		res.Duration = time.Since(started)
		return res, err
	}

	docs, err := ing.prep.Preprocess(batch)
	if err != nil {
		res.Duration = time.Since(started)
		return res, fmt.Errorf("ingest: preprocess %s: %w", id, err)
	}

	before := len(docs)
	docs = p.dedupe(docs)
	if dropped := before - len(docs); dropped > 0 {
		p.log.Info("duplicate documents skipped", "ingestor_id", id, "dropped", dropped)
	}

	watermark := rec.LastTimestamp
	for _, chunk := range fn.Chunk(docs, p.batchSize) {
		res.Batches++
		if err := p.embedBatch(ctx, chunk); err != nil {
			res.FailedBatches++
			res.Errors = append(res.Errors, err.Error())
			p.log.Error("batch embedding failed", "ingestor_id", id, "error", err)
			p.events.BatchFailed(ctx, id, chunk, err)
			continue
		}
		if err := p.writer.StoreDocuments(ctx, chunk); err != nil {
			res.FailedBatches++
			res.Errors = append(res.Errors, err.Error())
			p.log.Error("batch store failed", "ingestor_id", id, "error", err)
			p.events.BatchFailed(ctx, id, chunk, err)
			continue
		}
		p.markSeen(chunk)
		res.Documents += len(chunk)
		for _, d := range chunk {
			if ts := d.TimestampSec(); ts > watermark {
				watermark = ts
			}
		}
	}

	res.LastTimestamp = watermark
	res.Duration = time.Since(started)

	// State advances only when the run actually stored something newer;
	// an empty or fully failed run leaves the record untouched.
	if res.Documents > 0 && watermark > rec.LastTimestamp {
		meta := rec.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		prev, _ := meta["total_documents_processed"].(float64)
		meta["total_documents_processed"] = prev + float64(res.Documents)
		meta["last_run"] = time.Now().UTC().Format(time.RFC3339)
		if res.FailedBatches > 0 {
			meta["last_error"] = res.Errors[len(res.Errors)-1]
		}
		if err := p.states.Set(ctx, id, watermark, meta); err != nil {
			return res, err
		}
	}

	p.log.Info("ingestion run finished",
		"ingestor_id", id,
		"documents", res.Documents,
		"batches", res.Batches,
		"failed_batches", res.FailedBatches,
		"watermark", watermark,
		"duration", res.Duration)
	p.events.RunFinished(ctx, res)
	return res, nil
}

// RunAll runs every registered ingestor sequentially, collecting results by
// ingestor id. Per-ingestor failures don't stop the sweep.
func (p *Pipeline) RunAll(ctx context.Context, full bool) map[string]RunResult {
	out := make(map[string]RunResult)
	ids := p.IDs()
	sort.Strings(ids)
	for _, id := range ids {
		res, err := p.RunIngestion(ctx, id, full)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			p.log.Error("ingestion run failed", "ingestor_id", id, "error", err)
		}
		out[id] = res
	}
	return out
}

// fetch pulls a raw batch, backing off on rate limits and waiting once on
// an authentication challenge. The backoff is the larger of the source's
// requested wait and base*2^attempt, capped at five minutes.
func (p *Pipeline) fetch(ctx context.Context, ing ingestor, full bool, since int64) (*source.RawBatch, error) {
	authWaited := false
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		var (
			batch *source.RawBatch
			err   error
		)
		if full || since == 0 {
			batch, err = ing.adapter.FetchFull(ctx)
		} else {
			batch, err = ing.adapter.FetchSince(ctx, time.Unix(since, 0).UTC())
		}
		if err == nil {
			return batch, nil
		}

		if errors.Is(err, source.ErrAuthRequired) {
			if authWaited {
				return nil, source.ErrAuthRequired
			}
			waiter, ok := ing.adapter.(source.AuthWaiter)
			if !ok {
				return nil, source.ErrAuthRequired
			}
			p.log.Warn("waiting for source authentication", "ingestor_id", ing.id, "timeout", p.authWait)
			if werr := waiter.WaitForAuth(ctx, p.authWait); werr != nil {
				return nil, source.ErrAuthRequired
			}
			authWaited = true
			continue
		}

		if rl, ok := source.IsRateLimited(err); ok {
			if attempt == maxFetchAttempts-1 {
				return nil, fmt.Errorf("ingest: fetch %s: rate limited after %d attempts: %w", ing.id, maxFetchAttempts, err)
			}
			wait := p.backoffBase << attempt
			if rl.Wait > wait {
				wait = rl.Wait
			}
			if wait > backoffCap {
				wait = backoffCap
			}
			p.log.Warn("source rate limited, backing off",
				"ingestor_id", ing.id, "attempt", attempt+1, "wait", wait)
			if serr := p.sleep(ctx, wait); serr != nil {
				return nil, serr
			}
			continue
		}

		return nil, fmt.Errorf("ingest: fetch %s: %w", ing.id, err)
	}
	return nil, fmt.Errorf("ingest: fetch %s: attempts exhausted", ing.id)
}

// embedBatch fills Vector on every document in place. Embeds run in
// parallel through the circuit breaker; a transient failure is retried once
// before the batch is abandoned. Empty text gets a zero vector so linking
// metadata survives even for content-free records.
func (p *Pipeline) embedBatch(ctx context.Context, docs []domain.Document) error {
	idx := make([]int, len(docs))
	for i := range docs {
		idx[i] = i
	}
	results := fn.ParMapResult(idx, p.embedWorkers, func(i int) fn.Result[int] {
		if docs[i].Text == "" {
			p.log.Warn("empty document text, storing zero vector", "doc_id", docs[i].ID)
			docs[i].Vector = make([]float32, p.vectorDims)
			return fn.Ok(i)
		}
		vec, err := p.embedOnce(ctx, docs[i].Text)
		if err != nil {
			return fn.Err[int](fmt.Errorf("embed %s: %w", docs[i].ID, err))
		}
		docs[i].Vector = vec
		return fn.Ok(i)
	})
	if _, err := fn.Collect(results).Unwrap(); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) embedOnce(ctx context.Context, text string) ([]float32, error) {
	res := fn.Retry(ctx, fn.RetryOpts{MaxAttempts: 2, InitialWait: 500 * time.Millisecond, MaxWait: 2 * time.Second},
		func(ctx context.Context) fn.Result[[]float32] {
			return resilience.CallResult(p.breaker, ctx, func(ctx context.Context) fn.Result[[]float32] {
				return fn.FromPair(p.embedder.Embed(ctx, text))
			})
		})
	return res.Unwrap()
}
