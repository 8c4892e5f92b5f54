package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/convomem/convomem/engine/preprocess"
	"github.com/convomem/convomem/engine/source/file"
	"github.com/convomem/convomem/pkg/fn"
)

const (
	defaultTick         = 5 * time.Minute
	defaultFilesPerTick = 10
)

// FileDriver watches a drop directory and feeds new JSON exports through
// the pipeline. Files are processed all-or-nothing: a file is marked done
// only after every document in it has been embedded and stored.
type FileDriver struct {
	id       string
	adapter  *file.Adapter
	prep     preprocess.Preprocessor
	pipeline *Pipeline
	log      *slog.Logger

	tick         time.Duration
	filesPerTick int
	stop         chan struct{}
	done         chan struct{}
}

// NewFileDriver creates a driver polling every five minutes, ten files per
// sweep unless overridden.
func NewFileDriver(id string, adapter *file.Adapter, prep preprocess.Preprocessor, p *Pipeline, log *slog.Logger, tick time.Duration, filesPerTick int) *FileDriver {
	if log == nil {
		log = slog.Default()
	}
	if tick <= 0 {
		tick = defaultTick
	}
	if filesPerTick <= 0 {
		filesPerTick = defaultFilesPerTick
	}
	return &FileDriver{
		id:           id,
		adapter:      adapter,
		prep:         prep,
		pipeline:     p,
		log:          log,
		tick:         tick,
		filesPerTick: filesPerTick,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start runs the polling loop until Stop or context cancellation. The first
// sweep happens immediately.
func (d *FileDriver) Start(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	d.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for the in-flight sweep.
func (d *FileDriver) Stop() {
	close(d.stop)
	<-d.done
}

// SweepOnce runs a single sweep outside the polling loop.
func (d *FileDriver) SweepOnce(ctx context.Context) {
	d.sweep(ctx)
}

// sweep processes up to filesPerTick unprocessed files.
func (d *FileDriver) sweep(ctx context.Context) {
	rec, err := d.pipeline.states.Get(ctx, d.id)
	if err != nil {
		d.log.Error("file driver state read failed", "ingestor_id", d.id, "error", err)
		return
	}
	processed := processedSet(rec.Metadata)

	files, err := d.adapter.ListFiles()
	if err != nil {
		d.log.Error("file driver listing failed", "ingestor_id", d.id, "error", err)
		return
	}

	var handled int
	for _, path := range files {
		if handled >= d.filesPerTick {
			break
		}
		if processed[path] {
			continue
		}
		if err := d.processFile(ctx, path); err != nil {
			d.log.Error("file ingestion failed, will retry next sweep",
				"ingestor_id", d.id, "file", path, "error", err)
			continue
		}
		processed[path] = true
		handled++
	}
	if handled == 0 {
		return
	}

	rec.Metadata["processed_files"] = fn.Map(sortedKeys(processed), func(s string) any { return s })
	rec.Metadata["last_run"] = time.Now().UTC().Format(time.RFC3339)
	if err := d.pipeline.states.Set(ctx, d.id, rec.LastTimestamp, rec.Metadata); err != nil {
		d.log.Error("file driver state write failed", "ingestor_id", d.id, "error", err)
	}
	d.log.Info("file sweep finished", "ingestor_id", d.id, "files", handled)
}

// processFile ingests one export file completely or not at all.
func (d *FileDriver) processFile(ctx context.Context, path string) error {
	batch, err := d.adapter.ReadFile(path)
	if err != nil {
		return err
	}
	docs, err := d.prep.Preprocess(batch)
	if err != nil {
		return err
	}
	for _, chunk := range fn.Chunk(docs, d.pipeline.batchSize) {
		if err := d.pipeline.embedBatch(ctx, chunk); err != nil {
			return fmt.Errorf("ingest: embed %s: %w", path, err)
		}
		if err := d.pipeline.writer.StoreDocuments(ctx, chunk); err != nil {
			return fmt.Errorf("ingest: store %s: %w", path, err)
		}
	}
	return nil
}

func processedSet(meta map[string]any) map[string]bool {
	out := make(map[string]bool)
	raw, _ := meta["processed_files"].([]any)
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out[s] = true
		}
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
