// Package file reads raw conversation records from JSON files on disk.
// Each file holds a JSON array of generic records; the file-driven
// ingestion variant and offline backfills both use this adapter.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/convomem/convomem/engine/domain"
	"github.com/convomem/convomem/engine/source"
)

// Adapter reads every *.json file under a directory.
type Adapter struct {
	dir string
}

// New creates a file adapter rooted at dir.
func New(dir string) *Adapter {
	return &Adapter{dir: dir}
}

func (a *Adapter) Source() string { return domain.SourceFile }

// FetchFull reads all records from all files.
func (a *Adapter) FetchFull(ctx context.Context) (*source.RawBatch, error) {
	return a.fetch(ctx, time.Time{}, time.Time{})
}

// FetchSince reads records with a timestamp after since.
func (a *Adapter) FetchSince(ctx context.Context, since time.Time) (*source.RawBatch, error) {
	return a.fetch(ctx, since, time.Time{})
}

// FetchRange reads records with a timestamp within [from, to).
func (a *Adapter) FetchRange(ctx context.Context, from, to time.Time) (*source.RawBatch, error) {
	return a.fetch(ctx, from, to)
}

// Healthcheck verifies the directory exists and is readable.
func (a *Adapter) Healthcheck(_ context.Context) error {
	info, err := os.Stat(a.dir)
	if err != nil {
		return fmt.Errorf("file: healthcheck: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("file: healthcheck: %s is not a directory", a.dir)
	}
	return nil
}

// ListFiles returns the JSON files under the directory in name order.
// Hidden files are skipped.
func (a *Adapter) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("file: readdir %s: %w", a.dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, filepath.Join(a.dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// ReadFile parses one file into a raw batch.
func (a *Adapter) ReadFile(path string) (*source.RawBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("file: read %s: %w", path, err)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("file: parse %s: %w", path, err)
	}
	return &source.RawBatch{Source: domain.SourceFile, Records: records}, nil
}

func (a *Adapter) fetch(ctx context.Context, from, to time.Time) (*source.RawBatch, error) {
	paths, err := a.ListFiles()
	if err != nil {
		return nil, err
	}

	batch := &source.RawBatch{Source: domain.SourceFile}
	for _, p := range paths {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fb, err := a.ReadFile(p)
		if err != nil {
			return nil, err
		}
		for _, rec := range fb.Records {
			if !from.IsZero() || !to.IsZero() {
				ts, ok := recordTimestamp(rec)
				if ok {
					if !from.IsZero() && !ts.After(from) {
						continue
					}
					if !to.IsZero() && !ts.Before(to) {
						continue
					}
				}
			}
			batch.Records = append(batch.Records, rec)
		}
	}
	return batch, nil
}

func recordTimestamp(rec json.RawMessage) (time.Time, bool) {
	var probe struct {
		Timestamp any `json:"timestamp"`
	}
	if err := json.Unmarshal(rec, &probe); err != nil {
		return time.Time{}, false
	}
	sec, ok := domain.TimestampSeconds(probe.Timestamp)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}
