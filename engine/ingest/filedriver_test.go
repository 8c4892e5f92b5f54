package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/convomem/convomem/engine/preprocess"
	"github.com/convomem/convomem/engine/source/file"
)

func writeExport(t *testing.T, dir, name string, records ...map[string]any) string {
	t.Helper()
	var raw []json.RawMessage
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		raw = append(raw, data)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal export: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write export: %v", err)
	}
	return path
}

func genericRecord(id string, ts int) map[string]any {
	return map[string]any{
		"source":          "slack",
		"conversation_id": "c1",
		"message_id":      id,
		"author":          "alice",
		"timestamp":       ts,
		"text":            "exported message",
	}
}

func TestFileDriver_SweepProcessesAndMarksFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeExport(t, dir, "a.json", genericRecord("m1", 100), genericRecord("m2", 200))
	writeExport(t, dir, "b.json", genericRecord("m3", 300))

	writer := &fakeWriter{}
	states := newFakeStates()
	p := newTestPipeline(&fakeEmbedder{}, writer, states)
	d := NewFileDriver("file_main", file.New(dir), preprocess.NewGeneric(nil), p, nil, 0, 0)

	d.sweep(ctx)
	if len(writer.docs) != 3 {
		t.Fatalf("stored %d docs, want 3", len(writer.docs))
	}

	rec, _ := states.Get(ctx, "file_main")
	processed, _ := rec.Metadata["processed_files"].([]any)
	if len(processed) != 2 {
		t.Fatalf("processed_files = %v", rec.Metadata["processed_files"])
	}

	// A second sweep must not reprocess.
	d.sweep(ctx)
	if len(writer.docs) != 3 {
		t.Errorf("reprocessed: %d docs", len(writer.docs))
	}
}

func TestFileDriver_AllOrNothingPerFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeExport(t, dir, "bad.json",
		genericRecord("m1", 100),
		map[string]any{
			"source": "slack", "conversation_id": "c1", "message_id": "m2",
			"timestamp": 200, "text": "poison",
		},
	)

	embedder := &fakeEmbedder{fail: func(text string) error {
		if text == "poison" {
			return errors.New("embed refused")
		}
		return nil
	}}
	writer := &fakeWriter{}
	states := newFakeStates()
	p := newTestPipeline(embedder, writer, states)
	p.batchSize = 1 // force the good record into its own batch
	d := NewFileDriver("file_main", file.New(dir), preprocess.NewGeneric(nil), p, nil, 0, 0)

	d.sweep(ctx)
	rec, _ := states.Get(ctx, "file_main")
	if _, marked := rec.Metadata["processed_files"]; marked {
		t.Error("partially failed file marked processed")
	}
}

func TestFileDriver_RespectsFilesPerTick(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, name := range []string{"a.json", "b.json", "c.json"} {
		writeExport(t, dir, name, genericRecord("m-"+name, 100))
	}

	writer := &fakeWriter{}
	states := newFakeStates()
	p := newTestPipeline(&fakeEmbedder{}, writer, states)
	d := NewFileDriver("file_main", file.New(dir), preprocess.NewGeneric(nil), p, nil, 0, 2)

	d.sweep(ctx)
	if len(writer.docs) != 2 {
		t.Errorf("first sweep stored %d docs, want 2", len(writer.docs))
	}
	d.sweep(ctx)
	if len(writer.docs) != 3 {
		t.Errorf("second sweep total %d docs, want 3", len(writer.docs))
	}
}
