package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeJSON(t *testing.T, dir, name string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "b.json", []any{})
	writeJSON(t, dir, "a.json", []any{})
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".hidden.json"), []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.json"), 0o755); err != nil {
		t.Fatal(err)
	}

	a := New(dir)
	files, err := a.ListFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %v", files)
	}
	if filepath.Base(files[0]) != "a.json" || filepath.Base(files[1]) != "b.json" {
		t.Fatalf("files not in name order: %v", files)
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, "export.json", []map[string]any{
		{"id": "1", "text": "hello", "timestamp": 1700000000},
		{"id": "2", "text": "world", "timestamp": 1700000100},
	})

	a := New(dir)
	batch, err := a.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if batch.Source != "file" || len(batch.Records) != 2 {
		t.Fatalf("unexpected batch %+v", batch)
	}
}

func TestReadFileRejectsNonArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`{"not":"an array"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir).ReadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFetchSinceFiltersByTimestamp(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "export.json", []map[string]any{
		{"id": "old", "timestamp": 1000},
		{"id": "new", "timestamp": 2000},
		{"id": "untimed"}, // no timestamp, always included
	})

	a := New(dir)
	batch, err := a.FetchSince(context.Background(), time.Unix(1000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Records) != 2 {
		t.Fatalf("expected new + untimed, got %d records", len(batch.Records))
	}
}

func TestFetchRange(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "export.json", []map[string]any{
		{"id": "a", "timestamp": 100},
		{"id": "b", "timestamp": 200},
		{"id": "c", "timestamp": 300},
	})

	a := New(dir)
	batch, err := a.FetchRange(context.Background(), time.Unix(100, 0), time.Unix(300, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Records) != 1 {
		t.Fatalf("expected only the middle record, got %d", len(batch.Records))
	}
	var rec struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(batch.Records[0], &rec); err != nil || rec.ID != "b" {
		t.Fatalf("expected record b, got %+v (%v)", rec, err)
	}
}

func TestHealthcheck(t *testing.T) {
	dir := t.TempDir()
	if err := New(dir).Healthcheck(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := New(filepath.Join(dir, "missing")).Healthcheck(context.Background()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
