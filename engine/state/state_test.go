package state

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGet_UnknownIngestor(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Get(context.Background(), "telegram_main")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.LastTimestamp != 0 {
		t.Errorf("last_timestamp = %d, want 0", rec.LastTimestamp)
	}
	if rec.Metadata == nil || len(rec.Metadata) != 0 {
		t.Errorf("metadata = %v, want empty map", rec.Metadata)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	meta := map[string]any{"total_documents_processed": float64(120), "last_error": ""}
	if err := s.Set(ctx, "whatsapp_main", 1700000000, meta); err != nil {
		t.Fatalf("set: %v", err)
	}

	rec, err := s.Get(ctx, "whatsapp_main")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.LastTimestamp != 1700000000 {
		t.Errorf("last_timestamp = %d", rec.LastTimestamp)
	}
	if rec.Metadata["total_documents_processed"] != float64(120) {
		t.Errorf("metadata = %v", rec.Metadata)
	}

	// Upsert replaces the row, not duplicates it.
	if err := s.Set(ctx, "whatsapp_main", 1700000500, nil); err != nil {
		t.Fatalf("set again: %v", err)
	}
	rec, _ = s.Get(ctx, "whatsapp_main")
	if rec.LastTimestamp != 1700000500 {
		t.Errorf("last_timestamp after upsert = %d", rec.LastTimestamp)
	}
	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("rows = %d, want 1", len(all))
	}
}

func TestUpdateMetadata_MergesWithoutTouchingWatermark(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "github_main", 42, map[string]any{"a": "keep"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.UpdateMetadata(ctx, "github_main", map[string]any{"b": "new"}); err != nil {
		t.Fatalf("update metadata: %v", err)
	}

	rec, _ := s.Get(ctx, "github_main")
	if rec.LastTimestamp != 42 {
		t.Errorf("watermark moved: %d", rec.LastTimestamp)
	}
	if rec.Metadata["a"] != "keep" || rec.Metadata["b"] != "new" {
		t.Errorf("metadata = %v", rec.Metadata)
	}
}

func TestGet_CorruptMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, "file_main", 7, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.db.Exec(
		"UPDATE ingestor_state SET metadata_json = ? WHERE ingestor_id = ?",
		"{not json", "file_main",
	).Error; err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	rec, err := s.Get(ctx, "file_main")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.LastTimestamp != 7 {
		t.Errorf("last_timestamp = %d", rec.LastTimestamp)
	}
	if len(rec.Metadata) != 0 {
		t.Errorf("metadata = %v, want empty", rec.Metadata)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, "gone", 1, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "never-there"); err != nil {
		t.Errorf("delete unknown: %v", err)
	}
	all, _ := s.List(ctx)
	if len(all) != 0 {
		t.Errorf("rows = %d, want 0", len(all))
	}
}
