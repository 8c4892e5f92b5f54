// Package state persists per-ingestor watermarks in sqlite so ingestion can
// resume incrementally across restarts.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// IngestorState is one row of the ingestor_state table.
type IngestorState struct {
	IngestorID    string `gorm:"primaryKey;column:ingestor_id"`
	LastTimestamp int64  `gorm:"column:last_timestamp"`
	MetadataJSON  string `gorm:"column:metadata_json"`
	UpdatedAt     time.Time
}

func (IngestorState) TableName() string { return "ingestor_state" }

// Record is the store's external view: the watermark plus decoded metadata.
type Record struct {
	IngestorID    string
	LastTimestamp int64
	Metadata      map[string]any
	UpdatedAt     time.Time
}

// Store wraps the sqlite database holding ingestor state.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open opens (and migrates) the state database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&IngestorState{}); err != nil {
		return nil, fmt.Errorf("state: migrate: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying sqlite handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get returns the record for an ingestor. An unknown ingestor yields a zero
// record, not an error. Corrupt metadata is logged and replaced with an
// empty map so a bad row can't wedge ingestion.
func (s *Store) Get(ctx context.Context, ingestorID string) (Record, error) {
	var row IngestorState
	err := s.db.WithContext(ctx).First(&row, "ingestor_id = ?", ingestorID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{IngestorID: ingestorID, Metadata: map[string]any{}}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("state: get %s: %w", ingestorID, err)
	}
	return s.toRecord(row), nil
}

func (s *Store) toRecord(row IngestorState) Record {
	rec := Record{
		IngestorID:    row.IngestorID,
		LastTimestamp: row.LastTimestamp,
		Metadata:      map[string]any{},
		UpdatedAt:     row.UpdatedAt,
	}
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &rec.Metadata); err != nil {
			s.log.Warn("unreadable ingestor metadata, resetting",
				"ingestor_id", row.IngestorID, "error", err)
			rec.Metadata = map[string]any{}
		}
	}
	return rec
}

// Set upserts an ingestor's watermark and metadata in one statement.
func (s *Store) Set(ctx context.Context, ingestorID string, lastTimestamp int64, metadata map[string]any) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("state: marshal metadata for %s: %w", ingestorID, err)
	}
	row := IngestorState{
		IngestorID:    ingestorID,
		LastTimestamp: lastTimestamp,
		MetadataJSON:  string(data),
		UpdatedAt:     time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ingestor_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_timestamp", "metadata_json", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("state: set %s: %w", ingestorID, err)
	}
	return nil
}

// UpdateMetadata merges keys into an ingestor's metadata inside one
// transaction, leaving the watermark untouched.
func (s *Store) UpdateMetadata(ctx context.Context, ingestorID string, patch map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row IngestorState
		err := tx.First(&row, "ingestor_id = ?", ingestorID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = IngestorState{IngestorID: ingestorID}
		} else if err != nil {
			return fmt.Errorf("state: load %s: %w", ingestorID, err)
		}

		meta := s.toRecord(row).Metadata
		for k, v := range patch {
			meta[k] = v
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("state: marshal metadata for %s: %w", ingestorID, err)
		}
		row.MetadataJSON = string(data)
		row.UpdatedAt = time.Now().UTC()
		return tx.Save(&row).Error
	})
}

// List returns every ingestor record, ordered by id.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var rows []IngestorState
	if err := s.db.WithContext(ctx).Order("ingestor_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("state: list: %w", err)
	}
	out := make([]Record, len(rows))
	for i, row := range rows {
		out[i] = s.toRecord(row)
	}
	return out, nil
}

// Delete removes an ingestor's row. Deleting an unknown ingestor is a no-op.
func (s *Store) Delete(ctx context.Context, ingestorID string) error {
	err := s.db.WithContext(ctx).
		Delete(&IngestorState{}, "ingestor_id = ?", ingestorID).Error
	if err != nil {
		return fmt.Errorf("state: delete %s: %w", ingestorID, err)
	}
	return nil
}
