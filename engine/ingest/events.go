package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/convomem/convomem/engine/domain"
	"github.com/convomem/convomem/pkg/natsutil"
)

// NATS subjects for ingestion telemetry.
const (
	SubjectRuns = "convomem.ingest.runs"
	SubjectDLQ  = "convomem.ingest.dlq"
)

// Events receives pipeline lifecycle notifications.
type Events interface {
	RunFinished(ctx context.Context, res RunResult)
	BatchFailed(ctx context.Context, ingestorID string, docs []domain.Document, cause error)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) RunFinished(context.Context, RunResult)                          {}
func (NopEvents) BatchFailed(context.Context, string, []domain.Document, error) {}

// dlqMessage carries a failed batch so it can be replayed later.
type dlqMessage struct {
	IngestorID string    `json:"ingestor_id"`
	DocIDs     []string  `json:"doc_ids"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
}

// NATSEvents publishes run summaries and dead-lettered batches over NATS.
type NATSEvents struct {
	nc  *nats.Conn
	log *slog.Logger
}

// NewNATSEvents wraps an established NATS connection.
func NewNATSEvents(nc *nats.Conn, log *slog.Logger) *NATSEvents {
	if log == nil {
		log = slog.Default()
	}
	return &NATSEvents{nc: nc, log: log}
}

func (e *NATSEvents) RunFinished(ctx context.Context, res RunResult) {
	if err := natsutil.Publish(ctx, e.nc, SubjectRuns, res); err != nil {
		e.log.Warn("run event publish failed", "ingestor_id", res.IngestorID, "error", err)
	}
}

func (e *NATSEvents) BatchFailed(ctx context.Context, ingestorID string, docs []domain.Document, cause error) {
	msg := dlqMessage{
		IngestorID: ingestorID,
		DocIDs:     make([]string, len(docs)),
		Error:      cause.Error(),
		FailedAt:   time.Now().UTC(),
	}
	for i, d := range docs {
		msg.DocIDs[i] = d.ID
	}
	if err := natsutil.Publish(ctx, e.nc, SubjectDLQ, msg); err != nil {
		e.log.Warn("dlq publish failed", "ingestor_id", ingestorID, "error", err)
	}
}
