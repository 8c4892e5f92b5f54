package preprocess

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/convomem/convomem/engine/domain"
	"github.com/convomem/convomem/engine/source"
)

// GenericRecord is the shape the file adapter delivers: an already mostly
// uniform conversation record exported from some other system.
type GenericRecord struct {
	Source         string         `json:"source"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Author         string         `json:"author"`
	Timestamp      any            `json:"timestamp"`
	Text           string         `json:"text"`
	ReplyToID      string         `json:"reply_to_id"`
	Extra          map[string]any `json:"extra"`
}

// Generic normalizes file-exported conversation records.
type Generic struct {
	log *slog.Logger
}

// NewGeneric creates a preprocessor for file-driven ingestion.
func NewGeneric(log *slog.Logger) *Generic {
	if log == nil {
		log = slog.Default()
	}
	return &Generic{log: log}
}

func (p *Generic) Source() string { return domain.SourceFile }

// Preprocess converts generic records into linked documents. Records may
// carry their own source name; the stable id uses it when present.
func (p *Generic) Preprocess(batch *source.RawBatch) ([]domain.Document, error) {
	if err := checkBatch(batch, domain.SourceFile); err != nil {
		return nil, err
	}

	docs := make([]domain.Document, 0, len(batch.Records))
	for i, rec := range batch.Records {
		var r GenericRecord
		if err := json.Unmarshal(rec, &r); err != nil {
			warnSkip(p.log, domain.SourceFile, i, "not a generic record: "+err.Error())
			continue
		}
		if r.ConversationID == "" || r.MessageID == "" {
			warnSkip(p.log, domain.SourceFile, i, "missing conversation or message id")
			continue
		}

		tsSec, ok := domain.TimestampSeconds(r.Timestamp)
		if !ok {
			warnSkip(p.log, domain.SourceFile, i, "unparseable timestamp")
			continue
		}

		src := r.Source
		if src == "" {
			src = domain.SourceFile
		}

		text := r.Text
		if text == "" {
			text = MediaSentinel
		}

		meta := map[string]any{
			domain.MetaSource:         src,
			domain.MetaConversationID: r.ConversationID,
			domain.MetaMessageID:      r.MessageID,
			domain.MetaAuthor:         r.Author,
			domain.MetaTimestamp:      r.Timestamp,
			domain.MetaTimestampSec:   tsSec,
			domain.MetaIsBotChat:      isBotChat(r.Author),
		}
		if r.ReplyToID != "" {
			meta[domain.MetaReplyTo] = r.ReplyToID
		}
		for k, v := range r.Extra {
			if _, taken := meta[k]; !taken {
				meta[k] = v
			}
		}

		docs = append(docs, domain.Document{Text: text, Metadata: meta})
	}

	// Records may mix sources; finalize per source group, in source order
	// so the output stays deterministic.
	bySrc := make(map[string][]domain.Document)
	var srcs []string
	for _, d := range docs {
		if _, seen := bySrc[d.Source()]; !seen {
			srcs = append(srcs, d.Source())
		}
		bySrc[d.Source()] = append(bySrc[d.Source()], d)
	}
	sort.Strings(srcs)
	out := make([]domain.Document, 0, len(docs))
	for _, src := range srcs {
		out = append(out, finalize(src, bySrc[src])...)
	}
	return out, nil
}
