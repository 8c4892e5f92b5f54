package preprocess

import (
	"encoding/json"
	"log/slog"

	"github.com/convomem/convomem/engine/domain"
	"github.com/convomem/convomem/engine/source"
	"github.com/convomem/convomem/engine/source/whatsapp"
)

// WhatsApp normalizes HTTP-bridge messages. WhatsApp timestamps arrive as
// epoch milliseconds; the original value is preserved in metadata.timestamp
// and the normalized seconds in metadata.timestamp_sec.
type WhatsApp struct {
	log *slog.Logger
}

// NewWhatsApp creates a WhatsApp preprocessor.
func NewWhatsApp(log *slog.Logger) *WhatsApp {
	if log == nil {
		log = slog.Default()
	}
	return &WhatsApp{log: log}
}

func (p *WhatsApp) Source() string { return domain.SourceWhatsApp }

// Preprocess converts raw bridge records into linked documents.
func (p *WhatsApp) Preprocess(batch *source.RawBatch) ([]domain.Document, error) {
	if err := checkBatch(batch, domain.SourceWhatsApp); err != nil {
		return nil, err
	}

	docs := make([]domain.Document, 0, len(batch.Records))
	for i, rec := range batch.Records {
		var msg whatsapp.Message
		if err := json.Unmarshal(rec, &msg); err != nil {
			warnSkip(p.log, domain.SourceWhatsApp, i, "not a whatsapp message: "+err.Error())
			continue
		}
		if msg.ID == "" || msg.ChatID == "" {
			warnSkip(p.log, domain.SourceWhatsApp, i, "missing message or chat id")
			continue
		}

		text := msg.Body
		if text == "" {
			if msg.Caption != "" {
				text = msg.Caption
			} else {
				text = MediaSentinel
			}
		}

		meta := map[string]any{
			domain.MetaSource:         domain.SourceWhatsApp,
			domain.MetaConversationID: msg.ChatID,
			domain.MetaMessageID:      msg.ID,
			domain.MetaAuthor:         msg.Author,
			domain.MetaTimestamp:      msg.Timestamp,
			domain.MetaTimestampSec:   msg.Timestamp / 1000,
			domain.MetaIsBotChat:      isBotChat(msg.ChatID),
			domain.MetaIsGroup:        msg.IsGroupMsg,
		}
		if msg.ChatName != "" {
			meta["chat_name"] = msg.ChatName
		}
		if msg.Type != "" {
			meta["message_type"] = msg.Type
		}
		if msg.QuotedMsgID != "" {
			meta[domain.MetaReplyTo] = msg.QuotedMsgID
		}
		if msg.FromMe {
			meta["from_me"] = true
		}

		docs = append(docs, domain.Document{Text: text, Metadata: meta})
	}

	return finalize(domain.SourceWhatsApp, docs), nil
}
