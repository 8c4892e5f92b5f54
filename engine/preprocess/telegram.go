package preprocess

import (
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/convomem/convomem/engine/domain"
	"github.com/convomem/convomem/engine/source"
	"github.com/convomem/convomem/engine/source/telegram"
)

// Telegram normalizes MTProto bridge messages. Telegram timestamps are
// already epoch seconds.
type Telegram struct {
	log *slog.Logger
}

// NewTelegram creates a Telegram preprocessor.
func NewTelegram(log *slog.Logger) *Telegram {
	if log == nil {
		log = slog.Default()
	}
	return &Telegram{log: log}
}

func (p *Telegram) Source() string { return domain.SourceTelegram }

// Preprocess converts raw bridge records into linked documents.
func (p *Telegram) Preprocess(batch *source.RawBatch) ([]domain.Document, error) {
	if err := checkBatch(batch, domain.SourceTelegram); err != nil {
		return nil, err
	}

	docs := make([]domain.Document, 0, len(batch.Records))
	for i, rec := range batch.Records {
		var msg telegram.Message
		if err := json.Unmarshal(rec, &msg); err != nil {
			warnSkip(p.log, domain.SourceTelegram, i, "not a telegram message: "+err.Error())
			continue
		}
		if msg.ID == 0 || msg.ChatID == 0 {
			warnSkip(p.log, domain.SourceTelegram, i, "missing message or chat id")
			continue
		}

		text := msg.Text
		if text == "" {
			if msg.Caption != "" {
				text = msg.Caption
			} else {
				text = MediaSentinel
			}
		}

		meta := map[string]any{
			domain.MetaSource:         domain.SourceTelegram,
			domain.MetaConversationID: strconv.FormatInt(msg.ChatID, 10),
			domain.MetaMessageID:      strconv.FormatInt(msg.ID, 10),
			domain.MetaAuthor:         msg.SenderUsername,
			domain.MetaTimestamp:      msg.Date,
			domain.MetaTimestampSec:   msg.Date,
			domain.MetaIsBotChat:      isBotChat(msg.ChatUsername),
			domain.MetaIsGroup:        msg.IsGroup,
		}
		if msg.ChatTitle != "" {
			meta["chat_title"] = msg.ChatTitle
		}
		if msg.MediaType != "" {
			meta["media_type"] = msg.MediaType
		}
		if msg.ReplyToID != 0 {
			meta[domain.MetaReplyTo] = strconv.FormatInt(msg.ReplyToID, 10)
		}

		docs = append(docs, domain.Document{Text: text, Metadata: meta})
	}

	return finalize(domain.SourceTelegram, docs), nil
}
