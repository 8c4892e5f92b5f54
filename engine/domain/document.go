// Package domain defines the document model shared by the ingestion and
// query paths: the uniform Document written to the vector store, the
// metadata key conventions, and validation rules for incoming queries.
package domain

import (
	"fmt"
	"strings"
)

// Metadata keys every preprocessor populates. Source-specific keys may be
// added freely alongside these.
const (
	MetaSource         = "source"
	MetaConversationID = "conversation_id"
	MetaMessageID      = "message_id"
	MetaAuthor         = "author"
	MetaTimestamp      = "timestamp"     // as delivered by the source
	MetaTimestampSec   = "timestamp_sec" // normalized to epoch seconds
	MetaPreviousIDs    = "previous_message_ids"
	MetaNextIDs        = "next_message_ids"
	MetaReplyTo        = "reply_to_id"
	MetaIsBotChat      = "is_bot_chat"
	MetaIsGroup        = "is_group"
)

// Known source names.
const (
	SourceTelegram = "telegram"
	SourceWhatsApp = "whatsapp"
	SourceGitHub   = "github"
	SourceFile     = "file"
)

// Document is the unit of storage in the vector store. Metadata values are
// strings, numbers, or bools; documents are value-typed across component
// boundaries.
type Document struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
	Vector   []float32      `json:"vector,omitempty"`
}

// ComposeID builds the stable per-message document id.
func ComposeID(source, conversationID, messageID string) string {
	return fmt.Sprintf("%s_%s_%s", source, conversationID, messageID)
}

// JoinIDList renders an id list as the comma-joined metadata form.
func JoinIDList(ids []string) string {
	return strings.Join(ids, ",")
}

// ParseIDList splits a comma-joined id list. The tokens "false" and "null"
// (any case) mean "absent" and are dropped, as are empty tokens.
func ParseIDList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		switch strings.ToLower(tok) {
		case "false", "null":
			continue
		}
		out = append(out, tok)
	}
	return out
}

// MetaString returns a metadata value rendered as a string, or "" if absent.
func (d Document) MetaString(key string) string {
	v, ok := d.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Source returns the document's source metadata.
func (d Document) Source() string { return d.MetaString(MetaSource) }

// ConversationID returns the document's conversation id metadata.
func (d Document) ConversationID() string { return d.MetaString(MetaConversationID) }

// MessageID returns the document's message id metadata.
func (d Document) MessageID() string { return d.MetaString(MetaMessageID) }

// TimestampSec returns the normalized epoch-second timestamp, falling back
// to parsing the raw timestamp field. Returns 0 if neither is usable.
func (d Document) TimestampSec() int64 {
	if v, ok := d.Metadata[MetaTimestampSec]; ok {
		if ts, ok := TimestampSeconds(v); ok {
			return ts
		}
	}
	if v, ok := d.Metadata[MetaTimestamp]; ok {
		if ts, ok := TimestampSeconds(v); ok {
			return ts
		}
	}
	return 0
}
