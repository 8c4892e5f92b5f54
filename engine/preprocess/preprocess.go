// Package preprocess normalizes raw source-shaped records into uniform
// documents: stable ids, sorted conversations, previous/next message links,
// and typed metadata. Preprocessors are pure and deterministic; the links
// they assign are restricted to the in-flight batch, so missing references
// are expected (partial context).
package preprocess

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/convomem/convomem/engine/domain"
	"github.com/convomem/convomem/engine/source"
)

// ErrMalformed reports a structurally invalid input batch. Individual bad
// records are skipped with a warning instead.
var ErrMalformed = errors.New("preprocess: malformed input")

// Preprocessor converts a raw batch into uniform documents.
type Preprocessor interface {
	Source() string
	Preprocess(batch *source.RawBatch) ([]domain.Document, error)
}

// MediaSentinel is the text used for media-only messages with no caption.
const MediaSentinel = "[media]"

// finalize sorts drafts by (conversation, timestamp), composes stable ids,
// and assigns cumulative previous/next message-id links within the batch.
func finalize(src string, docs []domain.Document) []domain.Document {
	sort.SliceStable(docs, func(i, j int) bool {
		ci, cj := docs[i].ConversationID(), docs[j].ConversationID()
		if ci != cj {
			return ci < cj
		}
		return docs[i].TimestampSec() < docs[j].TimestampSec()
	})

	// Group indexes per conversation; docs are already in order.
	byConv := make(map[string][]int)
	for i, d := range docs {
		byConv[d.ConversationID()] = append(byConv[d.ConversationID()], i)
	}

	for _, idxs := range byConv {
		msgIDs := make([]string, len(idxs))
		for k, i := range idxs {
			msgIDs[k] = docs[i].MessageID()
		}
		for k, i := range idxs {
			docs[i].ID = domain.ComposeID(src, docs[i].ConversationID(), docs[i].MessageID())
			docs[i].Metadata[domain.MetaPreviousIDs] = domain.JoinIDList(msgIDs[:k])
			docs[i].Metadata[domain.MetaNextIDs] = domain.JoinIDList(msgIDs[k+1:])
		}
	}
	return docs
}

// isBotChat flags conversations whose counterpart username ends in "bot".
func isBotChat(username string) bool {
	return strings.HasSuffix(strings.ToLower(username), "bot")
}

func checkBatch(batch *source.RawBatch, want string) error {
	if batch == nil {
		return fmt.Errorf("%w: nil batch", ErrMalformed)
	}
	if batch.Source != want {
		return fmt.Errorf("%w: batch source %q, want %q", ErrMalformed, batch.Source, want)
	}
	return nil
}

func warnSkip(log *slog.Logger, src string, idx int, reason string) {
	log.Warn("preprocess: skipping record", "source", src, "index", idx, "reason", reason)
}
