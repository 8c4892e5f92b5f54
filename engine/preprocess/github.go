package preprocess

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/convomem/convomem/engine/domain"
	"github.com/convomem/convomem/engine/source"
	"github.com/convomem/convomem/engine/source/github"
)

// GitHub normalizes repository-reader records. Issues map to conversations;
// the issue body is message id "0" and comments use their comment id.
type GitHub struct {
	log *slog.Logger
}

// NewGitHub creates a GitHub preprocessor.
func NewGitHub(log *slog.Logger) *GitHub {
	if log == nil {
		log = slog.Default()
	}
	return &GitHub{log: log}
}

func (p *GitHub) Source() string { return domain.SourceGitHub }

// Preprocess converts raw reader records into linked documents.
func (p *GitHub) Preprocess(batch *source.RawBatch) ([]domain.Document, error) {
	if err := checkBatch(batch, domain.SourceGitHub); err != nil {
		return nil, err
	}

	docs := make([]domain.Document, 0, len(batch.Records))
	for i, rec := range batch.Records {
		var r github.Record
		if err := json.Unmarshal(rec, &r); err != nil {
			warnSkip(p.log, domain.SourceGitHub, i, "not a github record: "+err.Error())
			continue
		}
		if r.Repo == "" || r.IssueNumber == 0 {
			warnSkip(p.log, domain.SourceGitHub, i, "missing repo or issue number")
			continue
		}

		tsSec, ok := domain.TimestampSeconds(r.CreatedAt)
		if !ok {
			warnSkip(p.log, domain.SourceGitHub, i, "unparseable created_at "+r.CreatedAt)
			continue
		}

		text := r.Body
		if r.CommentID == 0 && r.IssueTitle != "" {
			// Issue bodies carry the title for searchability.
			text = strings.TrimSpace(r.IssueTitle + "\n\n" + r.Body)
		}
		if text == "" {
			text = MediaSentinel
		}

		convID := fmt.Sprintf("%s#%d", r.Repo, r.IssueNumber)
		meta := map[string]any{
			domain.MetaSource:         domain.SourceGitHub,
			domain.MetaConversationID: convID,
			domain.MetaMessageID:      strconv.FormatInt(r.CommentID, 10),
			domain.MetaAuthor:         r.Author,
			domain.MetaTimestamp:      r.CreatedAt,
			domain.MetaTimestampSec:   tsSec,
			domain.MetaIsBotChat:      isBotChat(r.Author),
			domain.MetaIsGroup:        true,
			"repo":                    r.Repo,
			"issue_number":            r.IssueNumber,
		}
		if r.IssueTitle != "" {
			meta["issue_title"] = r.IssueTitle
		}

		docs = append(docs, domain.Document{Text: text, Metadata: meta})
	}

	return finalize(domain.SourceGitHub, docs), nil
}
