package rag

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/convomem/convomem/engine/domain"
	"github.com/convomem/convomem/engine/semantic"
)

// conversationGap is the largest silence between two linked messages before
// the builder assumes context is missing.
const conversationGap = 5 * time.Minute

const (
	gapBanner          = "*Some messages between these timestamps are not included*"
	earlierBanner      = "*This conversation has earlier messages that are not shown*"
	laterBanner        = "*This conversation has later messages that are not shown*"
	unknownPlaceholder = "unknown"
)

// DefaultTemplate frames the retrieved context for the language model.
const DefaultTemplate = `# Instructions

## Understanding the context
The context below contains messages retrieved from the user's past conversations across several platforms. Each message belongs to a conversation and may reference earlier or later messages.

## Reading the conversation records
Messages are grouped by source, then by conversation, and ordered by time. Missing stretches of a conversation are marked explicitly; do not assume continuity across such marks.

## Direction
Terms that refer to the user: {user_reference}. Answer the question using only the context. If the context does not contain the answer, say so plainly.

## Context
{context}

# Question
{question}`

// DefaultFallbackTemplate is used when retrieval finds nothing.
const DefaultFallbackTemplate = `No relevant conversation history was found.

Answer the following question from general knowledge, and say explicitly that no personal context was available.

# Question
{question}`

// DefaultErrorTemplate is used when the question itself is unusable.
const DefaultErrorTemplate = `The question could not be processed: {question}`

// BuilderConfig holds the prompt templates and the user reference phrase
// interpolated into the instructions.
type BuilderConfig struct {
	Template         string `yaml:"template"`
	FallbackTemplate string `yaml:"fallback_template"`
	ErrorTemplate    string `yaml:"error_template"`
	UserReference    string `yaml:"user_reference"`
}

// Builder renders retrieved documents into a structured Markdown prompt.
// It is pure: no I/O, same input gives same output.
type Builder struct {
	cfg BuilderConfig
}

// NewBuilder applies template defaults.
func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.Template == "" {
		cfg.Template = DefaultTemplate
	}
	if cfg.FallbackTemplate == "" {
		cfg.FallbackTemplate = DefaultFallbackTemplate
	}
	if cfg.ErrorTemplate == "" {
		cfg.ErrorTemplate = DefaultErrorTemplate
	}
	if cfg.UserReference == "" {
		cfg.UserReference = "the user"
	}
	return &Builder{cfg: cfg}
}

// Build assembles the full prompt. Empty questions get the error template,
// empty document sets the fallback template.
func (b *Builder) Build(question string, docs []semantic.SearchResult) string {
	question = strings.TrimSpace(question)
	if question == "" {
		return strings.ReplaceAll(b.cfg.ErrorTemplate, "{question}", "(empty question)")
	}
	if len(docs) == 0 {
		return strings.ReplaceAll(b.cfg.FallbackTemplate, "{question}", question)
	}

	out := b.cfg.Template
	out = strings.ReplaceAll(out, "{user_reference}", b.cfg.UserReference)
	out = strings.ReplaceAll(out, "{context}", b.renderContext(docs))
	out = strings.ReplaceAll(out, "{question}", question)
	return out
}

// ErrorFor renders the error template for a question that could not be
// answered.
func (b *Builder) ErrorFor(question string) string {
	return strings.ReplaceAll(b.cfg.ErrorTemplate, "{question}", question)
}

// renderContext emits the Source -> Conversation -> Message hierarchy.
func (b *Builder) renderContext(docs []semantic.SearchResult) string {
	bySource := make(map[string]map[string][]semantic.SearchResult)
	for _, d := range docs {
		src := metaStr(d.Metadata, domain.MetaSource)
		if src == "" {
			src = unknownPlaceholder
		}
		conv := metaStr(d.Metadata, domain.MetaConversationID)
		if conv == "" {
			conv = unknownPlaceholder
		}
		if bySource[src] == nil {
			bySource[src] = make(map[string][]semantic.SearchResult)
		}
		bySource[src][conv] = append(bySource[src][conv], d)
	}

	var sb strings.Builder
	for _, src := range sortedMapKeys(bySource) {
		fmt.Fprintf(&sb, "### Source: %s\n\n", src)
		convs := bySource[src]
		for _, conv := range sortedMapKeys(convs) {
			fmt.Fprintf(&sb, "#### Conversation: %s\n\n", conv)
			b.renderConversation(&sb, convs[conv])
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Builder) renderConversation(sb *strings.Builder, msgs []semantic.SearchResult) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return docTimestamp(msgs[i]) < docTimestamp(msgs[j])
	})

	present := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if id := metaStr(m.Metadata, domain.MetaMessageID); id != "" {
			present[id] = true
		}
	}

	if prev := immediateLink(msgs[0], domain.MetaPreviousIDs, false); prev != "" && !present[prev] {
		sb.WriteString(earlierBanner + "\n\n")
	}

	for i, m := range msgs {
		if i > 0 && hasGap(msgs[i-1], m, present) {
			sb.WriteString(gapBanner + "\n\n")
		}
		b.renderMessage(sb, m)
	}

	last := msgs[len(msgs)-1]
	if next := immediateLink(last, domain.MetaNextIDs, true); next != "" && !present[next] {
		sb.WriteString(laterBanner + "\n\n")
	}
}

func (b *Builder) renderMessage(sb *strings.Builder, m semantic.SearchResult) {
	fmt.Fprintf(sb, "- Source: %s\n", orUnknown(metaStr(m.Metadata, domain.MetaSource)))
	fmt.Fprintf(sb, "- Author: %s\n", orUnknown(metaStr(m.Metadata, domain.MetaAuthor)))
	fmt.Fprintf(sb, "- Timestamp: %s\n", renderTimestamp(m))
	fmt.Fprintf(sb, "- Previous Message ID: %s\n", orNone(metaStr(m.Metadata, domain.MetaPreviousIDs)))
	fmt.Fprintf(sb, "- Next Message ID: %s\n", orNone(metaStr(m.Metadata, domain.MetaNextIDs)))
	fmt.Fprintf(sb, "- Content: %s\n\n", strings.TrimSpace(m.Text))
}

// hasGap reports whether the conversation is discontinuous between a and
// b: a broken forward link, a broken backward link, or silence longer than
// five minutes.
func hasGap(a, b semantic.SearchResult, present map[string]bool) bool {
	bID := metaStr(b.Metadata, domain.MetaMessageID)
	if next := immediateLink(a, domain.MetaNextIDs, true); next != "" && next != bID && !present[next] {
		return true
	}
	aID := metaStr(a.Metadata, domain.MetaMessageID)
	if prev := immediateLink(b, domain.MetaPreviousIDs, false); prev != "" && prev != aID && !present[prev] {
		return true
	}
	ta, okA := timestampOf(a)
	tb, okB := timestampOf(b)
	return okA && okB && tb-ta > int64(conversationGap/time.Second)
}

// immediateLink picks the adjacent id from a cumulative link list: the
// first entry of a next-list, the last entry of a previous-list.
func immediateLink(m semantic.SearchResult, key string, first bool) string {
	ids := domain.ParseIDList(metaStr(m.Metadata, key))
	if len(ids) == 0 {
		return ""
	}
	if first {
		return ids[0]
	}
	return ids[len(ids)-1]
}

// timestampOf normalizes whatever timestamp metadata carries into epoch
// seconds, preferring the pre-normalized field.
func timestampOf(m semantic.SearchResult) (int64, bool) {
	if v, ok := m.Metadata[domain.MetaTimestampSec]; ok {
		if ts, ok := domain.TimestampSeconds(v); ok {
			return ts, true
		}
	}
	if v, ok := m.Metadata[domain.MetaTimestamp]; ok {
		return domain.TimestampSeconds(v)
	}
	return 0, false
}

func docTimestamp(m semantic.SearchResult) int64 {
	ts, _ := timestampOf(m)
	return ts
}

func renderTimestamp(m semantic.SearchResult) string {
	ts, ok := timestampOf(m)
	if !ok {
		return unknownPlaceholder
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05 UTC")
}

func metaStr(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	v, ok := meta[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func orUnknown(s string) string {
	if s == "" {
		return unknownPlaceholder
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
