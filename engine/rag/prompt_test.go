package rag

import (
	"strings"
	"testing"

	"github.com/convomem/convomem/engine/semantic"
)

func msg(src, conv, id, text string, ts int64, prev, next string) semantic.SearchResult {
	return semantic.SearchResult{
		ID:   src + "_" + conv + "_" + id,
		Text: text,
		Metadata: map[string]any{
			"source":               src,
			"conversation_id":      conv,
			"message_id":           id,
			"author":               "alice",
			"timestamp_sec":        ts,
			"previous_message_ids": prev,
			"next_message_ids":     next,
		},
	}
}

func TestBuild_EmptyDocsUsesFallback(t *testing.T) {
	b := NewBuilder(BuilderConfig{})
	out := b.Build("where did I plan to travel?", nil)
	if !strings.Contains(out, "where did I plan to travel?") {
		t.Error("question not substituted")
	}
	if !strings.Contains(out, "No relevant conversation history") {
		t.Errorf("fallback template not used:\n%s", out)
	}
}

func TestBuild_EmptyQuestionUsesErrorTemplate(t *testing.T) {
	b := NewBuilder(BuilderConfig{})
	out := b.Build("   ", []semantic.SearchResult{msg("telegram", "1", "1", "hi", 100, "", "")})
	if !strings.Contains(out, "could not be processed") {
		t.Errorf("error template not used:\n%s", out)
	}
}

func TestBuild_HierarchyAndFields(t *testing.T) {
	b := NewBuilder(BuilderConfig{UserReference: "Sam"})
	docs := []semantic.SearchResult{
		msg("telegram", "42", "2", "second", 1700000060, "1", "3"),
		msg("telegram", "42", "1", "first", 1700000000, "", "2,3"),
	}
	out := b.Build("what did we say?", docs)

	if !strings.Contains(out, "### Source: telegram") {
		t.Error("source header missing")
	}
	if !strings.Contains(out, "#### Conversation: 42") {
		t.Error("conversation header missing")
	}
	if !strings.Contains(out, "Terms that refer to the user: Sam") {
		t.Error("user reference not interpolated")
	}
	for _, field := range []string{"- Source: telegram", "- Author: alice", "- Timestamp: ", "- Previous Message ID: 1", "- Next Message ID: 2,3", "- Content: first"} {
		if !strings.Contains(out, field) {
			t.Errorf("field missing: %q", field)
		}
	}
	// Sorted ascending: "first" renders before "second".
	if strings.Index(out, "Content: first") > strings.Index(out, "Content: second") {
		t.Error("messages not in timestamp order")
	}
}

func TestBuild_GapBannerOnTimestampJump(t *testing.T) {
	b := NewBuilder(BuilderConfig{})
	docs := []semantic.SearchResult{
		msg("telegram", "1", "a", "before the silence", 1000, "", ""),
		msg("telegram", "1", "b", "after the silence", 1000+601, "", ""),
	}
	out := b.Build("q", docs)
	if !strings.Contains(out, gapBanner) {
		t.Errorf("gap banner missing:\n%s", out)
	}
	i := strings.Index(out, "before the silence")
	j := strings.Index(out, gapBanner)
	k := strings.Index(out, "after the silence")
	if !(i < j && j < k) {
		t.Error("banner not between the two messages")
	}
}

func TestBuild_NoGapBannerWhenLinked(t *testing.T) {
	b := NewBuilder(BuilderConfig{})
	docs := []semantic.SearchResult{
		msg("telegram", "1", "a", "one", 1000, "", "b"),
		msg("telegram", "1", "b", "two", 1100, "a", ""),
	}
	out := b.Build("q", docs)
	if strings.Contains(out, gapBanner) {
		t.Errorf("unexpected gap banner:\n%s", out)
	}
}

func TestBuild_BrokenLinkBanner(t *testing.T) {
	b := NewBuilder(BuilderConfig{})
	// a's next points at a message that was not retrieved.
	docs := []semantic.SearchResult{
		msg("telegram", "1", "a", "one", 1000, "", "x"),
		msg("telegram", "1", "b", "two", 1050, "x", ""),
	}
	out := b.Build("q", docs)
	if !strings.Contains(out, gapBanner) {
		t.Errorf("broken link not flagged:\n%s", out)
	}
}

func TestBuild_PartialContextBanners(t *testing.T) {
	b := NewBuilder(BuilderConfig{})
	docs := []semantic.SearchResult{
		msg("telegram", "1", "5", "mid-thread", 1000, "3,4", "6"),
	}
	out := b.Build("q", docs)
	if !strings.Contains(out, earlierBanner) {
		t.Error("earlier banner missing")
	}
	if !strings.Contains(out, laterBanner) {
		t.Error("later banner missing")
	}
}

func TestBuild_GroupsMultipleSources(t *testing.T) {
	b := NewBuilder(BuilderConfig{})
	docs := []semantic.SearchResult{
		msg("whatsapp", "w1", "1", "wa message", 100, "", ""),
		msg("telegram", "t1", "1", "tg message", 100, "", ""),
	}
	out := b.Build("q", docs)
	ti := strings.Index(out, "### Source: telegram")
	wi := strings.Index(out, "### Source: whatsapp")
	if ti < 0 || wi < 0 {
		t.Fatalf("source headers missing:\n%s", out)
	}
	if ti > wi {
		t.Error("sources not in sorted order")
	}
}

func TestBuild_MillisecondTimestampNormalized(t *testing.T) {
	b := NewBuilder(BuilderConfig{})
	doc := semantic.SearchResult{
		Text: "ms timestamped",
		Metadata: map[string]any{
			"source": "whatsapp", "conversation_id": "c", "message_id": "1",
			"timestamp": int64(1700000000000),
		},
	}
	out := b.Build("q", []semantic.SearchResult{doc})
	if !strings.Contains(out, "2023-11-14 22:13:20 UTC") {
		t.Errorf("timestamp not normalized:\n%s", out)
	}
}
