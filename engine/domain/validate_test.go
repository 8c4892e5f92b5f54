package domain

import (
	"strings"
	"testing"
	"time"
)

func TestEvaluate_SourceRule(t *testing.T) {
	rules := []Rule{SourceRule([]string{"telegram", "whatsapp"})}

	ok, _ := Evaluate("hi", RuleContext{Source: "telegram"}, rules, false)
	if !ok {
		t.Error("telegram should be allowed")
	}
	ok, failures := Evaluate("hi", RuleContext{Source: "slack"}, rules, false)
	if ok || len(failures) != 1 {
		t.Errorf("slack should fail, got ok=%v failures=%v", ok, failures)
	}
}

func TestEvaluate_RuleTypes(t *testing.T) {
	rctx := RuleContext{
		Source:     "telegram",
		Permission: "user",
		Now:        time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC),
	}
	tests := []struct {
		name  string
		query string
		rule  Rule
		ok    bool
	}{
		{"length ok", "hello there", Rule{Type: RuleLength, MinLength: 3, MaxLength: 100}, true},
		{"too short", "hi", Rule{Type: RuleLength, MinLength: 3}, false},
		{"too long", strings.Repeat("x", 20), Rule{Type: RuleLength, MaxLength: 10}, false},
		{"keyword clean", "tell me about go", Rule{Type: RuleKeyword, Forbidden: []string{"password"}}, true},
		{"keyword hit", "what is my Password", Rule{Type: RuleKeyword, Forbidden: []string{"password"}}, false},
		{"regex match", "abc123", Rule{Type: RuleRegex, Pattern: `^[a-z0-9]+$`}, true},
		{"regex miss", "ABC", Rule{Type: RuleRegex, Pattern: `^[a-z]+$`}, false},
		{"regex invalid", "x", Rule{Type: RuleRegex, Pattern: `(`}, false},
		{"time inside", "q", Rule{Type: RuleTime, StartHour: 9, EndHour: 18}, true},
		{"time outside", "q", Rule{Type: RuleTime, StartHour: 18, EndHour: 22}, false},
		{"time wrapping", "q", Rule{Type: RuleTime, StartHour: 12, EndHour: 6}, true},
		{"permission ok", "q", Rule{Type: RulePermission, RequiredLevel: "user"}, true},
		{"permission denied", "q", Rule{Type: RulePermission, RequiredLevel: "admin"}, false},
		{"unknown type", "q", Rule{Type: "bogus"}, false},
	}
	for _, tt := range tests {
		ok, failures := Evaluate(tt.query, rctx, []Rule{tt.rule}, false)
		if ok != tt.ok {
			t.Errorf("%s: ok=%v failures=%v", tt.name, ok, failures)
		}
	}
}

func TestEvaluate_CollectsAllFailures(t *testing.T) {
	rules := []Rule{
		{Type: RuleLength, MinLength: 100},
		{Type: RuleKeyword, Forbidden: []string{"hi"}},
	}
	ok, failures := Evaluate("hi", RuleContext{}, rules, false)
	if ok || len(failures) != 2 {
		t.Errorf("expected 2 failures, got %v", failures)
	}

	ok, failures = Evaluate("hi", RuleContext{}, rules, true)
	if ok || len(failures) != 1 {
		t.Errorf("short-circuit expected 1 failure, got %v", failures)
	}
}
