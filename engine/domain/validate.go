package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Rule types recognized by Evaluate.
const (
	RuleSource     = "source"
	RuleLength     = "length"
	RuleKeyword    = "keyword"
	RuleRegex      = "regex"
	RuleTime       = "time"
	RulePermission = "permission"
)

// Rule is a discriminated validation record; Type selects which fields apply.
type Rule struct {
	Type string `yaml:"type" json:"type"`

	// source
	AllowedSources []string `yaml:"allowed_sources" json:"allowed_sources,omitempty"`
	// length
	MinLength int `yaml:"min_length" json:"min_length,omitempty"`
	MaxLength int `yaml:"max_length" json:"max_length,omitempty"`
	// keyword
	Forbidden []string `yaml:"forbidden" json:"forbidden,omitempty"`
	// regex
	Pattern string `yaml:"pattern" json:"pattern,omitempty"`
	// time
	StartHour int `yaml:"start_hour" json:"start_hour,omitempty"`
	EndHour   int `yaml:"end_hour" json:"end_hour,omitempty"`
	// permission
	RequiredLevel string `yaml:"required_level" json:"required_level,omitempty"`
}

// RuleContext carries the runtime facts rules are evaluated against.
type RuleContext struct {
	Source     string
	User       string
	Permission string
	Now        time.Time
}

var permissionLevels = map[string]int{
	"guest": 0,
	"user":  1,
	"admin": 2,
}

// Evaluate runs every rule against the query and context. With shortCircuit
// set it stops at the first failure; otherwise all failures are collected.
// A validation failure is a normal outcome, not an error.
func Evaluate(query string, rctx RuleContext, rules []Rule, shortCircuit bool) (bool, []string) {
	var failures []string
	for _, r := range rules {
		if msg := evalRule(query, rctx, r); msg != "" {
			failures = append(failures, msg)
			if shortCircuit {
				break
			}
		}
	}
	return len(failures) == 0, failures
}

func evalRule(query string, rctx RuleContext, r Rule) string {
	switch r.Type {
	case RuleSource:
		for _, s := range r.AllowedSources {
			if strings.EqualFold(s, rctx.Source) {
				return ""
			}
		}
		return fmt.Sprintf("source %q is not allowed", rctx.Source)

	case RuleLength:
		n := len(strings.TrimSpace(query))
		if r.MinLength > 0 && n < r.MinLength {
			return fmt.Sprintf("query shorter than %d characters", r.MinLength)
		}
		if r.MaxLength > 0 && n > r.MaxLength {
			return fmt.Sprintf("query longer than %d characters", r.MaxLength)
		}
		return ""

	case RuleKeyword:
		lower := strings.ToLower(query)
		for _, kw := range r.Forbidden {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return fmt.Sprintf("query contains forbidden keyword %q", kw)
			}
		}
		return ""

	case RuleRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Sprintf("invalid rule pattern %q", r.Pattern)
		}
		if !re.MatchString(query) {
			return fmt.Sprintf("query does not match required pattern %q", r.Pattern)
		}
		return ""

	case RuleTime:
		now := rctx.Now
		if now.IsZero() {
			now = time.Now()
		}
		h := now.Hour()
		ok := false
		if r.StartHour <= r.EndHour {
			ok = h >= r.StartHour && h < r.EndHour
		} else {
			// Window wraps midnight, e.g. 22..6.
			ok = h >= r.StartHour || h < r.EndHour
		}
		if !ok {
			return fmt.Sprintf("queries are only allowed between %02d:00 and %02d:00", r.StartHour, r.EndHour)
		}
		return ""

	case RulePermission:
		have, haveOK := permissionLevels[strings.ToLower(rctx.Permission)]
		want, wantOK := permissionLevels[strings.ToLower(r.RequiredLevel)]
		if !wantOK {
			return fmt.Sprintf("unknown permission level %q in rule", r.RequiredLevel)
		}
		if !haveOK || have < want {
			return fmt.Sprintf("permission %q required", r.RequiredLevel)
		}
		return ""

	default:
		return fmt.Sprintf("unknown rule type %q", r.Type)
	}
}

// SourceRule builds the always-active default rule restricting the caller's
// source to the configured allowed set.
func SourceRule(allowed []string) Rule {
	return Rule{Type: RuleSource, AllowedSources: allowed}
}
