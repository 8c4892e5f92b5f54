// Package github adapts a GitHub-style repository reader to the
// source.Adapter capability set. Issues are treated as conversations and
// issue bodies plus comments as messages.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/convomem/convomem/engine/domain"
	"github.com/convomem/convomem/engine/source"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const perPage = 100

// Record is the normalized wire shape this adapter emits: one record per
// issue body or comment. Timestamps are ISO-8601 strings.
type Record struct {
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issue_number"`
	IssueTitle  string `json:"issue_title"`
	CommentID   int64  `json:"comment_id"` // 0 for the issue body itself
	Author      string `json:"author"`
	Body        string `json:"body"`
	CreatedAt   string `json:"created_at"`
}

type apiIssue struct {
	Number    int     `json:"number"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	User      apiUser `json:"user"`
	CreatedAt string  `json:"created_at"`
	Comments  int     `json:"comments"`
}

type apiComment struct {
	ID        int64   `json:"id"`
	Body      string  `json:"body"`
	User      apiUser `json:"user"`
	CreatedAt string  `json:"created_at"`
}

type apiUser struct {
	Login string `json:"login"`
}

// Adapter reads issue conversations from one repository.
type Adapter struct {
	apiBase string
	owner   string
	repo    string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a GitHub adapter for owner/repo. apiBase defaults to the
// public API when empty; token may be empty for public repositories.
func New(apiBase, owner, repo, token string) *Adapter {
	if apiBase == "" {
		apiBase = "https://api.github.com"
	}
	return &Adapter{
		apiBase: apiBase,
		owner:   owner,
		repo:    repo,
		token:   token,
		client:  &http.Client{Transport: otelhttp.NewTransport(nil), Timeout: 30 * time.Second},
		// Stay well under the secondary rate limits.
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

func (a *Adapter) Source() string { return domain.SourceGitHub }

// FetchFull retrieves every issue and comment in the repository.
func (a *Adapter) FetchFull(ctx context.Context) (*source.RawBatch, error) {
	return a.fetchIssues(ctx, time.Time{}, time.Time{})
}

// FetchSince retrieves issues updated after since and their comments.
func (a *Adapter) FetchSince(ctx context.Context, since time.Time) (*source.RawBatch, error) {
	return a.fetchIssues(ctx, since, time.Time{})
}

// FetchRange retrieves issues updated within [from, to). The API only
// filters by "since"; the upper bound is applied client-side.
func (a *Adapter) FetchRange(ctx context.Context, from, to time.Time) (*source.RawBatch, error) {
	return a.fetchIssues(ctx, from, to)
}

// Healthcheck verifies the repository is reachable.
func (a *Adapter) Healthcheck(ctx context.Context) error {
	var probe json.RawMessage
	return a.getJSON(ctx, fmt.Sprintf("%s/repos/%s/%s", a.apiBase, a.owner, a.repo), &probe)
}

func (a *Adapter) fetchIssues(ctx context.Context, since, until time.Time) (*source.RawBatch, error) {
	repoName := a.owner + "/" + a.repo
	var records []json.RawMessage

	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("state", "all")
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", strconv.Itoa(page))
		if !since.IsZero() {
			q.Set("since", since.UTC().Format(time.RFC3339))
		}

		var issues []apiIssue
		u := fmt.Sprintf("%s/repos/%s/%s/issues?%s", a.apiBase, a.owner, a.repo, q.Encode())
		if err := a.getJSON(ctx, u, &issues); err != nil {
			return nil, err
		}
		if len(issues) == 0 {
			break
		}

		for _, is := range issues {
			if !until.IsZero() {
				if t, err := time.Parse(time.RFC3339, is.CreatedAt); err == nil && !t.Before(until) {
					continue
				}
			}
			rec := Record{
				Repo:        repoName,
				IssueNumber: is.Number,
				IssueTitle:  is.Title,
				Author:      is.User.Login,
				Body:        is.Body,
				CreatedAt:   is.CreatedAt,
			}
			data, _ := json.Marshal(rec)
			records = append(records, data)

			if is.Comments > 0 {
				cs, err := a.fetchComments(ctx, is)
				if err != nil {
					return nil, err
				}
				for _, c := range cs {
					data, _ := json.Marshal(c)
					records = append(records, data)
				}
			}
		}

		if len(issues) < perPage {
			break
		}
	}

	return &source.RawBatch{Source: domain.SourceGitHub, Records: records}, nil
}

func (a *Adapter) fetchComments(ctx context.Context, is apiIssue) ([]Record, error) {
	var out []Record
	for page := 1; ; page++ {
		var comments []apiComment
		u := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments?per_page=%d&page=%d",
			a.apiBase, a.owner, a.repo, is.Number, perPage, page)
		if err := a.getJSON(ctx, u, &comments); err != nil {
			return nil, err
		}
		for _, c := range comments {
			out = append(out, Record{
				Repo:        a.owner + "/" + a.repo,
				IssueNumber: is.Number,
				IssueTitle:  is.Title,
				CommentID:   c.ID,
				Author:      c.User.Login,
				Body:        c.Body,
				CreatedAt:   c.CreatedAt,
			})
		}
		if len(comments) < perPage {
			break
		}
	}
	return out, nil
}

func (a *Adapter) getJSON(ctx context.Context, u string, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("github: get %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return &source.RateLimitedError{Wait: rateLimitWait(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github: get %s: status %d", u, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("github: decode: %w", err)
	}
	return nil
}

func rateLimitWait(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
			if wait := time.Until(time.Unix(reset, 0)); wait > 0 {
				return wait
			}
		}
	}
	return time.Minute
}
