package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/convomem/convomem/engine/source"
)

func TestFetchFullIssuesAndComments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			w.Write([]byte("[]"))
			return
		}
		json.NewEncoder(w).Encode([]apiIssue{
			{Number: 1, Title: "crash on start", Body: "it crashes", User: apiUser{Login: "alice"},
				CreatedAt: "2024-01-01T00:00:00Z", Comments: 2},
			{Number: 2, Title: "feature request", Body: "please add", User: apiUser{Login: "bob"},
				CreatedAt: "2024-01-02T00:00:00Z"},
		})
	})
	mux.HandleFunc("/repos/octo/widgets/issues/1/comments", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			w.Write([]byte("[]"))
			return
		}
		json.NewEncoder(w).Encode([]apiComment{
			{ID: 100, Body: "same here", User: apiUser{Login: "carol"}, CreatedAt: "2024-01-01T01:00:00Z"},
			{ID: 101, Body: "fixed in main", User: apiUser{Login: "alice"}, CreatedAt: "2024-01-01T02:00:00Z"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(srv.URL, "octo", "widgets", "")
	batch, err := a.FetchFull(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// 2 issue bodies + 2 comments.
	if len(batch.Records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(batch.Records))
	}

	var first Record
	if err := json.Unmarshal(batch.Records[0], &first); err != nil {
		t.Fatal(err)
	}
	if first.Repo != "octo/widgets" || first.IssueNumber != 1 || first.CommentID != 0 {
		t.Fatalf("unexpected first record %+v", first)
	}

	var comment Record
	if err := json.Unmarshal(batch.Records[1], &comment); err != nil {
		t.Fatal(err)
	}
	if comment.CommentID != 100 || comment.Author != "carol" {
		t.Fatalf("unexpected comment record %+v", comment)
	}
}

func TestFetchSinceForwardsTimestamp(t *testing.T) {
	var gotSince string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		w.Write([]byte("[]"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(srv.URL, "octo", "widgets", "tok")
	since := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := a.FetchSince(context.Background(), since); err != nil {
		t.Fatal(err)
	}
	if gotSince != "2024-03-01T12:00:00Z" {
		t.Fatalf("wrong since %q", gotSince)
	}
}

func TestPagination(t *testing.T) {
	// Page 1 returns a full page, page 2 a short one.
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		var issues []apiIssue
		n := 0
		if page == 1 {
			n = perPage
		} else if page == 2 {
			n = 3
		}
		for i := 0; i < n; i++ {
			issues = append(issues, apiIssue{
				Number:    (page-1)*perPage + i + 1,
				Title:     fmt.Sprintf("issue %d", i),
				CreatedAt: "2024-01-01T00:00:00Z",
			})
		}
		json.NewEncoder(w).Encode(issues)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(srv.URL, "octo", "widgets", "")
	batch, err := a.FetchFull(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Records) != perPage+3 {
		t.Fatalf("expected %d records, got %d", perPage+3, len(batch.Records))
	}
}

func TestFetchRangeFiltersUpperBound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			w.Write([]byte("[]"))
			return
		}
		json.NewEncoder(w).Encode([]apiIssue{
			{Number: 1, CreatedAt: "2024-01-01T00:00:00Z"},
			{Number: 2, CreatedAt: "2024-06-01T00:00:00Z"}, // past the upper bound
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(srv.URL, "octo", "widgets", "")
	from := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	batch, err := a.FetchRange(context.Background(), from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Records) != 1 {
		t.Fatalf("expected 1 record inside range, got %d", len(batch.Records))
	}
}

func TestRateLimitFromHeaders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(srv.URL, "octo", "widgets", "")
	_, err := a.FetchFull(context.Background())
	rl, ok := source.IsRateLimited(err)
	if !ok {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.Wait != 42*time.Second {
		t.Fatalf("expected 42s wait, got %v", rl.Wait)
	}
}

func TestAuthHeaderSent(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("[]"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(srv.URL, "octo", "widgets", "secret")
	if _, err := a.FetchFull(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("wrong auth header %q", gotAuth)
	}
}

func TestHealthcheck(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/widgets", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"full_name":"octo/widgets"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(srv.URL, "octo", "widgets", "")
	if err := a.Healthcheck(context.Background()); err != nil {
		t.Fatal(err)
	}
}
