package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/convomem/convomem/engine/source"
)

func bridge(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestFetchFull(t *testing.T) {
	a := bridge(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.RawQuery != "" {
			t.Fatalf("full fetch should carry no query, got %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]Message{
			{ID: 1, ChatID: 10, Text: "hello", Date: 1700000000},
			{ID: 2, ChatID: 10, Text: "world", Date: 1700000060},
		})
	})

	batch, err := a.FetchFull(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if batch.Source != "telegram" {
		t.Fatalf("wrong source %q", batch.Source)
	}
	if len(batch.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(batch.Records))
	}
}

func TestFetchSincePassesWatermark(t *testing.T) {
	since := time.Unix(1700000000, 0)
	a := bridge(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("since_ts"); got != "1700000000" {
			t.Fatalf("wrong since_ts %q", got)
		}
		w.Write([]byte("[]"))
	})

	if _, err := a.FetchSince(context.Background(), since); err != nil {
		t.Fatal(err)
	}
}

func TestFetchRangeSendsBothBounds(t *testing.T) {
	a := bridge(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("since_ts") != "100" || q.Get("until_ts") != "200" {
			t.Fatalf("wrong range query %q", r.URL.RawQuery)
		}
		w.Write([]byte("[]"))
	})

	_, err := a.FetchRange(context.Background(), time.Unix(100, 0), time.Unix(200, 0))
	if err != nil {
		t.Fatal(err)
	}
}

func TestFetchRateLimited(t *testing.T) {
	a := bridge(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := a.FetchFull(context.Background())
	rl, ok := source.IsRateLimited(err)
	if !ok {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.Wait != 7*time.Second {
		t.Fatalf("expected 7s wait, got %v", rl.Wait)
	}
}

func TestFetchRateLimitedDefaultWait(t *testing.T) {
	a := bridge(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := a.FetchFull(context.Background())
	rl, ok := source.IsRateLimited(err)
	if !ok || rl.Wait != time.Second {
		t.Fatalf("expected 1s default wait, got %v (%v)", err, rl)
	}
}

func TestFetchServerError(t *testing.T) {
	a := bridge(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if _, err := a.FetchFull(context.Background()); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestHealthcheck(t *testing.T) {
	a := bridge(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := a.Healthcheck(context.Background()); err != nil {
		t.Fatal(err)
	}
}
