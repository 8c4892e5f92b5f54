// Package telegram adapts an MTProto bridge to the source.Adapter
// capability set. The bridge owns the Telegram session; this client only
// pulls message history over its local HTTP API.
package telegram

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
)

// Message is the bridge's wire shape for a single Telegram message.
// Timestamps are epoch seconds.
type Message struct {
	ID             int64  `json:"id"`
	ChatID         int64  `json:"chat_id"`
	ChatTitle      string `json:"chat_title"`
	ChatUsername   string `json:"chat_username"`
	SenderUsername string `json:"sender_username"`
	Text           string `json:"text"`
	Caption        string `json:"caption"`
	MediaType      string `json:"media_type"`
	Date           int64  `json:"date"`
	ReplyToID      int64  `json:"reply_to_id"`
	IsGroup        bool   `json:"is_group"`
}

// Adapter fetches Telegram history from the MTProto bridge.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// New creates a Telegram adapter against the given bridge base URL.
func New(baseURL string) *Adapter {
	return &Adapter{
		baseURL: baseURL,
		client:  &http.Client{Transport: otelhttp.NewTransport(nil), Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Source() string { return domain.SourceTelegram }

// FetchFull retrieves the complete available history.
func (a *Adapter) FetchFull(ctx context.Context) (*source.RawBatch, error) {
	return a.fetch(ctx, url.Values{})
}

// FetchSince retrieves messages strictly newer than since.
func (a *Adapter) FetchSince(ctx context.Context, since time.Time) (*source.RawBatch, error) {
	q := url.Values{}
	q.Set("since_ts", strconv.FormatInt(since.Unix(), 10))
	return a.fetch(ctx, q)
}

// FetchRange retrieves messages within [from, to).
func (a *Adapter) FetchRange(ctx context.Context, from, to time.Time) (*source.RawBatch, error) {
	q := url.Values{}
	q.Set("since_ts", strconv.FormatInt(from.Unix(), 10))
	q.Set("until_ts", strconv.FormatInt(to.Unix(), 10))
	return a.fetch(ctx, q)
}

// Healthcheck pings the bridge.
func (a *Adapter) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: healthcheck: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: healthcheck: status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) fetch(ctx context.Context, q url.Values) (*source.RawBatch, error) {
	u := a.baseURL + "/messages"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &source.RateLimitedError{Wait: retryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: fetch: status %d", resp.StatusCode)
	}

	var records []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("telegram: decode: %w", err)
	}
	return &source.RawBatch{Source: domain.SourceTelegram, Records: records}, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}
