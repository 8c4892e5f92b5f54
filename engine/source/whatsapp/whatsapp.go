// Package whatsapp adapts a WhatsApp HTTP bridge to the source.Adapter
// capability set. The bridge requires a QR-code scan before the session is
// usable, so this adapter also implements source.AuthWaiter.
package whatsapp

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
	"github.com/convomem/convomem/pkg/resilience"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// authPollInterval is how often WaitForAuth re-checks the session status.
const authPollInterval = 2 * time.Second

// Message is the bridge's wire shape for a single WhatsApp message.
// Timestamps are epoch milliseconds.
type Message struct {
	ID          string `json:"id"`
	ChatID      string `json:"chatId"`
	ChatName    string `json:"chatName"`
	Author      string `json:"author"`
	Body        string `json:"body"`
	Caption     string `json:"caption"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
	QuotedMsgID string `json:"quotedMsgId"`
	IsGroupMsg  bool   `json:"isGroupMsg"`
	FromMe      bool   `json:"fromMe"`
}

type statusResponse struct {
	Authenticated bool   `json:"authenticated"`
	State         string `json:"state"`
}

// Adapter fetches WhatsApp history from the HTTP bridge.
type Adapter struct {
	baseURL string
	client  *http.Client
	limiter *resilience.Limiter
}

// New creates a WhatsApp adapter against the given bridge base URL.
func New(baseURL string) *Adapter {
	return &Adapter{
		baseURL: baseURL,
		client:  &http.Client{Transport: otelhttp.NewTransport(nil), Timeout: 60 * time.Second},
		// The bridge is a single headless session; keep request pressure low.
		limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: 2, Burst: 4}),
	}
}

func (a *Adapter) Source() string { return domain.SourceWhatsApp }

// FetchFull retrieves the complete available history.
func (a *Adapter) FetchFull(ctx context.Context) (*source.RawBatch, error) {
	return a.fetch(ctx, url.Values{})
}

// FetchSince retrieves messages newer than since. The bridge speaks epoch
// milliseconds.
func (a *Adapter) FetchSince(ctx context.Context, since time.Time) (*source.RawBatch, error) {
	q := url.Values{}
	q.Set("since_ms", strconv.FormatInt(since.UnixMilli(), 10))
	return a.fetch(ctx, q)
}

// FetchRange retrieves messages within [from, to).
func (a *Adapter) FetchRange(ctx context.Context, from, to time.Time) (*source.RawBatch, error) {
	q := url.Values{}
	q.Set("since_ms", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("until_ms", strconv.FormatInt(to.UnixMilli(), 10))
	return a.fetch(ctx, q)
}

// Healthcheck verifies the bridge responds; it does not require an
// authenticated session.
func (a *Adapter) Healthcheck(ctx context.Context) error {
	_, err := a.status(ctx)
	return err
}

// WaitForAuth polls the bridge session status until it reports
// authenticated, the timeout elapses, or ctx is cancelled. A timeout is
// reported as source.ErrAuthRequired so the run can finish cleanly.
func (a *Adapter) WaitForAuth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st, err := a.status(ctx)
		if err == nil && st.Authenticated {
			return nil
		}
		if time.Now().After(deadline) {
			return source.ErrAuthRequired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(authPollInterval):
		}
	}
}

func (a *Adapter) status(ctx context.Context) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whatsapp: status: status %d", resp.StatusCode)
	}
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("whatsapp: status decode: %w", err)
	}
	return &st, nil
}

func (a *Adapter) fetch(ctx context.Context, q url.Values) (*source.RawBatch, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	st, err := a.status(ctx)
	if err != nil {
		return nil, err
	}
	if !st.Authenticated {
		return nil, source.ErrAuthRequired
	}

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
		return nil, fmt.Errorf("whatsapp: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, perr := strconv.Atoi(v); perr == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		return nil, &source.RateLimitedError{Wait: wait}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whatsapp: fetch: status %d", resp.StatusCode)
	}

	var records []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("whatsapp: decode: %w", err)
	}
	return &source.RawBatch{Source: domain.SourceWhatsApp, Records: records}, nil
}
