// Package source defines the capability surface every ingestion source
// exposes to the pipeline: bounded fetches of raw, source-shaped records
// plus a healthcheck. Concrete adapters live in subpackages; the pipeline
// never branches on the concrete type except for the auth-wait capability.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RawBatch is a bounded batch of source-shaped records. Records stay opaque
// JSON until the matching preprocessor parses them.
type RawBatch struct {
	Source  string            `json:"source"`
	Records []json.RawMessage `json:"records"`
}

// Adapter is the fetch capability set the pipeline drives.
type Adapter interface {
	// Source returns the source key, e.g. "telegram".
	Source() string
	// FetchFull retrieves everything the source can deliver.
	FetchFull(ctx context.Context) (*RawBatch, error)
	// FetchSince retrieves records newer than the given instant.
	FetchSince(ctx context.Context, since time.Time) (*RawBatch, error)
	// FetchRange retrieves records within [from, to).
	FetchRange(ctx context.Context, from, to time.Time) (*RawBatch, error)
	// Healthcheck verifies the source is reachable.
	Healthcheck(ctx context.Context) error
}

// AuthWaiter is implemented by adapters that need interactive authorization
// (e.g. a WhatsApp QR scan) before fetches can succeed.
type AuthWaiter interface {
	WaitForAuth(ctx context.Context, timeout time.Duration) error
}

// ErrAuthRequired reports that the source still needs interactive
// authorization after the wait timed out.
var ErrAuthRequired = errors.New("source: authentication required")

// RateLimitedError is returned by adapters when the upstream asks the caller
// to back off. Wait is the minimum time to sleep before retrying.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("source: rate limited, retry after %s", e.Wait)
}

// IsRateLimited extracts a RateLimitedError from an error chain.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
