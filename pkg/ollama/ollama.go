// Package ollama is a thin client for Ollama's HTTP API, covering the two
// operations the engine needs: embeddings and text generation.
package ollama

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client talks to one Ollama server.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client for the Ollama server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}
