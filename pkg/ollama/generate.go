package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// GenOptions tune a single generation call. Zero values are omitted so the
// server's model defaults apply.
type GenOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// Generator produces completions from a prompt.
type Generator struct {
	c     *Client
	model string
}

// NewGenerator binds a client to a generation model.
func NewGenerator(c *Client, model string) *Generator {
	return &Generator{c: c, model: model}
}

type generateReq struct {
	Model   string      `json:"model"`
	Prompt  string      `json:"prompt"`
	Stream  bool        `json:"stream"`
	Options *GenOptions `json:"options,omitempty"`
}

type generateResp struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs a non-streaming completion.
func (g *Generator) Generate(ctx context.Context, prompt string, opts *GenOptions) (string, error) {
	body, err := json.Marshal(generateReq{Model: g.model, Prompt: prompt, Options: opts})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: generate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama: generate: status %d", resp.StatusCode)
	}

	var result generateResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ollama: generate decode: %w", err)
	}
	return result.Response, nil
}
