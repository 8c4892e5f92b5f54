package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req embedReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "nomic-embed-text" || req.Prompt != "hello" {
			t.Errorf("req = %+v", req)
		}
		json.NewEncoder(w).Encode(embedResp{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e := NewEmbedder(New(srv.URL), "nomic-embed-text")
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 3 || vec[1] != float32(0.2) {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewEmbedder(New(srv.URL), "m")
	if _, err := e.Embed(context.Background(), "x"); err == nil {
		t.Error("expected error on 500")
	}
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req generateReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Stream {
			t.Error("stream should be false")
		}
		if req.Options == nil || req.Options.Temperature != 0.2 {
			t.Errorf("options = %+v", req.Options)
		}
		json.NewEncoder(w).Encode(generateResp{Response: "the answer", Done: true})
	}))
	defer srv.Close()

	g := NewGenerator(New(srv.URL), "llama3")
	out, err := g.Generate(context.Background(), "question?", &GenOptions{Temperature: 0.2})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "the answer" {
		t.Errorf("out = %q", out)
	}
}
