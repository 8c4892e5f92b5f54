// Package semantic owns all vector-store operations: named qdrant
// collections for dense cosine search, source-to-collection routing, and a
// BM25 keyword index over the default collection with an explicit
// build/update/save/load lifecycle and atomic on-disk persistence.
package semantic

// SearchResult is a single dense or sparse search hit.
type SearchResult struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
	Score    float32        `json:"score"`
}

// Health is the healthcheck report.
type Health struct {
	Healthy bool           `json:"healthy"`
	Details map[string]any `json:"details"`
}

// Config holds the store's tunables. Routes maps a source key to its
// collection; unmapped sources land in DefaultCollection.
type Config struct {
	Address           string            `yaml:"address"`
	PersistDir        string            `yaml:"persist_directory"`
	DefaultCollection string            `yaml:"collection_name"`
	VectorDims        int               `yaml:"vector_dims"`
	Routes            map[string]string `yaml:"collections"`
	EnableBM25        bool              `yaml:"enable_bm25"`
	BM25K1            float64           `yaml:"bm25_k1"`
	BM25B             float64           `yaml:"bm25_b"`
	TokenizerPattern  string            `yaml:"tokenizer_pattern"`
}
