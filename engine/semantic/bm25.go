package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// BM25 defaults.
const (
	DefaultBM25K1           = 1.5
	DefaultBM25B            = 0.75
	DefaultTokenizerPattern = `\b\w+\b`

	idlePollInterval = 500 * time.Millisecond
)

// IndexState is the BM25 lifecycle state.
type IndexState int32

const (
	StateIdle IndexState = iota
	StateBuilding
	StateUpdating
	StateSaving
	StateLoading
)

func (s IndexState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateUpdating:
		return "updating"
	case StateSaving:
		return "saving"
	case StateLoading:
		return "loading"
	default:
		return "unknown"
	}
}

var (
	// ErrIndexBusy reports a rejected lifecycle transition; the requested
	// operation is a no-op.
	ErrIndexBusy = errors.New("semantic: bm25 index busy")
	// ErrWaitTimeout reports that the index did not return to idle in time.
	ErrWaitTimeout = errors.New("semantic: timed out waiting for bm25 index")
)

// IndexedDoc pairs an external document id with its searchable text.
type IndexedDoc struct {
	ID   string
	Text string
}

// Scored is a ranked BM25 hit.
type Scored struct {
	ID    string
	Score float64
}

// BM25Index is an inverted keyword index over one collection. Lifecycle
// transitions are guarded by stateMu; the index data itself by dataMu so a
// save can snapshot a consistent view mid-lifecycle.
type BM25Index struct {
	stateMu   sync.Mutex
	state     IndexState
	savedFrom IndexState // state to restore when a save completes

	dataMu      sync.RWMutex
	termDocFreq map[string]map[string]int
	docLengths  map[string]int
	docIDMap    map[string]int // external id -> insertion order
	nextOrder   int
	totalLen    int

	k1         float64
	b          float64
	pattern    string
	re         *regexp.Regexp
	collection string
	path       string
	log        *slog.Logger
}

// NewBM25 creates an empty index for the given collection, persisted at
// {persistDir}/bm25_index_{collection}.json.
func NewBM25(collection, persistDir string, k1, b float64, pattern string, log *slog.Logger) (*BM25Index, error) {
	if k1 == 0 {
		k1 = DefaultBM25K1
	}
	if b == 0 {
		b = DefaultBM25B
	}
	if pattern == "" {
		pattern = DefaultTokenizerPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("semantic: tokenizer pattern %q: %w", pattern, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &BM25Index{
		termDocFreq: make(map[string]map[string]int),
		docLengths:  make(map[string]int),
		docIDMap:    make(map[string]int),
		k1:          k1,
		b:           b,
		pattern:     pattern,
		re:          re,
		collection:  collection,
		path:        filepath.Join(persistDir, fmt.Sprintf("bm25_index_%s.json", collection)),
		log:         log,
	}, nil
}

// State returns the current lifecycle state.
func (x *BM25Index) State() IndexState {
	x.stateMu.Lock()
	defer x.stateMu.Unlock()
	return x.state
}

// begin moves the index into `to` if the current state is one of `from`.
func (x *BM25Index) begin(to IndexState, from ...IndexState) (IndexState, error) {
	x.stateMu.Lock()
	defer x.stateMu.Unlock()
	for _, f := range from {
		if x.state == f {
			prev := x.state
			x.state = to
			if to == StateSaving {
				x.savedFrom = prev
			}
			return prev, nil
		}
	}
	return x.state, fmt.Errorf("%w: %s during %s", ErrIndexBusy, to, x.state)
}

// end finishes the lifecycle operation `op`, restoring idle. If a save is
// in flight it instead rewrites the save's restore target, so the save
// still lands in the right state.
func (x *BM25Index) end(op IndexState) {
	x.stateMu.Lock()
	defer x.stateMu.Unlock()
	switch {
	case x.state == op:
		x.state = StateIdle
	case x.state == StateSaving && x.savedFrom == op:
		x.savedFrom = StateIdle
	}
}

// endSave restores the pre-save state.
func (x *BM25Index) endSave() {
	x.stateMu.Lock()
	defer x.stateMu.Unlock()
	if x.state == StateSaving {
		x.state = x.savedFrom
	}
}

// Tokenize lowercases the text and extracts tokens via the configured
// pattern.
func (x *BM25Index) Tokenize(text string) []string {
	return x.re.FindAllString(strings.ToLower(text), -1)
}

// Build replaces the index contents from scratch.
func (x *BM25Index) Build(docs []IndexedDoc) error {
	if _, err := x.begin(StateBuilding, StateIdle); err != nil {
		return err
	}
	defer x.end(StateBuilding)

	x.dataMu.Lock()
	x.termDocFreq = make(map[string]map[string]int)
	x.docLengths = make(map[string]int)
	x.docIDMap = make(map[string]int)
	x.nextOrder = 0
	x.totalLen = 0
	for _, d := range docs {
		x.indexLocked(d.ID, d.Text)
	}
	x.dataMu.Unlock()

	x.log.Info("bm25 build complete", "collection", x.collection, "docs", len(docs))
	return nil
}

// Update re-indexes the given documents. Stale postings from a previous
// version of a document are removed first so term document frequencies stay
// correct.
func (x *BM25Index) Update(docs []IndexedDoc) error {
	if _, err := x.begin(StateUpdating, StateIdle); err != nil {
		return err
	}
	defer x.end(StateUpdating)

	x.dataMu.Lock()
	for _, d := range docs {
		x.removeLocked(d.ID)
		x.indexLocked(d.ID, d.Text)
	}
	x.dataMu.Unlock()
	return nil
}

// Remove drops documents from the index entirely.
func (x *BM25Index) Remove(ids []string) error {
	if _, err := x.begin(StateUpdating, StateIdle); err != nil {
		return err
	}
	defer x.end(StateUpdating)

	x.dataMu.Lock()
	for _, id := range ids {
		x.removeLocked(id)
		delete(x.docIDMap, id)
	}
	x.dataMu.Unlock()
	return nil
}

// indexLocked adds one document. Caller holds dataMu.
func (x *BM25Index) indexLocked(id, text string) {
	tokens := x.Tokenize(text)
	if _, seen := x.docIDMap[id]; !seen {
		x.docIDMap[id] = x.nextOrder
		x.nextOrder++
	}
	x.docLengths[id] = len(tokens)
	x.totalLen += len(tokens)
	for _, tok := range tokens {
		m := x.termDocFreq[tok]
		if m == nil {
			m = make(map[string]int)
			x.termDocFreq[tok] = m
		}
		m[id]++
	}
}

// removeLocked strips a document's postings and length, keeping its
// insertion order slot. Caller holds dataMu.
func (x *BM25Index) removeLocked(id string) {
	length, ok := x.docLengths[id]
	if !ok {
		return
	}
	delete(x.docLengths, id)
	x.totalLen -= length
	for term, m := range x.termDocFreq {
		if _, ok := m[id]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(x.termDocFreq, term)
			}
		}
	}
}

// Contains reports whether an external id is known to the index.
func (x *BM25Index) Contains(id string) bool {
	x.dataMu.RLock()
	defer x.dataMu.RUnlock()
	_, ok := x.docIDMap[id]
	return ok
}

// Len returns the number of indexed documents.
func (x *BM25Index) Len() int {
	x.dataMu.RLock()
	defer x.dataMu.RUnlock()
	return len(x.docLengths)
}

// Search scores documents containing at least one query token, best first.
// Ties break by insertion order. The index must be idle.
func (x *BM25Index) Search(query string, k int) ([]Scored, error) {
	if st := x.State(); st != StateIdle {
		return nil, fmt.Errorf("%w: search during %s", ErrIndexBusy, st)
	}

	x.dataMu.RLock()
	defer x.dataMu.RUnlock()

	n := len(x.docLengths)
	if n == 0 || k <= 0 {
		return nil, nil
	}
	avgLen := float64(x.totalLen) / float64(n)

	scores := make(map[string]float64)
	for _, tok := range x.Tokenize(query) {
		postings, ok := x.termDocFreq[tok]
		if !ok {
			continue
		}
		df := float64(len(postings))
		idf := math.Log((float64(n)-df+0.5)/(df+0.5) + 1)
		for id, freq := range postings {
			f := float64(freq)
			docLen := float64(x.docLengths[id])
			denom := f + x.k1*(1-x.b+x.b*docLen/avgLen)
			scores[id] += idf * (f * (x.k1 + 1)) / denom
		}
	}

	out := make([]Scored, 0, len(scores))
	for id, s := range scores {
		out = append(out, Scored{ID: id, Score: s})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return x.docIDMap[out[i].ID] < x.docIDMap[out[j].ID]
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// bm25Snapshot is the on-disk JSON form of the index.
type bm25Snapshot struct {
	Index struct {
		TermDocFreq  map[string]map[string]int `json:"term_doc_freq"`
		DocLengths   map[string]int            `json:"doc_lengths"`
		TotalDocs    int                       `json:"total_docs"`
		AvgDocLength float64                   `json:"avg_doc_length"`
	} `json:"bm25_index"`
	DocIDMap   map[string]int `json:"doc_id_map"`
	Parameters struct {
		K1               float64 `json:"k1"`
		B                float64 `json:"b"`
		TokenizerPattern string  `json:"tokenizer_pattern"`
	} `json:"parameters"`
	CollectionName string `json:"collection_name"`
	CreatedAt      string `json:"created_at"`
}

// Save snapshots the index to disk atomically: write a temp file next to the
// target, restrict it to the owner, then rename over the old snapshot.
// Allowed from idle, building, or updating.
func (x *BM25Index) Save() error {
	if _, err := x.begin(StateSaving, StateIdle, StateBuilding, StateUpdating); err != nil {
		return err
	}
	defer x.endSave()

	x.dataMu.RLock()
	var snap bm25Snapshot
	snap.Index.TermDocFreq = x.termDocFreq
	snap.Index.DocLengths = x.docLengths
	snap.Index.TotalDocs = len(x.docLengths)
	if n := len(x.docLengths); n > 0 {
		snap.Index.AvgDocLength = float64(x.totalLen) / float64(n)
	}
	snap.DocIDMap = x.docIDMap
	snap.Parameters.K1 = x.k1
	snap.Parameters.B = x.b
	snap.Parameters.TokenizerPattern = x.pattern
	snap.CollectionName = x.collection
	snap.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(&snap)
	x.dataMu.RUnlock()
	if err != nil {
		return fmt.Errorf("semantic: marshal bm25 snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(x.path), 0o755); err != nil {
		return fmt.Errorf("semantic: create persist dir: %w", err)
	}
	tmp := x.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("semantic: write bm25 snapshot: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("semantic: chmod bm25 snapshot: %w", err)
	}
	if err := os.Rename(tmp, x.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("semantic: replace bm25 snapshot: %w", err)
	}
	return nil
}

// Load restores the index from its snapshot file. A missing file is
// reported as os.ErrNotExist so callers can fall back to a rebuild.
func (x *BM25Index) Load() error {
	if _, err := x.begin(StateLoading, StateIdle); err != nil {
		return err
	}
	defer x.end(StateLoading)

	data, err := os.ReadFile(x.path)
	if err != nil {
		return fmt.Errorf("semantic: read bm25 snapshot: %w", err)
	}
	var snap bm25Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("semantic: parse bm25 snapshot: %w", err)
	}
	if snap.CollectionName != x.collection {
		return fmt.Errorf("semantic: snapshot is for collection %q, want %q", snap.CollectionName, x.collection)
	}
	pattern := snap.Parameters.TokenizerPattern
	if pattern == "" {
		pattern = DefaultTokenizerPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("semantic: snapshot tokenizer pattern %q: %w", pattern, err)
	}

	x.dataMu.Lock()
	defer x.dataMu.Unlock()
	x.termDocFreq = snap.Index.TermDocFreq
	if x.termDocFreq == nil {
		x.termDocFreq = make(map[string]map[string]int)
	}
	x.docLengths = snap.Index.DocLengths
	if x.docLengths == nil {
		x.docLengths = make(map[string]int)
	}
	x.docIDMap = snap.DocIDMap
	if x.docIDMap == nil {
		x.docIDMap = make(map[string]int)
	}
	x.nextOrder = 0
	for _, order := range x.docIDMap {
		if order >= x.nextOrder {
			x.nextOrder = order + 1
		}
	}
	x.totalLen = 0
	for _, l := range x.docLengths {
		x.totalLen += l
	}
	if snap.Parameters.K1 != 0 {
		x.k1 = snap.Parameters.K1
	}
	if snap.Parameters.B != 0 {
		x.b = snap.Parameters.B
	}
	x.pattern = pattern
	x.re = re

	x.log.Info("bm25 snapshot loaded",
		"collection", x.collection, "docs", len(x.docLengths), "created_at", snap.CreatedAt)
	return nil
}

// WaitIdle blocks until the index is idle, polling every 500ms, up to
// maxWait. With maxWait <= 0 it only checks once.
func (x *BM25Index) WaitIdle(ctx context.Context, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		if x.State() == StateIdle {
			return nil
		}
		if maxWait <= 0 || time.Now().After(deadline) {
			return ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idlePollInterval):
		}
	}
}
