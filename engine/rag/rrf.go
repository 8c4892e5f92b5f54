package rag

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/convomem/convomem/engine/semantic"
)

// rrfC is the reciprocal-rank fusion constant.
const rrfC = 60

// syntheticID derives a stable identity for hits that carry no id, from the
// text hash xor'd with a hash over the metadata in key order.
func syntheticID(r semantic.SearchResult) string {
	th := fnv.New64a()
	th.Write([]byte(r.Text))

	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	mh := fnv.New64a()
	for _, k := range keys {
		fmt.Fprintf(mh, "%s=%v;", k, r.Metadata[k])
	}
	return fmt.Sprintf("synthetic_%016x", th.Sum64()^mh.Sum64())
}

func resultKey(r semantic.SearchResult) string {
	if r.ID != "" {
		return r.ID
	}
	return syntheticID(r)
}

type fusedHit struct {
	result   semantic.SearchResult
	rrf      float64
	dense    float32
	hasDense bool
}

// fuse combines ranked hit lists with reciprocal-rank fusion: a document at
// rank r (1-based) in any list contributes 1/(C+r) to its aggregate score.
// denseLists marks which lists carry cosine similarity scores, so the best
// one survives for threshold filtering.
func fuse(lists [][]semantic.SearchResult, denseLists []bool) []fusedHit {
	byKey := make(map[string]*fusedHit)
	var order []string
	for li, list := range lists {
		for i, r := range list {
			key := resultKey(r)
			h, ok := byKey[key]
			if !ok {
				h = &fusedHit{result: r}
				byKey[key] = h
				order = append(order, key)
			}
			h.rrf += 1.0 / float64(rrfC+i+1)
			if denseLists[li] && (!h.hasDense || r.Score > h.dense) {
				h.dense = r.Score
				h.hasDense = true
			}
		}
	}

	out := make([]fusedHit, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].rrf > out[j].rrf })
	return out
}
