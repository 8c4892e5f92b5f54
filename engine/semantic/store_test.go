package semantic

import (
	"context"
	"log/slog"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

// fakePoints serves Count and Search from an in-memory payload set,
// honoring must-equality filters the way qdrant would.
type fakePoints struct {
	pb.PointsClient
	payloads  []map[string]*pb.Value
	lastCount *pb.CountPoints
}

func (f *fakePoints) Count(_ context.Context, in *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	f.lastCount = in
	var n uint64
	for _, p := range f.payloads {
		if payloadMatches(p, in.GetFilter()) {
			n++
		}
	}
	return &pb.CountResponse{Result: &pb.CountResult{Count: n}}, nil
}

func (f *fakePoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	var hits []*pb.ScoredPoint
	for _, p := range f.payloads {
		if !payloadMatches(p, in.GetFilter()) {
			continue
		}
		hits = append(hits, &pb.ScoredPoint{Payload: p, Score: 0.9})
		if uint64(len(hits)) == in.GetLimit() {
			break
		}
	}
	return &pb.SearchResponse{Result: hits}, nil
}

func payloadMatches(payload map[string]*pb.Value, filter *pb.Filter) bool {
	if filter == nil {
		return true
	}
	for _, c := range filter.GetMust() {
		fc := c.GetField()
		if fc == nil {
			return false
		}
		v, ok := payload[fc.GetKey()]
		if !ok || v.GetStringValue() != fc.GetMatch().GetKeyword() {
			return false
		}
	}
	return true
}

func newTestStore(points *fakePoints) *Store {
	return &Store{
		points: points,
		cfg:    Config{DefaultCollection: "memories"},
		log:    slog.Default(),
	}
}

func seededPoints() *fakePoints {
	f := &fakePoints{}
	for _, d := range []struct{ id, source string }{
		{"tg_1", "telegram"},
		{"tg_2", "telegram"},
		{"tg_3", "telegram"},
		{"gh_1", "github"},
		{"gh_2", "github"},
	} {
		f.payloads = append(f.payloads, toPayload(d.id, "text "+d.id, map[string]any{"source": d.source}))
	}
	return f
}

func TestCount_WithoutFiltersCountsEverything(t *testing.T) {
	f := seededPoints()
	s := newTestStore(f)

	n, err := s.Count(context.Background(), "memories", nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Errorf("count = %d, want 5", n)
	}
	if f.lastCount.GetFilter() != nil {
		t.Errorf("unfiltered count sent filter %+v", f.lastCount.GetFilter())
	}
}

func TestCount_FilteredMatchesFilteredSearch(t *testing.T) {
	f := seededPoints()
	s := newTestStore(f)
	filters := map[string]string{"source": "telegram"}

	n, err := s.Count(context.Background(), "memories", filters)
	if err != nil {
		t.Fatalf("count: %v", err)
	}

	hits, err := s.Search(context.Background(), "memories", []float32{1, 0}, 100, filters)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	distinct := map[string]bool{}
	for _, h := range hits {
		distinct[h.ID] = true
	}

	if int(n) != len(distinct) {
		t.Errorf("count = %d, filtered search found %d distinct ids", n, len(distinct))
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}
