package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/convomem/convomem/engine/domain"
)

const (
	hnswEfConstruct = 150
	searchHnswEf    = 150
	scrollPageSize  = 256
)

// Store is the sole owner of all qdrant operations. Dense vectors live in
// named collections; a BM25 keyword index shadows the default collection.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	cfg         Config
	bm25        *BM25Index
	log         *slog.Logger
}

// NewStore connects to qdrant at the configured gRPC address.
func NewStore(cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", cfg.Address, err)
	}
	s := &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		cfg:         cfg,
		log:         log,
	}
	if cfg.EnableBM25 {
		s.bm25, err = NewBM25(cfg.DefaultCollection, cfg.PersistDir, cfg.BM25K1, cfg.BM25B, cfg.TokenizerPattern, log)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// FindCollectionName resolves a source key to its collection. Unmapped
// sources land in the default collection.
func (s *Store) FindCollectionName(source string) string {
	if c, ok := s.cfg.Routes[source]; ok && c != "" {
		return c
	}
	return s.cfg.DefaultCollection
}

// collectionNames returns the default collection plus every routed one,
// deduplicated.
func (s *Store) collectionNames() []string {
	names := []string{s.cfg.DefaultCollection}
	seen := map[string]bool{s.cfg.DefaultCollection: true}
	for _, c := range s.cfg.Routes {
		if c != "" && !seen[c] {
			seen[c] = true
			names = append(names, c)
		}
	}
	return names
}

// EnsureCollections creates every configured collection that doesn't exist,
// with cosine distance.
func (s *Store) EnsureCollections(ctx context.Context) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	existing := make(map[string]bool, len(list.GetCollections()))
	for _, c := range list.GetCollections() {
		existing[c.GetName()] = true
	}

	ef := uint64(hnswEfConstruct)
	for _, name := range s.collectionNames() {
		if existing[name] {
			continue
		}
		_, err = s.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: name,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     uint64(s.cfg.VectorDims),
						Distance: pb.Distance_Cosine,
					},
				},
			},
			HnswConfig: &pb.HnswConfigDiff{EfConstruct: &ef},
		})
		if err != nil {
			return fmt.Errorf("semantic: create collection %s: %w", name, err)
		}
		s.log.Info("collection created", "collection", name, "dims", s.cfg.VectorDims)
	}
	return nil
}

// pointID derives the deterministic qdrant point id for an external
// document id.
func pointID(docID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(docID)).String()
}

// AddDocuments upserts documents into one collection. Documents without an
// id get a random one. On the default collection the BM25 index is updated
// and saved alongside.
func (s *Store) AddDocuments(ctx context.Context, collection string, docs []domain.Document) error {
	if len(docs) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(docs))
	for i := range docs {
		if docs[i].ID == "" {
			docs[i].ID = uuid.NewString()
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: pointID(docs[i].ID)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: docs[i].Vector},
				},
			},
			Payload: toPayload(docs[i].ID, docs[i].Text, docs[i].Metadata),
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points into %s: %w", len(docs), collection, err)
	}

	if s.bm25 != nil && collection == s.cfg.DefaultCollection {
		indexed := make([]IndexedDoc, len(docs))
		for i, d := range docs {
			indexed[i] = IndexedDoc{ID: d.ID, Text: d.Text}
		}
		if err := s.bm25.Update(indexed); err != nil {
			return fmt.Errorf("semantic: bm25 update: %w", err)
		}
		if err := s.bm25.Save(); err != nil {
			return fmt.Errorf("semantic: bm25 save: %w", err)
		}
	}
	return nil
}

// StoreDocuments routes each document to the collection for its source and
// upserts the resulting groups.
func (s *Store) StoreDocuments(ctx context.Context, docs []domain.Document) error {
	grouped := make(map[string][]domain.Document)
	for _, d := range docs {
		c := s.FindCollectionName(d.Source())
		grouped[c] = append(grouped[c], d)
	}
	for _, c := range s.collectionNames() {
		if batch := grouped[c]; len(batch) > 0 {
			if err := s.AddDocuments(ctx, c, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

// Search performs dense k-NN search over one collection with optional
// metadata equality filters.
func (s *Store) Search(ctx context.Context, collection string, vector []float32, topK int, filters map[string]string) ([]SearchResult, error) {
	ef := uint64(searchHnswEf)
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		Filter:         equalityFilter(filters),
		Params:         &pb.SearchParams{HnswEf: &ef},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search %s: %w", collection, err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		docID, text, meta := fromPayload(r.GetPayload())
		if docID == "" {
			docID = r.GetId().GetUuid()
		}
		results[i] = SearchResult{ID: docID, Text: text, Metadata: meta, Score: r.GetScore()}
	}
	return results, nil
}

// KeywordSearch runs a BM25 query against the default collection and
// hydrates the hits from qdrant. Other collections have no keyword index;
// they yield an empty result with a warning.
func (s *Store) KeywordSearch(ctx context.Context, collection, query string, topK int) ([]SearchResult, error) {
	if s.bm25 == nil || collection != s.cfg.DefaultCollection {
		s.log.Warn("keyword search unavailable for collection", "collection", collection)
		return nil, nil
	}
	scored, err := s.bm25.Search(query, topK)
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return nil, nil
	}

	ids := make([]string, len(scored))
	for i, sc := range scored {
		ids[i] = sc.ID
	}
	byID, err := s.fetchByDocIDs(ctx, collection, ids)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(scored))
	for _, sc := range scored {
		r, ok := byID[sc.ID]
		if !ok {
			s.log.Warn("bm25 hit missing from collection", "doc_id", sc.ID)
			continue
		}
		r.Score = float32(sc.Score)
		results = append(results, r)
	}
	return results, nil
}

// KeywordSearchAsync waits for the BM25 index to settle before searching.
// With maxWait == 0 a busy index fails immediately.
func (s *Store) KeywordSearchAsync(ctx context.Context, collection, query string, topK int, maxWait time.Duration) ([]SearchResult, error) {
	if s.bm25 != nil && collection == s.cfg.DefaultCollection {
		if err := s.bm25.WaitIdle(ctx, maxWait); err != nil {
			return nil, err
		}
	}
	return s.KeywordSearch(ctx, collection, query, topK)
}

// fetchByDocIDs scrolls the points whose payload doc_id matches any of ids.
func (s *Store) fetchByDocIDs(ctx context.Context, collection string, ids []string) (map[string]SearchResult, error) {
	limit := uint32(len(ids))
	resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: collection,
		Filter:         docIDFilter(ids),
		Limit:          &limit,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: fetch by doc ids: %w", err)
	}
	out := make(map[string]SearchResult, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		docID, text, meta := fromPayload(p.GetPayload())
		if docID == "" {
			continue
		}
		out[docID] = SearchResult{ID: docID, Text: text, Metadata: meta}
	}
	return out, nil
}

// Delete removes documents by ids or by metadata filters, never both, and
// returns how many points matched beforehand. Matching BM25 entries are
// dropped when deleting from the default collection.
func (s *Store) Delete(ctx context.Context, collection string, ids []string, filters map[string]string) (int64, error) {
	if len(ids) > 0 && len(filters) > 0 {
		return 0, errors.New("semantic: delete takes ids or filters, not both")
	}
	if len(ids) == 0 && len(filters) == 0 {
		return 0, errors.New("semantic: delete needs ids or filters")
	}

	var filter *pb.Filter
	if len(ids) > 0 {
		filter = docIDFilter(ids)
	} else {
		filter = equalityFilter(filters)
	}

	exact := true
	countResp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: collection,
		Filter:         filter,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: count before delete: %w", err)
	}
	matched := int64(countResp.GetResult().GetCount())
	if matched == 0 {
		return 0, nil
	}

	removed := ids
	if len(filters) > 0 && s.bm25 != nil && collection == s.cfg.DefaultCollection {
		// BM25 removal needs external ids; resolve them before the points go.
		removed, err = s.docIDsMatching(ctx, collection, filter)
		if err != nil {
			return 0, err
		}
	}

	wait := true
	_, err = s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: delete from %s: %w", collection, err)
	}

	if s.bm25 != nil && collection == s.cfg.DefaultCollection && len(removed) > 0 {
		if err := s.bm25.Remove(removed); err != nil {
			return matched, fmt.Errorf("semantic: bm25 remove: %w", err)
		}
		if err := s.bm25.Save(); err != nil {
			return matched, fmt.Errorf("semantic: bm25 save: %w", err)
		}
	}
	return matched, nil
}

// docIDsMatching scrolls all external ids matching a filter.
func (s *Store) docIDsMatching(ctx context.Context, collection string, filter *pb.Filter) ([]string, error) {
	var (
		ids    []string
		offset *pb.PointId
	)
	limit := uint32(scrollPageSize)
	for {
		resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: collection,
			Filter:         filter,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, fmt.Errorf("semantic: scroll doc ids: %w", err)
		}
		for _, p := range resp.GetResult() {
			if docID, _, _ := fromPayload(p.GetPayload()); docID != "" {
				ids = append(ids, docID)
			}
		}
		offset = resp.GetNextPageOffset()
		if offset == nil || len(resp.GetResult()) == 0 {
			break
		}
	}
	return ids, nil
}

// Count returns the exact number of points in a collection, optionally
// restricted by metadata equality filters.
func (s *Store) Count(ctx context.Context, collection string, filters map[string]string) (int64, error) {
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: collection,
		Filter:         equalityFilter(filters),
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: count %s: %w", collection, err)
	}
	return int64(resp.GetResult().GetCount()), nil
}

// Healthcheck reports reachability and per-collection point counts.
func (s *Store) Healthcheck(ctx context.Context) Health {
	h := Health{Healthy: true, Details: map[string]any{"address": s.cfg.Address}}
	for _, name := range s.collectionNames() {
		n, err := s.Count(ctx, name, nil)
		if err != nil {
			h.Healthy = false
			h.Details[name] = err.Error()
			continue
		}
		h.Details[name] = n
	}
	if s.bm25 != nil {
		h.Details["bm25_state"] = s.bm25.State().String()
		h.Details["bm25_docs"] = s.bm25.Len()
	}
	return h
}

// Bootstrap ensures collections exist and brings the BM25 index up: load
// the snapshot if one exists, otherwise rebuild from the default collection
// and save.
func (s *Store) Bootstrap(ctx context.Context) error {
	if err := s.EnsureCollections(ctx); err != nil {
		return err
	}
	if s.bm25 == nil {
		return nil
	}

	err := s.bm25.Load()
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("bm25 snapshot unusable, rebuilding", "error", err)
	}

	docs, err := s.scrollAll(ctx, s.cfg.DefaultCollection)
	if err != nil {
		return err
	}
	if err := s.bm25.Build(docs); err != nil {
		return err
	}
	return s.bm25.Save()
}

// scrollAll pages through every point in a collection.
func (s *Store) scrollAll(ctx context.Context, collection string) ([]IndexedDoc, error) {
	var (
		docs   []IndexedDoc
		offset *pb.PointId
	)
	limit := uint32(scrollPageSize)
	for {
		resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, fmt.Errorf("semantic: scroll %s: %w", collection, err)
		}
		for _, p := range resp.GetResult() {
			docID, text, _ := fromPayload(p.GetPayload())
			if docID == "" {
				docID = p.GetId().GetUuid()
			}
			docs = append(docs, IndexedDoc{ID: docID, Text: text})
		}
		offset = resp.GetNextPageOffset()
		if offset == nil || len(resp.GetResult()) == 0 {
			break
		}
	}
	return docs, nil
}
