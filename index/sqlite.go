package index

import (
	"context"

	"github.com/brunobiangulo/lawbridge/store"
)

// maxVecK is the largest k sqlite-vec accepts in a KNN query.
const maxVecK = 4096

// SQLiteBackend searches the vec0 table directly. Vectors are written by
// store.InsertUnits, so Insert, RemoveDocument and Load have nothing to do.
type SQLiteBackend struct {
	st *store.Store
}

// NewSQLiteBackend creates a backend over the store's vec0 table.
func NewSQLiteBackend(st *store.Store) *SQLiteBackend {
	return &SQLiteBackend{st: st}
}

func (s *SQLiteBackend) Name() string { return "sqlite-vec" }

func (s *SQLiteBackend) Load(context.Context) error { return nil }

func (s *SQLiteBackend) Insert([]store.VectorEntry) {}

func (s *SQLiteBackend) RemoveDocument(string) {}

func (s *SQLiteBackend) RetainVersion(string, string) {}

func (s *SQLiteBackend) Contains(ctx context.Context, documentID string) (bool, error) {
	n, err := s.st.CountVectorsByDocument(ctx, documentID)
	return n > 0, err
}

// Search over-fetches so that ties straddling the k-th result are settled by
// the deterministic order rather than by vec0's internal order. Requests the
// KNN limit cannot serve fall back to an exact scan.
func (s *SQLiteBackend) Search(ctx context.Context, query []float32, k int, f store.Filter) ([]store.Hit, error) {
	fetch := k * 2
	if fetch < k+16 {
		fetch = k + 16
	}
	if fetch > maxVecK {
		if k >= maxVecK {
			return s.scan(ctx, query, k, f)
		}
		fetch = maxVecK
	}

	hits, err := s.st.VectorSearch(ctx, query, fetch, f)
	if err != nil {
		return nil, err
	}
	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *SQLiteBackend) scan(ctx context.Context, query []float32, k int, f store.Filter) ([]store.Hit, error) {
	mem := NewMemoryBackend(s.st)
	if err := mem.Load(ctx); err != nil {
		return nil, err
	}
	return mem.Search(ctx, query, k, f)
}
