package index

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/brunobiangulo/lawbridge/store"
)

// Backend holds the searchable vectors. Callers serialise writes; a backend
// only has to be safe for concurrent Search calls.
type Backend interface {
	Name() string
	// Load rebuilds backend state from the store.
	Load(ctx context.Context) error
	// Insert makes freshly persisted vectors searchable.
	Insert(entries []store.VectorEntry)
	// RemoveDocument drops every vector owned by a document.
	RemoveDocument(documentID string)
	// RetainVersion drops the document's vectors whose unit id lacks prefix.
	RetainVersion(documentID, prefix string)
	// Contains reports whether any vector of the document is still searchable.
	Contains(ctx context.Context, documentID string) (bool, error)
	Search(ctx context.Context, query []float32, k int, f store.Filter) ([]store.Hit, error)
}

// SortHits orders hits by descending score, then document id and unit id
// ascending.
func SortHits(hits []store.Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].DocumentID != hits[j].DocumentID {
			return hits[i].DocumentID < hits[j].DocumentID
		}
		return hits[i].UnitID < hits[j].UnitID
	})
}

// ---------------------------------------------------------------------------
// Memory backend
// ---------------------------------------------------------------------------

// MemoryBackend is an exact flat-scan index over a snapshot of the store.
type MemoryBackend struct {
	st *store.Store

	mu      sync.RWMutex
	entries map[string]store.VectorEntry // by unit id
}

// NewMemoryBackend creates an empty memory backend hydrated by Load.
func NewMemoryBackend(st *store.Store) *MemoryBackend {
	return &MemoryBackend{st: st, entries: make(map[string]store.VectorEntry)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Load(ctx context.Context) error {
	entries, err := m.st.LoadVectors(ctx)
	if err != nil {
		return err
	}
	fresh := make(map[string]store.VectorEntry, len(entries))
	for _, e := range entries {
		e.Embedding = normalize(e.Embedding)
		fresh[e.UnitID] = e
	}
	m.mu.Lock()
	m.entries = fresh
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Insert(entries []store.VectorEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		e.Embedding = normalize(e.Embedding)
		m.entries[e.UnitID] = e
	}
}

func (m *MemoryBackend) RemoveDocument(documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.DocumentID == documentID {
			delete(m.entries, id)
		}
	}
}

func (m *MemoryBackend) RetainVersion(documentID, prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.DocumentID == documentID && !strings.HasPrefix(id, prefix) {
			delete(m.entries, id)
		}
	}
}

func (m *MemoryBackend) Contains(_ context.Context, documentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.DocumentID == documentID {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of vectors held.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryBackend) Search(ctx context.Context, query []float32, k int, f store.Filter) ([]store.Hit, error) {
	q := normalize(query)

	m.mu.RLock()
	hits := make([]store.Hit, 0, len(m.entries))
	for _, e := range m.entries {
		if !f.Matches(e.LawFamily, e.DocumentID, e.Code, e.SectionLabel) {
			continue
		}
		hits = append(hits, store.Hit{
			UnitID:     e.UnitID,
			DocumentID: e.DocumentID,
			Score:      dot(q, e.Embedding),
		})
	}
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// normalize returns a unit-length copy of v. Zero vectors stay zero.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
