// Package index embeds units and keeps them searchable by cosine similarity.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/lawbridge/llm"
	"github.com/brunobiangulo/lawbridge/metrics"
	"github.com/brunobiangulo/lawbridge/store"
)

var (
	// ErrConfigurationMismatch means the embedder differs from the one the
	// index was built with. It is fatal for the operation.
	ErrConfigurationMismatch = errors.New("embedding configuration mismatch")

	// ErrIndexConsistency means vectors outlived their units.
	ErrIndexConsistency = errors.New("index consistency violation")

	// ErrInvalidK is returned for a non-positive result count.
	ErrInvalidK = errors.New("k must be a positive integer")
)

const (
	metaIdentity = "embedder_identity"
	metaDim      = "embedding_dim"

	// DefaultBatchSize is the number of texts sent per embedding call.
	DefaultBatchSize = 32
	// DefaultConcurrency bounds parallel embedding calls.
	DefaultConcurrency = 4

	BackendMemory    = "memory"
	BackendSQLiteVec = "sqlite-vec"
)

// Config configures an Indexer.
type Config struct {
	Backend     string `json:"backend" yaml:"backend"`
	BatchSize   int    `json:"batch_size" yaml:"batch_size"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
}

// Indexer owns the vector index for one corpus. Writes are serialised;
// searches run concurrently and never observe a partial write.
type Indexer struct {
	mu       sync.RWMutex
	st       *store.Store
	embedder llm.Embedder
	backend  Backend
	cfg      Config
	identity string
}

// New opens the index, recording the embedder identity on first use and
// rejecting a different one afterwards.
func New(ctx context.Context, st *store.Store, embedder llm.Embedder, cfg Config) (*Indexer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	var backend Backend
	switch cfg.Backend {
	case "", BackendMemory:
		backend = NewMemoryBackend(st)
	case BackendSQLiteVec:
		backend = NewSQLiteBackend(st)
	default:
		return nil, goerr.New("unknown index backend", goerr.V("backend", cfg.Backend))
	}

	ix := &Indexer{st: st, embedder: embedder, backend: backend, cfg: cfg}
	if err := ix.bindIdentity(ctx); err != nil {
		return nil, err
	}
	if err := backend.Load(ctx); err != nil {
		return nil, goerr.Wrap(err, "loading index backend", goerr.V("backend", backend.Name()))
	}
	slog.Info("index: opened", "backend", backend.Name(), "embedder", ix.identity, "dim", st.EmbeddingDim())
	return ix, nil
}

func (ix *Indexer) bindIdentity(ctx context.Context) error {
	id := ix.embedder.Identity()
	dim := strconv.Itoa(ix.st.EmbeddingDim())

	recID, okID, err := ix.st.GetMeta(ctx, metaIdentity)
	if err != nil {
		return goerr.Wrap(err, "reading embedder identity")
	}
	recDim, okDim, err := ix.st.GetMeta(ctx, metaDim)
	if err != nil {
		return goerr.Wrap(err, "reading embedding dimension")
	}

	if okID && recID != id {
		return goerr.Wrap(ErrConfigurationMismatch, "embedder identity differs from index",
			goerr.V("recorded", recID), goerr.V("configured", id))
	}
	if okDim && recDim != dim {
		return goerr.Wrap(ErrConfigurationMismatch, "embedding dimension differs from index",
			goerr.V("recorded", recDim), goerr.V("configured", dim))
	}
	if !okID {
		if err := ix.st.SetMeta(ctx, metaIdentity, id); err != nil {
			return goerr.Wrap(err, "recording embedder identity")
		}
	}
	if !okDim {
		if err := ix.st.SetMeta(ctx, metaDim, dim); err != nil {
			return goerr.Wrap(err, "recording embedding dimension")
		}
	}
	ix.identity = id
	return nil
}

// checkIdentity guards against an embedder whose identity changed after open.
func (ix *Indexer) checkIdentity() error {
	if id := ix.embedder.Identity(); id != ix.identity {
		return goerr.Wrap(ErrConfigurationMismatch, "embedder identity changed",
			goerr.V("recorded", ix.identity), goerr.V("configured", id))
	}
	return nil
}

// Identity returns the embedder identity the index is bound to.
func (ix *Indexer) Identity() string { return ix.identity }

// BackendName returns the configured backend.
func (ix *Indexer) BackendName() string { return ix.backend.Name() }

// Add embeds and indexes units. Units already indexed with the same content
// hash are skipped; a known unit id with different text fails with
// store.ErrUnitImmutable and nothing is written.
func (ix *Indexer) Add(ctx context.Context, units []store.Unit) error {
	pending, err := ix.prepare(ctx, units)
	if err != nil || len(pending) == 0 {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	inserted, err := ix.st.InsertUnits(ctx, pending)
	if err != nil {
		return goerr.Wrap(err, "persisting units", goerr.V("count", len(pending)))
	}
	ix.backend.Insert(inserted)
	metrics.UnitsIndexed.Add(float64(len(inserted)))
	slog.Debug("index: added units", "requested", len(units), "inserted", len(inserted))
	return nil
}

// Replace indexes the units of a new document version and drops every other
// version of the document in the same write. Embedding happens first; when it
// or the write fails, the previous version stays searchable.
func (ix *Indexer) Replace(ctx context.Context, documentID string, version int, units []store.Unit) (int64, error) {
	pending, err := ix.prepare(ctx, units)
	if err != nil {
		return 0, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	inserted, removed, err := ix.st.ReplaceDocumentUnits(ctx, documentID, version, pending)
	if err != nil {
		return 0, goerr.Wrap(err, "replacing document units",
			goerr.V("document_id", documentID), goerr.V("version", version))
	}
	ix.backend.Insert(inserted)
	ix.backend.RetainVersion(documentID, store.UnitVersionPrefix(documentID, version))
	metrics.UnitsIndexed.Add(float64(len(inserted)))
	metrics.UnitsRemoved.Add(float64(removed))

	if err := ix.verifyNoDanglingLocked(ctx); err != nil {
		slog.Error("index: inconsistency after replace, rebuilding", "document_id", documentID, "error", err)
		metrics.IndexConsistencyRepairs.Inc()
		if rerr := ix.rebuildLocked(ctx); rerr != nil {
			return removed, goerr.Wrap(ErrIndexConsistency, "rebuild after replace did not succeed",
				goerr.V("document_id", documentID), goerr.V("rebuild_error", rerr.Error()))
		}
	}
	slog.Debug("index: replaced document units", "document_id", documentID, "version", version,
		"inserted", len(inserted), "removed", removed)
	return removed, nil
}

// prepare drops units that are already indexed, rejects changed text under a
// known id and embeds the rest. It takes no lock.
func (ix *Indexer) prepare(ctx context.Context, units []store.Unit) ([]store.Unit, error) {
	if len(units) == 0 {
		return nil, nil
	}
	if err := ix.checkIdentity(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	existing, err := ix.st.UnitHashes(ctx, ids)
	if err != nil {
		return nil, goerr.Wrap(err, "looking up existing units")
	}

	pending := make([]store.Unit, 0, len(units))
	queued := make(map[string]string, len(units))
	for _, u := range units {
		if h, ok := existing[u.ID]; ok {
			if h != u.ContentHash {
				return nil, goerr.Wrap(store.ErrUnitImmutable, "unit already indexed with different text", goerr.V("unit_id", u.ID))
			}
			continue
		}
		if h, ok := queued[u.ID]; ok {
			if h != u.ContentHash {
				return nil, goerr.Wrap(store.ErrUnitImmutable, "duplicate unit id with different text", goerr.V("unit_id", u.ID))
			}
			continue
		}
		queued[u.ID] = u.ContentHash
		pending = append(pending, u)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	if err := ix.embedAll(ctx, pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// embedAll fills Embedding on every unit, batching and embedding batches
// concurrently.
func (ix *Indexer) embedAll(ctx context.Context, units []store.Unit) error {
	dim := ix.st.EmbeddingDim()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Concurrency)

	for start := 0; start < len(units); start += ix.cfg.BatchSize {
		end := start + ix.cfg.BatchSize
		if end > len(units) {
			end = len(units)
		}
		batch := units[start:end]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, u := range batch {
				texts[i] = u.Text
			}
			began := time.Now()
			vecs, err := ix.embedder.Embed(gctx, texts)
			metrics.EmbedDuration.Observe(time.Since(began).Seconds())
			if err != nil {
				return goerr.Wrap(err, "embedding batch", goerr.V("first_unit", batch[0].ID), goerr.V("size", len(batch)))
			}
			if len(vecs) != len(batch) {
				return goerr.New("embedder returned wrong number of vectors",
					goerr.V("want", len(batch)), goerr.V("got", len(vecs)))
			}
			for i := range batch {
				if len(vecs[i]) != dim {
					return goerr.Wrap(ErrConfigurationMismatch, "embedding dimension differs from index",
						goerr.V("unit_id", batch[i].ID), goerr.V("want", dim), goerr.V("got", len(vecs[i])))
				}
				batch[i].Embedding = vecs[i]
			}
			return nil
		})
	}
	return g.Wait()
}

// Remove deletes every unit and vector of a document in one transaction and
// then verifies nothing of the document remains searchable. A detected
// inconsistency is logged and repaired by a full rebuild.
func (ix *Indexer) Remove(ctx context.Context, documentID string) (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	n, err := ix.st.DeleteUnitsByDocument(ctx, documentID)
	if err != nil {
		return 0, goerr.Wrap(err, "deleting units", goerr.V("document_id", documentID))
	}
	ix.backend.RemoveDocument(documentID)
	metrics.UnitsRemoved.Add(float64(n))

	if err := ix.verifyRemovedLocked(ctx, documentID); err != nil {
		slog.Error("index: inconsistency after remove, rebuilding", "document_id", documentID, "error", err)
		metrics.IndexConsistencyRepairs.Inc()
		if rerr := ix.rebuildLocked(ctx); rerr != nil {
			return n, goerr.Wrap(ErrIndexConsistency, "rebuild after failed remove did not succeed",
				goerr.V("document_id", documentID), goerr.V("rebuild_error", rerr.Error()))
		}
		if err := ix.verifyRemovedLocked(ctx, documentID); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (ix *Indexer) verifyNoDanglingLocked(ctx context.Context) error {
	dangling, err := ix.st.DanglingVectors(ctx)
	if err != nil {
		return goerr.Wrap(err, "counting dangling vectors")
	}
	if dangling > 0 {
		return goerr.Wrap(ErrIndexConsistency, "dangling vectors", goerr.V("count", dangling))
	}
	return nil
}

func (ix *Indexer) verifyRemovedLocked(ctx context.Context, documentID string) error {
	if err := ix.verifyNoDanglingLocked(ctx); err != nil {
		return err
	}
	left, err := ix.backend.Contains(ctx, documentID)
	if err != nil {
		return goerr.Wrap(err, "checking backend for removed document")
	}
	if left {
		return goerr.Wrap(ErrIndexConsistency, "removed document still searchable", goerr.V("document_id", documentID))
	}
	return nil
}

// Rebuild purges vectors without units and reloads the backend.
func (ix *Indexer) Rebuild(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.rebuildLocked(ctx)
}

func (ix *Indexer) rebuildLocked(ctx context.Context) error {
	purged, err := ix.st.PurgeDanglingVectors(ctx)
	if err != nil {
		return goerr.Wrap(err, "purging dangling vectors")
	}
	if err := ix.backend.Load(ctx); err != nil {
		return goerr.Wrap(err, "reloading backend")
	}
	slog.Warn("index: rebuilt", "purged_vectors", purged, "backend", ix.backend.Name())
	return nil
}

// VerifyReport summarises an index health check.
type VerifyReport struct {
	Backend  string `json:"backend"`
	Identity string `json:"embedder_identity"`
	Vectors  int    `json:"vectors"`
	Dangling int    `json:"dangling"`
	Rebuilt  bool   `json:"rebuilt"`
}

// Verify checks for dangling vectors and rebuilds when any are found.
func (ix *Indexer) Verify(ctx context.Context) (*VerifyReport, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rep := &VerifyReport{Backend: ix.backend.Name(), Identity: ix.identity}
	var err error
	if rep.Dangling, err = ix.st.DanglingVectors(ctx); err != nil {
		return nil, goerr.Wrap(err, "counting dangling vectors")
	}
	if rep.Dangling > 0 {
		slog.Error("index: dangling vectors found", "count", rep.Dangling, "error", ErrIndexConsistency)
		metrics.IndexConsistencyRepairs.Inc()
		if err := ix.rebuildLocked(ctx); err != nil {
			return rep, err
		}
		rep.Rebuilt = true
	}
	if rep.Vectors, err = ix.st.CountVectors(ctx); err != nil {
		return nil, goerr.Wrap(err, "counting vectors")
	}
	return rep, nil
}

// EmbedQuery embeds a single query text with the index's embedder.
func (ix *Indexer) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ix.checkIdentity(); err != nil {
		return nil, err
	}
	vecs, err := ix.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, goerr.Wrap(err, "embedding query")
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
	}
	return vecs[0], nil
}

// Search returns at most k hits by descending cosine similarity with ties
// broken by document id then unit id. Filters apply before the cut.
func (ix *Indexer) Search(ctx context.Context, query []float32, k int, f store.Filter) ([]store.Hit, error) {
	if k <= 0 {
		return nil, goerr.Wrap(ErrInvalidK, "invalid k", goerr.V("k", k))
	}
	if len(query) != ix.st.EmbeddingDim() {
		return nil, goerr.Wrap(ErrConfigurationMismatch, "query vector dimension differs from index",
			goerr.V("want", ix.st.EmbeddingDim()), goerr.V("got", len(query)))
	}

	began := time.Now()
	ix.mu.RLock()
	hits, err := ix.backend.Search(ctx, query, k, f)
	ix.mu.RUnlock()
	metrics.SearchDuration.WithLabelValues("embedding").Observe(time.Since(began).Seconds())
	if err != nil {
		return nil, goerr.Wrap(err, "vector search", goerr.V("backend", ix.backend.Name()))
	}
	return hits, nil
}
