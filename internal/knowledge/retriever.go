package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"rsagent/internal/domain"
	"rsagent/internal/index"
	"rsagent/internal/metrics"
)

// Retriever answers top-k similarity queries against the knowledge store.
type Retriever struct {
	store  *Store
	logger *slog.Logger
}

func NewRetriever(store *Store, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: store, logger: logger}
}

// Retrieve returns at most k passages for query, ordered by descending score
// with ties broken by ascending chunk ID. A non-empty filter restricts the
// search to those document IDs. The whole query runs against one snapshot,
// so passages of a concurrently removed document are never returned.
//
// While dense is active, documents that fell back to sparse-only indexing
// are ranked through the sparse index and merged into the same list.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, filter []string) ([]domain.RetrievalResult, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	snap := r.store.current.Load()
	backend := r.store.backendFor(snap)

	var allowed map[string]bool
	if len(filter) > 0 {
		allowed = make(map[string]bool, len(filter))
		for _, id := range filter {
			allowed[id] = true
		}
	}

	var hits []index.Hit
	if backend == domain.BackendDense {
		var err error
		hits, err = r.denseHits(ctx, snap, query, k, allowed)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, domain.ErrEmbeddingUnavailable):
			r.logger.Warn("query embedding failed, using sparse index", "error", err)
			metrics.SparseFallbacks.Inc()
			backend = domain.BackendSparse
		default:
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}
	if backend == domain.BackendSparse {
		hits = searchFiltered(snap.sparse, snap, index.Representation{Text: query}, k, allowed)
	}

	results := make([]domain.RetrievalResult, 0, len(hits))
	for _, h := range hits {
		c, ok := snap.chunks[h.ChunkID]
		if !ok {
			continue
		}
		doc := snap.docs[c.DocumentID]
		via := backend
		if doc.Backend == domain.BackendSparse {
			via = domain.BackendSparse
		}
		results = append(results, domain.RetrievalResult{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			OriginURI:  doc.OriginURI,
			Text:       c.Text,
			Score:      h.Score,
			Rank:       len(results) + 1,
			Backend:    via,
		})
	}
	return results, nil
}

// denseHits ranks dense documents by query embedding and sparse-only
// documents by term weights, then keeps the best k of both.
func (r *Retriever) denseHits(ctx context.Context, snap *snapshot, query string, k int, allowed map[string]bool) ([]index.Hit, error) {
	var hits []index.Hit
	if snap.dense.Size() > 0 {
		vec, err := r.store.embedder.Embed(ctx, query)
		if err != nil {
			return nil, err
		}
		hits = searchFiltered(snap.dense, snap, index.Representation{Vector: vec}, k, allowed)
	}

	sparseOnly := make(map[string]bool)
	for id, d := range snap.docs {
		if d.Backend == domain.BackendSparse && (allowed == nil || allowed[id]) {
			sparseOnly[id] = true
		}
	}
	if len(sparseOnly) == 0 {
		return hits, nil
	}
	hits = append(hits, searchFiltered(snap.sparse, snap, index.Representation{Text: query}, k, sparseOnly)...)
	index.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// searchFiltered searches idx and drops hits outside allowed. With a filter
// the whole index is ranked so filtering cannot starve the result.
func searchFiltered(idx index.Index, snap *snapshot, q index.Representation, k int, allowed map[string]bool) []index.Hit {
	if allowed == nil {
		return idx.Search(q, k)
	}
	all := idx.Search(q, idx.Size())
	out := make([]index.Hit, 0, k)
	for _, h := range all {
		if allowed[snap.chunks[h.ChunkID].DocumentID] {
			out = append(out, h)
			if len(out) == k {
				break
			}
		}
	}
	return out
}

// BuildContext renders passages as a prompt section for grounded answers.
func BuildContext(results []domain.RetrievalResult) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Relevant Knowledge\n\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "### [%d] Source: %s (chunk %s)\n", r.Rank, r.OriginURI, r.ChunkID)
		sb.WriteString(r.Text)
		if i < len(results)-1 {
			sb.WriteString("\n\n---\n\n")
		}
	}
	return sb.String()
}
