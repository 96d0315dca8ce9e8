// Package index provides the two interchangeable similarity indices used by
// the knowledge store: a dense vector index and a sparse TF-IDF index.
//
// Indices are not safe for concurrent mutation. The knowledge store mutates
// a private clone under its writer lock and only publishes it afterwards;
// once published an index is read-only and Search may be called from any
// number of goroutines.
package index

import (
	"sort"
)

// Representation is what a chunk or query is indexed by. Dense indices use
// Vector, sparse indices use Text.
type Representation struct {
	Vector []float32
	Text   string
}

// Hit is a single search result.
type Hit struct {
	ChunkID string
	Score   float64
}

// Index is the common contract of the dense and sparse indices.
type Index interface {
	// Upsert inserts or replaces the representation of chunkID.
	Upsert(chunkID string, rep Representation) error
	// Delete removes chunkID. Unknown IDs are ignored.
	Delete(chunkID string)
	// Search returns at most k hits ordered by descending score, ties broken
	// by ascending chunk ID. k <= 0 or an empty index yields no hits.
	Search(query Representation, k int) []Hit
	Size() int
	// Clone returns an independent copy that can be mutated without
	// affecting the receiver.
	Clone() Index
}

// SortHits orders hits by descending score, then ascending chunk ID.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
}

func topK(hits []Hit, k int) []Hit {
	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
