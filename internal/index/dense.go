package index

import (
	"fmt"
	"math"

	"rsagent/internal/domain"
)

// Dense is a brute-force cosine index over embedding vectors. Vectors are
// L2-normalized on insert so similarity is a plain inner product.
type Dense struct {
	dim     int
	vectors map[string][]float32
}

// NewDense creates an empty dense index. The dimension is fixed by the first
// upserted vector.
func NewDense() *Dense {
	return &Dense{vectors: make(map[string][]float32)}
}

func (d *Dense) Upsert(chunkID string, rep Representation) error {
	if len(rep.Vector) == 0 {
		return fmt.Errorf("dense upsert %s: empty vector: %w", chunkID, domain.ErrInvalidInput)
	}
	if d.dim != 0 && len(rep.Vector) != d.dim {
		// Replacing the only vector may change the dimension.
		if _, replacing := d.vectors[chunkID]; !replacing || len(d.vectors) > 1 {
			return fmt.Errorf("dense upsert %s: dimension %d, index has %d: %w",
				chunkID, len(rep.Vector), d.dim, domain.ErrInvalidInput)
		}
	}
	v := normalize(rep.Vector)
	if v == nil {
		return fmt.Errorf("dense upsert %s: zero vector: %w", chunkID, domain.ErrInvalidInput)
	}
	d.dim = len(v)
	d.vectors[chunkID] = v
	return nil
}

func (d *Dense) Delete(chunkID string) {
	delete(d.vectors, chunkID)
	if len(d.vectors) == 0 {
		d.dim = 0
	}
}

func (d *Dense) Search(query Representation, k int) []Hit {
	if k <= 0 || len(d.vectors) == 0 || len(query.Vector) != d.dim {
		return nil
	}
	q := normalize(query.Vector)
	if q == nil {
		return nil
	}
	hits := make([]Hit, 0, len(d.vectors))
	for id, v := range d.vectors {
		hits = append(hits, Hit{ChunkID: id, Score: dot(q, v)})
	}
	return topK(hits, k)
}

func (d *Dense) Size() int { return len(d.vectors) }

// Vectors returns the stored vectors for chunkIDs in order, or nil if any
// of them is missing.
func (d *Dense) Vectors(chunkIDs []string) [][]float32 {
	out := make([][]float32, len(chunkIDs))
	for i, id := range chunkIDs {
		v, ok := d.vectors[id]
		if !ok {
			return nil
		}
		out[i] = v
	}
	return out
}

// Dim returns the vector dimension, or 0 for an empty index.
func (d *Dense) Dim() int { return d.dim }

func (d *Dense) Clone() Index {
	c := &Dense{dim: d.dim, vectors: make(map[string][]float32, len(d.vectors))}
	for id, v := range d.vectors {
		c.vectors[id] = v // stored vectors are never mutated
	}
	return c
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
