package index

import (
	"fmt"
	"math"
	"sync"

	"rsagent/internal/domain"
)

// Sparse is a TF-IDF cosine index. Document frequencies are maintained
// incrementally on every upsert and delete; IDF weights and document norms
// are derived lazily on the first search after a mutation.
type Sparse struct {
	docs     map[string]map[string]float64 // chunkID -> term -> normalized tf
	postings map[string]map[string]float64 // term -> chunkID -> normalized tf
	df       map[string]int

	normsOnce *sync.Once
	norms     map[string]float64
}

// NewSparse creates an empty sparse index.
func NewSparse() *Sparse {
	return &Sparse{
		docs:      make(map[string]map[string]float64),
		postings:  make(map[string]map[string]float64),
		df:        make(map[string]int),
		normsOnce: &sync.Once{},
	}
}

func (s *Sparse) Upsert(chunkID string, rep Representation) error {
	tf := termFrequencies(rep.Text)
	if len(tf) == 0 {
		return fmt.Errorf("sparse upsert %s: no indexable terms: %w", chunkID, domain.ErrInvalidInput)
	}
	s.Delete(chunkID)
	s.docs[chunkID] = tf
	for term, w := range tf {
		p := s.postings[term]
		if p == nil {
			p = make(map[string]float64)
			s.postings[term] = p
		}
		p[chunkID] = w
		s.df[term]++
	}
	s.invalidate()
	return nil
}

func (s *Sparse) Delete(chunkID string) {
	tf, ok := s.docs[chunkID]
	if !ok {
		return
	}
	for term := range tf {
		delete(s.postings[term], chunkID)
		if len(s.postings[term]) == 0 {
			delete(s.postings, term)
		}
		if s.df[term]--; s.df[term] <= 0 {
			delete(s.df, term)
		}
	}
	delete(s.docs, chunkID)
	s.invalidate()
}

func (s *Sparse) Search(query Representation, k int) []Hit {
	if k <= 0 || len(s.docs) == 0 {
		return nil
	}
	qtf := termFrequencies(query.Text)
	if len(qtf) == 0 {
		return nil
	}
	norms := s.docNorms()

	var qnorm float64
	scores := make(map[string]float64)
	for term, qw := range qtf {
		idf := s.idf(term)
		qv := qw * idf
		qnorm += qv * qv
		for id, dw := range s.postings[term] {
			scores[id] += qv * dw * idf
		}
	}
	if qnorm == 0 || len(scores) == 0 {
		return nil
	}
	qnorm = math.Sqrt(qnorm)

	hits := make([]Hit, 0, len(scores))
	for id, dotp := range scores {
		if n := norms[id]; n > 0 {
			hits = append(hits, Hit{ChunkID: id, Score: dotp / (qnorm * n)})
		}
	}
	return topK(hits, k)
}

func (s *Sparse) Size() int { return len(s.docs) }

func (s *Sparse) Clone() Index {
	c := NewSparse()
	for id, tf := range s.docs {
		c.docs[id] = tf // term maps are replaced, never edited in place
	}
	for term, p := range s.postings {
		cp := make(map[string]float64, len(p))
		for id, w := range p {
			cp[id] = w
		}
		c.postings[term] = cp
	}
	for term, n := range s.df {
		c.df[term] = n
	}
	return c
}

// idf uses the smoothed form so a term present in every chunk still
// carries weight.
func (s *Sparse) idf(term string) float64 {
	n := float64(len(s.docs))
	return math.Log((1+n)/(1+float64(s.df[term]))) + 1.0
}

func (s *Sparse) docNorms() map[string]float64 {
	s.normsOnce.Do(func() {
		norms := make(map[string]float64, len(s.docs))
		for id, tf := range s.docs {
			var sum float64
			for term, w := range tf {
				v := w * s.idf(term)
				sum += v * v
			}
			norms[id] = math.Sqrt(sum)
		}
		s.norms = norms
	})
	return s.norms
}

func (s *Sparse) invalidate() {
	s.normsOnce = &sync.Once{}
	s.norms = nil
}

func termFrequencies(text string) map[string]float64 {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	counts := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	total := float64(len(tokens))
	for t := range counts {
		counts[t] /= total
	}
	return counts
}
