package index

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rsagent/internal/domain"
)

func TestDense_SearchOrdersByScore(t *testing.T) {
	d := NewDense()
	require.NoError(t, d.Upsert("c1", Representation{Vector: []float32{1, 0, 0}}))
	require.NoError(t, d.Upsert("c2", Representation{Vector: []float32{0.8, 0.2, 0}}))
	require.NoError(t, d.Upsert("c3", Representation{Vector: []float32{0, 0, 1}}))

	hits := d.Search(Representation{Vector: []float32{1, 0, 0}}, 2)
	require.Len(t, hits, 2)
	assert.Equal(t, "c1", hits[0].ChunkID)
	assert.Equal(t, "c2", hits[1].ChunkID)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestDense_TiesBreakByChunkID(t *testing.T) {
	d := NewDense()
	for _, id := range []string{"doc_0003", "doc_0001", "doc_0002"} {
		require.NoError(t, d.Upsert(id, Representation{Vector: []float32{0.5, 0.5}}))
	}

	hits := d.Search(Representation{Vector: []float32{1, 1}}, 3)
	got := []string{hits[0].ChunkID, hits[1].ChunkID, hits[2].ChunkID}
	if diff := cmp.Diff([]string{"doc_0001", "doc_0002", "doc_0003"}, got); diff != "" {
		t.Fatalf("tie order mismatch (-want +got):\n%s", diff)
	}
}

func TestDense_EmptyAndZeroK(t *testing.T) {
	d := NewDense()
	assert.Empty(t, d.Search(Representation{Vector: []float32{1}}, 5))

	require.NoError(t, d.Upsert("c1", Representation{Vector: []float32{1, 2}}))
	assert.Empty(t, d.Search(Representation{Vector: []float32{1, 2}}, 0))
	assert.Empty(t, d.Search(Representation{Vector: []float32{1, 2}}, -1))
}

func TestDense_RejectsDimensionMismatch(t *testing.T) {
	d := NewDense()
	require.NoError(t, d.Upsert("c1", Representation{Vector: []float32{1, 2}}))
	require.NoError(t, d.Upsert("c2", Representation{Vector: []float32{2, 1}}))

	err := d.Upsert("c3", Representation{Vector: []float32{1, 2, 3}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	assert.Equal(t, 2, d.Size())
}

func TestDense_UpsertReplacesAndDeleteIsIdempotent(t *testing.T) {
	d := NewDense()
	require.NoError(t, d.Upsert("c1", Representation{Vector: []float32{1, 0}}))
	require.NoError(t, d.Upsert("c1", Representation{Vector: []float32{0, 1}}))
	assert.Equal(t, 1, d.Size())

	hits := d.Search(Representation{Vector: []float32{0, 1}}, 1)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)

	d.Delete("c1")
	d.Delete("c1")
	assert.Equal(t, 0, d.Size())
	assert.Equal(t, 0, d.Dim())
}

func TestDense_CloneIsIndependent(t *testing.T) {
	d := NewDense()
	require.NoError(t, d.Upsert("c1", Representation{Vector: []float32{1, 0}}))

	c := d.Clone()
	require.NoError(t, c.Upsert("c2", Representation{Vector: []float32{0, 1}}))
	c.Delete("c1")

	assert.Equal(t, 1, d.Size())
	assert.Len(t, d.Search(Representation{Vector: []float32{1, 0}}, 5), 1)
	assert.Equal(t, "c2", c.Search(Representation{Vector: []float32{0, 1}}, 5)[0].ChunkID)
}

func TestSparse_RanksRelevantChunkFirst(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.Upsert("c1", Representation{Text: "Snow water equivalent retrieval using dense media radiative transfer"}))
	require.NoError(t, s.Upsert("c2", Representation{Text: "Soil moisture estimation with the integral equation model"}))
	require.NoError(t, s.Upsert("c3", Representation{Text: "Vegetation canopy scattering at L-band"}))

	hits := s.Search(Representation{Text: "how is soil moisture estimated?"}, 3)
	require.NotEmpty(t, hits)
	assert.Equal(t, "c2", hits[0].ChunkID)
	for _, h := range hits {
		assert.Greater(t, h.Score, 0.0)
		assert.LessOrEqual(t, h.Score, 1.0+1e-9)
	}
}

func TestSparse_IdenticalTextScoresOne(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.Upsert("c1", Representation{Text: "backscatter coefficient"}))
	require.NoError(t, s.Upsert("c2", Representation{Text: "brightness temperature"}))

	hits := s.Search(Representation{Text: "backscatter coefficient"}, 1)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
}

func TestSparse_DocumentFrequencyTracksDeletes(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.Upsert("c1", Representation{Text: "radar radar snow"}))
	require.NoError(t, s.Upsert("c2", Representation{Text: "radar soil"}))
	assert.Equal(t, 2, s.df["radar"])

	s.Delete("c2")
	assert.Equal(t, 1, s.df["radar"])
	_, ok := s.df["soil"]
	assert.False(t, ok)
	assert.Empty(t, s.Search(Representation{Text: "soil"}, 5))

	s.Delete("c2")
	assert.Equal(t, 1, s.Size())
}

func TestSparse_UpsertReplacesTerms(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.Upsert("c1", Representation{Text: "snow depth"}))
	require.NoError(t, s.Upsert("c1", Representation{Text: "leaf area index"}))

	assert.Empty(t, s.Search(Representation{Text: "snow"}, 5))
	assert.Len(t, s.Search(Representation{Text: "leaf"}, 5), 1)
	assert.Equal(t, 1, s.df["leaf"])
}

func TestSparse_RejectsTextWithoutTerms(t *testing.T) {
	s := NewSparse()
	err := s.Upsert("c1", Representation{Text: "the of and"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, 0, s.Size())
}

func TestSparse_EmptyIndexAndZeroK(t *testing.T) {
	s := NewSparse()
	assert.Empty(t, s.Search(Representation{Text: "anything"}, 3))

	require.NoError(t, s.Upsert("c1", Representation{Text: "microwave emission"}))
	assert.Empty(t, s.Search(Representation{Text: "microwave"}, 0))
}

func TestSparse_TiesBreakByChunkID(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.Upsert("b", Representation{Text: "polarimetric radar"}))
	require.NoError(t, s.Upsert("a", Representation{Text: "polarimetric radar"}))

	hits := s.Search(Representation{Text: "radar"}, 2)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ChunkID)
	assert.Equal(t, "b", hits[1].ChunkID)
}

func TestSparse_CloneIsIndependent(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.Upsert("c1", Representation{Text: "snow grain size"}))

	c := s.Clone()
	c.Delete("c1")
	require.NoError(t, c.Upsert("c2", Representation{Text: "soil roughness"}))

	assert.Len(t, s.Search(Representation{Text: "snow"}, 5), 1)
	assert.Empty(t, s.Search(Representation{Text: "roughness"}, 5))
	assert.Len(t, c.Search(Representation{Text: "roughness"}, 5), 1)
}

func TestSparse_ConcurrentSearchOnPublishedIndex(t *testing.T) {
	s := NewSparse()
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Upsert(fmt.Sprintf("c%02d", i), Representation{Text: fmt.Sprintf("layer %d snow density term%d", i, i)}))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits := s.Search(Representation{Text: "snow density"}, 5)
			assert.Len(t, hits, 5)
		}()
	}
	wg.Wait()
}

func TestTokenize(t *testing.T) {
	got := Tokenize("The SNOW-pack's depth, at 5.4 GHz!")
	if diff := cmp.Diff([]string{"snow", "pack's", "depth", "ghz"}, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}
