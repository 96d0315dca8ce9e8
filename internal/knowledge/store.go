// Package knowledge holds the document corpus and answers similarity
// queries over it.
//
// The corpus is an immutable snapshot published through an atomic pointer.
// Writers (Ingest, Remove, Reindex) serialize on a mutex, build the next
// snapshot from a private copy and swap it in, so a reader sees either all
// of a mutation or none of it and never blocks.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rsagent/internal/domain"
	"rsagent/internal/index"
	"rsagent/internal/metrics"
)

// EmbeddingProvider is the part of the embedding provider the store needs.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Healthy() bool
	ActiveModel() string
}

type snapshot struct {
	docs       map[string]domain.Document
	byOrigin   map[string]string   // origin URI -> doc ID
	chunks     map[string]domain.Chunk
	docChunks  map[string][]string // doc ID -> chunk IDs
	dense      *index.Dense
	denseModel string
	sparse     *index.Sparse
}

func emptySnapshot() *snapshot {
	return &snapshot{
		docs:      make(map[string]domain.Document),
		byOrigin:  make(map[string]string),
		chunks:    make(map[string]domain.Chunk),
		docChunks: make(map[string][]string),
		dense:     index.NewDense(),
		sparse:    index.NewSparse(),
	}
}

func (s *snapshot) clone() *snapshot {
	c := &snapshot{
		docs:       make(map[string]domain.Document, len(s.docs)),
		byOrigin:   make(map[string]string, len(s.byOrigin)),
		chunks:     make(map[string]domain.Chunk, len(s.chunks)),
		docChunks:  make(map[string][]string, len(s.docChunks)),
		dense:      s.dense.Clone().(*index.Dense),
		denseModel: s.denseModel,
		sparse:     s.sparse.Clone().(*index.Sparse),
	}
	for k, v := range s.docs {
		c.docs[k] = v
	}
	for k, v := range s.byOrigin {
		c.byOrigin[k] = v
	}
	for k, v := range s.chunks {
		c.chunks[k] = v
	}
	for k, v := range s.docChunks {
		c.docChunks[k] = v
	}
	return c
}

func (s *snapshot) chunksOf(docID string) []domain.Chunk {
	out := make([]domain.Chunk, 0, len(s.docChunks[docID]))
	for _, id := range s.docChunks[docID] {
		out = append(out, s.chunks[id])
	}
	return out
}

func (s *snapshot) removeDoc(id string) {
	doc, ok := s.docs[id]
	if !ok {
		return
	}
	for _, cid := range s.docChunks[id] {
		s.dense.Delete(cid)
		s.sparse.Delete(cid)
		delete(s.chunks, cid)
	}
	delete(s.docChunks, id)
	delete(s.docs, id)
	if s.byOrigin[doc.OriginURI] == id {
		delete(s.byOrigin, doc.OriginURI)
	}
	if s.dense.Size() == 0 {
		s.denseModel = ""
	}
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Embedder EmbeddingProvider
	// Repo persists documents; nil keeps the corpus in memory only.
	Repo              domain.DocumentRepository
	ChunkSize         int // words per chunk (default: 512)
	Overlap           int // overlapping words (default: 50)
	IngestConcurrency int // parallel embedding calls per document (default: 4)
	Logger            *slog.Logger
}

// Store is the knowledge store.
type Store struct {
	embedder    EmbeddingProvider
	repo        domain.DocumentRepository
	chunkSize   int
	overlap     int
	concurrency int
	logger      *slog.Logger
	now         func() time.Time

	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
	closed  atomic.Bool
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 512
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.ChunkSize {
		cfg.Overlap = 50
	}
	if cfg.IngestConcurrency <= 0 {
		cfg.IngestConcurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Store{
		embedder:    cfg.Embedder,
		repo:        cfg.Repo,
		chunkSize:   cfg.ChunkSize,
		overlap:     cfg.Overlap,
		concurrency: cfg.IngestConcurrency,
		logger:      cfg.Logger,
		now:         time.Now,
	}
	s.current.Store(emptySnapshot())
	return s
}

// IngestRequest is one document to add.
type IngestRequest struct {
	OriginURI string
	Text      string
}

// Ingest chunks and indexes a document and makes it visible atomically.
// When a dense embedding is available every chunk is embedded; if any chunk
// fails the document falls back to sparse-only indexing. A document with the
// same origin URI is replaced in the same swap.
func (s *Store) Ingest(ctx context.Context, req IngestRequest) (domain.Document, error) {
	if s.closed.Load() {
		return domain.Document{}, domain.ErrStoreClosed
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return domain.Document{}, fmt.Errorf("ingest %q: empty text: %w", req.OriginURI, domain.ErrInvalidInput)
	}
	if req.OriginURI == "" {
		return domain.Document{}, fmt.Errorf("ingest: origin URI is required: %w", domain.ErrInvalidInput)
	}

	docID := documentID(req.OriginURI, text)
	chunks := chunkText(text, docID, s.chunkSize, s.overlap)
	doc := domain.Document{
		ID:         docID,
		OriginURI:  req.OriginURI,
		RawText:    text,
		ChunkCount: len(chunks),
		Backend:    domain.BackendSparse,
		CreatedAt:  s.now().UTC(),
	}

	vectors, model := s.embedChunks(ctx, doc, chunks)
	if err := ctx.Err(); err != nil {
		return domain.Document{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.current.Load().clone()
	var replaced string
	if old, ok := next.byOrigin[doc.OriginURI]; ok {
		replaced = old
		next.removeDoc(old)
	}
	next.removeDoc(docID)

	if vectors != nil && next.dense.Size() > 0 && next.denseModel != model {
		s.logger.Warn("embedding model differs from indexed vectors, ingesting sparse-only",
			"doc_id", docID, "model", model, "indexed_model", next.denseModel)
		vectors = nil
	}
	if err := s.addDoc(next, &doc, chunks, vectors, model); err != nil {
		return domain.Document{}, err
	}

	if s.repo != nil {
		if err := s.repo.ReplaceDocument(ctx, replaced, doc, chunks); err != nil {
			return domain.Document{}, fmt.Errorf("persist document %s: %w", docID, err)
		}
	}

	s.current.Store(next)
	s.logger.Info("document ingested",
		"doc_id", docID, "origin", doc.OriginURI, "chunks", len(chunks), "backend", doc.Backend)
	return doc, nil
}

// embedChunks returns one vector per chunk, or nil when the document must be
// indexed sparse-only.
func (s *Store) embedChunks(ctx context.Context, doc domain.Document, chunks []domain.Chunk) ([][]float32, string) {
	if s.embedder == nil || !s.embedder.Healthy() {
		return nil, ""
	}
	model := s.embedder.ActiveModel()

	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, c := range chunks {
		g.Go(func() error {
			v, err := s.embedder.Embed(gctx, c.Text)
			if err != nil {
				return fmt.Errorf("chunk %s: %w", c.ID, err)
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("dense embedding failed, falling back to sparse-only",
				"doc_id", doc.ID, "origin", doc.OriginURI, "error", err)
			metrics.SparseFallbacks.Inc()
		}
		return nil, ""
	}
	if s.embedder.ActiveModel() != model {
		s.logger.Warn("embedding model changed during ingest, falling back to sparse-only", "doc_id", doc.ID)
		return nil, ""
	}
	return vectors, model
}

func (s *Store) addDoc(next *snapshot, doc *domain.Document, chunks []domain.Chunk, vectors [][]float32, model string) error {
	ids := make([]string, 0, len(chunks))
	for i, c := range chunks {
		if err := next.sparse.Upsert(c.ID, index.Representation{Text: c.Text}); err != nil && !errors.Is(err, domain.ErrInvalidInput) {
			return fmt.Errorf("sparse index %s: %w", c.ID, err)
		}
		if vectors != nil {
			if err := next.dense.Upsert(c.ID, index.Representation{Vector: vectors[i]}); err != nil {
				return fmt.Errorf("dense index %s: %w", c.ID, err)
			}
		}
		next.chunks[c.ID] = c
		ids = append(ids, c.ID)
	}
	if vectors != nil {
		next.denseModel = model
		doc.Backend = domain.BackendDense
	}
	next.docs[doc.ID] = *doc
	next.byOrigin[doc.OriginURI] = doc.ID
	next.docChunks[doc.ID] = ids
	return nil
}

// Remove deletes a document and all of its chunks. Removing an unknown
// document is a no-op.
func (s *Store) Remove(ctx context.Context, docID string) error {
	if s.closed.Load() {
		return domain.ErrStoreClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	if _, ok := cur.docs[docID]; !ok {
		return nil
	}
	if s.repo != nil {
		if err := s.repo.DeleteDocument(ctx, docID); err != nil {
			return fmt.Errorf("delete document %s: %w", docID, err)
		}
	}
	next := cur.clone()
	next.removeDoc(docID)
	s.current.Store(next)
	s.logger.Info("document removed", "doc_id", docID)
	return nil
}

// RemoveByOrigin removes the document ingested from origin, if any.
func (s *Store) RemoveByOrigin(ctx context.Context, origin string) error {
	id, ok := s.current.Load().byOrigin[origin]
	if !ok {
		return nil
	}
	return s.Remove(ctx, id)
}

// ActiveBackend reports which index retrieval ranks with right now: dense
// when the embedding provider is healthy and the dense index is either empty
// (new documents would be embedded) or holds vectors from the active model;
// sparse otherwise. It is evaluated on every call.
func (s *Store) ActiveBackend() domain.Backend {
	return s.backendFor(s.current.Load())
}

func (s *Store) backendFor(snap *snapshot) domain.Backend {
	if s.embedder == nil || !s.embedder.Healthy() {
		return domain.BackendSparse
	}
	if snap.dense.Size() > 0 && snap.denseModel != s.embedder.ActiveModel() {
		return domain.BackendSparse
	}
	return domain.BackendDense
}

// Reindex re-embeds every chunk with the active model and replaces the dense
// index. Documents whose chunks cannot be embedded stay sparse-only.
//
// Embedding runs against the snapshot current at the start, without the
// write lock. The swap re-applies documents ingested or removed meanwhile.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, domain.ErrStoreClosed
	}
	if s.embedder == nil || !s.embedder.Healthy() {
		return 0, domain.ErrEmbeddingUnavailable
	}

	base := s.current.Load()
	var model string
	fresh := make(map[string][][]float32, len(base.docs))
	for _, id := range sortedKeys(base.docs) {
		vectors, m := s.embedChunks(ctx, base.docs[id], base.chunksOf(id))
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if vectors == nil || (model != "" && m != model) {
			continue
		}
		model = m
		fresh[id] = vectors
	}
	if model == "" {
		model = s.embedder.ActiveModel()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	next := cur.clone()
	next.dense = index.NewDense()
	next.denseModel = ""

	dense := 0
	for _, id := range sortedKeys(next.docs) {
		doc := next.docs[id]
		ids := next.docChunks[id]
		vectors, ok := fresh[id]
		if !ok && doc.Backend == domain.BackendDense && cur.denseModel == model {
			// ingested while the rebuild ran
			vectors = cur.dense.Vectors(ids)
		}
		doc.Backend = domain.BackendSparse
		if vectors != nil && len(vectors) == len(ids) {
			for i, cid := range ids {
				if err := next.dense.Upsert(cid, index.Representation{Vector: vectors[i]}); err != nil {
					return 0, fmt.Errorf("dense index %s: %w", cid, err)
				}
			}
			next.denseModel = model
			doc.Backend = domain.BackendDense
			dense++
		}
		next.docs[id] = doc
	}

	s.current.Store(next)
	s.logger.Info("dense index rebuilt", "documents", len(next.docs), "dense_documents", dense, "model", next.denseModel)
	return dense, nil
}

// Load re-ingests the documents held by the repository. It is meant to run
// once at startup, before the store serves queries.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	docs, err := s.repo.ListDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list persisted documents: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.current.Load().clone()
	for _, d := range docs {
		chunks := chunkText(d.RawText, d.ID, s.chunkSize, s.overlap)
		if len(chunks) == 0 {
			continue
		}
		vectors, model := s.embedChunks(ctx, d, chunks)
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if vectors != nil && next.dense.Size() > 0 && next.denseModel != model {
			vectors = nil
		}
		next.removeDoc(d.ID)
		d.ChunkCount = len(chunks)
		d.Backend = domain.BackendSparse
		if err := s.addDoc(next, &d, chunks, vectors, model); err != nil {
			return 0, err
		}
	}
	s.current.Store(next)
	s.logger.Info("knowledge base loaded", "documents", len(docs))
	return len(docs), nil
}

// Document returns a document's metadata.
func (s *Store) Document(id string) (domain.Document, bool) {
	d, ok := s.current.Load().docs[id]
	return d, ok
}

// Documents lists all documents, oldest first.
func (s *Store) Documents() []domain.Document {
	snap := s.current.Load()
	out := make([]domain.Document, 0, len(snap.docs))
	for _, d := range snap.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Chunks returns a document's chunks in position order.
func (s *Store) Chunks(docID string) []domain.Chunk {
	return s.current.Load().chunksOf(docID)
}

// Stats summarizes the current snapshot.
type Stats struct {
	Documents   int            `json:"documents"`
	Chunks      int            `json:"chunks"`
	DenseChunks int            `json:"dense_chunks"`
	DenseModel  string         `json:"dense_model,omitempty"`
	Backend     domain.Backend `json:"active_backend"`
}

func (s *Store) Stats() Stats {
	snap := s.current.Load()
	return Stats{
		Documents:   len(snap.docs),
		Chunks:      len(snap.chunks),
		DenseChunks: snap.dense.Size(),
		DenseModel:  snap.denseModel,
		Backend:     s.backendFor(snap),
	}
}

// Close rejects further mutations. Readers holding a snapshot are unaffected.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
