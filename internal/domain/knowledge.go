package domain

import (
	"context"
	"time"
)

// Document is an ingested unit of source text. Immutable once ingested;
// re-ingesting the same origin replaces it.
type Document struct {
	ID         string    `json:"id"`
	OriginURI  string    `json:"origin_uri"`
	RawText    string    `json:"-"`
	ChunkCount int       `json:"chunk_count"`
	Backend    Backend   `json:"backend"`
	CreatedAt  time.Time `json:"created_at"`
}

// Chunk is a contiguous slice of a document's text.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	Position   int    `json:"position"`
}

// Backend names a retrieval strategy.
type Backend string

const (
	BackendDense  Backend = "dense"
	BackendSparse Backend = "sparse"
)

// RetrievalResult is one ranked passage returned for a query.
type RetrievalResult struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	OriginURI  string  `json:"origin_uri"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Rank       int     `json:"rank"`
	Backend    Backend `json:"backend"`
}

// DocumentRepository persists ingested documents so the knowledge base
// survives restarts.
type DocumentRepository interface {
	// ReplaceDocument saves doc and, when oldID is non-empty, deletes the
	// document it supersedes in the same transaction.
	ReplaceDocument(ctx context.Context, oldID string, doc Document, chunks []Chunk) error
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context) ([]Document, error)
}
