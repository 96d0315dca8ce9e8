// Package embedding turns text into dense vectors. A Provider walks a ranked
// list of embedding models and reports whether any of them is usable.
package embedding

import "context"

// Embedder produces a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Name identifies the model; it is stored as the backend tag of every
	// vector the model produced.
	Name() string
}
