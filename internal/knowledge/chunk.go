package knowledge

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"rsagent/internal/domain"
)

// documentID derives a stable ID from origin and content so re-ingesting an
// unchanged file yields the same document.
func documentID(origin, text string) string {
	hash := sha256.Sum256([]byte(origin + "\x00" + text))
	return fmt.Sprintf("%x", hash[:8])
}

// chunkText splits text into overlapping windows of about size words.
// Chunk IDs are zero-padded so lexical order equals position order.
func chunkText(text, docID string, size, overlap int) []domain.Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []domain.Chunk
	for i := 0; i < len(words); i += step {
		end := min(i+size, len(words))
		chunks = append(chunks, domain.Chunk{
			ID:         fmt.Sprintf("%s_%04d", docID, len(chunks)),
			DocumentID: docID,
			Text:       strings.Join(words[i:end], " "),
			Position:   len(chunks),
		})
		if end >= len(words) {
			break
		}
	}
	return chunks
}
