package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/stellarlinkco/mimic/internal/config"
)

// HashEmbedder is a deterministic bag-of-words embedder using the signed
// hashing trick. Texts sharing words get positive cosine similarity. It needs
// no network and backs offline mode and tests.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = config.DefaultEmbeddingDim
	}
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Dimension() int { return e.dim }

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("embed: no tokens in text")
	}
	vector := make([]float32, e.dim)
	for _, token := range tokens {
		sum := sha256.Sum256([]byte(token))
		bucket := binary.LittleEndian.Uint64(sum[:8]) % uint64(e.dim)
		if sum[8]&1 == 0 {
			vector[bucket]++
		} else {
			vector[bucket]--
		}
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return nil, fmt.Errorf("embed: degenerate vector")
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vector {
		vector[i] *= scale
	}
	return vector, nil
}

func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	normalized, err := normalizeBatch(texts)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(normalized))
	for i, text := range normalized {
		vector, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed batch: index %d: %w", i, err)
		}
		out[i] = vector
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
