// Package embedding provides the pluggable text-embedding backend: a
// deterministic local embedder for lite installs, an OpenAI-compatible HTTP
// client with provider auto-detection, a disk + LRU cache keyed by
// hash(model, text), and a sliding-window rate limiter.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"math"

	"github.com/EricMeteorite/recall/internal/encoding"
)

// Embedder converts text into a fixed-dimension float32 vector.
// Implementations must be deterministic for identical input and safe for
// concurrent use.
type Embedder interface {
	// Embed returns the embedding for text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the vector dimension this embedder produces.
	Dimension() int
	// Model identifies the underlying model, used as part of cache keys.
	Model() string
}

// CacheKey derives the stable cache key for (model, text).
func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// LocalEmbedder is a zero-dependency deterministic embedder. It hashes
// character trigrams into a fixed number of buckets and L2-normalises the
// result. Not semantically meaningful like a learned model, but stable,
// fast, and good enough for lite installs and tests: similar surface forms
// land near each other.
type LocalEmbedder struct {
	dim int
}

// NewLocalEmbedder creates a LocalEmbedder with the given dimension.
func NewLocalEmbedder(dim int) *LocalEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &LocalEmbedder{dim: dim}
}

// Embed hashes character trigrams of text into d buckets.
func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	runes := []rune(text)
	if len(runes) == 0 {
		vec[0] = 1
		return vec, nil
	}

	gram := func(s string) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(s))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dim))
		// Sign from the next hash bit spreads mass around zero.
		if (sum>>63)&1 == 1 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}

	for i := range runes {
		gram(string(runes[i : i+1]))
		if i+2 <= len(runes) {
			gram(string(runes[i : i+2]))
		}
		if i+3 <= len(runes) {
			gram(string(runes[i : i+3]))
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	inv := 1 / math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec, nil
}

// Dimension returns the configured dimension.
func (e *LocalEmbedder) Dimension() int { return e.dim }

// Model returns the synthetic model name for cache keying.
func (e *LocalEmbedder) Model() string { return "local-trigram" }

// Similarity is a convenience wrapper over the shared cosine routine.
func Similarity(a, b []float32) float64 {
	return encoding.CosineSimilarity(a, b)
}
