package embedding

import (
	"context"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/EricMeteorite/recall/internal/encoding"
)

// CachedEmbedder wraps an Embedder with a two-tier cache: an in-process LRU
// and a disk tier under cache/embeddings/<hash>.bin. Cache keys are
// hash(model, text), so swapping models never serves stale vectors.
type CachedEmbedder struct {
	inner  Embedder
	mem    *lru.Cache[string, []float32]
	dir    string
	logger *zap.Logger
}

// NewCachedEmbedder creates the cache around inner. dir is the disk cache
// directory (created on demand); size is the LRU entry count.
func NewCachedEmbedder(inner Embedder, dir string, size int, logger *zap.Logger) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mem, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &CachedEmbedder{inner: inner, mem: mem, dir: dir, logger: logger}, nil
}

// Embed serves from the LRU, then the disk tier, then the wrapped embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := CacheKey(c.inner.Model(), text)

	if vec, ok := c.mem.Get(key); ok {
		return vec, nil
	}

	if c.dir != "" {
		if raw, err := os.ReadFile(c.path(key)); err == nil {
			if vec, err := encoding.DecodeVector(raw); err == nil {
				c.mem.Add(key, vec)
				return vec, nil
			}
			// Corrupt cache entry: drop it and recompute.
			_ = os.Remove(c.path(key))
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.mem.Add(key, vec)

	if c.dir != "" {
		if raw, err := encoding.EncodeVector(vec); err == nil {
			if err := writeAtomic(c.path(key), raw); err != nil {
				c.logger.Warn("embedding cache write failed", zap.Error(err))
			}
		}
	}
	return vec, nil
}

// Dimension delegates to the wrapped embedder.
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

// Model delegates to the wrapped embedder.
func (c *CachedEmbedder) Model() string { return c.inner.Model() }

func (c *CachedEmbedder) path(key string) string {
	return filepath.Join(c.dir, key+".bin")
}

// writeAtomic writes via a temp file + rename so a crash never leaves a
// half-written cache entry.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
