package val

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheKey identifies one embedding by content hash + model id, so the
// same text embedded under two models never collides.
type cacheKey struct {
	contentHash string
	modelID     string
}

// CachingProvider decorates a [Provider], memoizing Embed/EmbedBatch
// results in a bounded LRU so repeated content (the same artifact
// re-embedded after a minor edit, the same query run twice) doesn't pay
// the underlying provider's cost twice. Every other capability passes
// through unmodified.
type CachingProvider struct {
	inner Provider
	cache *lru.Cache[cacheKey, Vector]
}

// NewCachingProvider wraps inner with an LRU embedding cache bounded to
// size entries.
func NewCachingProvider(inner Provider, size int) (*CachingProvider, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[cacheKey, Vector](size)
	if err != nil {
		return nil, err
	}
	return &CachingProvider{inner: inner, cache: cache}, nil
}

func hashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed implements [Provider], serving from cache on a hit.
func (c *CachingProvider) Embed(ctx context.Context, text string) (Vector, error) {
	key := cacheKey{contentHash: hashContent(text), modelID: c.inner.ModelID()}
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return Vector{}, err
	}
	c.cache.Add(key, v)
	return v, nil
}

// EmbedBatch implements [Provider]. Cached entries are served directly;
// misses are embedded in one batch call to the inner provider, preserving
// input order in the result.
func (c *CachingProvider) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	var missIdx []int
	var missTexts []string

	modelID := c.inner.ModelID()
	for i, text := range texts {
		key := cacheKey{contentHash: hashContent(text), modelID: modelID}
		if v, ok := c.cache.Get(key); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	embedded, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		out[idx] = embedded[j]
		key := cacheKey{contentHash: hashContent(texts[idx]), modelID: modelID}
		c.cache.Add(key, embedded[j])
	}
	return out, nil
}

// Dims implements [Provider].
func (c *CachingProvider) Dims() int { return c.inner.Dims() }

// ModelID implements [Provider].
func (c *CachingProvider) ModelID() string { return c.inner.ModelID() }

// Summarize implements [Provider], passing through uncached.
func (c *CachingProvider) Summarize(ctx context.Context, content string, cfg SummarizeConfig) (string, error) {
	return c.inner.Summarize(ctx, content, cfg)
}

// ExtractArtifacts implements [Provider], passing through uncached.
func (c *CachingProvider) ExtractArtifacts(ctx context.Context, content string, types []string) ([]ExtractedArtifact, error) {
	return c.inner.ExtractArtifacts(ctx, content, types)
}

// DetectContradiction implements [Provider], passing through uncached —
// the embeddings it compares are typically already cache hits themselves.
func (c *CachingProvider) DetectContradiction(ctx context.Context, a, b Vector, contentA, contentB string, threshold float64) (ContradictionResult, error) {
	return c.inner.DetectContradiction(ctx, a, b, contentA, contentB, threshold)
}

var _ Provider = (*CachingProvider)(nil)
