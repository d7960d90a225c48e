package val_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caliberdev/caliber/pkg/val"
)

func TestCosineSimilarity_IdenticalVectorsAreOne(t *testing.T) {
	t.Parallel()
	v := val.Vector{Data: []float32{1, 2, 3}, ModelID: "m1", Dims: 3}
	sim, err := val.CosineSimilarity(v, v)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)
}

func TestCosineSimilarity_OrthogonalVectorsAreZero(t *testing.T) {
	t.Parallel()
	a := val.Vector{Data: []float32{1, 0}, Dims: 2}
	b := val.Vector{Data: []float32{0, 1}, Dims: 2}
	sim, err := val.CosineSimilarity(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)
}

func TestCosineSimilarity_MismatchedDimsFails(t *testing.T) {
	t.Parallel()
	a := val.Vector{Data: []float32{1, 0}, Dims: 2}
	b := val.Vector{Data: []float32{1, 0, 0}, Dims: 3}
	_, err := val.CosineSimilarity(a, b)
	require.Error(t, err)
}

type countingProvider struct {
	calls int
}

func (p *countingProvider) Embed(ctx context.Context, text string) (val.Vector, error) {
	p.calls++
	return val.Vector{Data: []float32{float32(len(text)), 1}, ModelID: "m1", Dims: 2}, nil
}

func (p *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([]val.Vector, error) {
	out := make([]val.Vector, len(texts))
	for i, t := range texts {
		v, _ := p.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (p *countingProvider) Dims() int       { return 2 }
func (p *countingProvider) ModelID() string { return "m1" }
func (p *countingProvider) Summarize(ctx context.Context, content string, cfg val.SummarizeConfig) (string, error) {
	return content, nil
}
func (p *countingProvider) ExtractArtifacts(ctx context.Context, content string, types []string) ([]val.ExtractedArtifact, error) {
	return nil, nil
}
func (p *countingProvider) DetectContradiction(ctx context.Context, a, b val.Vector, contentA, contentB string, threshold float64) (val.ContradictionResult, error) {
	sim, err := val.CosineSimilarity(a, b)
	if err != nil {
		return val.ContradictionResult{}, err
	}
	return val.ContradictionResult{Contradicts: sim >= threshold && contentA != contentB, Similarity: sim}, nil
}

var _ val.Provider = (*countingProvider)(nil)

func TestCachingProvider_EmbedIsMemoizedByContent(t *testing.T) {
	t.Parallel()
	inner := &countingProvider{}
	cached, err := val.NewCachingProvider(inner, 16)
	require.NoError(t, err)

	ctx := context.Background()
	v1, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)
	v2, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, inner.calls, "second Embed call for identical content must hit the cache")
}

func TestCachingProvider_EmbedBatchOnlyCallsInnerForMisses(t *testing.T) {
	t.Parallel()
	inner := &countingProvider{}
	cached, err := val.NewCachingProvider(inner, 16)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cached.Embed(ctx, "a")
	require.NoError(t, err)

	results, err := cached.EmbedBatch(ctx, []string{"a", "b", "a"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, results[0], results[2])
	assert.Equal(t, 2, inner.calls, "only the uncached text \"b\" should reach the inner provider")
}
