// Package val defines the Vector Abstraction Layer: a provider-agnostic
// interface for embedding, summarization, artifact extraction, and
// contradiction detection, plus the cosine-similarity primitive the
// coordination layer's conflict detector and the context assembler's Note
// ranking both build on. No default provider is registered; callers must
// wire one explicitly (e.g. [valqdrant.Provider]) or every capability call
// fails with [errors.ProviderNotConfigured].
package val

import (
	"context"
	"math"

	"github.com/caliberdev/caliber/pkg/errors"
)

// Vector is an embedding produced by a [Provider], tagged with the model
// that produced it so callers never compare embeddings across models.
type Vector struct {
	Data    []float32
	ModelID string
	Dims    int
}

// SummarizeConfig tunes [Provider.Summarize].
type SummarizeConfig struct {
	MaxChars int
	Style    string
}

// ExtractedArtifact is one candidate artifact found by
// [Provider.ExtractArtifacts], not yet persisted via the entity layer.
type ExtractedArtifact struct {
	Type    string
	Name    string
	Content string
}

// ContradictionResult is the outcome of [Provider.DetectContradiction].
type ContradictionResult struct {
	Contradicts bool
	Similarity  float64
}

// Provider is implemented by every VAL backend. Capabilities are
// independent: a provider may support embedding but not summarization, in
// which case the unsupported method returns ProviderNotConfigured rather
// than a zero value, so callers can distinguish "no result" from "not
// wired".
type Provider interface {
	Embed(ctx context.Context, text string) (Vector, error)
	EmbedBatch(ctx context.Context, texts []string) ([]Vector, error)
	Dims() int
	ModelID() string
	Summarize(ctx context.Context, content string, cfg SummarizeConfig) (string, error)
	ExtractArtifacts(ctx context.Context, content string, types []string) ([]ExtractedArtifact, error)
	DetectContradiction(ctx context.Context, a, b Vector, contentA, contentB string, threshold float64) (ContradictionResult, error)
}

// CosineSimilarity returns the cosine similarity of a and b, in [-1, 1].
// Vectors of mismatched dims are never compared: VectorDimensionMismatch.
func CosineSimilarity(a, b Vector) (float64, error) {
	if a.Dims != b.Dims || len(a.Data) != len(b.Data) {
		return 0, errors.VectorDimensionMismatch(a.Dims, b.Dims)
	}
	var dot, normA, normB float64
	for i := range a.Data {
		av, bv := float64(a.Data[i]), float64(b.Data[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
