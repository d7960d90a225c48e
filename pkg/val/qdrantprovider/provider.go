// Package qdrantprovider implements [val.Provider] on top of the
// platform's Qdrant client wrapper, persisting every embedding it
// produces into a collection so later searches (the context assembler's
// Note similarity ranking, the coordination layer's conflict detector)
// can query by vector without recomputing embeddings.
package qdrantprovider

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/caliberdev/caliber/pkg/clients/qdrant"
	sserr "github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/val"
)

// EmbedFunc produces a raw embedding for text. Qdrant itself only stores
// and searches vectors; generating them is delegated to whatever
// embedding backend the deployment wires in (an external model API, a
// local ONNX runtime, etc.) — a pluggable function keeps this package free
// of a hard dependency on any one of those.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Provider implements [val.Provider], backed by a Qdrant collection for
// storage and an injected [EmbedFunc] for embedding generation.
type Provider struct {
	client     *qdrant.Client
	collection string
	modelID    string
	dims       int
	embed      EmbedFunc
}

// New returns a Provider that stores vectors in collection (created by
// the caller ahead of time; this provider has no create-collection
// operation of its own) and generates them via embed.
func New(client *qdrant.Client, collection, modelID string, dims int, embed EmbedFunc) *Provider {
	return &Provider{client: client, collection: collection, modelID: modelID, dims: dims, embed: embed}
}

// Health reports whether the backing Qdrant client is reachable, matching
// the per-client Health convention of the platform's storage wrappers.
func (p *Provider) Health(ctx context.Context) error {
	return p.client.Health(ctx)
}

// Dims implements [val.Provider].
func (p *Provider) Dims() int { return p.dims }

// ModelID implements [val.Provider].
func (p *Provider) ModelID() string { return p.modelID }

// pointID derives a deterministic numeric Qdrant point id from text, so
// re-embedding identical content upserts the same point rather than
// accumulating duplicates.
func pointID(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}

// Embed implements [val.Provider]: generates the embedding via the
// configured EmbedFunc and upserts it into the backing collection.
func (p *Provider) Embed(ctx context.Context, text string) (val.Vector, error) {
	if p.embed == nil {
		return val.Vector{}, sserr.ProviderNotConfigured("embed")
	}
	data, err := p.embed(ctx, text)
	if err != nil {
		return val.Vector{}, sserr.Wrap(err, sserr.CodeVecProviderFailed, "qdrantprovider: embedding call failed")
	}
	if len(data) != p.dims {
		return val.Vector{}, sserr.VectorDimensionMismatch(p.dims, len(data))
	}

	_, err = p.client.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: p.collection,
		Points: []*pb.PointStruct{
			{
				Id:      pb.NewIDNum(pointID(text)),
				Vectors: pb.NewVectors(data...),
			},
		},
	})
	if err != nil {
		return val.Vector{}, sserr.Wrap(err, sserr.CodeVecProviderFailed, "qdrantprovider: failed to persist embedding")
	}

	return val.Vector{Data: data, ModelID: p.modelID, Dims: p.dims}, nil
}

// EmbedBatch implements [val.Provider] as a sequential loop over Embed.
// Qdrant's Upsert already batches multiple points per call, but batching
// here would require the caller to accept partial failure semantics the
// simpler per-item loop avoids.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([]val.Vector, error) {
	out := make([]val.Vector, len(texts))
	for i, text := range texts {
		v, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

var codeFence = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\n(.*?)```")

// Summarize implements [val.Provider] with a deterministic heuristic: no
// generative model is wired into this provider, so it truncates to
// cfg.MaxChars on a sentence boundary where possible. Deployments needing
// abstractive summarization inject a different Provider for that
// capability; the caching decorator composes with either.
func (p *Provider) Summarize(ctx context.Context, content string, cfg val.SummarizeConfig) (string, error) {
	max := cfg.MaxChars
	if max <= 0 {
		max = 280
	}
	if len(content) <= max {
		return content, nil
	}
	cut := strings.LastIndexAny(content[:max], ".!?\n")
	if cut < max/2 {
		cut = max
	}
	return strings.TrimSpace(content[:cut]) + "…", nil
}

// ExtractArtifacts implements [val.Provider] with a deterministic
// heuristic: it pulls out fenced code blocks as Code artifacts. Richer
// extraction (decisions, error logs) needs a generative backend and is
// out of scope for this storage-only provider.
func (p *Provider) ExtractArtifacts(ctx context.Context, content string, types []string) ([]val.ExtractedArtifact, error) {
	wantCode := len(types) == 0
	for _, t := range types {
		if t == "code" {
			wantCode = true
		}
	}
	if !wantCode {
		return nil, nil
	}

	var out []val.ExtractedArtifact
	for i, m := range codeFence.FindAllStringSubmatch(content, -1) {
		out = append(out, val.ExtractedArtifact{
			Type:    "code",
			Name:    fmt.Sprintf("snippet-%d", i+1),
			Content: m[2],
		})
	}
	return out, nil
}

// DetectContradiction implements [val.Provider]: two embeddings whose
// cosine similarity is at or above threshold, with textually differing
// content, are flagged.
func (p *Provider) DetectContradiction(ctx context.Context, a, b val.Vector, contentA, contentB string, threshold float64) (val.ContradictionResult, error) {
	sim, err := val.CosineSimilarity(a, b)
	if err != nil {
		return val.ContradictionResult{}, err
	}
	contradicts := sim >= threshold && contentA != contentB
	return val.ContradictionResult{Contradicts: contradicts, Similarity: sim}, nil
}

var _ val.Provider = (*Provider)(nil)
