// Package assembler implements the context assembler: given a
// trajectory, a scope, and a token budget, it gathers the scope's open
// Turns, its Artifacts (and Artifacts inherited from ancestor scopes), and
// Notes relevant to an optional query embedding, then greedily packs the
// highest-priority candidates under the budget and returns an audit trace
// of every candidate considered. It never calls a [val.Provider]
// synchronously — Note relevance is scored against embeddings the
// entity layer already computed and stored, not recomputed here.
package assembler

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/caliberdev/caliber/pkg/entity"
	"github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/val"
)

// Format selects how assembled fragments are shaped.
type Format string

const (
	// FormatRaw includes every fragment's full content, unmodified.
	FormatRaw Format = "raw"
	// FormatSummary truncates each fragment's content to a fixed length
	// on a sentence boundary where possible, since the assembler cannot
	// call out to a VAL provider for abstractive summarization here.
	FormatSummary Format = "summary"
	// FormatTopK restricts the candidate set to the TopK highest-priority
	// candidates before packing, regardless of whether more would fit.
	FormatTopK Format = "top_k"
	// FormatRelevant restricts the candidate set to pinned candidates
	// plus Notes whose similarity to RelevanceQuery meets
	// SimilarityThreshold, dropping Turns and unpinned Artifacts that
	// carry no relevance score of their own.
	FormatRelevant Format = "relevant"
)

// defaultCharsPerToken is the fixed characters-per-token ratio used for
// portable token estimation; an exact tokenizer plugs in via the
// charsPerToken field where a deployment needs one.
const defaultCharsPerToken = 4.0

// defaultSummaryChars bounds FormatSummary's truncation length.
const defaultSummaryChars = 400

// Kind identifies the entity family a [Fragment] or [TraceEntry]
// originated from.
type Kind string

const (
	KindTurn     Kind = "turn"
	KindArtifact Kind = "artifact"
	KindNote     Kind = "note"
)

// Request is the input to [Assembler.Assemble].
type Request struct {
	TrajectoryID ids.ID
	ScopeID      ids.ID
	TokenBudget  int

	// RelevanceQuery, if non-nil, scores Notes by cosine similarity to
	// it; Notes below SimilarityThreshold are excluded entirely.
	// Nil means no Note is considered relevant.
	RelevanceQuery *val.Vector
	// SimilarityThreshold is the minimum cosine similarity a Note's
	// embedding must reach against RelevanceQuery to be a candidate at
	// all. Ignored when RelevanceQuery is nil.
	SimilarityThreshold float64

	// PinnedArtifactIDs and PinnedNoteIDs rank first regardless of
	// extraction method or similarity.
	PinnedArtifactIDs []ids.ID
	PinnedNoteIDs     []ids.ID

	Format Format
	// TopK bounds the candidate set when Format is FormatTopK.
	TopK int
}

// Fragment is one assembled piece of context.
type Fragment struct {
	Kind     Kind
	EntityID ids.ID
	Content  string
	Tokens   int
}

// TraceEntry records one candidate's fate, for auditability.
type TraceEntry struct {
	Kind     Kind
	EntityID ids.ID
	Score    float64
	Tokens   int
	Included bool
	Reason   string
}

// Result is the output of [Assembler.Assemble].
type Result struct {
	Fragments   []Fragment
	Trace       []TraceEntry
	TotalTokens int
}

// Assembler packs context fragments under a token budget from the entity
// layer's Turn, Artifact, and Note projections.
type Assembler struct {
	scopes    *entity.ScopeStore
	turns     *entity.TurnStore
	artifacts *entity.ArtifactStore
	notes     *entity.NoteStore

	charsPerToken float64
	logger        *slog.Logger
}

// New returns an Assembler backed by the given entity stores. All four
// are required: the assembler has no projection logic of its own, only
// the gather/rank/pack algorithm that sits on top of them.
func New(scopes *entity.ScopeStore, turns *entity.TurnStore, artifacts *entity.ArtifactStore, notes *entity.NoteStore, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		scopes:        scopes,
		turns:         turns,
		artifacts:     artifacts,
		notes:         notes,
		charsPerToken: defaultCharsPerToken,
		logger:        logger,
	}
}

type candidate struct {
	kind       Kind
	entityID   ids.ID
	content    string
	createdAt  time.Time
	pinned     bool
	bucket     int
	similarity float64
	hasScore   bool
}

// Bucket values below ties within pinned/unpinned groups; lower sorts
// first. Turns rank ahead of Artifacts (the live conversation is always
// in scope), Artifacts rank by extraction method, Notes
// rank last by similarity (step 2d).
const (
	bucketTurn               = 0
	bucketArtifactExplicit   = 1
	bucketArtifactInferred   = 2
	bucketArtifactSummarized = 3
	bucketNote               = 4
)

// Assemble gathers candidates for (req.TrajectoryID, req.ScopeID), ranks
// them, and greedily packs as many as fit under req.TokenBudget.
func (a *Assembler) Assemble(ctx context.Context, tenant ids.TenantID, req Request) (*Result, error) {
	if req.TokenBudget <= 0 {
		return nil, errors.New(errors.CodeValidationRange, "assembler: token_budget must be positive")
	}

	candidates, err := a.gather(ctx, tenant, req)
	if err != nil {
		return nil, err
	}

	pinnedArtifact := make(map[ids.ID]bool, len(req.PinnedArtifactIDs))
	for _, id := range req.PinnedArtifactIDs {
		pinnedArtifact[id] = true
	}
	pinnedNote := make(map[ids.ID]bool, len(req.PinnedNoteIDs))
	for _, id := range req.PinnedNoteIDs {
		pinnedNote[id] = true
	}
	for i := range candidates {
		c := &candidates[i]
		switch c.kind {
		case KindArtifact:
			c.pinned = pinnedArtifact[c.entityID]
		case KindNote:
			c.pinned = pinnedNote[c.entityID]
		}
	}

	sortCandidates(candidates)

	if req.Format == FormatRelevant {
		candidates = filterRelevant(candidates)
	}

	var dropped []candidate
	if req.Format == FormatTopK && req.TopK > 0 && len(candidates) > req.TopK {
		dropped = candidates[req.TopK:]
		candidates = candidates[:req.TopK]
	}

	res, err := a.pack(candidates, req)
	if err != nil {
		return nil, err
	}
	for _, c := range dropped {
		res.Trace = append(res.Trace, TraceEntry{
			Kind:     c.kind,
			EntityID: c.entityID,
			Score:    candidateScore(c),
			Tokens:   a.estimateTokens(c.content),
			Included: false,
			Reason:   "excluded by top_k",
		})
	}
	return res, nil
}

func (a *Assembler) gather(ctx context.Context, tenant ids.TenantID, req Request) ([]candidate, error) {
	var out []candidate

	turnsPage, err := a.turns.ListByScope(ctx, tenant, req.ScopeID, entity.Pagination{})
	if err != nil {
		return nil, err
	}
	for _, t := range turnsPage.Items {
		out = append(out, candidate{
			kind:      KindTurn,
			entityID:  t.ID,
			content:   t.Content,
			createdAt: t.CreatedAt,
			bucket:    bucketTurn,
		})
	}

	scopeIDs, err := a.scopeChain(ctx, tenant, req.ScopeID)
	if err != nil {
		return nil, err
	}
	seenArtifact := make(map[ids.ID]bool)
	for _, scopeID := range scopeIDs {
		page, err := a.artifacts.List(ctx, tenant, req.TrajectoryID, scopeID, entity.Filter{}, entity.Pagination{})
		if err != nil {
			return nil, err
		}
		for _, art := range page.Items {
			if art.Deleted || seenArtifact[art.ID] {
				continue
			}
			seenArtifact[art.ID] = true
			out = append(out, candidate{
				kind:      KindArtifact,
				entityID:  art.ID,
				content:   string(art.Content),
				createdAt: art.CreatedAt,
				bucket:    artifactBucket(art.ExtractionMethod),
			})
		}
	}

	if req.RelevanceQuery != nil {
		notesPage, err := a.notes.List(ctx, tenant, entity.Filter{}, entity.Pagination{})
		if err != nil {
			return nil, err
		}
		for _, n := range notesPage.Items {
			if n.Deleted || len(n.Embedding) == 0 {
				continue
			}
			sim, err := val.CosineSimilarity(*req.RelevanceQuery, val.Vector{Data: n.Embedding, Dims: len(n.Embedding)})
			if err != nil {
				a.logger.Warn("assembler: skipping note with incompatible embedding dims", "note_id", n.ID, "error", err)
				continue
			}
			if sim < req.SimilarityThreshold {
				continue
			}
			out = append(out, candidate{
				kind:       KindNote,
				entityID:   n.ID,
				content:    n.Content,
				createdAt:  n.UpdatedAt,
				bucket:     bucketNote,
				similarity: sim,
				hasScore:   true,
			})
		}
	}

	return out, nil
}

// scopeChain returns scopeID followed by every ancestor scope id, walking
// ParentScopeID until it reaches a root scope, so Artifacts inherited
// from ancestor scopes become candidates too.
func (a *Assembler) scopeChain(ctx context.Context, tenant ids.TenantID, scopeID ids.ID) ([]ids.ID, error) {
	var chain []ids.ID
	current := scopeID
	for !current.IsZero() {
		chain = append(chain, current)
		sc, err := a.scopes.Get(ctx, tenant, current)
		if err != nil {
			return nil, err
		}
		if sc.ParentScopeID == nil {
			break
		}
		current = *sc.ParentScopeID
	}
	return chain, nil
}

func artifactBucket(m entity.ExtractionMethod) int {
	switch m.Priority() {
	case 0:
		return bucketArtifactExplicit
	case 1:
		return bucketArtifactInferred
	default:
		return bucketArtifactSummarized
	}
}

// sortCandidates orders by priority: pinned first, then ascending bucket,
// then (within the Note bucket) descending similarity, then newer first.
func sortCandidates(c []candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].pinned != c[j].pinned {
			return c[i].pinned
		}
		if c[i].bucket != c[j].bucket {
			return c[i].bucket < c[j].bucket
		}
		if c[i].bucket == bucketNote && c[i].similarity != c[j].similarity {
			return c[i].similarity > c[j].similarity
		}
		return c[i].createdAt.After(c[j].createdAt)
	})
}

// filterRelevant keeps only pinned candidates and scored (Note)
// candidates, per FormatRelevant's definition.
func filterRelevant(c []candidate) []candidate {
	out := make([]candidate, 0, len(c))
	for _, cand := range c {
		if cand.pinned || cand.hasScore {
			out = append(out, cand)
		}
	}
	return out
}

func (a *Assembler) estimateTokens(content string) int {
	return int(math.Ceil(float64(len(content)) / a.charsPerToken))
}

func (a *Assembler) formatContent(content string, format Format) string {
	if format != FormatSummary {
		return content
	}
	if len(content) <= defaultSummaryChars {
		return content
	}
	cut := defaultSummaryChars
	for i := defaultSummaryChars; i > defaultSummaryChars/2; i-- {
		switch content[i-1] {
		case '.', '!', '?', '\n':
			cut = i
		}
		if cut != defaultSummaryChars {
			break
		}
	}
	return content[:cut] + "…"
}

// pack walks candidates in priority order, including every one that
// still fits the remaining budget and skipping (not stopping at) ones
// that don't. It stops scanning once the budget is
// exhausted, recording every remaining candidate as excluded.
func (a *Assembler) pack(candidates []candidate, req Request) (*Result, error) {
	remaining := req.TokenBudget
	res := &Result{}

	exhausted := false
	for _, c := range candidates {
		content := a.formatContent(c.content, req.Format)
		tokens := a.estimateTokens(content)

		entry := TraceEntry{Kind: c.kind, EntityID: c.entityID, Score: candidateScore(c), Tokens: tokens}

		if exhausted {
			entry.Included = false
			entry.Reason = "budget exhausted"
			res.Trace = append(res.Trace, entry)
			continue
		}

		if tokens > remaining {
			entry.Included = false
			entry.Reason = "does not fit remaining budget"
			res.Trace = append(res.Trace, entry)
			continue
		}

		remaining -= tokens
		res.TotalTokens += tokens
		res.Fragments = append(res.Fragments, Fragment{Kind: c.kind, EntityID: c.entityID, Content: content, Tokens: tokens})
		entry.Included = true
		entry.Reason = includeReason(c)
		res.Trace = append(res.Trace, entry)

		if remaining == 0 {
			exhausted = true
		}
	}

	return res, nil
}

func candidateScore(c candidate) float64 {
	if c.hasScore {
		return c.similarity
	}
	if c.pinned {
		return 1
	}
	return 0
}

func includeReason(c candidate) string {
	switch {
	case c.pinned:
		return "explicit pin"
	case c.kind == KindNote:
		return "relevant note"
	case c.kind == KindTurn:
		return "open turn"
	default:
		return "artifact"
	}
}
