package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/eventdag"
	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/journal"
	"github.com/caliberdev/caliber/pkg/lifecycle"
	"github.com/caliberdev/caliber/pkg/val"
)

// ConflictStatus is a Conflict's resolution state.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// conflictTransitions is the (two-state) conflict machine: a conflict is
// resolved at most once, and Resolved is terminal.
var conflictTransitions = lifecycle.Transitions[ConflictStatus]{
	ConflictOpen:     {ConflictResolved},
	ConflictResolved: {},
}

// Resolution is one of the options a caller may pick when resolving a
// Conflict.
type Resolution string

const (
	ResolutionKeepFirst  Resolution = "keep_first"
	ResolutionKeepSecond Resolution = "keep_second"
	ResolutionMerge      Resolution = "merge"
	ResolutionIgnore     Resolution = "ignore"
)

// Party identifies one side of a flagged Conflict: an artifact or a note.
type Party struct {
	Type string
	ID   ids.ID
}

// Conflict is the projected, read-only view of a detected inconsistency
// between two artifacts/notes.
type Conflict struct {
	ID         ids.ID
	Tenant     ids.TenantID
	First      Party
	Second     Party
	Similarity float64
	Status     ConflictStatus
	Resolution Resolution
	ResolvedBy ids.ID
	DetectedAt time.Time
	ResolvedAt time.Time
	Seq        uint64
}

type conflictDetectedPayload struct {
	EntityID   ids.ID    `json:"entity_id"`
	First      Party     `json:"first"`
	Second     Party     `json:"second"`
	Similarity float64   `json:"similarity"`
	DetectedAt time.Time `json:"detected_at"`
}

type conflictResolvedPayload struct {
	EntityID   ids.ID     `json:"entity_id"`
	Resolution Resolution `json:"resolution"`
	ResolvedBy ids.ID     `json:"resolved_by"`
	ResolvedAt time.Time  `json:"resolved_at"`
}

// ConflictStore projects Conflict entities from the event DAG.
type ConflictStore struct {
	base
}

// NewConflictStore returns a ConflictStore backed by dag.
func NewConflictStore(dag eventdag.Store, notifier journal.Notifier, logger *slog.Logger) *ConflictStore {
	return &ConflictStore{base: newBase(dag, notifier, logger)}
}

// Flag appends a conflict.detected event recording first and second as
// contradicting at the given similarity.
func (s *ConflictStore) Flag(ctx context.Context, tenant ids.TenantID, first, second Party, similarity float64) (ids.ID, error) {
	if first.ID.IsZero() || second.ID.IsZero() {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "coordination: conflict requires two non-zero parties")
	}

	id := ids.New()
	payload, err := json.Marshal(conflictDetectedPayload{
		EntityID:   id,
		First:      first,
		Second:     second,
		Similarity: similarity,
		DetectedAt: time.Now().UTC(),
	})
	if err != nil {
		return ids.Zero, errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode conflict.detected payload")
	}
	stored, err := s.appendWithID(ctx, tenant, id, event.KindConflictDetected, ids.Zero, payload)
	if err != nil {
		return ids.Zero, err
	}
	return stored.ID, nil
}

// Resolve appends a conflict.resolved event recording how an open conflict
// was settled. Resolving an already-resolved conflict is rejected as an
// invalid transition rather than silently overwritten, since a conflict's
// resolution is a one-time decision, recorded as its own event.
func (s *ConflictStore) Resolve(ctx context.Context, tenant ids.TenantID, id, resolvedBy ids.ID, resolution Resolution) error {
	c, err := s.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if !conflictTransitions.Valid(c.Status, ConflictResolved) {
		return errors.InvalidTransition(string(c.Status), string(ConflictResolved))
	}

	payload, err := json.Marshal(conflictResolvedPayload{
		EntityID:   id,
		Resolution: resolution,
		ResolvedBy: resolvedBy,
		ResolvedAt: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode conflict.resolved payload")
	}
	_, err = s.appendEvent(ctx, tenant, event.KindConflictResolved, resolvedBy, payload)
	return err
}

// Get folds every conflict.* event addressed to id.
func (s *ConflictStore) Get(ctx context.Context, tenant ids.TenantID, id ids.ID) (*Conflict, error) {
	events, err := scanKind(ctx, s.dag, tenant, event.KindConflictDetected, event.KindConflictResolved)
	if err != nil {
		return nil, err
	}
	c, err := foldConflict(id, events)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.Newf(errors.CodeNotFoundResource, "coordination: conflict %s not found", id)
	}
	c.Tenant = tenant
	return c, nil
}

func foldConflict(id ids.ID, events []*event.Event) (*Conflict, error) {
	sortBySeq(events)

	var c *Conflict
	for _, e := range events {
		switch e.Kind {
		case event.KindConflictDetected:
			var p conflictDetectedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad conflict.detected payload")
			}
			if p.EntityID != id {
				continue
			}
			c = &Conflict{
				ID:         p.EntityID,
				First:      p.First,
				Second:     p.Second,
				Similarity: p.Similarity,
				Status:     ConflictOpen,
				DetectedAt: p.DetectedAt,
				Seq:        e.MonotonicSeq,
			}
		case event.KindConflictResolved:
			if c == nil {
				continue
			}
			var p conflictResolvedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad conflict.resolved payload")
			}
			if p.EntityID != id {
				continue
			}
			c.Status = ConflictResolved
			c.Resolution = p.Resolution
			c.ResolvedBy = p.ResolvedBy
			c.ResolvedAt = p.ResolvedAt
			c.Seq = e.MonotonicSeq
		}
	}
	return c, nil
}

// List returns every conflict for tenant, optionally narrowed to open ones.
func (s *ConflictStore) List(ctx context.Context, tenant ids.TenantID, openOnly bool, p Pagination) (Page[*Conflict], error) {
	events, err := scanKind(ctx, s.dag, tenant, event.KindConflictDetected, event.KindConflictResolved)
	if err != nil {
		return Page[*Conflict]{}, err
	}

	byID := make(map[ids.ID][]*event.Event)
	var order []ids.ID
	for _, e := range events {
		var id ids.ID
		switch e.Kind {
		case event.KindConflictDetected:
			var pl conflictDetectedPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		case event.KindConflictResolved:
			var pl conflictResolvedPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		}
		if id.IsZero() {
			continue
		}
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = append(byID[id], e)
	}

	var out []*Conflict
	for _, id := range order {
		c, err := foldConflict(id, byID[id])
		if err != nil {
			return Page[*Conflict]{}, err
		}
		if c == nil {
			continue
		}
		if openOnly && c.Status != ConflictOpen {
			continue
		}
		c.Tenant = tenant
		out = append(out, c)
	}
	return paginate(out, func(c *Conflict) uint64 { return c.Seq }, p), nil
}

// ConflictDetector applies the contradiction rule — cosine similarity at or
// above a contradiction threshold, combined with differing content — to
// decide whether two artifacts/notes should be flagged as a Conflict. It
// wraps a val.Provider for both the similarity math and, where the provider
// implements richer contradiction detection (e.g. semantic diffing beyond
// raw cosine distance), that capability too.
type ConflictDetector struct {
	store     *ConflictStore
	provider  val.Provider
	threshold float64
}

// NewConflictDetector returns a ConflictDetector that flags conflicts on
// store when two compared items clear threshold.
func NewConflictDetector(store *ConflictStore, provider val.Provider, threshold float64) *ConflictDetector {
	return &ConflictDetector{store: store, provider: provider, threshold: threshold}
}

// Check compares firstVec/firstContent against secondVec/secondContent. If
// their cosine similarity is at or above the detector's threshold and their
// content differs, a Conflict is flagged and its id returned; otherwise
// Check returns a zero id and found=false.
func (d *ConflictDetector) Check(ctx context.Context, tenant ids.TenantID, first Party, firstVec val.Vector, firstContent string, second Party, secondVec val.Vector, secondContent string) (ids.ID, bool, error) {
	if firstContent == secondContent {
		return ids.Zero, false, nil
	}

	similarity, err := val.CosineSimilarity(firstVec, secondVec)
	if err != nil {
		return ids.Zero, false, err
	}
	if similarity < d.threshold {
		return ids.Zero, false, nil
	}

	if d.provider != nil {
		result, err := d.provider.DetectContradiction(ctx, firstVec, secondVec, firstContent, secondContent, d.threshold)
		if err == nil && !result.Contradicts {
			return ids.Zero, false, nil
		}
	}

	id, err := d.store.Flag(ctx, tenant, first, second, similarity)
	if err != nil {
		return ids.Zero, false, err
	}
	return id, true, nil
}
