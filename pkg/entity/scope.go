package entity

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/eventdag"
	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/journal"
	"github.com/caliberdev/caliber/pkg/lifecycle"
)

// ScopeStatus is the lifecycle status of a Scope.
type ScopeStatus string

const (
	ScopeOpen      ScopeStatus = "open"
	ScopeClosed    ScopeStatus = "closed"
	ScopeSuspended ScopeStatus = "suspended"
)

// scopeTransitions is the scope machine: an Open scope may suspend or
// close, a Suspended scope may resume or close, and Closed is terminal.
var scopeTransitions = lifecycle.Transitions[ScopeStatus]{
	ScopeOpen:      {ScopeSuspended, ScopeClosed},
	ScopeSuspended: {ScopeOpen, ScopeClosed},
	ScopeClosed:    {},
}

// Scope is the projected, read-only view of a context window nested inside
// a trajectory.
type Scope struct {
	ID            ids.ID
	Tenant        ids.TenantID
	TrajectoryID  ids.ID
	ParentScopeID *ids.ID
	Name          string
	TokenBudget   int
	Status        ScopeStatus
	CreatedAt     time.Time
	ClosedAt      *time.Time
	Seq           uint64
}

// CreateScopeInput is the input to [ScopeStore.Create].
type CreateScopeInput struct {
	TrajectoryID  ids.ID
	ParentScopeID *ids.ID
	Name          string
	TokenBudget   int
}

type scopeCreatedPayload struct {
	EntityID      ids.ID    `json:"entity_id"`
	TrajectoryID  ids.ID    `json:"trajectory_id"`
	ParentScopeID *ids.ID   `json:"parent_scope_id,omitempty"`
	Name          string    `json:"name"`
	TokenBudget   int       `json:"token_budget"`
	CreatedAt     time.Time `json:"created_at"`
}

type scopeClosedPayload struct {
	EntityID ids.ID      `json:"entity_id"`
	Status   ScopeStatus `json:"status"`
	ClosedAt time.Time   `json:"closed_at"`
}

// ScopeStore projects Scope entities from the event DAG.
type ScopeStore struct {
	base
	cache *projectionCache[*Scope]
	turns *TurnStore
}

// NewScopeStore returns a ScopeStore backed by dag. turns, if non-nil, is
// reclaimed (its ephemeral Turns deleted) whenever Close is called:
// closing a scope deletes its ephemeral Turns but preserves its
// Artifacts.
func NewScopeStore(dag eventdag.Store, notifier journal.Notifier, turns *TurnStore, logger *slog.Logger) *ScopeStore {
	return &ScopeStore{
		base:  newBase(dag, notifier, logger),
		cache: newProjectionCache[*Scope](notifier, event.FamilyScope),
		turns: turns,
	}
}

// Create appends a scope.created event, enforcing token_budget > 0.
func (s *ScopeStore) Create(ctx context.Context, tenant ids.TenantID, authorAgent ids.ID, in CreateScopeInput) (ids.ID, error) {
	if strings.TrimSpace(in.Name) == "" {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "entity: scope name is required")
	}
	if in.TrajectoryID.IsZero() {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "entity: scope requires a trajectory id")
	}
	if in.TokenBudget <= 0 {
		return ids.Zero, errors.New(errors.CodeValidationRange, "entity: scope token_budget must be positive")
	}

	id := ids.New()
	now := time.Now().UTC()
	payload, err := json.Marshal(scopeCreatedPayload{
		EntityID:      id,
		TrajectoryID:  in.TrajectoryID,
		ParentScopeID: in.ParentScopeID,
		Name:          in.Name,
		TokenBudget:   in.TokenBudget,
		CreatedAt:     now,
	})
	if err != nil {
		return ids.Zero, errors.Wrap(err, errors.CodeInternal, "entity: failed to encode scope.created payload")
	}

	e := &event.Event{ID: id, Kind: event.KindScopeCreated}
	stored, err := s.appendCreationEvent(ctx, tenant, authorAgent, e, payload)
	if err != nil {
		return ids.Zero, err
	}
	return stored.ID, nil
}

// Get folds every scope.* event addressed to id.
func (s *ScopeStore) Get(ctx context.Context, tenant ids.TenantID, id ids.ID) (*Scope, error) {
	if sc, ok := s.cache.get(tenant, id); ok {
		return sc, nil
	}
	events, err := scanKind(ctx, s.dag, tenant, event.KindScopeCreated, event.KindScopeClosed)
	if err != nil {
		return nil, err
	}
	sc, err := foldScope(id, events)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, errors.Newf(errors.CodeNotFoundResource, "entity: scope %s not found", id)
	}
	sc.Tenant = tenant
	s.cache.put(tenant, id, sc)
	return sc, nil
}

func foldScope(id ids.ID, events []*event.Event) (*Scope, error) {
	var sc *Scope
	for _, e := range events {
		switch e.Kind {
		case event.KindScopeCreated:
			var p scopeCreatedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "entity: bad scope.created payload")
			}
			if p.EntityID != id {
				continue
			}
			sc = &Scope{
				ID:            p.EntityID,
				TrajectoryID:  p.TrajectoryID,
				ParentScopeID: p.ParentScopeID,
				Name:          p.Name,
				TokenBudget:   p.TokenBudget,
				Status:        ScopeOpen,
				CreatedAt:     p.CreatedAt,
				Seq:           e.MonotonicSeq,
			}
		case event.KindScopeClosed:
			if sc == nil {
				continue
			}
			var p scopeClosedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "entity: bad scope.closed payload")
			}
			if p.EntityID != id {
				continue
			}
			sc.Status = p.Status
			if p.Status == ScopeClosed {
				closedAt := p.ClosedAt
				sc.ClosedAt = &closedAt
			} else {
				sc.ClosedAt = nil
			}
			sc.Seq = e.MonotonicSeq
		}
	}
	return sc, nil
}

// List returns every scope for tenant matching filter.
func (s *ScopeStore) List(ctx context.Context, tenant ids.TenantID, trajectoryID ids.ID, filter Filter, p Pagination) (Page[*Scope], error) {
	events, err := scanKind(ctx, s.dag, tenant, event.KindScopeCreated, event.KindScopeClosed)
	if err != nil {
		return Page[*Scope]{}, err
	}

	byID := make(map[ids.ID][]*event.Event)
	var order []ids.ID
	for _, e := range events {
		var id ids.ID
		switch e.Kind {
		case event.KindScopeCreated:
			var p scopeCreatedPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				id = p.EntityID
			}
		case event.KindScopeClosed:
			var p scopeClosedPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				id = p.EntityID
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

	var out []*Scope
	for _, id := range order {
		sc, err := foldScope(id, byID[id])
		if err != nil {
			return Page[*Scope]{}, err
		}
		if sc == nil {
			continue
		}
		if !trajectoryID.IsZero() && sc.TrajectoryID != trajectoryID {
			continue
		}
		sc.Tenant = tenant
		if filter.Status != "" && string(sc.Status) != filter.Status {
			continue
		}
		if filter.NameContains != "" && !strings.Contains(sc.Name, filter.NameContains) {
			continue
		}
		out = append(out, sc)
	}

	return paginate(out, func(sc *Scope) uint64 { return sc.Seq }, p), nil
}

// Close transitions a scope to Closed (from Open or Suspended) and, if a
// TurnStore was supplied at construction, deletes its Turns — preserving
// Artifacts.
func (s *ScopeStore) Close(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID) error {
	sc, err := s.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if scopeTransitions.Terminal(sc.Status) {
		// Already closed; closing again is a no-op, not an error.
		return nil
	}
	if !scopeTransitions.Valid(sc.Status, ScopeClosed) {
		return errors.InvalidTransition(string(sc.Status), string(ScopeClosed))
	}

	payload, err := json.Marshal(scopeClosedPayload{
		EntityID: id,
		Status:   ScopeClosed,
		ClosedAt: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "entity: failed to encode scope.closed payload")
	}
	if _, err := s.appendEvent(ctx, tenant, event.KindScopeClosed, authorAgent, payload); err != nil {
		return err
	}
	s.cache.invalidate(tenant, id)

	if s.turns != nil {
		if err := s.turns.DeleteByScope(ctx, tenant, authorAgent, id); err != nil {
			s.logger.Warn("entity: failed to reclaim turns on scope close",
				"scope_id", id.String(), "error", err)
		}
	}
	return nil
}

// Suspend transitions an Open scope to Suspended without reclaiming Turns.
func (s *ScopeStore) Suspend(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID) error {
	return s.setStatus(ctx, tenant, authorAgent, id, ScopeSuspended)
}

// Resume transitions a Suspended scope back to Open.
func (s *ScopeStore) Resume(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID) error {
	return s.setStatus(ctx, tenant, authorAgent, id, ScopeOpen)
}

// setStatus validates the transition against the scope machine and appends
// the status-change event Suspend and Resume share.
func (s *ScopeStore) setStatus(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID, to ScopeStatus) error {
	sc, err := s.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if !scopeTransitions.Valid(sc.Status, to) {
		return errors.InvalidTransition(string(sc.Status), string(to))
	}

	payload, err := json.Marshal(scopeClosedPayload{
		EntityID: id,
		Status:   to,
		ClosedAt: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "entity: failed to encode scope.closed payload")
	}
	if _, err := s.appendEvent(ctx, tenant, event.KindScopeClosed, authorAgent, payload); err != nil {
		return err
	}
	s.cache.invalidate(tenant, id)
	return nil
}
