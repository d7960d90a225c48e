package entity

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
)

// TurnRole identifies who produced a conversation Turn.
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
	TurnRoleSystem    TurnRole = "system"
	TurnRoleTool      TurnRole = "tool"
)

// Turn is an ephemeral conversation buffer entry, deleted when its
// enclosing Scope closes.
type Turn struct {
	ID        ids.ID
	Tenant    ids.TenantID
	ScopeID   ids.ID
	Role      TurnRole
	Content   string
	CreatedAt time.Time
	Deleted   bool
	Seq       uint64
}

// CreateTurnInput is the input to [TurnStore.Create].
type CreateTurnInput struct {
	ScopeID ids.ID
	Role    TurnRole
	Content string
}

type turnCreatedPayload struct {
	EntityID  ids.ID    `json:"entity_id"`
	ScopeID   ids.ID    `json:"scope_id"`
	Role      TurnRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// TurnStore projects Turn entities from the event DAG. Unlike the other
// entity stores, deletion here is a real operation (scope close reclaims
// Turns in bulk), not just a terminal-event marker left forever live.
// This in-process projection models that by appending a per-turn deleted
// marker; the underlying store still owns the physical bytes.
type TurnStore struct {
	base
	cache *projectionCache[*Turn]
}

// NewTurnStore returns a TurnStore backed by dag.
func NewTurnStore(dag eventdag.Store, notifier journal.Notifier, logger *slog.Logger) *TurnStore {
	return &TurnStore{
		base:  newBase(dag, notifier, logger),
		cache: newProjectionCache[*Turn](notifier, event.FamilyTurn),
	}
}

// Create appends a turn.created event.
func (s *TurnStore) Create(ctx context.Context, tenant ids.TenantID, authorAgent ids.ID, in CreateTurnInput) (ids.ID, error) {
	if in.ScopeID.IsZero() {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "entity: turn requires a scope id")
	}

	id := ids.New()
	payload, err := json.Marshal(turnCreatedPayload{
		EntityID:  id,
		ScopeID:   in.ScopeID,
		Role:      in.Role,
		Content:   in.Content,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return ids.Zero, errors.Wrap(err, errors.CodeInternal, "entity: failed to encode turn.created payload")
	}

	e := &event.Event{ID: id, Kind: event.KindTurnCreated}
	stored, err := s.appendCreationEvent(ctx, tenant, authorAgent, e, payload)
	if err != nil {
		return ids.Zero, err
	}
	return stored.ID, nil
}

// Get folds the turn.created event for id. A deleted turn still folds (so
// callers can distinguish "never existed" from "reclaimed") but reports
// Deleted=true.
func (s *TurnStore) Get(ctx context.Context, tenant ids.TenantID, id ids.ID) (*Turn, error) {
	if t, ok := s.cache.get(tenant, id); ok {
		return t, nil
	}
	events, err := scanKind(ctx, s.dag, tenant, event.KindTurnCreated, event.KindTurnCreated)
	if err != nil {
		return nil, err
	}
	var found *Turn
	for _, e := range events {
		var p turnCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, errors.Wrap(err, errors.CodeStoreMalformed, "entity: bad turn.created payload")
		}
		if p.EntityID != id {
			continue
		}
		found = &Turn{
			ID:        p.EntityID,
			Tenant:    tenant,
			ScopeID:   p.ScopeID,
			Role:      p.Role,
			Content:   p.Content,
			CreatedAt: p.CreatedAt,
			Deleted:   p.Deleted,
			Seq:       e.MonotonicSeq,
		}
	}
	if found == nil {
		return nil, errors.Newf(errors.CodeNotFoundResource, "entity: turn %s not found", id)
	}
	s.cache.put(tenant, id, found)
	return found, nil
}

// ListByScope returns every non-deleted turn belonging to scopeID, ordered
// by seq ascending (i.e. conversation order). The fold keeps the last
// event per turn id, so a turn reclaimed by a later deletion marker never
// reappears from its original creation event.
func (s *TurnStore) ListByScope(ctx context.Context, tenant ids.TenantID, scopeID ids.ID, p Pagination) (Page[*Turn], error) {
	events, err := scanKind(ctx, s.dag, tenant, event.KindTurnCreated, event.KindTurnCreated)
	if err != nil {
		return Page[*Turn]{}, err
	}

	latest := make(map[ids.ID]*Turn)
	var order []ids.ID
	for _, e := range events {
		var pl turnCreatedPayload
		if err := json.Unmarshal(e.Payload, &pl); err != nil {
			return Page[*Turn]{}, errors.Wrap(err, errors.CodeStoreMalformed, "entity: bad turn.created payload")
		}
		if pl.ScopeID != scopeID {
			continue
		}
		if _, seen := latest[pl.EntityID]; !seen {
			order = append(order, pl.EntityID)
		}
		latest[pl.EntityID] = &Turn{
			ID:        pl.EntityID,
			Tenant:    tenant,
			ScopeID:   pl.ScopeID,
			Role:      pl.Role,
			Content:   pl.Content,
			CreatedAt: pl.CreatedAt,
			Deleted:   pl.Deleted,
			Seq:       e.MonotonicSeq,
		}
	}

	var out []*Turn
	for _, id := range order {
		t := latest[id]
		if t.Deleted {
			continue
		}
		out = append(out, t)
	}

	return paginate(out, func(t *Turn) uint64 { return t.Seq }, p), nil
}

// DeleteByScope reclaims (marks deleted) every Turn belonging to scopeID.
// Called by [ScopeStore.Close]; not meant to be called directly by other
// callers, since Turn deletion is scope-close-driven.
func (s *TurnStore) DeleteByScope(ctx context.Context, tenant ids.TenantID, authorAgent, scopeID ids.ID) error {
	page, err := s.ListByScope(ctx, tenant, scopeID, Pagination{})
	if err != nil {
		return err
	}
	for _, t := range page.Items {
		payload, err := json.Marshal(turnCreatedPayload{
			EntityID:  t.ID,
			ScopeID:   t.ScopeID,
			Role:      t.Role,
			Content:   t.Content,
			CreatedAt: t.CreatedAt,
			Deleted:   true,
		})
		if err != nil {
			return errors.Wrap(err, errors.CodeInternal, "entity: failed to encode turn deletion payload")
		}
		if _, err := s.appendEvent(ctx, tenant, event.KindTurnCreated, authorAgent, payload); err != nil {
			return err
		}
		s.cache.invalidate(tenant, t.ID)
	}
	return nil
}
