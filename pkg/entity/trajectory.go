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

// TrajectoryStatus is the lifecycle status of a Trajectory. Status
// transitions are monotone: Active -> {Completed|Failed} -> Archived, with
// Archived terminal.
type TrajectoryStatus string

const (
	TrajectoryActive    TrajectoryStatus = "active"
	TrajectoryCompleted TrajectoryStatus = "completed"
	TrajectoryFailed    TrajectoryStatus = "failed"
	TrajectoryArchived  TrajectoryStatus = "archived"
)

// trajectoryTransitions is the trajectory machine: Active ->
// {Completed|Failed} -> Archived. Archived has no outgoing edges, making
// it terminal.
var trajectoryTransitions = lifecycle.Transitions[TrajectoryStatus]{
	TrajectoryActive:    {TrajectoryCompleted, TrajectoryFailed},
	TrajectoryCompleted: {TrajectoryArchived},
	TrajectoryFailed:    {TrajectoryArchived},
	TrajectoryArchived:  {},
}

// Trajectory is the projected, read-only view of a task container.
type Trajectory struct {
	ID                 ids.ID
	Tenant             ids.TenantID
	Name               string
	Description        string
	Status             TrajectoryStatus
	ParentTrajectoryID *ids.ID
	Outcome            string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Seq                uint64
}

// CreateTrajectoryInput is the input to [TrajectoryStore.Create].
type CreateTrajectoryInput struct {
	Name               string
	Description        string
	ParentTrajectoryID *ids.ID
}

type trajectoryCreatedPayload struct {
	EntityID           ids.ID    `json:"entity_id"`
	Name               string    `json:"name"`
	Description        string    `json:"description"`
	ParentTrajectoryID *ids.ID   `json:"parent_trajectory_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

type trajectoryUpdatedPayload struct {
	EntityID    ids.ID    `json:"entity_id"`
	Name        string    `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type trajectoryCompletePayload struct {
	EntityID    ids.ID           `json:"entity_id"`
	Status      TrajectoryStatus `json:"status"`
	Outcome     string           `json:"outcome,omitempty"`
	CompletedAt time.Time        `json:"completed_at"`
}

// TrajectoryStore projects Trajectory entities from the event DAG.
type TrajectoryStore struct {
	base
	cache *projectionCache[*Trajectory]
}

// NewTrajectoryStore returns a TrajectoryStore backed by dag, publishing
// invalidation-relevant changes through notifier.
func NewTrajectoryStore(dag eventdag.Store, notifier journal.Notifier, logger *slog.Logger) *TrajectoryStore {
	s := &TrajectoryStore{base: newBase(dag, notifier, logger)}
	s.cache = newProjectionCache[*Trajectory](notifier, event.FamilyTrajectory)
	return s
}

// Create appends a trajectory.created event and returns the new id.
func (s *TrajectoryStore) Create(ctx context.Context, tenant ids.TenantID, authorAgent ids.ID, in CreateTrajectoryInput) (ids.ID, error) {
	if strings.TrimSpace(in.Name) == "" {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "entity: trajectory name is required")
	}

	id := ids.New()
	now := time.Now().UTC()
	payload, err := json.Marshal(trajectoryCreatedPayload{
		EntityID:           id,
		Name:               in.Name,
		Description:        in.Description,
		ParentTrajectoryID: in.ParentTrajectoryID,
		CreatedAt:          now,
	})
	if err != nil {
		return ids.Zero, errors.Wrap(err, errors.CodeInternal, "entity: failed to encode trajectory.created payload")
	}

	e := &event.Event{ID: id, Kind: event.KindTrajectoryCreated}
	stored, err := s.appendCreationEvent(ctx, tenant, authorAgent, e, payload)
	if err != nil {
		return ids.Zero, err
	}
	return stored.ID, nil
}

// appendCreationEvent is like base.appendEvent but pins the event's own id
// to the caller-chosen id (the entity's id), rather than minting a fresh
// one, since the creation event's id IS the entity id.
func (b base) appendCreationEvent(ctx context.Context, tenant ids.TenantID, authorAgent ids.ID, template *event.Event, payload []byte) (*event.Event, error) {
	var lastErr error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		tip, _, err := b.dag.Tip(ctx, tenant)
		if err != nil {
			return nil, err
		}
		e := &event.Event{
			ID:            template.ID,
			Kind:          template.Kind,
			Tenant:        tenant,
			AuthorAgentID: authorAgent,
			Timestamp:     time.Now().UTC(),
			Payload:       payload,
			PrevChainHash: tip,
		}
		stored, err := b.dag.Append(ctx, e)
		if err == nil {
			if b.notifier != nil {
				b.notifier.Publish(ctx, stored)
			}
			return stored, nil
		}
		if errors.GetCode(err) != errors.CodeStoreChainDesync {
			return nil, err
		}
		lastErr = err
	}
	return nil, errors.Wrap(lastErr, errors.CodeStoreChainDesync,
		"entity: exhausted append retries under tenant chain contention")
}

// Get folds every trajectory.* event addressed to id and returns the
// resulting projection, using the memoized projection cache when valid.
func (s *TrajectoryStore) Get(ctx context.Context, tenant ids.TenantID, id ids.ID) (*Trajectory, error) {
	if t, ok := s.cache.get(tenant, id); ok {
		return t, nil
	}

	events, err := scanKind(ctx, s.dag, tenant, event.KindTrajectoryCreated, event.KindTrajectoryComplete)
	if err != nil {
		return nil, err
	}

	t, err := foldTrajectory(id, events)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.Newf(errors.CodeNotFoundResource, "entity: trajectory %s not found", id)
	}
	t.Tenant = tenant
	s.cache.put(tenant, id, t)
	return t, nil
}

func foldTrajectory(id ids.ID, events []*event.Event) (*Trajectory, error) {
	var t *Trajectory
	for _, e := range events {
		switch e.Kind {
		case event.KindTrajectoryCreated:
			var p trajectoryCreatedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "entity: bad trajectory.created payload")
			}
			if p.EntityID != id {
				continue
			}
			t = &Trajectory{
				ID:                 p.EntityID,
				Name:               p.Name,
				Description:        p.Description,
				Status:             TrajectoryActive,
				ParentTrajectoryID: p.ParentTrajectoryID,
				CreatedAt:          p.CreatedAt,
				UpdatedAt:          p.CreatedAt,
				Seq:                e.MonotonicSeq,
			}
		case event.KindTrajectoryUpdated:
			if t == nil {
				continue
			}
			var p trajectoryUpdatedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "entity: bad trajectory.updated payload")
			}
			if p.EntityID != id {
				continue
			}
			if p.Name != "" {
				t.Name = p.Name
			}
			if p.Description != nil {
				t.Description = *p.Description
			}
			t.UpdatedAt = p.UpdatedAt
			t.Seq = e.MonotonicSeq
		case event.KindTrajectoryComplete:
			if t == nil {
				continue
			}
			var p trajectoryCompletePayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "entity: bad trajectory.completed payload")
			}
			if p.EntityID != id {
				continue
			}
			t.Status = p.Status
			t.Outcome = p.Outcome
			t.UpdatedAt = p.CompletedAt
			t.Seq = e.MonotonicSeq
		}
	}
	return t, nil
}

// List returns every trajectory for tenant matching filter, paginated by
// seq ascending.
func (s *TrajectoryStore) List(ctx context.Context, tenant ids.TenantID, filter Filter, p Pagination) (Page[*Trajectory], error) {
	events, err := scanKind(ctx, s.dag, tenant, event.KindTrajectoryCreated, event.KindTrajectoryComplete)
	if err != nil {
		return Page[*Trajectory]{}, err
	}

	byID := make(map[ids.ID][]*event.Event)
	var order []ids.ID
	for _, e := range events {
		var id ids.ID
		switch e.Kind {
		case event.KindTrajectoryCreated:
			var p trajectoryCreatedPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				id = p.EntityID
			}
		case event.KindTrajectoryUpdated:
			var p trajectoryUpdatedPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				id = p.EntityID
			}
		case event.KindTrajectoryComplete:
			var p trajectoryCompletePayload
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

	var out []*Trajectory
	for _, id := range order {
		t, err := foldTrajectory(id, byID[id])
		if err != nil {
			return Page[*Trajectory]{}, err
		}
		if t == nil {
			continue
		}
		t.Tenant = tenant
		if !matchesTrajectoryFilter(t, filter) {
			continue
		}
		out = append(out, t)
	}

	return paginate(out, func(t *Trajectory) uint64 { return t.Seq }, p), nil
}

func matchesTrajectoryFilter(t *Trajectory, f Filter) bool {
	if f.Status != "" && string(t.Status) != f.Status {
		return false
	}
	if f.NameContains != "" && !strings.Contains(t.Name, f.NameContains) {
		return false
	}
	if !f.CreatedAfter.IsZero() && t.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && t.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

// Update appends a trajectory.updated event patching name and/or
// description. Status is never changed here — use Complete, Fail, or
// Archive for lifecycle transitions.
func (s *TrajectoryStore) Update(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID, name string, description *string) error {
	if _, err := s.Get(ctx, tenant, id); err != nil {
		return err
	}
	payload, err := json.Marshal(trajectoryUpdatedPayload{
		EntityID:    id,
		Name:        name,
		Description: description,
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "entity: failed to encode trajectory.updated payload")
	}
	if _, err := s.appendEvent(ctx, tenant, event.KindTrajectoryUpdated, authorAgent, payload); err != nil {
		return err
	}
	s.cache.invalidate(tenant, id)
	return nil
}

// transition validates and appends the terminal trajectory.completed event
// driving a Complete/Fail/Archive transition.
func (s *TrajectoryStore) transition(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID, to TrajectoryStatus, outcome string) error {
	t, err := s.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if !trajectoryTransitions.Valid(t.Status, to) {
		return errors.InvalidTransition(string(t.Status), string(to))
	}
	payload, err := json.Marshal(trajectoryCompletePayload{
		EntityID:    id,
		Status:      to,
		Outcome:     outcome,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "entity: failed to encode trajectory.completed payload")
	}
	if _, err := s.appendEvent(ctx, tenant, event.KindTrajectoryComplete, authorAgent, payload); err != nil {
		return err
	}
	s.cache.invalidate(tenant, id)
	return nil
}

// Complete transitions a trajectory from Active to Completed.
func (s *TrajectoryStore) Complete(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID, outcome string) error {
	return s.transition(ctx, tenant, authorAgent, id, TrajectoryCompleted, outcome)
}

// Fail transitions a trajectory from Active to Failed.
func (s *TrajectoryStore) Fail(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID, outcome string) error {
	return s.transition(ctx, tenant, authorAgent, id, TrajectoryFailed, outcome)
}

// Archive transitions a Completed or Failed trajectory to the terminal
// Archived state.
func (s *TrajectoryStore) Archive(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID) error {
	t, err := s.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	return s.transition(ctx, tenant, authorAgent, id, TrajectoryArchived, t.Outcome)
}
