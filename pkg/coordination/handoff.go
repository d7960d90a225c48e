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
)

// HandoffStatus is a Handoff's position in the state machine.
type HandoffStatus string

const (
	HandoffPending   HandoffStatus = "pending"
	HandoffAccepted  HandoffStatus = "accepted"
	HandoffCompleted HandoffStatus = "completed"
	HandoffRejected  HandoffStatus = "rejected"
)

// handoffTransitions is the handoff machine: Pending -> Accepted ->
// Completed | Rejected, analogous to Delegation's.
var handoffTransitions = lifecycle.Transitions[HandoffStatus]{
	HandoffPending:   {HandoffAccepted, HandoffRejected},
	HandoffAccepted:  {HandoffCompleted, HandoffRejected},
	HandoffCompleted: {},
	HandoffRejected:  {},
}

// Handoff is the projected, read-only view of a coordinated context
// transfer between agents. ContextSnapshot is captured at
// creation and immutable thereafter.
type Handoff struct {
	ID              ids.ID
	Tenant          ids.TenantID
	From            ids.ID
	To              ids.ID
	TrajectoryID    ids.ID
	ScopeID         ids.ID
	Reason          string
	ContextSnapshot []byte
	Status          HandoffStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Seq             uint64
}

// CreateHandoffInput is the input to [HandoffStore.Create].
type CreateHandoffInput struct {
	From            ids.ID
	To              ids.ID
	TrajectoryID    ids.ID
	ScopeID         ids.ID
	Reason          string
	ContextSnapshot []byte
}

type handoffCreatedPayload struct {
	EntityID        ids.ID    `json:"entity_id"`
	From            ids.ID    `json:"from"`
	To              ids.ID    `json:"to"`
	TrajectoryID    ids.ID    `json:"trajectory_id"`
	ScopeID         ids.ID    `json:"scope_id,omitempty"`
	Reason          string    `json:"reason"`
	ContextSnapshot []byte    `json:"context_snapshot,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type handoffTransitionPayload struct {
	EntityID ids.ID        `json:"entity_id"`
	Status   HandoffStatus `json:"status"`
	At       time.Time     `json:"at"`
}

// HandoffStore projects Handoff entities from the event DAG and enforces
// the state machine on every transition.
type HandoffStore struct {
	base
}

// NewHandoffStore returns a HandoffStore backed by dag.
func NewHandoffStore(dag eventdag.Store, notifier journal.Notifier, logger *slog.Logger) *HandoffStore {
	return &HandoffStore{base: newBase(dag, notifier, logger)}
}

// Create appends a handoff.created event, starting the handoff in Pending
// and pinning its context_snapshot for the handoff's lifetime.
func (s *HandoffStore) Create(ctx context.Context, tenant ids.TenantID, in CreateHandoffInput) (ids.ID, error) {
	if in.To.IsZero() {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "coordination: handoff to_agent is required")
	}
	if in.TrajectoryID.IsZero() {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "coordination: handoff trajectory_id is required")
	}

	id := ids.New()
	payload, err := json.Marshal(handoffCreatedPayload{
		EntityID:        id,
		From:            in.From,
		To:              in.To,
		TrajectoryID:    in.TrajectoryID,
		ScopeID:         in.ScopeID,
		Reason:          in.Reason,
		ContextSnapshot: in.ContextSnapshot,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return ids.Zero, errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode handoff.created payload")
	}
	stored, err := s.appendWithID(ctx, tenant, id, event.KindHandoffCreated, in.From, payload)
	if err != nil {
		return ids.Zero, err
	}
	return stored.ID, nil
}

// Accept transitions a handoff from Pending to Accepted, failing with
// NotAssignee if acceptingAgent is not the handoff's to_agent.
func (s *HandoffStore) Accept(ctx context.Context, tenant ids.TenantID, id, acceptingAgent ids.ID) error {
	h, err := s.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if h.To != acceptingAgent {
		return errors.New(errors.CodeCoordNotAssignee,
			"coordination: "+acceptingAgent.String()+" is not the handoff's assignee")
	}
	return s.transition(ctx, tenant, id, acceptingAgent, HandoffAccepted)
}

// Complete transitions an Accepted handoff to Completed.
func (s *HandoffStore) Complete(ctx context.Context, tenant ids.TenantID, id, by ids.ID) error {
	return s.transition(ctx, tenant, id, by, HandoffCompleted)
}

// Reject transitions a handoff to Rejected from Pending or Accepted.
func (s *HandoffStore) Reject(ctx context.Context, tenant ids.TenantID, id, by ids.ID) error {
	return s.transition(ctx, tenant, id, by, HandoffRejected)
}

func (s *HandoffStore) transition(ctx context.Context, tenant ids.TenantID, id, by ids.ID, to HandoffStatus) error {
	h, err := s.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if !handoffTransitions.Valid(h.Status, to) {
		return errors.InvalidTransition(string(h.Status), string(to))
	}

	var kind event.Kind
	switch to {
	case HandoffAccepted:
		kind = event.KindHandoffAccepted
	default:
		kind = event.KindHandoffResolved
	}

	payload, err := json.Marshal(handoffTransitionPayload{EntityID: id, Status: to, At: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode handoff transition payload")
	}
	_, err = s.appendEvent(ctx, tenant, kind, by, payload)
	return err
}

// Get folds every handoff.* event addressed to id.
func (s *HandoffStore) Get(ctx context.Context, tenant ids.TenantID, id ids.ID) (*Handoff, error) {
	events, err := scanKind(ctx, s.dag, tenant, event.KindHandoffCreated, event.KindHandoffResolved)
	if err != nil {
		return nil, err
	}
	h, err := foldHandoff(id, events)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.Newf(errors.CodeNotFoundResource, "coordination: handoff %s not found", id)
	}
	h.Tenant = tenant
	return h, nil
}

func foldHandoff(id ids.ID, events []*event.Event) (*Handoff, error) {
	sortBySeq(events)

	var h *Handoff
	for _, e := range events {
		switch e.Kind {
		case event.KindHandoffCreated:
			var p handoffCreatedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad handoff.created payload")
			}
			if p.EntityID != id {
				continue
			}
			h = &Handoff{
				ID:              p.EntityID,
				From:            p.From,
				To:              p.To,
				TrajectoryID:    p.TrajectoryID,
				ScopeID:         p.ScopeID,
				Reason:          p.Reason,
				ContextSnapshot: p.ContextSnapshot,
				Status:          HandoffPending,
				CreatedAt:       p.CreatedAt,
				UpdatedAt:       p.CreatedAt,
				Seq:             e.MonotonicSeq,
			}
		case event.KindHandoffAccepted, event.KindHandoffResolved:
			if h == nil {
				continue
			}
			var p handoffTransitionPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad handoff transition payload")
			}
			if p.EntityID != id {
				continue
			}
			h.Status = p.Status
			h.UpdatedAt = p.At
			h.Seq = e.MonotonicSeq
		}
	}
	return h, nil
}

// List returns every handoff for tenant.
func (s *HandoffStore) List(ctx context.Context, tenant ids.TenantID, p Pagination) (Page[*Handoff], error) {
	events, err := scanKind(ctx, s.dag, tenant, event.KindHandoffCreated, event.KindHandoffResolved)
	if err != nil {
		return Page[*Handoff]{}, err
	}

	byID := make(map[ids.ID][]*event.Event)
	var order []ids.ID
	for _, e := range events {
		var id ids.ID
		switch e.Kind {
		case event.KindHandoffCreated:
			var p handoffCreatedPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				id = p.EntityID
			}
		case event.KindHandoffAccepted, event.KindHandoffResolved:
			var p handoffTransitionPayload
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

	var out []*Handoff
	for _, id := range order {
		h, err := foldHandoff(id, byID[id])
		if err != nil {
			return Page[*Handoff]{}, err
		}
		if h == nil {
			continue
		}
		h.Tenant = tenant
		out = append(out, h)
	}
	return paginate(out, func(h *Handoff) uint64 { return h.Seq }, p), nil
}
