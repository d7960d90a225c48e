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

// DelegationStatus is a Delegation's position in the state machine.
type DelegationStatus string

const (
	DelegationPending   DelegationStatus = "pending"
	DelegationAccepted  DelegationStatus = "accepted"
	DelegationRunning   DelegationStatus = "running"
	DelegationCompleted DelegationStatus = "completed"
	DelegationFailed    DelegationStatus = "failed"
	DelegationCancelled DelegationStatus = "cancelled"
)

// delegationTransitions is the delegation machine: Pending -> Accepted ->
// Running -> {Completed | Failed}, with Cancelled reachable from every
// non-terminal state.
var delegationTransitions = lifecycle.Transitions[DelegationStatus]{
	DelegationPending:   {DelegationAccepted, DelegationCancelled},
	DelegationAccepted:  {DelegationRunning, DelegationCancelled},
	DelegationRunning:   {DelegationCompleted, DelegationFailed, DelegationCancelled},
	DelegationCompleted: {},
	DelegationFailed:    {},
	DelegationCancelled: {},
}

// Delegation is the projected, read-only view of a coordinated task
// transfer between agents.
type Delegation struct {
	ID              ids.ID
	Tenant          ids.TenantID
	From            ids.ID
	To              ids.ID
	TrajectoryID    ids.ID
	ScopeID         ids.ID
	TaskDescription string
	Status          DelegationStatus
	Result          string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Seq             uint64
}

// CreateDelegationInput is the input to [DelegationStore.Create].
type CreateDelegationInput struct {
	From            ids.ID
	To              ids.ID
	TrajectoryID    ids.ID
	ScopeID         ids.ID
	TaskDescription string
}

type delegationCreatedPayload struct {
	EntityID        ids.ID    `json:"entity_id"`
	From            ids.ID    `json:"from"`
	To              ids.ID    `json:"to"`
	TrajectoryID    ids.ID    `json:"trajectory_id"`
	ScopeID         ids.ID    `json:"scope_id,omitempty"`
	TaskDescription string    `json:"task_description"`
	CreatedAt       time.Time `json:"created_at"`
}

type delegationTransitionPayload struct {
	EntityID ids.ID           `json:"entity_id"`
	Status   DelegationStatus `json:"status"`
	At       time.Time        `json:"at"`
}

type delegationResultPayload struct {
	EntityID      ids.ID           `json:"entity_id"`
	Status        DelegationStatus `json:"status"`
	Result        string           `json:"result,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	At            time.Time        `json:"at"`
}

// DelegationStore projects Delegation entities from the event DAG and
// enforces the state machine on every transition.
type DelegationStore struct {
	base
}

// NewDelegationStore returns a DelegationStore backed by dag.
func NewDelegationStore(dag eventdag.Store, notifier journal.Notifier, logger *slog.Logger) *DelegationStore {
	return &DelegationStore{base: newBase(dag, notifier, logger)}
}

// Create appends a delegation.created event, starting the delegation in
// Pending.
func (s *DelegationStore) Create(ctx context.Context, tenant ids.TenantID, in CreateDelegationInput) (ids.ID, error) {
	if in.To.IsZero() {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "coordination: delegation to_agent is required")
	}
	if in.TrajectoryID.IsZero() {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "coordination: delegation trajectory_id is required")
	}

	id := ids.New()
	payload, err := json.Marshal(delegationCreatedPayload{
		EntityID:        id,
		From:            in.From,
		To:              in.To,
		TrajectoryID:    in.TrajectoryID,
		ScopeID:         in.ScopeID,
		TaskDescription: in.TaskDescription,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return ids.Zero, errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode delegation.created payload")
	}
	stored, err := s.appendWithID(ctx, tenant, id, event.KindDelegationCreated, in.From, payload)
	if err != nil {
		return ids.Zero, err
	}
	return stored.ID, nil
}

// Accept transitions a delegation from Pending to Accepted. It fails with
// NotAssignee if acceptingAgent is not the delegation's to_agent.
func (s *DelegationStore) Accept(ctx context.Context, tenant ids.TenantID, id, acceptingAgent ids.ID) error {
	d, err := s.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if d.To != acceptingAgent {
		return errors.New(errors.CodeCoordNotAssignee,
			"coordination: "+acceptingAgent.String()+" is not the delegation's assignee")
	}
	return s.transition(ctx, tenant, id, acceptingAgent, DelegationAccepted)
}

// Start transitions a delegation from Accepted to Running.
func (s *DelegationStore) Start(ctx context.Context, tenant ids.TenantID, id, by ids.ID) error {
	return s.transition(ctx, tenant, id, by, DelegationRunning)
}

// Complete transitions a Running delegation to Completed, recording result
// in a delegation-result event that downstream projections can observe.
func (s *DelegationStore) Complete(ctx context.Context, tenant ids.TenantID, id, by ids.ID, result string) error {
	d, err := s.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if !delegationTransitions.Valid(d.Status, DelegationCompleted) {
		return errors.InvalidTransition(string(d.Status), string(DelegationCompleted))
	}
	payload, err := json.Marshal(delegationResultPayload{
		EntityID: id, Status: DelegationCompleted, Result: result, At: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode delegation.result payload")
	}
	_, err = s.appendEvent(ctx, tenant, event.KindDelegationResult, by, payload)
	return err
}

// Fail transitions a Running delegation to Failed, recording reason.
func (s *DelegationStore) Fail(ctx context.Context, tenant ids.TenantID, id, by ids.ID, reason string) error {
	d, err := s.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if !delegationTransitions.Valid(d.Status, DelegationFailed) {
		return errors.InvalidTransition(string(d.Status), string(DelegationFailed))
	}
	payload, err := json.Marshal(delegationResultPayload{
		EntityID: id, Status: DelegationFailed, FailureReason: reason, At: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode delegation.result payload")
	}
	_, err = s.appendEvent(ctx, tenant, event.KindDelegationResult, by, payload)
	return err
}

// Cancel transitions a delegation to Cancelled from any non-terminal state
// (Pending, Accepted, or Running).
func (s *DelegationStore) Cancel(ctx context.Context, tenant ids.TenantID, id, by ids.ID) error {
	return s.transition(ctx, tenant, id, by, DelegationCancelled)
}

// transition validates and appends a bare status-change event, used by
// every method except Create/Complete/Fail (which carry extra result
// payload fields).
func (s *DelegationStore) transition(ctx context.Context, tenant ids.TenantID, id, by ids.ID, to DelegationStatus) error {
	d, err := s.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if !delegationTransitions.Valid(d.Status, to) {
		return errors.InvalidTransition(string(d.Status), string(to))
	}

	var kind event.Kind
	switch to {
	case DelegationAccepted:
		kind = event.KindDelegationAccepted
	case DelegationRunning:
		kind = event.KindDelegationStarted
	default:
		kind = event.KindDelegationResult
	}

	payload, err := json.Marshal(delegationTransitionPayload{EntityID: id, Status: to, At: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode delegation transition payload")
	}
	_, err = s.appendEvent(ctx, tenant, kind, by, payload)
	return err
}

// Get folds every delegation.* event addressed to id.
func (s *DelegationStore) Get(ctx context.Context, tenant ids.TenantID, id ids.ID) (*Delegation, error) {
	events, err := scanKind(ctx, s.dag, tenant, event.KindDelegationCreated, event.KindDelegationResult)
	if err != nil {
		return nil, err
	}
	d, err := foldDelegation(id, events)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.Newf(errors.CodeNotFoundResource, "coordination: delegation %s not found", id)
	}
	d.Tenant = tenant
	return d, nil
}

func foldDelegation(id ids.ID, events []*event.Event) (*Delegation, error) {
	sortBySeq(events)

	var d *Delegation
	for _, e := range events {
		switch e.Kind {
		case event.KindDelegationCreated:
			var p delegationCreatedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad delegation.created payload")
			}
			if p.EntityID != id {
				continue
			}
			d = &Delegation{
				ID:              p.EntityID,
				From:            p.From,
				To:              p.To,
				TrajectoryID:    p.TrajectoryID,
				ScopeID:         p.ScopeID,
				TaskDescription: p.TaskDescription,
				Status:          DelegationPending,
				CreatedAt:       p.CreatedAt,
				UpdatedAt:       p.CreatedAt,
				Seq:             e.MonotonicSeq,
			}
		case event.KindDelegationAccepted, event.KindDelegationStarted:
			if d == nil {
				continue
			}
			var p delegationTransitionPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad delegation transition payload")
			}
			if p.EntityID != id {
				continue
			}
			d.Status = p.Status
			d.UpdatedAt = p.At
			d.Seq = e.MonotonicSeq
		case event.KindDelegationResult:
			if d == nil {
				continue
			}
			// KindDelegationResult carries either a result payload
			// (Complete/Fail) or a bare transition payload (Cancel);
			// try the richer shape first.
			var rp delegationResultPayload
			if err := json.Unmarshal(e.Payload, &rp); err == nil && rp.Status != "" {
				if rp.EntityID != id {
					continue
				}
				d.Status = rp.Status
				d.Result = rp.Result
				d.FailureReason = rp.FailureReason
				d.UpdatedAt = rp.At
				d.Seq = e.MonotonicSeq
				continue
			}
			var tp delegationTransitionPayload
			if err := json.Unmarshal(e.Payload, &tp); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad delegation.result payload")
			}
			if tp.EntityID != id {
				continue
			}
			d.Status = tp.Status
			d.UpdatedAt = tp.At
			d.Seq = e.MonotonicSeq
		}
	}
	return d, nil
}

// List returns every delegation for tenant.
func (s *DelegationStore) List(ctx context.Context, tenant ids.TenantID, p Pagination) (Page[*Delegation], error) {
	events, err := scanKind(ctx, s.dag, tenant, event.KindDelegationCreated, event.KindDelegationResult)
	if err != nil {
		return Page[*Delegation]{}, err
	}

	byID := make(map[ids.ID][]*event.Event)
	var order []ids.ID
	for _, e := range events {
		id, ok := delegationEntityID(e)
		if !ok || id.IsZero() {
			continue
		}
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = append(byID[id], e)
	}

	var out []*Delegation
	for _, id := range order {
		d, err := foldDelegation(id, byID[id])
		if err != nil {
			return Page[*Delegation]{}, err
		}
		if d == nil {
			continue
		}
		d.Tenant = tenant
		out = append(out, d)
	}
	return paginate(out, func(d *Delegation) uint64 { return d.Seq }, p), nil
}

func delegationEntityID(e *event.Event) (ids.ID, bool) {
	switch e.Kind {
	case event.KindDelegationCreated:
		var p delegationCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			return p.EntityID, true
		}
	case event.KindDelegationAccepted, event.KindDelegationStarted:
		var p delegationTransitionPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			return p.EntityID, true
		}
	case event.KindDelegationResult:
		var rp delegationResultPayload
		if err := json.Unmarshal(e.Payload, &rp); err == nil && rp.Status != "" {
			return rp.EntityID, true
		}
		var tp delegationTransitionPayload
		if err := json.Unmarshal(e.Payload, &tp); err == nil {
			return tp.EntityID, true
		}
	}
	return ids.Zero, false
}
