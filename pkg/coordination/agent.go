package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/caliberdev/caliber/pkg/auth"
	"github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/eventdag"
	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/journal"
	"github.com/caliberdev/caliber/pkg/lifecycle"
)

// AgentStatus is an Agent's current availability.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// agentAvailability is the availability machine: an agent flips freely
// between Idle and Busy via heartbeats, and Offline is only ever computed
// at read time from a stale heartbeat, never written by one. Heartbeat
// uses the table to reject status values the machine does not know.
var agentAvailability = lifecycle.Transitions[AgentStatus]{
	AgentIdle:    {AgentBusy},
	AgentBusy:    {AgentIdle},
	AgentOffline: {AgentIdle, AgentBusy},
}

// MemoryAccess is an Agent's read/write permission matrix over entity
// types, derived from the caller's verified identity
// claims when a token is presented at registration.
type MemoryAccess struct {
	Read  []string
	Write []string
}

// Agent is the projected, read-only view of a registered participant.
// Status reflects liveness computed at read time against staleThreshold,
// not a value stored in any event — an Agent that last heartbeat before
// the threshold reports Offline even though no event ever recorded that
// transition.
type Agent struct {
	ID            ids.ID
	Tenant        ids.TenantID
	Type          string
	Capabilities  []lifecycle.Capability
	Status        AgentStatus
	MemoryAccess  MemoryAccess
	LastHeartbeat time.Time
	RegisteredAt  time.Time
	Deleted       bool
	Seq           uint64
}

// RegisterAgentInput is the input to [Registry.Register].
type RegisterAgentInput struct {
	Type         string
	Capabilities []lifecycle.Capability
	// IdentityToken, if non-empty, is a signed agent-identity token
	// (the platform HS256 path of [auth.JWTValidator]) verified via the
	// Registry's configured validator. On success the
	// token's claims replace MemoryAccess rather than trusting the
	// caller-supplied value blindly.
	IdentityToken string
	// MemoryAccess is used as-is when IdentityToken is empty (local/
	// trusted callers, e.g. tests).
	MemoryAccess MemoryAccess
}

type agentPayload struct {
	EntityID      ids.ID                 `json:"entity_id"`
	Type          string                 `json:"type"`
	Capabilities  []lifecycle.Capability `json:"capabilities,omitempty"`
	MemoryAccess  MemoryAccess           `json:"memory_access"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	RegisteredAt  time.Time              `json:"registered_at,omitempty"`
}

type agentHeartbeatPayload struct {
	EntityID      ids.ID      `json:"entity_id"`
	Status        AgentStatus `json:"status,omitempty"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

type agentDeletedPayload struct {
	EntityID  ids.ID    `json:"entity_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// Registry projects Agent records from the event DAG and derives
// liveness against a configured staleness threshold: a heartbeat older
// than stale_threshold flips status to Offline.
type Registry struct {
	base
	staleThreshold time.Duration
	validator      *auth.JWTValidator
	roles          auth.RolePermissionMap
}

// NewRegistry returns a Registry. validator may be nil, in which case
// Register always trusts the caller-supplied MemoryAccess (no token
// verification is attempted). roles defaults to
// [auth.DefaultRolePermissions] when nil.
func NewRegistry(dag eventdag.Store, notifier journal.Notifier, staleThreshold time.Duration, validator *auth.JWTValidator, roles auth.RolePermissionMap, logger *slog.Logger) *Registry {
	if roles == nil {
		roles = auth.DefaultRolePermissions()
	}
	return &Registry{
		base:           newBase(dag, notifier, logger),
		staleThreshold: staleThreshold,
		validator:      validator,
		roles:          roles,
	}
}

// Register appends an agent.registered event. When in.IdentityToken is
// set and a validator is configured, the token is verified and its
// claims are mapped to a MemoryAccess permission matrix via
// [auth.ClaimsToPermissions], overriding in.MemoryAccess.
func (r *Registry) Register(ctx context.Context, tenant ids.TenantID, in RegisterAgentInput) (ids.ID, error) {
	if strings.TrimSpace(in.Type) == "" {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "coordination: agent type is required")
	}

	access := in.MemoryAccess
	if in.IdentityToken != "" {
		if r.validator == nil {
			return ids.Zero, errors.New(errors.CodeAuthenticationInvalid,
				"coordination: identity token presented but no validator configured")
		}
		identity, err := r.validator.Validate(ctx, in.IdentityToken)
		if err != nil {
			return ids.Zero, errors.Wrap(err, errors.CodeAuthenticationInvalid, "coordination: agent identity token rejected")
		}
		access = MemoryAccess{}
		if p, ok := identity.(interface{ Permissions() []auth.Permission }); ok {
			access = permissionsToMemoryAccess(p.Permissions())
		}
	}

	id := ids.New()
	now := time.Now().UTC()
	payload, err := json.Marshal(agentPayload{
		EntityID:      id,
		Type:          in.Type,
		Capabilities:  cloneCapabilities(in.Capabilities),
		MemoryAccess:  access,
		LastHeartbeat: now,
		RegisteredAt:  now,
	})
	if err != nil {
		return ids.Zero, errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode agent.registered payload")
	}

	stored, err := r.appendWithID(ctx, tenant, id, event.KindAgentRegistered, id, payload)
	if err != nil {
		return ids.Zero, err
	}
	return stored.ID, nil
}

// cloneCapabilities deep-copies a capability list via
// [lifecycle.Capability.Clone], so a caller holding the original slice can
// never mutate what the event payload recorded.
func cloneCapabilities(caps []lifecycle.Capability) []lifecycle.Capability {
	if caps == nil {
		return nil
	}
	out := make([]lifecycle.Capability, len(caps))
	for i, c := range caps {
		out[i] = c.Clone()
	}
	return out
}

// permissionsToMemoryAccess splits resource:action permissions into the
// read/write matrix an Agent carries; every action other than "read" is
// treated as a write grant ("read" is the only non-mutating action name
// used anywhere in the default role map).
func permissionsToMemoryAccess(perms []auth.Permission) MemoryAccess {
	var access MemoryAccess
	for _, p := range perms {
		if p.Action == "read" || p.Action == "*" {
			access.Read = append(access.Read, p.Resource)
		}
		if p.Action != "read" {
			access.Write = append(access.Write, p.Resource)
		}
	}
	return access
}

// Update appends an agent.updated event changing capabilities and/or
// memory_access. Zero-value fields leave the existing projection
// unchanged, mirroring [entity.NoteStore.Update]'s patch semantics.
func (r *Registry) Update(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID, capabilities []lifecycle.Capability, access *MemoryAccess) error {
	ag, err := r.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if capabilities != nil {
		ag.Capabilities = cloneCapabilities(capabilities)
	}
	if access != nil {
		ag.MemoryAccess = *access
	}

	payload, err := json.Marshal(agentPayload{
		EntityID:     id,
		Type:         ag.Type,
		Capabilities: ag.Capabilities,
		MemoryAccess: ag.MemoryAccess,
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode agent.updated payload")
	}
	_, err = r.appendEvent(ctx, tenant, event.KindAgentUpdated, authorAgent, payload)
	return err
}

// Heartbeat appends an agent.heartbeat event, refreshing last_heartbeat
// and optionally the agent's busy/idle status (an Offline agent can only
// become non-Offline again by heartbeating).
func (r *Registry) Heartbeat(ctx context.Context, tenant ids.TenantID, id ids.ID, status AgentStatus) error {
	if status != "" && !agentAvailability.Known(status) {
		return errors.Newf(errors.CodeValidation, "coordination: unrecognized agent status %q", status)
	}
	if status == AgentOffline {
		return errors.New(errors.CodeValidation,
			"coordination: offline is derived from heartbeat staleness, never reported by one")
	}
	payload, err := json.Marshal(agentHeartbeatPayload{
		EntityID:      id,
		Status:        status,
		LastHeartbeat: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode agent.heartbeat payload")
	}
	_, err = r.appendEvent(ctx, tenant, event.KindAgentHeartbeat, id, payload)
	return err
}

// Delete appends an agent.deleted event.
func (r *Registry) Delete(ctx context.Context, tenant ids.TenantID, authorAgent, id ids.ID) error {
	payload, err := json.Marshal(agentDeletedPayload{EntityID: id, DeletedAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode agent.deleted payload")
	}
	_, err = r.appendEvent(ctx, tenant, event.KindAgentDeleted, authorAgent, payload)
	return err
}

// Get folds every agent.* event addressed to id and computes its current
// Status against staleThreshold.
func (r *Registry) Get(ctx context.Context, tenant ids.TenantID, id ids.ID) (*Agent, error) {
	events, err := scanKind(ctx, r.dag, tenant, event.KindAgentRegistered, event.KindAgentUpdated)
	if err != nil {
		return nil, err
	}
	heartbeats, err := scanKind(ctx, r.dag, tenant, event.KindAgentHeartbeat, event.KindAgentHeartbeat)
	if err != nil {
		return nil, err
	}
	deletes, err := scanKind(ctx, r.dag, tenant, event.KindAgentDeleted, event.KindAgentDeleted)
	if err != nil {
		return nil, err
	}
	all := append(append(events, heartbeats...), deletes...)

	ag, err := foldAgent(id, all, r.staleThreshold)
	if err != nil {
		return nil, err
	}
	if ag == nil {
		return nil, errors.Newf(errors.CodeNotFoundResource, "coordination: agent %s not found", id)
	}
	ag.Tenant = tenant
	return ag, nil
}

func foldAgent(id ids.ID, events []*event.Event, staleThreshold time.Duration) (*Agent, error) {
	sortBySeq(events)

	var ag *Agent
	for _, e := range events {
		switch e.Kind {
		case event.KindAgentRegistered, event.KindAgentUpdated:
			var p agentPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad agent payload")
			}
			if p.EntityID != id {
				continue
			}
			if ag == nil {
				ag = &Agent{ID: p.EntityID, RegisteredAt: p.RegisteredAt, Status: AgentIdle}
			}
			ag.Type = p.Type
			ag.Capabilities = p.Capabilities
			ag.MemoryAccess = p.MemoryAccess
			if !p.LastHeartbeat.IsZero() {
				ag.LastHeartbeat = p.LastHeartbeat
			}
			ag.Seq = e.MonotonicSeq
		case event.KindAgentHeartbeat:
			if ag == nil {
				continue
			}
			var p agentHeartbeatPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad agent.heartbeat payload")
			}
			if p.EntityID != id {
				continue
			}
			ag.LastHeartbeat = p.LastHeartbeat
			if p.Status != "" {
				ag.Status = p.Status
			}
			ag.Seq = e.MonotonicSeq
		case event.KindAgentDeleted:
			if ag == nil {
				continue
			}
			var p agentDeletedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad agent.deleted payload")
			}
			if p.EntityID != id {
				continue
			}
			ag.Deleted = true
			ag.Seq = e.MonotonicSeq
		}
	}

	if ag != nil && !ag.Deleted && staleThreshold > 0 && time.Since(ag.LastHeartbeat) > staleThreshold {
		ag.Status = AgentOffline
	}
	return ag, nil
}

func sortBySeq(events []*event.Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].MonotonicSeq < events[j-1].MonotonicSeq; j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

// List returns every non-deleted agent for tenant.
func (r *Registry) List(ctx context.Context, tenant ids.TenantID, p Pagination) (Page[*Agent], error) {
	events, err := scanKind(ctx, r.dag, tenant, event.KindAgentRegistered, event.KindAgentUpdated)
	if err != nil {
		return Page[*Agent]{}, err
	}
	heartbeats, err := scanKind(ctx, r.dag, tenant, event.KindAgentHeartbeat, event.KindAgentHeartbeat)
	if err != nil {
		return Page[*Agent]{}, err
	}
	deletes, err := scanKind(ctx, r.dag, tenant, event.KindAgentDeleted, event.KindAgentDeleted)
	if err != nil {
		return Page[*Agent]{}, err
	}
	all := append(append(events, heartbeats...), deletes...)

	byID := make(map[ids.ID][]*event.Event)
	var order []ids.ID
	for _, e := range all {
		var id ids.ID
		switch e.Kind {
		case event.KindAgentRegistered, event.KindAgentUpdated:
			var pl agentPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		case event.KindAgentHeartbeat:
			var pl agentHeartbeatPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		case event.KindAgentDeleted:
			var pl agentDeletedPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		}
		if id.IsZero() {
			continue
		}
		if _, ok := byID[id]; !ok {
			order = append(order, id)
		}
		byID[id] = append(byID[id], e)
	}

	var agents []*Agent
	for _, id := range order {
		ag, err := foldAgent(id, byID[id], r.staleThreshold)
		if err != nil {
			return Page[*Agent]{}, err
		}
		if ag == nil || ag.Deleted {
			continue
		}
		ag.Tenant = tenant
		agents = append(agents, ag)
	}

	return paginate(agents, func(a *Agent) uint64 { return a.Seq }, p), nil
}
