// Package caliber wires the event DAG, the entity and coordination
// layers, the context assembler, and the Vector Abstraction Layer into a
// single CoreContext value — an explicit context passed into every public
// call instead of module-level singletons, so test harnesses can construct
// fresh contexts per test. Every operation the façade exposes hangs off a
// *CoreContext rather than a package-level variable, so two tenants, two
// tests, or two in-process demo instances never share state by accident.
package caliber

import (
	"context"
	"log/slog"
	"time"

	"github.com/caliberdev/caliber/pkg/assembler"
	"github.com/caliberdev/caliber/pkg/auth"
	"github.com/caliberdev/caliber/pkg/clients/minio"
	"github.com/caliberdev/caliber/pkg/config"
	"github.com/caliberdev/caliber/pkg/coordination"
	"github.com/caliberdev/caliber/pkg/coordination/neo4jmirror"
	"github.com/caliberdev/caliber/pkg/entity"
	"github.com/caliberdev/caliber/pkg/eventdag"
	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/journal"
	"github.com/caliberdev/caliber/pkg/val"
)

// CoreContext is the arena every entity and coordination record is
// resolved through: entities own only data, and all cross-entity links are
// ids resolved through the store. None of its fields are package-level
// state: construct one per process, per test, or per tenant-isolated
// worker pool as the caller sees fit.
type CoreContext struct {
	Config config.CaliberConfig

	DAG      eventdag.Store
	Notifier journal.Notifier

	Trajectories *entity.TrajectoryStore
	Scopes       *entity.ScopeStore
	Turns        *entity.TurnStore
	Artifacts    *entity.ArtifactStore
	Notes        *entity.NoteStore

	Assembler *assembler.Assembler

	Agents      *coordination.Registry
	Locks       *coordination.LockManager
	Messages    *coordination.MessageQueue
	Delegations *coordination.DelegationStore
	Handoffs    *coordination.HandoffStore
	Conflicts   *coordination.ConflictStore
	Detector    *coordination.ConflictDetector

	VAL val.Provider

	// Graph is an optional derived relationship mirror for ops tooling;
	// the core never reads it back. Nil unless a Neo4j client was
	// supplied in Deps.
	Graph *neo4jmirror.Mirror

	logger *slog.Logger
}

// Deps bundles the externally-supplied collaborators New needs. Every
// field beyond DAG and Config is optional; a nil Blobs client leaves
// Artifacts store-only (no blob offload), a nil VAL leaves embedding and
// conflict-detection capabilities erroring with ProviderNotConfigured, and
// a nil JWTValidator leaves the agent registry trusting caller-supplied
// MemoryAccess outright (local/trusted callers, e.g. tests).
type Deps struct {
	DAG      eventdag.Store
	Notifier journal.Notifier
	Config   config.CaliberConfig

	Blobs           *minio.Client
	ArtifactsBucket string

	VAL val.Provider

	Validator *auth.JWTValidator
	Roles     auth.RolePermissionMap

	// Graph, if non-nil, receives best-effort coordination relationship
	// edges via [CoreContext.SyncGraph]. Never required: every Delegation/
	// Handoff/Lock fact it mirrors already has an authoritative projection
	// reachable without it.
	Graph *neo4jmirror.Mirror

	Logger *slog.Logger
}

// New wires every layer's stores against a single event DAG and returns
// the resulting CoreContext. It never mutates package-level state.
func New(deps Deps) *CoreContext {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	turns := entity.NewTurnStore(deps.DAG, deps.Notifier, logger)
	scopes := entity.NewScopeStore(deps.DAG, deps.Notifier, turns, logger)
	artifacts := entity.NewArtifactStore(deps.DAG, deps.Notifier, deps.Blobs, deps.ArtifactsBucket, logger)
	notes := entity.NewNoteStore(deps.DAG, deps.Notifier, logger)
	trajectories := entity.NewTrajectoryStore(deps.DAG, deps.Notifier, logger)

	staleThreshold := deps.Config.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 5 * time.Minute
	}
	lockTTL := time.Duration(deps.Config.LockDefaultTTLMs) * time.Millisecond
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}

	conflicts := coordination.NewConflictStore(deps.DAG, deps.Notifier, logger)
	threshold := deps.Config.ContradictionThreshold
	if threshold <= 0 {
		threshold = 0.9
	}

	return &CoreContext{
		Config:   deps.Config,
		DAG:      deps.DAG,
		Notifier: deps.Notifier,

		Trajectories: trajectories,
		Scopes:       scopes,
		Turns:        turns,
		Artifacts:    artifacts,
		Notes:        notes,

		Assembler: assembler.New(scopes, turns, artifacts, notes, logger),

		Agents:      coordination.NewRegistry(deps.DAG, deps.Notifier, staleThreshold, deps.Validator, deps.Roles, logger),
		Locks:       coordination.NewLockManager(deps.DAG, deps.Notifier, lockTTL, logger),
		Messages:    coordination.NewMessageQueue(deps.DAG, deps.Notifier, logger),
		Delegations: coordination.NewDelegationStore(deps.DAG, deps.Notifier, logger),
		Handoffs:    coordination.NewHandoffStore(deps.DAG, deps.Notifier, logger),
		Conflicts:   conflicts,
		Detector:    coordination.NewConflictDetector(conflicts, deps.VAL, threshold),

		VAL: deps.VAL,

		Graph: deps.Graph,

		logger: logger,
	}
}

// SyncGraph reconciles the optional Neo4j relationship mirror (Deps.Graph)
// against the current coordination-layer state for tenant: every
// Delegation, Handoff, and Lock is re-listed and re-mirrored. It is a
// no-op when no Graph was configured. Callers run this periodically from
// ops tooling (or once, interactively); it is never invoked from any
// coordination mutation path itself, keeping the mirror strictly a
// derived, best-effort side channel rather than a general-purpose graph
// database.
func (c *CoreContext) SyncGraph(ctx context.Context, tenant ids.TenantID) error {
	if c.Graph == nil {
		return nil
	}

	const pageSize = 500
	var cursor uint64
	for {
		page, err := c.Delegations.List(ctx, tenant, coordination.Pagination{Cursor: cursor, Limit: pageSize})
		if err != nil {
			return err
		}
		for _, d := range page.Items {
			c.Graph.MirrorDelegation(ctx, tenant, d)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	cursor = 0
	for {
		page, err := c.Handoffs.List(ctx, tenant, coordination.Pagination{Cursor: cursor, Limit: pageSize})
		if err != nil {
			return err
		}
		for _, h := range page.Items {
			c.Graph.MirrorHandoff(ctx, tenant, h)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	cursor = 0
	for {
		page, err := c.Locks.List(ctx, tenant, coordination.Pagination{Cursor: cursor, Limit: pageSize})
		if err != nil {
			return err
		}
		for _, l := range page.Items {
			c.Graph.MirrorLock(ctx, tenant, l)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	return nil
}

// Verify runs the event DAG's chain-integrity check for tenant. A broken
// chain surfaces as the DAG's own Corruption error, never auto-repaired.
func (c *CoreContext) Verify(ctx context.Context, tenant ids.TenantID) error {
	return c.DAG.Verify(ctx, tenant)
}

// Close releases every resource the CoreContext owns directly. Injected
// collaborators (DAG, Notifier, VAL, Blobs) are the caller's to close,
// since New never assumes ownership of dependencies it did not construct.
func (c *CoreContext) Close() error {
	return nil
}
