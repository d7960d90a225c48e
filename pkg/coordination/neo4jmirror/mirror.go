// Package neo4jmirror maintains a derived, read-only graph of coordination
// relationships (Agent-delegated-to-Agent, Agent-handed-off-to-Agent, which
// Agent holds which Lock) for ops tooling that wants to traverse the
// coordination layer visually. It is never a CALIBER read path — CALIBER
// is not a general-purpose graph database — and every fact
// this package writes already has an authoritative projection in
// [pkg/coordination] folded straight from the event DAG. Mirror writes are
// advisory best-effort, exactly like [pkg/journal.RedisCursorHint] — a
// failed or stale mirror write never blocks, and never surfaces, a
// coordination-layer operation.
package neo4jmirror

import (
	"context"
	"log/slog"

	"github.com/caliberdev/caliber/pkg/clients/neo4j"
	"github.com/caliberdev/caliber/pkg/coordination"
	"github.com/caliberdev/caliber/pkg/ids"
)

// Mirror writes coordination relationship edges to a Neo4j client. The zero
// value is not usable; construct with [New].
type Mirror struct {
	client *neo4j.Client
	logger *slog.Logger
}

// New wraps client as a coordination relationship mirror.
func New(client *neo4j.Client, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{client: client, logger: logger}
}

// MirrorDelegation upserts a DELEGATED_TO edge between the delegation's
// From and To agents, labeled with the delegation's current status. It is
// called from CoreContext.SyncGraph in package caliber, not from the
// delegation store itself; failures are logged and swallowed since the edge
// is advisory.
func (m *Mirror) MirrorDelegation(ctx context.Context, tenant ids.TenantID, d *coordination.Delegation) {
	if m == nil || m.client == nil || d == nil {
		return
	}
	_, err := m.client.ExecuteWrite(ctx, `
		MERGE (from:Agent {id: $from, tenant: $tenant})
		MERGE (to:Agent {id: $to, tenant: $tenant})
		MERGE (from)-[r:DELEGATED_TO {delegation_id: $delegation_id}]->(to)
		SET r.status = $status, r.trajectory_id = $trajectory_id, r.updated_at = $updated_at
	`, map[string]any{
		"from":          d.From.String(),
		"to":            d.To.String(),
		"tenant":        tenant.String(),
		"delegation_id": d.ID.String(),
		"status":        string(d.Status),
		"trajectory_id": d.TrajectoryID.String(),
		"updated_at":    d.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		m.logger.Debug("neo4jmirror: delegation edge write failed", "error", err, "delegation_id", d.ID.String())
	}
}

// MirrorHandoff upserts a HANDED_OFF_TO edge between the handoff's From and
// To agents. The context snapshot itself is never mirrored: it can contain
// arbitrary payload bytes that have no place in a property graph meant for
// topology inspection.
func (m *Mirror) MirrorHandoff(ctx context.Context, tenant ids.TenantID, h *coordination.Handoff) {
	if m == nil || m.client == nil || h == nil {
		return
	}
	_, err := m.client.ExecuteWrite(ctx, `
		MERGE (from:Agent {id: $from, tenant: $tenant})
		MERGE (to:Agent {id: $to, tenant: $tenant})
		MERGE (from)-[r:HANDED_OFF_TO {handoff_id: $handoff_id}]->(to)
		SET r.status = $status, r.trajectory_id = $trajectory_id, r.updated_at = $updated_at
	`, map[string]any{
		"from":          h.From.String(),
		"to":            h.To.String(),
		"tenant":        tenant.String(),
		"handoff_id":    h.ID.String(),
		"status":        string(h.Status),
		"trajectory_id": h.TrajectoryID.String(),
		"updated_at":    h.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		m.logger.Debug("neo4jmirror: handoff edge write failed", "error", err, "handoff_id", h.ID.String())
	}
}

// MirrorLock upserts a HOLDS edge from the lock's holder agent to the
// locked resource, labeled with mode. Expired or released locks are left
// in the graph with their last-known status; an ops operator reconciling
// the mirror against [coordination.LockStore.List] can prune stale edges,
// but this package never deletes on its own since it has no delivery
// guarantee for release events it might have missed.
func (m *Mirror) MirrorLock(ctx context.Context, tenant ids.TenantID, l *coordination.Lock) {
	if m == nil || m.client == nil || l == nil {
		return
	}
	_, err := m.client.ExecuteWrite(ctx, `
		MERGE (a:Agent {id: $holder, tenant: $tenant})
		MERGE (res:Resource {type: $resource_type, id: $resource_id, tenant: $tenant})
		MERGE (a)-[r:HOLDS {lock_id: $lock_id}]->(res)
		SET r.mode = $mode, r.acquired_at = $acquired_at, r.expires_at = $expires_at
	`, map[string]any{
		"holder":        l.Holder.String(),
		"tenant":        tenant.String(),
		"resource_type": l.Resource.Type,
		"resource_id":   l.Resource.ID,
		"lock_id":       l.ID.String(),
		"mode":          string(l.Mode),
		"acquired_at":   l.AcquiredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		"expires_at":    l.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		m.logger.Debug("neo4jmirror: lock edge write failed", "error", err, "lock_id", l.ID.String())
	}
}
