package coordination_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caliberdev/caliber/pkg/coordination"
	"github.com/caliberdev/caliber/pkg/eventdag/memory"
	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/lifecycle"
)

const testTenant = ids.TenantID("acme")

func TestRegistry_RegisterHeartbeatGoesStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dag := memory.New()
	registry := coordination.NewRegistry(dag, nil, 10*time.Millisecond, nil, nil, nil)

	id, err := registry.Register(ctx, testTenant, coordination.RegisterAgentInput{
		Type:         "planner",
		Capabilities: []lifecycle.Capability{{Name: "code-generation", Version: "1.0.0"}},
		MemoryAccess: coordination.MemoryAccess{Read: []string{"note"}, Write: []string{"note"}},
	})
	require.NoError(t, err)

	a, err := registry.Get(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, coordination.AgentIdle, a.Status)

	time.Sleep(20 * time.Millisecond)
	a, err = registry.Get(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, coordination.AgentOffline, a.Status, "a stale heartbeat must compute as offline at read time")

	require.NoError(t, registry.Heartbeat(ctx, testTenant, id, coordination.AgentBusy))
	a, err = registry.Get(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, coordination.AgentBusy, a.Status)
}

func TestRegistry_HeartbeatRejectsUnknownAndOfflineStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dag := memory.New()
	registry := coordination.NewRegistry(dag, nil, time.Hour, nil, nil, nil)

	id, err := registry.Register(ctx, testTenant, coordination.RegisterAgentInput{Type: "worker"})
	require.NoError(t, err)

	err = registry.Heartbeat(ctx, testTenant, id, coordination.AgentStatus("sleeping"))
	require.Error(t, err, "a status the availability machine does not know is rejected")

	err = registry.Heartbeat(ctx, testTenant, id, coordination.AgentOffline)
	require.Error(t, err, "offline is derived from staleness, never reported by a heartbeat")

	require.NoError(t, registry.Heartbeat(ctx, testTenant, id, ""), "a bare liveness ping carries no status")
}

func TestRegistry_DeleteIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dag := memory.New()
	registry := coordination.NewRegistry(dag, nil, time.Hour, nil, nil, nil)
	author := ids.New()

	id, err := registry.Register(ctx, testTenant, coordination.RegisterAgentInput{Type: "worker"})
	require.NoError(t, err)

	require.NoError(t, registry.Delete(ctx, testTenant, author, id))
	a, err := registry.Get(ctx, testTenant, id)
	require.NoError(t, err)
	assert.True(t, a.Deleted)
}
