package coordination_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caliberdev/caliber/pkg/coordination"
	"github.com/caliberdev/caliber/pkg/eventdag/memory"
	"github.com/caliberdev/caliber/pkg/ids"
)

func TestDelegationStore_HappyPathLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dag := memory.New()
	store := coordination.NewDelegationStore(dag, nil, nil)
	from, to := ids.New(), ids.New()
	trajectory := ids.New()

	id, err := store.Create(ctx, testTenant, coordination.CreateDelegationInput{
		From:            from,
		To:              to,
		TrajectoryID:    trajectory,
		TaskDescription: "review the migration plan",
	})
	require.NoError(t, err)

	d, err := store.Get(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, coordination.DelegationPending, d.Status)

	require.NoError(t, store.Accept(ctx, testTenant, id, to))
	require.NoError(t, store.Start(ctx, testTenant, id, to))
	require.NoError(t, store.Complete(ctx, testTenant, id, to, "plan approved"))

	d, err = store.Get(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, coordination.DelegationCompleted, d.Status)
	assert.Equal(t, "plan approved", d.Result)
}

func TestDelegationStore_AcceptByNonAssigneeFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dag := memory.New()
	store := coordination.NewDelegationStore(dag, nil, nil)
	from, to := ids.New(), ids.New()

	id, err := store.Create(ctx, testTenant, coordination.CreateDelegationInput{
		From:         from,
		To:           to,
		TrajectoryID: ids.New(),
	})
	require.NoError(t, err)

	err = store.Accept(ctx, testTenant, id, ids.New())
	require.Error(t, err, "only the to_agent may accept")
}

func TestDelegationStore_InvalidTransitionRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dag := memory.New()
	store := coordination.NewDelegationStore(dag, nil, nil)
	from, to := ids.New(), ids.New()

	id, err := store.Create(ctx, testTenant, coordination.CreateDelegationInput{
		From:         from,
		To:           to,
		TrajectoryID: ids.New(),
	})
	require.NoError(t, err)

	err = store.Complete(ctx, testTenant, id, to, "too soon")
	require.Error(t, err, "a pending delegation cannot complete directly")

	err = store.Start(ctx, testTenant, id, to)
	require.Error(t, err, "a pending delegation cannot start before acceptance")
}

func TestDelegationStore_CancelFromRunning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dag := memory.New()
	store := coordination.NewDelegationStore(dag, nil, nil)
	from, to := ids.New(), ids.New()

	id, err := store.Create(ctx, testTenant, coordination.CreateDelegationInput{
		From:         from,
		To:           to,
		TrajectoryID: ids.New(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Accept(ctx, testTenant, id, to))
	require.NoError(t, store.Start(ctx, testTenant, id, to))
	require.NoError(t, store.Cancel(ctx, testTenant, id, from))

	d, err := store.Get(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, coordination.DelegationCancelled, d.Status)

	err = store.Cancel(ctx, testTenant, id, from)
	require.Error(t, err, "cancelled is terminal")
}

func TestDelegationStore_FailRecordsReason(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dag := memory.New()
	store := coordination.NewDelegationStore(dag, nil, nil)
	from, to := ids.New(), ids.New()

	id, err := store.Create(ctx, testTenant, coordination.CreateDelegationInput{
		From:         from,
		To:           to,
		TrajectoryID: ids.New(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Accept(ctx, testTenant, id, to))
	require.NoError(t, store.Start(ctx, testTenant, id, to))
	require.NoError(t, store.Fail(ctx, testTenant, id, to, "dependency unavailable"))

	d, err := store.Get(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, coordination.DelegationFailed, d.Status)
	assert.Equal(t, "dependency unavailable", d.FailureReason)
}
