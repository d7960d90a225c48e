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

func TestHandoffStore_HappyPathLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dag := memory.New()
	store := coordination.NewHandoffStore(dag, nil, nil)
	from, to := ids.New(), ids.New()
	snapshot := []byte(`{"open_files":["billing.go"]}`)

	id, err := store.Create(ctx, testTenant, coordination.CreateHandoffInput{
		From:            from,
		To:              to,
		TrajectoryID:    ids.New(),
		Reason:          "shift change",
		ContextSnapshot: snapshot,
	})
	require.NoError(t, err)

	h, err := store.Get(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, coordination.HandoffPending, h.Status)
	assert.Equal(t, snapshot, h.ContextSnapshot)

	require.NoError(t, store.Accept(ctx, testTenant, id, to))
	require.NoError(t, store.Complete(ctx, testTenant, id, to))

	h, err = store.Get(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, coordination.HandoffCompleted, h.Status)
	assert.Equal(t, snapshot, h.ContextSnapshot, "context_snapshot is immutable across transitions")
}

func TestHandoffStore_AcceptByNonAssigneeFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dag := memory.New()
	store := coordination.NewHandoffStore(dag, nil, nil)

	id, err := store.Create(ctx, testTenant, coordination.CreateHandoffInput{
		From:         ids.New(),
		To:           ids.New(),
		TrajectoryID: ids.New(),
	})
	require.NoError(t, err)

	err = store.Accept(ctx, testTenant, id, ids.New())
	require.Error(t, err)
}

func TestHandoffStore_RejectFromPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dag := memory.New()
	store := coordination.NewHandoffStore(dag, nil, nil)
	from, to := ids.New(), ids.New()

	id, err := store.Create(ctx, testTenant, coordination.CreateHandoffInput{
		From:         from,
		To:           to,
		TrajectoryID: ids.New(),
	})
	require.NoError(t, err)

	require.NoError(t, store.Reject(ctx, testTenant, id, to))
	h, err := store.Get(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, coordination.HandoffRejected, h.Status)

	err = store.Complete(ctx, testTenant, id, to)
	require.Error(t, err, "rejected is terminal")
}
