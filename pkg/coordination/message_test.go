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

func TestMessageQueue_SendMarkReadRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dag := memory.New()
	q := coordination.NewMessageQueue(dag, nil, nil)
	from, to := ids.New(), ids.New()

	id, err := q.Send(ctx, testTenant, from, to, coordination.PriorityHigh, []byte("status update"))
	require.NoError(t, err)

	msg, err := q.Get(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, to, msg.To)
	assert.True(t, msg.ReadAt.IsZero())

	require.NoError(t, q.MarkRead(ctx, testTenant, id, to))
	msg, err = q.Get(ctx, testTenant, id)
	require.NoError(t, err)
	assert.False(t, msg.ReadAt.IsZero())

	require.NoError(t, q.MarkRead(ctx, testTenant, id, to), "marking an already-read message again is a no-op")
}

func TestMessageQueue_ListOrderedBySendAndFiltersUnread(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dag := memory.New()
	q := coordination.NewMessageQueue(dag, nil, nil)
	from, to := ids.New(), ids.New()

	first, err := q.Send(ctx, testTenant, from, to, coordination.PriorityNormal, []byte("one"))
	require.NoError(t, err)
	second, err := q.Send(ctx, testTenant, from, to, coordination.PriorityNormal, []byte("two"))
	require.NoError(t, err)

	require.NoError(t, q.MarkRead(ctx, testTenant, first, to))

	page, err := q.List(ctx, testTenant, to, false, coordination.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, first, page.Items[0].ID)
	assert.Equal(t, second, page.Items[1].ID)

	unread, err := q.List(ctx, testTenant, to, true, coordination.Pagination{})
	require.NoError(t, err)
	require.Len(t, unread.Items, 1)
	assert.Equal(t, second, unread.Items[0].ID)
}
