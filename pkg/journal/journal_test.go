package journal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/eventdag/memory"
	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/journal"
)

func newEvt(tenant ids.TenantID, kind event.Kind) *event.Event {
	return &event.Event{
		ID:            ids.New(),
		Kind:          kind,
		Tenant:        tenant,
		AuthorAgentID: ids.New(),
		Timestamp:     time.Now().UTC(),
		Payload:       []byte(`{}`),
	}
}

func TestRingBuffer_PublishDeliversToMatchingTenant(t *testing.T) {
	t.Parallel()
	rb := journal.NewRingBuffer(16)
	defer rb.Close()

	const tenant = ids.TenantID("t1")
	ch, cancel := rb.Subscribe(tenant)
	defer cancel()

	rb.Publish(context.Background(), newEvt(tenant, event.KindTrajectoryCreated))
	rb.Publish(context.Background(), newEvt(ids.TenantID("other"), event.KindTrajectoryCreated))

	select {
	case change := <-ch:
		assert.Equal(t, tenant, change.Tenant)
		assert.Equal(t, uint64(1), change.Generation)
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}

	select {
	case change := <-ch:
		t.Fatalf("unexpected second change for other tenant: %+v", change)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRingBuffer_CloseClosesSubscriberChannels(t *testing.T) {
	t.Parallel()
	rb := journal.NewRingBuffer(4)
	ch, _ := rb.Subscribe(ids.TenantID("t1"))
	require.NoError(t, rb.Close())

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
}

func TestPoller_ObservesAppendedEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	const tenant = ids.TenantID("t1")

	p := journal.NewPoller(store, 10*time.Millisecond)
	defer p.Close()

	ch, cancel := p.Subscribe(tenant)
	defer cancel()

	_, err := store.Append(ctx, newEvt(tenant, event.KindTrajectoryCreated))
	require.NoError(t, err)

	select {
	case change := <-ch:
		assert.Equal(t, tenant, change.Tenant)
		assert.Equal(t, uint64(0), change.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the poller to observe the appended event")
	}
}

func TestPoller_CursorHintSkipsReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	const tenant = ids.TenantID("t1")

	e1, err := store.Append(ctx, newEvt(tenant, event.KindTrajectoryCreated))
	require.NoError(t, err)

	hint := newFakeHint()
	hint.Set(ctx, tenant, "c0", e1.MonotonicSeq)

	p := journal.NewPoller(store, 10*time.Millisecond, journal.WithCursorHint(hint))
	defer p.Close()

	ch, cancel := p.Subscribe(tenant)
	defer cancel()

	e2in := newEvt(tenant, event.KindScopeCreated)
	e2in.PrevChainHash = e1.ChainHash
	e2, err := store.Append(ctx, e2in)
	require.NoError(t, err)

	select {
	case change := <-ch:
		assert.Equal(t, e2.MonotonicSeq, change.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the poller to observe only the event past the hinted cursor")
	}
}

type fakeHint struct {
	cursors map[string]uint64
}

func newFakeHint() *fakeHint {
	return &fakeHint{cursors: make(map[string]uint64)}
}

func (f *fakeHint) Get(ctx context.Context, tenant ids.TenantID, consumer string) (uint64, bool) {
	seq, ok := f.cursors[tenant.String()+"/"+consumer]
	return seq, ok
}

func (f *fakeHint) Set(ctx context.Context, tenant ids.TenantID, consumer string, seq uint64) {
	f.cursors[tenant.String()+"/"+consumer] = seq + 1
}

var _ journal.CursorHint = (*fakeHint)(nil)
