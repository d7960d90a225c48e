package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/ids"
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

func TestStore_AppendAssignsSeqAndChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	const tenant = ids.TenantID("t1")

	e1, err := s.Append(ctx, newEvt(tenant, event.KindTrajectoryCreated))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), e1.MonotonicSeq)

	e2in := newEvt(tenant, event.KindScopeCreated)
	e2in.PrevChainHash = e1.ChainHash
	e2, err := s.Append(ctx, e2in)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e2.MonotonicSeq)
	assert.NotEqual(t, e1.ChainHash, e2.ChainHash)
}

func TestStore_AppendRejectsStaleTip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	const tenant = ids.TenantID("t1")

	_, err := s.Append(ctx, newEvt(tenant, event.KindTrajectoryCreated))
	require.NoError(t, err)

	// second append without updating PrevChainHash from the real tip
	_, err = s.Append(ctx, newEvt(tenant, event.KindScopeCreated))
	require.Error(t, err)
	assert.Equal(t, sserr.CodeStoreChainDesync, sserr.GetCode(err))
}

func TestStore_AppendRejectsMissingParent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	const tenant = ids.TenantID("t1")

	e := newEvt(tenant, event.KindScopeCreated)
	e.ParentIDs = []ids.ID{ids.New()}

	_, err := s.Append(ctx, e)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeStoreParentMissing, sserr.GetCode(err))
}

func TestStore_TenantIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	a, err := s.Append(ctx, newEvt("tenant-a", event.KindTrajectoryCreated))
	require.NoError(t, err)
	b, err := s.Append(ctx, newEvt("tenant-b", event.KindTrajectoryCreated))
	require.NoError(t, err)

	_, err = s.Get(ctx, "tenant-a", b.ID)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeNotFoundResource, sserr.GetCode(err))

	got, err := s.Get(ctx, "tenant-a", a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}

func TestStore_ScanRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	const tenant = ids.TenantID("t1")

	var prev [32]byte
	for i := 0; i < 5; i++ {
		e := newEvt(tenant, event.KindTurnCreated)
		e.PrevChainHash = prev
		stored, err := s.Append(ctx, e)
		require.NoError(t, err)
		prev = stored.ChainHash
	}

	got, err := s.Scan(ctx, tenant, 1, 4)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].MonotonicSeq)
	assert.Equal(t, uint64(3), got[2].MonotonicSeq)
}

func TestStore_QuotaFailsFast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewWithQuota(2)
	const tenant = ids.TenantID("t1")

	var prev [32]byte
	for i := 0; i < 2; i++ {
		e := newEvt(tenant, event.KindTurnCreated)
		e.PrevChainHash = prev
		stored, err := s.Append(ctx, e)
		require.NoError(t, err)
		prev = stored.ChainHash
	}

	e := newEvt(tenant, event.KindTurnCreated)
	e.PrevChainHash = prev
	_, err := s.Append(ctx, e)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeStoreTenantQuotaExceeded, sserr.GetCode(err))

	// Other tenants are unaffected: the quota is per tenant, not global.
	_, err = s.Append(ctx, newEvt("t2", event.KindTurnCreated))
	require.NoError(t, err)
}

func TestStore_AppendHonorsDeadline(t *testing.T) {
	t.Parallel()
	s := New()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := s.Append(ctx, newEvt("t1", event.KindTurnCreated))
	require.Error(t, err)
	assert.Equal(t, sserr.CodeResTimedOut, sserr.GetCode(err))
}

func TestStore_VerifyDetectsTamper(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	const tenant = ids.TenantID("t1")

	stored, err := s.Append(ctx, newEvt(tenant, event.KindTrajectoryCreated))
	require.NoError(t, err)
	require.NoError(t, s.Verify(ctx, tenant))

	tc := s.tenants[tenant]
	corrupted := *tc.events[stored.ID]
	corrupted.ChainHash[0] ^= 0xFF
	tc.events[stored.ID] = &corrupted

	err = s.Verify(ctx, tenant)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeStoreCorruption, sserr.GetCode(err))
}
