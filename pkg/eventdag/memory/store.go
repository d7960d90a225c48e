// Package memory provides an in-process, non-persistent [eventdag.Store]
// backed by a map ordered with a per-tenant seq index. It is used by unit
// tests and the bundled demo; production deployments use the hybrid store.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	sserr "github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/ids"
)

type tenantChain struct {
	events  map[ids.ID]*event.Event
	bySeq   []ids.ID // ordered by MonotonicSeq ascending
	tip     [32]byte
	nextSeq uint64
}

// Store is a goroutine-safe, in-memory [eventdag.Store].
type Store struct {
	mu      sync.RWMutex
	tenants map[ids.TenantID]*tenantChain
	quota   uint64
}

// New returns an empty Store with no per-tenant quota.
func New() *Store {
	return &Store{tenants: make(map[ids.TenantID]*tenantChain)}
}

// NewWithQuota returns a Store that rejects appends for any tenant already
// holding maxEventsPerTenant events, failing fast with
// CodeStoreTenantQuotaExceeded rather than queueing.
func NewWithQuota(maxEventsPerTenant uint64) *Store {
	s := New()
	s.quota = maxEventsPerTenant
	return s
}

func (s *Store) chainFor(tenant ids.TenantID) *tenantChain {
	tc, ok := s.tenants[tenant]
	if !ok {
		tc = &tenantChain{events: make(map[ids.ID]*event.Event)}
		s.tenants[tenant] = tc
	}
	return tc
}

// Append implements [eventdag.Store].
func (s *Store) Append(ctx context.Context, e *event.Event) (*event.Event, error) {
	if err := ctx.Err(); err != nil {
		code := sserr.CodeResCancelled
		if errors.Is(err, context.DeadlineExceeded) {
			code = sserr.CodeResTimedOut
		}
		return nil, sserr.Wrap(err, code, "eventdag/memory: append abandoned")
	}
	if e.Tenant == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "eventdag/memory: tenant is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tc := s.chainFor(e.Tenant)
	if s.quota > 0 && tc.nextSeq >= s.quota {
		return nil, sserr.Newf(sserr.CodeStoreTenantQuotaExceeded,
			"eventdag/memory: tenant %s reached its %d-event quota", e.Tenant, s.quota)
	}
	if e.PrevChainHash != tc.tip {
		return nil, sserr.New(sserr.CodeStoreChainDesync,
			"eventdag/memory: prev_chain_hash does not match tenant tip").
			WithDetails(map[string]any{"tenant": string(e.Tenant)})
	}

	for _, parent := range e.ParentIDs {
		if _, ok := tc.events[parent]; !ok {
			return nil, sserr.Newf(sserr.CodeStoreParentMissing,
				"eventdag/memory: parent %s not found", parent).
				WithDetail("parent_id", parent.String())
		}
	}

	e.MonotonicSeq = tc.nextSeq
	e.Chain()

	stored := *e
	tc.events[stored.ID] = &stored
	tc.bySeq = append(tc.bySeq, stored.ID)
	tc.tip = stored.ChainHash
	tc.nextSeq++

	out := stored
	return &out, nil
}

// Get implements [eventdag.Store].
func (s *Store) Get(ctx context.Context, tenant ids.TenantID, id ids.ID) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tc, ok := s.tenants[tenant]
	if !ok {
		return nil, sserr.Newf(sserr.CodeNotFoundResource, "eventdag/memory: tenant %s has no events", tenant)
	}
	e, ok := tc.events[id]
	if !ok {
		return nil, sserr.Newf(sserr.CodeNotFoundResource, "eventdag/memory: event %s not found", id)
	}
	out := *e
	return &out, nil
}

// Scan implements [eventdag.Store].
func (s *Store) Scan(ctx context.Context, tenant ids.TenantID, fromSeq, toSeq uint64) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tc, ok := s.tenants[tenant]
	if !ok {
		return nil, nil
	}

	lo := sort.Search(len(tc.bySeq), func(i int) bool {
		return tc.events[tc.bySeq[i]].MonotonicSeq >= fromSeq
	})

	out := make([]*event.Event, 0)
	for i := lo; i < len(tc.bySeq); i++ {
		e := tc.events[tc.bySeq[i]]
		if toSeq != 0 && e.MonotonicSeq >= toSeq {
			break
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Tip implements [eventdag.Store].
func (s *Store) Tip(ctx context.Context, tenant ids.TenantID) ([32]byte, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tc, ok := s.tenants[tenant]
	if !ok {
		return [32]byte{}, 0, nil
	}
	return tc.tip, tc.nextSeq, nil
}

// Verify implements [eventdag.Store].
func (s *Store) Verify(ctx context.Context, tenant ids.TenantID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tc, ok := s.tenants[tenant]
	if !ok {
		return nil
	}

	var prev [32]byte
	for _, id := range tc.bySeq {
		e := tc.events[id]
		check := *e
		if err := event.VerifyChain(&check, prev); err != nil {
			return err
		}
		prev = e.ChainHash
	}
	return nil
}

// Close implements [eventdag.Store]. The in-memory store holds no external
// resources, so Close is a no-op.
func (s *Store) Close() error { return nil }
