package caliberstore_test

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caliberdev/caliber/pkg/assembler"
	"github.com/caliberdev/caliber/pkg/caliber"
	"github.com/caliberdev/caliber/pkg/config"
	"github.com/caliberdev/caliber/pkg/coordination"
	"github.com/caliberdev/caliber/pkg/entity"
	sserr "github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/eventdag"
	"github.com/caliberdev/caliber/pkg/eventdag/memory"
	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/journal"
)

// Property-style tests: each invariant is exercised across at least 100
// seeded iterations (or 100+ interleaved operations, for the concurrency
// invariants), rather than a single hand-picked example.

const propertyIterations = 100

// mustAppend appends an event of kind for tenant, retrying the
// optimistic tip check until it wins. Used by the concurrency properties,
// where losing a tip race is expected behavior rather than a failure.
func mustAppend(t *testing.T, s eventdag.Store, tenant ids.TenantID, kind event.Kind) *event.Event {
	t.Helper()
	ctx := context.Background()
	for {
		tip, _, err := s.Tip(ctx, tenant)
		require.NoError(t, err)
		e := &event.Event{
			ID:            ids.New(),
			Kind:          kind,
			Tenant:        tenant,
			AuthorAgentID: ids.New(),
			Timestamp:     time.Now().UTC(),
			Payload:       []byte(`{}`),
			PrevChainHash: tip,
		}
		stored, err := s.Append(ctx, e)
		if err == nil {
			return stored
		}
		require.Equal(t, sserr.CodeStoreChainDesync, sserr.GetCode(err),
			"the only acceptable append failure under contention is a tip race")
	}
}

// Append monotonicity: interleaved concurrent appends on one tenant yield
// a dense total order with strictly increasing seq, and the chain stays
// verifiable.
func TestProperty_AppendMonotonicityUnderConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()
	const tenant = ids.TenantID("mono")
	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				mustAppend(t, s, tenant, event.KindTurnCreated)
			}
		}()
	}
	wg.Wait()

	events, err := s.Scan(ctx, tenant, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, workers*perWorker)
	for i, e := range events {
		assert.Equal(t, uint64(i), e.MonotonicSeq, "seq must be dense and strictly increasing")
	}
	require.NoError(t, s.Verify(ctx, tenant))
}

// Chain integrity: for random-length append sequences, Verify always
// succeeds on the untouched chain.
func TestProperty_ChainIntegrity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	s := memory.New()

	for iter := 0; iter < propertyIterations; iter++ {
		tenant := ids.TenantID(fmt.Sprintf("chain-%d", iter))
		n := 1 + rng.Intn(20)
		for i := 0; i < n; i++ {
			mustAppend(t, s, tenant, event.KindTurnCreated)
		}
		require.NoError(t, s.Verify(ctx, tenant))
	}
}

// Round-trip: decode(encode(E)) = E for randomized events, and flipping
// any single byte of the encoded payload region is always detected.
func TestProperty_EncodeDecodeRoundTripAndTamper(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(11))

	kinds := []event.Kind{
		event.KindTrajectoryCreated, event.KindScopeCreated, event.KindArtifactCreated,
		event.KindNoteCreated, event.KindTurnCreated, event.KindMessageSent,
		event.KindDelegationCreated, event.KindHandoffCreated,
	}

	for iter := 0; iter < propertyIterations; iter++ {
		payload := make([]byte, 1+rng.Intn(512))
		_, _ = rng.Read(payload)

		parents := make([]ids.ID, rng.Intn(event.MaxParents+1))
		for i := range parents {
			parents[i] = ids.New()
		}

		e := &event.Event{
			ID:            ids.New(),
			ParentIDs:     parents,
			Kind:          kinds[rng.Intn(len(kinds))],
			Tenant:        ids.TenantID(fmt.Sprintf("t-%d", rng.Intn(5))),
			AuthorAgentID: ids.New(),
			MonotonicSeq:  rng.Uint64(),
			Timestamp:     time.Unix(0, rng.Int63()).UTC(),
			Payload:       payload,
		}

		buf, err := event.Encode(e)
		require.NoError(t, err)

		got, err := event.Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, e.ParentIDs, got.ParentIDs)
		assert.Equal(t, e.Kind, got.Kind)
		assert.Equal(t, e.Tenant, got.Tenant)
		assert.Equal(t, e.MonotonicSeq, got.MonotonicSeq)
		assert.Equal(t, e.Payload, got.Payload)
		assert.Equal(t, e.ChainHash, got.ChainHash)

		tampered := append([]byte(nil), buf...)
		tampered[len(tampered)-1-rng.Intn(len(payload))] ^= 1 << uint(rng.Intn(8))
		_, err = event.Decode(tampered)
		require.Error(t, err, "a payload bit flip must never decode cleanly")
	}
}

// Tenant isolation: an operation issued under one tenant never observes an
// entity created under another.
func TestProperty_TenantIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cc := newCoreContext()
	author := ids.New()

	for iter := 0; iter < propertyIterations; iter++ {
		tenantA := ids.TenantID(fmt.Sprintf("iso-a-%d", iter))
		tenantB := ids.TenantID(fmt.Sprintf("iso-b-%d", iter))

		trID, err := cc.Trajectories.Create(ctx, tenantA, author, entity.CreateTrajectoryInput{Name: "isolated"})
		require.NoError(t, err)

		_, err = cc.Trajectories.Get(ctx, tenantB, trID)
		require.Error(t, err)
		assert.Equal(t, sserr.CodeNotFoundResource, sserr.GetCode(err),
			"cross-tenant lookups must surface as NotFound, never as a leak")

		page, err := cc.Trajectories.List(ctx, tenantB, entity.Filter{}, entity.Pagination{})
		require.NoError(t, err)
		assert.Empty(t, page.Items)
	}
}

// Lock exclusion: two Exclusive acquires on the same resource never both
// succeed; Shared coexists only with Shared; a contended acquire succeeds
// once the original holder releases.
func TestProperty_LockExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cc := newCoreContext()
	rng := rand.New(rand.NewSource(23))

	modes := []coordination.LockMode{coordination.LockShared, coordination.LockExclusive}

	for iter := 0; iter < propertyIterations; iter++ {
		tenant := ids.TenantID("locks")
		resource := coordination.Resource{Type: "scope", ID: fmt.Sprintf("s-%d", iter)}
		a1, a2 := ids.New(), ids.New()
		first := modes[rng.Intn(2)]
		second := modes[rng.Intn(2)]

		l1, err := cc.Locks.Acquire(ctx, tenant, resource, a1, first, time.Minute)
		require.NoError(t, err)

		l2, err := cc.Locks.Acquire(ctx, tenant, resource, a2, second, time.Minute)
		if first == coordination.LockShared && second == coordination.LockShared {
			require.NoError(t, err, "shared acquires must coexist")
			require.NoError(t, cc.Locks.Release(ctx, tenant, l2, a2))
		} else {
			require.Error(t, err)
			assert.Equal(t, sserr.CodeCoordLockContended, sserr.GetCode(err))

			require.NoError(t, cc.Locks.Release(ctx, tenant, l1, a1))
			l2, err = cc.Locks.Acquire(ctx, tenant, resource, a2, second, time.Minute)
			require.NoError(t, err, "a contended acquire must succeed after release")
			require.NoError(t, cc.Locks.Release(ctx, tenant, l2, a2))
			continue
		}
		require.NoError(t, cc.Locks.Release(ctx, tenant, l1, a1))
	}
}

// State-machine closure for Delegation: every (state, operation) pair
// either appears in the allowed-transition table or fails with
// InvalidTransition. Exercised exhaustively, which covers well over 100
// transition attempts across both machines.
func TestProperty_DelegationStateMachineClosure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	type op struct {
		name  string
		apply func(cc *caliber.CoreContext, tenant ids.TenantID, id, to ids.ID) error
	}
	ops := []op{
		{"accept", func(cc *caliber.CoreContext, tenant ids.TenantID, id, to ids.ID) error {
			return cc.Delegations.Accept(ctx, tenant, id, to)
		}},
		{"start", func(cc *caliber.CoreContext, tenant ids.TenantID, id, to ids.ID) error {
			return cc.Delegations.Start(ctx, tenant, id, to)
		}},
		{"complete", func(cc *caliber.CoreContext, tenant ids.TenantID, id, to ids.ID) error {
			return cc.Delegations.Complete(ctx, tenant, id, to, "done")
		}},
		{"fail", func(cc *caliber.CoreContext, tenant ids.TenantID, id, to ids.ID) error {
			return cc.Delegations.Fail(ctx, tenant, id, to, "broke")
		}},
		{"cancel", func(cc *caliber.CoreContext, tenant ids.TenantID, id, to ids.ID) error {
			return cc.Delegations.Cancel(ctx, tenant, id, to)
		}},
	}

	allowed := map[coordination.DelegationStatus]map[string]bool{
		coordination.DelegationPending:   {"accept": true, "cancel": true},
		coordination.DelegationAccepted:  {"start": true, "cancel": true},
		coordination.DelegationRunning:   {"complete": true, "fail": true, "cancel": true},
		coordination.DelegationCompleted: {},
		coordination.DelegationFailed:    {},
		coordination.DelegationCancelled: {},
	}

	// driveTo creates a fresh delegation and walks it to the target state.
	driveTo := func(cc *caliber.CoreContext, tenant ids.TenantID, to ids.ID, target coordination.DelegationStatus) ids.ID {
		id, err := cc.Delegations.Create(ctx, tenant, coordination.CreateDelegationInput{
			From: ids.New(), To: to, TrajectoryID: ids.New(), TaskDescription: "closure",
		})
		require.NoError(t, err)
		switch target {
		case coordination.DelegationPending:
		case coordination.DelegationAccepted:
			require.NoError(t, cc.Delegations.Accept(ctx, tenant, id, to))
		case coordination.DelegationRunning:
			require.NoError(t, cc.Delegations.Accept(ctx, tenant, id, to))
			require.NoError(t, cc.Delegations.Start(ctx, tenant, id, to))
		case coordination.DelegationCompleted:
			require.NoError(t, cc.Delegations.Accept(ctx, tenant, id, to))
			require.NoError(t, cc.Delegations.Start(ctx, tenant, id, to))
			require.NoError(t, cc.Delegations.Complete(ctx, tenant, id, to, "r"))
		case coordination.DelegationFailed:
			require.NoError(t, cc.Delegations.Accept(ctx, tenant, id, to))
			require.NoError(t, cc.Delegations.Start(ctx, tenant, id, to))
			require.NoError(t, cc.Delegations.Fail(ctx, tenant, id, to, "r"))
		case coordination.DelegationCancelled:
			require.NoError(t, cc.Delegations.Cancel(ctx, tenant, id, to))
		}
		return id
	}

	cc := newCoreContext()
	tenant := ids.TenantID("deleg-closure")
	attempts := 0
	for state := range allowed {
		for _, o := range ops {
			for rep := 0; rep < 4; rep++ {
				to := ids.New()
				id := driveTo(cc, tenant, to, state)
				err := o.apply(cc, tenant, id, to)
				if allowed[state][o.name] {
					require.NoError(t, err, "%s from %s must be allowed", o.name, state)
				} else {
					require.Error(t, err, "%s from %s must be rejected", o.name, state)
					assert.Equal(t, sserr.CodeCoordInvalidTransition, sserr.GetCode(err))
				}
				attempts++
			}
		}
	}
	assert.GreaterOrEqual(t, attempts, propertyIterations)
}

// State-machine closure for Handoff, analogous to Delegation's.
func TestProperty_HandoffStateMachineClosure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	type op struct {
		name  string
		apply func(cc *caliber.CoreContext, tenant ids.TenantID, id, to ids.ID) error
	}
	ops := []op{
		{"accept", func(cc *caliber.CoreContext, tenant ids.TenantID, id, to ids.ID) error {
			return cc.Handoffs.Accept(ctx, tenant, id, to)
		}},
		{"complete", func(cc *caliber.CoreContext, tenant ids.TenantID, id, to ids.ID) error {
			return cc.Handoffs.Complete(ctx, tenant, id, to)
		}},
		{"reject", func(cc *caliber.CoreContext, tenant ids.TenantID, id, to ids.ID) error {
			return cc.Handoffs.Reject(ctx, tenant, id, to)
		}},
	}

	allowed := map[coordination.HandoffStatus]map[string]bool{
		coordination.HandoffPending:   {"accept": true, "reject": true},
		coordination.HandoffAccepted:  {"complete": true, "reject": true},
		coordination.HandoffCompleted: {},
		coordination.HandoffRejected:  {},
	}

	driveTo := func(cc *caliber.CoreContext, tenant ids.TenantID, to ids.ID, target coordination.HandoffStatus) ids.ID {
		id, err := cc.Handoffs.Create(ctx, tenant, coordination.CreateHandoffInput{
			From: ids.New(), To: to, TrajectoryID: ids.New(), Reason: "closure",
			ContextSnapshot: []byte("snapshot"),
		})
		require.NoError(t, err)
		switch target {
		case coordination.HandoffPending:
		case coordination.HandoffAccepted:
			require.NoError(t, cc.Handoffs.Accept(ctx, tenant, id, to))
		case coordination.HandoffCompleted:
			require.NoError(t, cc.Handoffs.Accept(ctx, tenant, id, to))
			require.NoError(t, cc.Handoffs.Complete(ctx, tenant, id, to))
		case coordination.HandoffRejected:
			require.NoError(t, cc.Handoffs.Reject(ctx, tenant, id, to))
		}
		return id
	}

	cc := newCoreContext()
	tenant := ids.TenantID("handoff-closure")
	attempts := 0
	for state := range allowed {
		for _, o := range ops {
			for rep := 0; rep < 9; rep++ {
				to := ids.New()
				id := driveTo(cc, tenant, to, state)
				err := o.apply(cc, tenant, id, to)
				if allowed[state][o.name] {
					require.NoError(t, err, "%s from %s must be allowed", o.name, state)
				} else {
					require.Error(t, err, "%s from %s must be rejected", o.name, state)
				}
				attempts++
			}
		}
	}
	assert.GreaterOrEqual(t, attempts, propertyIterations)
}

// Budget invariant: assembly never exceeds the budget, and no excluded
// candidate would still fit after packing finished (anti-greedy witness).
func TestProperty_AssemblerBudgetInvariant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(41))

	methods := []entity.ExtractionMethod{
		entity.ExtractionExplicit, entity.ExtractionInferred, entity.ExtractionSummarized,
	}

	for iter := 0; iter < propertyIterations; iter++ {
		cc := newCoreContext()
		tenant := ids.TenantID("budget")
		author := ids.New()

		trID, err := cc.Trajectories.Create(ctx, tenant, author, entity.CreateTrajectoryInput{Name: "budget"})
		require.NoError(t, err)
		scID, err := cc.Scopes.Create(ctx, tenant, author, entity.CreateScopeInput{
			TrajectoryID: trID, Name: "work", TokenBudget: 10000,
		})
		require.NoError(t, err)

		count := 1 + rng.Intn(8)
		for i := 0; i < count; i++ {
			tokens := 100 + rng.Intn(2900)
			_, err := cc.Artifacts.Create(ctx, tenant, author, entity.CreateArtifactInput{
				TrajectoryID:     trID,
				ScopeID:          scID,
				Type:             entity.ArtifactTypeFact,
				Name:             fmt.Sprintf("artifact-%d", i),
				Content:          []byte(strings.Repeat("x", tokens*4)),
				ExtractionMethod: methods[rng.Intn(len(methods))],
				TTL:              entity.TTL{Kind: entity.TTLPersistent},
			})
			require.NoError(t, err)
		}

		budget := 500 + rng.Intn(7500)
		res, err := cc.Assembler.Assemble(ctx, tenant, assembler.Request{
			TrajectoryID: trID,
			ScopeID:      scID,
			TokenBudget:  budget,
			Format:       assembler.FormatRaw,
		})
		require.NoError(t, err)

		assert.LessOrEqual(t, res.TotalTokens, budget)

		remaining := budget - res.TotalTokens
		for _, entry := range res.Trace {
			if entry.Included {
				continue
			}
			assert.Greater(t, entry.Tokens, remaining,
				"an excluded candidate that still fits is an anti-greedy witness")
		}
	}
}

// Cache-journal agreement: a projection observed after the journal
// reports seq C reflects every event with seq <= C — no torn read.
func TestProperty_CacheJournalAgreement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tenant := ids.TenantID("journal")

	notifier := journal.NewRingBuffer(512)
	defer notifier.Close()

	cc := caliber.New(caliber.Deps{
		DAG:      memory.New(),
		Notifier: notifier,
		Config:   config.CaliberConfig{TokenBudget: 8000, ContradictionThreshold: 0.9},
	})
	author := ids.New()

	ch, cancel := notifier.Subscribe(tenant)
	defer cancel()

	trID, err := cc.Trajectories.Create(ctx, tenant, author, entity.CreateTrajectoryInput{Name: "v0"})
	require.NoError(t, err)

	for i := 1; i <= propertyIterations; i++ {
		require.NoError(t, cc.Trajectories.Update(ctx, tenant, author, trID, fmt.Sprintf("v%d", i), nil))
	}

	var lastSeen uint64
	deadline := time.After(5 * time.Second)
	for received := 0; received < propertyIterations+1; received++ {
		select {
		case change := <-ch:
			require.GreaterOrEqual(t, change.Seq, lastSeen, "journal changes arrive in seq order")
			lastSeen = change.Seq

			tr, err := cc.Trajectories.Get(ctx, tenant, trID)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, tr.Seq, change.Seq,
				"a projection read after observing cursor C must reflect every event with seq <= C")
		case <-deadline:
			t.Fatalf("timed out after %d journal changes", received)
		}
	}
}
