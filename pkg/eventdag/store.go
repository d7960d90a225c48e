// Package eventdag defines the append-only, hash-chained event store that
// backs every entity in CALIBER. A [Store] is the single source of truth;
// everything else (projections, the change journal, the context assembler)
// is derived by folding over it.
package eventdag

import (
	"context"

	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/ids"
)

// Store is the interface every event DAG backend implements: an in-memory
// store for tests and single-process demos, and the hybrid hot/cold store
// for production (see the hybrid subpackage).
type Store interface {
	// Append writes e to the tenant's chain. e.PrevChainHash must equal
	// the tenant's current Tip, or the append is rejected with
	// CodeStoreChainDesync (optimistic concurrency). On success Append
	// assigns e.MonotonicSeq and returns the stored, chain-linked event.
	Append(ctx context.Context, e *event.Event) (*event.Event, error)

	// Get fetches a single event by id within tenant.
	Get(ctx context.Context, tenant ids.TenantID, id ids.ID) (*event.Event, error)

	// Scan returns events for tenant with MonotonicSeq in [fromSeq, toSeq),
	// ordered by seq ascending. A toSeq of 0 means "no upper bound".
	Scan(ctx context.Context, tenant ids.TenantID, fromSeq, toSeq uint64) ([]*event.Event, error)

	// Tip returns the chain hash and seq of the most recently appended
	// event for tenant, or the zero hash and seq 0 if tenant has no events.
	Tip(ctx context.Context, tenant ids.TenantID) (chainHash [32]byte, seq uint64, err error)

	// Verify walks tenant's full chain and confirms every link's chain
	// hash is consistent, returning the seq of the first broken link (if
	// any) via CodeStoreCorruption.
	Verify(ctx context.Context, tenant ids.TenantID) error

	// Close releases any resources (file handles, connections) held by
	// the store.
	Close() error
}
