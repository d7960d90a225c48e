// Package entity projects the append-only event DAG into the typed,
// read-only records callers actually want: Trajectory, Scope, Artifact,
// Note, and Turn. Every record is folded deterministically from its
// own creation event plus every later event that names it, so the event
// DAG remains the single source of truth — these stores hold no durable
// state of their own beyond a memoized projection cache.
package entity

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/eventdag"
	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/journal"
)

// maxAppendRetries bounds the optimistic-concurrency retry loop in
// appendEvent: on CodeStoreChainDesync (another append raced ahead of us
// for the same tenant), we refetch the tip and retry rather than surface
// the race to the caller, since nothing about the caller's intent changed.
const maxAppendRetries = 8

// Filter is a typed predicate applied to [List] operations. Every field is
// optional (the zero value matches everything); non-zero fields AND
// together. NameContains is a case-sensitive substring match on the
// entity's name/title field.
type Filter struct {
	Status        string
	Type          string
	NameContains  string
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// Pagination selects a page of results with stable ordering by seq
// ascending unless a store documents otherwise.
type Pagination struct {
	// Cursor is the seq of the last-seen result; results with seq <=
	// Cursor are skipped. Zero starts from the beginning.
	Cursor uint64
	// Limit bounds the page size. Zero or negative means "no limit".
	Limit int
}

// Page is one page of a List call's results, along with the cursor to
// pass back in for the next page.
type Page[T any] struct {
	Items      []T
	NextCursor uint64
	HasMore    bool
}

// base is embedded by every entity-specific store; it holds the shared
// dependencies (event DAG, change journal, logger) and the append-retry
// helper every store's mutating operations go through.
type base struct {
	dag      eventdag.Store
	notifier journal.Notifier
	logger   *slog.Logger
}

func newBase(dag eventdag.Store, notifier journal.Notifier, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{dag: dag, notifier: notifier, logger: logger}
}

// appendEvent builds and appends a single event carrying payload, retrying
// on chain-tip races. authorAgent is the acting agent's id (ids.Zero if
// the caller is the system itself, e.g. a scope-close reclaiming Turns).
func (b base) appendEvent(ctx context.Context, tenant ids.TenantID, kind event.Kind, authorAgent ids.ID, payload []byte) (*event.Event, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		tip, _, err := b.dag.Tip(ctx, tenant)
		if err != nil {
			return nil, err
		}

		e := &event.Event{
			ID:            ids.New(),
			Kind:          kind,
			Tenant:        tenant,
			AuthorAgentID: authorAgent,
			Timestamp:     time.Now().UTC(),
			Payload:       payload,
			PrevChainHash: tip,
		}

		stored, err := b.dag.Append(ctx, e)
		if err == nil {
			if b.notifier != nil {
				b.notifier.Publish(ctx, stored)
			}
			return stored, nil
		}
		if errors.GetCode(err) != errors.CodeStoreChainDesync {
			return nil, err
		}
		lastErr = err
	}
	return nil, errors.Wrap(lastErr, errors.CodeStoreChainDesync,
		"entity: exhausted append retries under tenant chain contention")
}

// scanKind returns every event for tenant whose Kind falls in [lo, hi]
// (inclusive), ordered by ascending seq. Kind-range filtering happens
// client-side because the underlying [eventdag.Store.Scan] contract is a
// plain seq range; entity projections are the layer that knows about kind
// families.
func scanKind(ctx context.Context, dag eventdag.Store, tenant ids.TenantID, lo, hi event.Kind) ([]*event.Event, error) {
	all, err := dag.Scan(ctx, tenant, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*event.Event, 0, len(all))
	for _, e := range all {
		if e.Kind >= lo && e.Kind <= hi {
			out = append(out, e)
		}
	}
	return out, nil
}

// paginate sorts items by seqOf ascending and slices out the page starting
// just after p.Cursor, bounded by p.Limit.
func paginate[T any](items []T, seqOf func(T) uint64, p Pagination) Page[T] {
	sort.SliceStable(items, func(i, j int) bool { return seqOf(items[i]) < seqOf(items[j]) })

	start := 0
	for start < len(items) && seqOf(items[start]) <= p.Cursor {
		start++
	}

	end := len(items)
	hasMore := false
	if p.Limit > 0 && start+p.Limit < len(items) {
		end = start + p.Limit
		hasMore = true
	}

	page := items[start:end]
	var next uint64
	if len(page) > 0 {
		next = seqOf(page[len(page)-1])
	} else {
		next = p.Cursor
	}
	return Page[T]{Items: page, NextCursor: next, HasMore: hasMore}
}
