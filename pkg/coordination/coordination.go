// Package coordination implements the multi-agent coordination layer: an
// Agent registry, advisory Locks, inter-agent Messages, and the
// Delegation/Handoff/Conflict state machines. Like [entity], every record
// is folded from its own slice of the append-only event DAG rather than
// held as mutable in-process state, so the same chain-integrity and
// tenant-isolation guarantees apply uniformly across both layers.
package coordination

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

const maxAppendRetries = 8

// Pagination and Page mirror [entity.Pagination]/[entity.Page]; the two
// packages fold the same underlying event DAG but are kept independent
// since coordination records (Locks, Messages) have no reason to share
// the entity layer's Filter shape.
type Pagination struct {
	Cursor uint64
	Limit  int
}

type Page[T any] struct {
	Items      []T
	NextCursor uint64
	HasMore    bool
}

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

// appendEvent mints a fresh event id and appends it, retrying on chain-tip
// races exactly as [entity]'s helper of the same name does.
func (b base) appendEvent(ctx context.Context, tenant ids.TenantID, kind event.Kind, authorAgent ids.ID, payload []byte) (*event.Event, error) {
	return b.appendWithID(ctx, tenant, ids.New(), kind, authorAgent, payload)
}

// appendWithID appends an event whose id is pinned to id (used when the
// record's own id must equal its creation event's id, e.g. a newly
// registered Agent or a newly acquired Lock).
func (b base) appendWithID(ctx context.Context, tenant ids.TenantID, id ids.ID, kind event.Kind, authorAgent ids.ID, payload []byte) (*event.Event, error) {
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
			ID:            id,
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
		"coordination: exhausted append retries under tenant chain contention")
}

// scanKind mirrors [entity]'s helper: the event DAG only supports a seq
// range scan, so every kind-family filter happens here, client-side.
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
