package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/eventdag"
	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/journal"
)

// LockMode is a Lock's sharing discipline.
type LockMode string

const (
	LockShared    LockMode = "shared"
	LockExclusive LockMode = "exclusive"
)

// Resource identifies what an advisory Lock guards. Two locks contend only
// when both Type and ID match exactly.
type Resource struct {
	Type string
	ID   string
}

// Lock is the projected, read-only view of an advisory reservation.
type Lock struct {
	ID         ids.ID
	Tenant     ids.TenantID
	Resource   Resource
	Holder     ids.ID
	Mode       LockMode
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Released   bool
	Seq        uint64
}

// Expired reports whether the lock's expires_at has already passed as of
// now.
func (l *Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

// Live reports whether the lock currently excludes other acquires: not
// released and not expired.
func (l *Lock) Live(now time.Time) bool {
	return !l.Released && !l.Expired(now)
}

type lockAcquiredPayload struct {
	EntityID     ids.ID    `json:"entity_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Holder       ids.ID    `json:"holder"`
	Mode         LockMode  `json:"mode"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	// Reclaims, if non-zero, is the id of the expired lock this acquire
	// superseded: reclamation is an event that supersedes the prior
	// grant.
	Reclaims ids.ID `json:"reclaims,omitempty"`
}

type lockReleasedPayload struct {
	EntityID   ids.ID    `json:"entity_id"`
	ReleasedBy ids.ID    `json:"released_by"`
	ReleasedAt time.Time `json:"released_at"`
}

type lockReclaimedPayload struct {
	EntityID    ids.ID    `json:"entity_id"`
	ReclaimedAt time.Time `json:"reclaimed_at"`
}

// LockManager implements the advisory lock protocol.
// Acquire is non-blocking: it either succeeds immediately or fails
// with LockContended. Callers that want to wait implement their own
// back-off loop around Acquire.
type LockManager struct {
	base
	defaultTTL time.Duration
}

// NewLockManager returns a LockManager. defaultTTL is used when a caller's
// Acquire does not specify a non-zero TTL.
func NewLockManager(dag eventdag.Store, notifier journal.Notifier, defaultTTL time.Duration, logger *slog.Logger) *LockManager {
	return &LockManager{base: newBase(dag, notifier, logger), defaultTTL: defaultTTL}
}

// Acquire attempts to grant holder a lock on resource in mode. On conflict
// with a live, differently-compatible lock it fails immediately with
// LockContended.
// An expired lock occupying the resource is reclaimed as a side effect: the
// reclamation is recorded as its own event, superseding the prior grant,
// before the new grant is appended.
func (m *LockManager) Acquire(ctx context.Context, tenant ids.TenantID, resource Resource, holder ids.ID, mode LockMode, ttl time.Duration) (ids.ID, error) {
	if strings.TrimSpace(resource.Type) == "" || strings.TrimSpace(resource.ID) == "" {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "coordination: resource type and id are required")
	}
	if mode != LockShared && mode != LockExclusive {
		return ids.Zero, errors.Newf(errors.CodeValidation, "coordination: unrecognized lock mode %q", mode)
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	now := time.Now().UTC()
	existing, err := m.locksOn(ctx, tenant, resource)
	if err != nil {
		return ids.Zero, err
	}

	var reclaims ids.ID
	for _, l := range existing {
		if l.Released {
			continue
		}
		if l.Expired(now) {
			if err := m.reclaim(ctx, tenant, l.ID); err != nil {
				return ids.Zero, err
			}
			reclaims = l.ID
			continue
		}
		// A live lock occupies the resource: Exclusive excludes everything;
		// Shared excludes only an incoming Exclusive.
		if l.Mode == LockExclusive || mode == LockExclusive {
			return ids.Zero, errors.LockContended(
				"coordination: resource " + resource.Type + "/" + resource.ID + " is already held")
		}
	}

	id := ids.New()
	payload, err := json.Marshal(lockAcquiredPayload{
		EntityID:     id,
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
		Holder:       holder,
		Mode:         mode,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
		Reclaims:     reclaims,
	})
	if err != nil {
		return ids.Zero, errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode lock.acquired payload")
	}
	stored, err := m.appendWithID(ctx, tenant, id, event.KindLockAcquired, holder, payload)
	if err != nil {
		return ids.Zero, err
	}
	return stored.ID, nil
}

// reclaim appends a lock.reclaimed event superseding an expired grant.
func (m *LockManager) reclaim(ctx context.Context, tenant ids.TenantID, lockID ids.ID) error {
	payload, err := json.Marshal(lockReclaimedPayload{EntityID: lockID, ReclaimedAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode lock.reclaimed payload")
	}
	_, err = m.appendEvent(ctx, tenant, event.KindLockReclaimed, ids.Zero, payload)
	return err
}

// Extend pushes a live lock's expiry out by additional, provided by is
// its current holder.
func (m *LockManager) Extend(ctx context.Context, tenant ids.TenantID, lockID, by ids.ID, additional time.Duration) error {
	l, err := m.Get(ctx, tenant, lockID)
	if err != nil {
		return err
	}
	if l.Holder != by {
		return errors.NotLockHolder("coordination: " + by.String() + " does not hold lock " + lockID.String())
	}
	if !l.Live(time.Now().UTC()) {
		return errors.New(errors.CodeCoordLockExpired, "coordination: lock has already expired or been released")
	}

	payload, err := json.Marshal(lockAcquiredPayload{
		EntityID:     lockID,
		ResourceType: l.Resource.Type,
		ResourceID:   l.Resource.ID,
		Holder:       l.Holder,
		Mode:         l.Mode,
		AcquiredAt:   l.AcquiredAt,
		ExpiresAt:    l.ExpiresAt.Add(additional),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode lock extension payload")
	}
	_, err = m.appendEvent(ctx, tenant, event.KindLockAcquired, by, payload)
	return err
}

// Release relinquishes a lock on behalf of holder, failing with
// NotLockHolder if holder is not the current holder.
func (m *LockManager) Release(ctx context.Context, tenant ids.TenantID, lockID, holder ids.ID) error {
	l, err := m.Get(ctx, tenant, lockID)
	if err != nil {
		return err
	}
	if l.Released {
		return nil
	}
	if l.Holder != holder {
		return errors.NotLockHolder("coordination: " + holder.String() + " does not hold lock " + lockID.String())
	}

	payload, err := json.Marshal(lockReleasedPayload{EntityID: lockID, ReleasedBy: holder, ReleasedAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode lock.released payload")
	}
	_, err = m.appendEvent(ctx, tenant, event.KindLockReleased, holder, payload)
	return err
}

// Get folds every lock.* event addressed to lockID.
func (m *LockManager) Get(ctx context.Context, tenant ids.TenantID, lockID ids.ID) (*Lock, error) {
	events, err := scanKind(ctx, m.dag, tenant, event.KindLockAcquired, event.KindLockReclaimed)
	if err != nil {
		return nil, err
	}
	l, err := foldLock(lockID, events)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errors.Newf(errors.CodeNotFoundResource, "coordination: lock %s not found", lockID)
	}
	l.Tenant = tenant
	return l, nil
}

func foldLock(id ids.ID, events []*event.Event) (*Lock, error) {
	sortBySeq(events)

	var l *Lock
	for _, e := range events {
		switch e.Kind {
		case event.KindLockAcquired:
			var p lockAcquiredPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad lock.acquired payload")
			}
			if p.EntityID != id {
				continue
			}
			l = &Lock{
				ID:         p.EntityID,
				Resource:   Resource{Type: p.ResourceType, ID: p.ResourceID},
				Holder:     p.Holder,
				Mode:       p.Mode,
				AcquiredAt: p.AcquiredAt,
				ExpiresAt:  p.ExpiresAt,
				Seq:        e.MonotonicSeq,
			}
		case event.KindLockReleased:
			if l == nil {
				continue
			}
			var p lockReleasedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad lock.released payload")
			}
			if p.EntityID != id {
				continue
			}
			l.Released = true
			l.Seq = e.MonotonicSeq
		case event.KindLockReclaimed:
			if l == nil {
				continue
			}
			var p lockReclaimedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad lock.reclaimed payload")
			}
			if p.EntityID != id {
				continue
			}
			l.Released = true
			l.Seq = e.MonotonicSeq
		}
	}
	return l, nil
}

// locksOn returns the projected state of every lock ever acquired on
// resource, most-recent-first folding already applied per lock id.
func (m *LockManager) locksOn(ctx context.Context, tenant ids.TenantID, resource Resource) ([]*Lock, error) {
	events, err := scanKind(ctx, m.dag, tenant, event.KindLockAcquired, event.KindLockReclaimed)
	if err != nil {
		return nil, err
	}

	byID := make(map[ids.ID][]*event.Event)
	var order []ids.ID
	for _, e := range events {
		var id ids.ID
		switch e.Kind {
		case event.KindLockAcquired:
			var p lockAcquiredPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				id = p.EntityID
			}
		case event.KindLockReleased:
			var p lockReleasedPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				id = p.EntityID
			}
		case event.KindLockReclaimed:
			var p lockReclaimedPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				id = p.EntityID
			}
		}
		if id.IsZero() {
			continue
		}
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = append(byID[id], e)
	}

	var out []*Lock
	for _, id := range order {
		l, err := foldLock(id, byID[id])
		if err != nil {
			return nil, err
		}
		if l == nil || l.Resource.Type != resource.Type || l.Resource.ID != resource.ID {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// List returns every lock for tenant, ordered by the sequence number of
// each lock's latest event, oldest first.
func (m *LockManager) List(ctx context.Context, tenant ids.TenantID, p Pagination) (Page[*Lock], error) {
	events, err := scanKind(ctx, m.dag, tenant, event.KindLockAcquired, event.KindLockReclaimed)
	if err != nil {
		return Page[*Lock]{}, err
	}

	byID := make(map[ids.ID][]*event.Event)
	var order []ids.ID
	for _, e := range events {
		var id ids.ID
		switch e.Kind {
		case event.KindLockAcquired:
			var pl lockAcquiredPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		case event.KindLockReleased:
			var pl lockReleasedPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		case event.KindLockReclaimed:
			var pl lockReclaimedPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		}
		if id.IsZero() {
			continue
		}
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = append(byID[id], e)
	}

	var locks []*Lock
	for _, id := range order {
		l, err := foldLock(id, byID[id])
		if err != nil {
			return Page[*Lock]{}, err
		}
		if l == nil {
			continue
		}
		l.Tenant = tenant
		locks = append(locks, l)
	}
	return paginate(locks, func(l *Lock) uint64 { return l.Seq }, p), nil
}
