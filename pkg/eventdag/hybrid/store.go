package hybrid

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/ids"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/caliberdev/caliber/pkg/eventdag/hybrid"

var (
	bucketHot  = []byte("hot")
	bucketCold = []byte("cold")
	bucketMeta = []byte("meta")

	// keyHashAlgorithm records which chain-hash function wrote this file.
	// Tenant keys in the meta bucket are raw tenant ids, which are never
	// empty, so a zero-byte prefix cannot collide with one.
	keyHashAlgorithm = []byte("\x00hash_algorithm")
)

// hashAlgorithmID names the chain-hash function this build verifies with.
// Opening a file written under a different algorithm fails rather than
// silently reporting every chain link as corrupt.
const hashAlgorithmID = "blake3"

// Config controls hot/cold tiering behavior.
type Config struct {
	// Path is the bbolt database file path.
	Path string

	// HotCacheCapacity is the number of events per tenant kept in the hot
	// bucket before the flusher migrates the oldest 25% to cold.
	HotCacheCapacity int

	// HotCacheBytes, when positive, bounds the hot tier's total resident
	// size across all tenants (the `hot_cache_bytes` config option). Once
	// exceeded, the next flusher pass migrates the oldest 25% of every
	// tenant's hot events regardless of per-tenant count.
	HotCacheBytes int64

	// StaleThreshold is the agent/tenant staleness window used elsewhere
	// on the platform (coordination heartbeats); the flusher treats a
	// tenant idle for 10x this long as eligible for full hot-cache flush.
	StaleThreshold time.Duration

	// FlushInterval is how often the background flusher runs.
	FlushInterval time.Duration

	// TenantQuotaEvents, when positive, caps how many events a single
	// tenant may hold across both tiers; appends past the cap fail fast
	// with CodeStoreTenantQuotaExceeded.
	TenantQuotaEvents uint64

	// MaxBytes, when positive, caps the total size of the backing bbolt
	// file; appends once it is exceeded fail fast with CodeStoreFull.
	MaxBytes int64

	// Archive, when non-nil, receives a best-effort copy of every event
	// the flusher migrates to cold (see the pgcold subpackage). The bbolt
	// cold bucket remains the authoritative cold tier; archive failures
	// are logged and never block migration.
	Archive ColdArchive
}

func (c Config) migrateIdleAfter() time.Duration {
	return 10 * c.StaleThreshold
}

// ColdArchive is implemented by alternate cold-storage backends (see the
// pgcold subpackage) that archive migrated events outside this package's
// own bbolt cold bucket, e.g. to share a cluster's existing Postgres
// instance across multiple tenants' event DAGs.
type ColdArchive interface {
	Put(ctx context.Context, tenant ids.TenantID, e *event.Event) error
	Scan(ctx context.Context, tenant ids.TenantID, fromSeq, toSeq uint64) ([]*event.Event, error)
}

// Store is a bbolt-backed, two-tier [eventdag.Store].
type Store struct {
	db     *bbolt.DB
	cfg    Config
	tracer trace.Tracer

	mu         sync.Mutex
	lastActive map[ids.TenantID]time.Time

	stopFlusher chan struct{}
	flusherDone chan struct{}
}

// Open opens (creating if necessary) the bbolt file at cfg.Path and starts
// the background hot/cold flusher.
func Open(cfg Config) (*Store, error) {
	if cfg.HotCacheCapacity <= 0 {
		cfg.HotCacheCapacity = 10000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}

	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "eventdag/hybrid: failed to open bbolt store")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketHot, bucketCold, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		switch recorded := meta.Get(keyHashAlgorithm); {
		case recorded == nil:
			return meta.Put(keyHashAlgorithm, []byte(hashAlgorithmID))
		case string(recorded) != hashAlgorithmID:
			return sserr.Newf(sserr.CodeStoreCorruption,
				"eventdag/hybrid: store was written with hash algorithm %q, this build verifies with %q",
				recorded, hashAlgorithmID)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, sserr.Wrap(err, sserr.CodeInternal, "eventdag/hybrid: failed to initialize buckets")
	}

	s := &Store{
		db:          db,
		cfg:         cfg,
		tracer:      otel.Tracer(tracerName),
		lastActive:  make(map[ids.TenantID]time.Time),
		stopFlusher: make(chan struct{}),
		flusherDone: make(chan struct{}),
	}
	go s.runFlusher()
	return s, nil
}

func tenantBucket(tx *bbolt.Tx, top, tenant []byte) (*bbolt.Bucket, error) {
	b := tx.Bucket(top)
	tb, err := b.CreateBucketIfNotExists(tenant)
	if err != nil {
		return nil, err
	}
	return tb, nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

type tenantMeta struct {
	tip [32]byte
	seq uint64
}

func encodeMeta(m tenantMeta) []byte {
	buf := make([]byte, 40)
	copy(buf[:32], m.tip[:])
	binary.BigEndian.PutUint64(buf[32:], m.seq)
	return buf
}

func decodeMeta(buf []byte) tenantMeta {
	var m tenantMeta
	if len(buf) < 40 {
		return m
	}
	copy(m.tip[:], buf[:32])
	m.seq = binary.BigEndian.Uint64(buf[32:])
	return m
}

// Append implements [eventdag.Store].
func (s *Store) Append(ctx context.Context, e *event.Event) (*event.Event, error) {
	ctx, span := s.tracer.Start(ctx, "hybrid.Append", trace.WithAttributes(
		attribute.String("tenant", string(e.Tenant)),
	))
	defer span.End()

	if e.Tenant == "" {
		err := sserr.New(sserr.CodeValidationRequired, "eventdag/hybrid: tenant is required")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.mu.Lock()
	s.lastActive[e.Tenant] = time.Now()
	s.mu.Unlock()

	var stored event.Event
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if s.cfg.MaxBytes > 0 && tx.Size() > s.cfg.MaxBytes {
			return sserr.Newf(sserr.CodeStoreFull,
				"eventdag/hybrid: store size %d exceeds configured cap %d", tx.Size(), s.cfg.MaxBytes)
		}

		meta := tx.Bucket(bucketMeta)
		existing := decodeMeta(meta.Get([]byte(e.Tenant)))

		if s.cfg.TenantQuotaEvents > 0 && existing.seq >= s.cfg.TenantQuotaEvents {
			return sserr.Newf(sserr.CodeStoreTenantQuotaExceeded,
				"eventdag/hybrid: tenant %s reached its %d-event quota", e.Tenant, s.cfg.TenantQuotaEvents)
		}

		if e.PrevChainHash != existing.tip {
			return sserr.New(sserr.CodeStoreChainDesync,
				"eventdag/hybrid: prev_chain_hash does not match tenant tip")
		}

		for _, parent := range e.ParentIDs {
			if _, err := s.lookupLocked(tx, e.Tenant, parent); err != nil {
				return sserr.Newf(sserr.CodeStoreParentMissing, "eventdag/hybrid: parent %s not found", parent).
					WithDetail("parent_id", parent.String())
			}
		}

		e.MonotonicSeq = existing.seq
		e.Chain()

		buf, err := event.Encode(e)
		if err != nil {
			return err
		}

		hot, err := tenantBucket(tx, bucketHot, []byte(e.Tenant))
		if err != nil {
			return err
		}
		if err := hot.Put(seqKey(e.MonotonicSeq), buf); err != nil {
			return err
		}

		newMeta := tenantMeta{tip: e.ChainHash, seq: existing.seq + 1}
		if err := meta.Put([]byte(e.Tenant), encodeMeta(newMeta)); err != nil {
			return err
		}

		stored = *e
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, sserr.FromError(err)
	}
	return &stored, nil
}

func (s *Store) lookupLocked(tx *bbolt.Tx, tenant ids.TenantID, id ids.ID) (*event.Event, error) {
	for _, top := range [][]byte{bucketHot, bucketCold} {
		b := tx.Bucket(top).Bucket([]byte(tenant))
		if b == nil {
			continue
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e, err := event.Decode(v)
			if err != nil {
				return nil, err
			}
			if e.ID == id {
				return e, nil
			}
		}
	}
	return nil, sserr.Newf(sserr.CodeNotFoundResource, "eventdag/hybrid: event %s not found", id)
}

// Get implements [eventdag.Store].
func (s *Store) Get(ctx context.Context, tenant ids.TenantID, id ids.ID) (*event.Event, error) {
	var out *event.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		e, err := s.lookupLocked(tx, tenant, id)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, sserr.FromError(err)
	}
	return out, nil
}

// Scan implements [eventdag.Store]. It merges hot and cold entries in the
// requested seq range, since migration may have split a contiguous range
// across both buckets.
func (s *Store) Scan(ctx context.Context, tenant ids.TenantID, fromSeq, toSeq uint64) ([]*event.Event, error) {
	var out []*event.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		collected := make(map[uint64]*event.Event)
		for _, top := range [][]byte{bucketCold, bucketHot} {
			b := tx.Bucket(top).Bucket([]byte(tenant))
			if b == nil {
				continue
			}
			c := b.Cursor()
			lo := seqKey(fromSeq)
			for k, v := c.Seek(lo); k != nil; k, v = c.Next() {
				seq := binary.BigEndian.Uint64(k)
				if toSeq != 0 && seq >= toSeq {
					break
				}
				e, err := event.Decode(v)
				if err != nil {
					return err
				}
				collected[seq] = e
			}
		}
		seqs := make([]uint64, 0, len(collected))
		for seq := range collected {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		out = make([]*event.Event, 0, len(seqs))
		for _, seq := range seqs {
			out = append(out, collected[seq])
		}
		return nil
	})
	if err != nil {
		return nil, sserr.FromError(err)
	}
	return out, nil
}

// Tip implements [eventdag.Store].
func (s *Store) Tip(ctx context.Context, tenant ids.TenantID) ([32]byte, uint64, error) {
	var m tenantMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		m = decodeMeta(tx.Bucket(bucketMeta).Get([]byte(tenant)))
		return nil
	})
	if err != nil {
		return [32]byte{}, 0, sserr.FromError(err)
	}
	return m.tip, m.seq, nil
}

// Verify implements [eventdag.Store].
func (s *Store) Verify(ctx context.Context, tenant ids.TenantID) error {
	events, err := s.Scan(ctx, tenant, 0, 0)
	if err != nil {
		return err
	}
	var prev [32]byte
	for _, e := range events {
		check := *e
		if err := event.VerifyChain(&check, prev); err != nil {
			return err
		}
		prev = e.ChainHash
	}
	return nil
}

// Health reports whether the backing bbolt file is open and readable,
// matching the per-client Health convention the rest of the platform's
// storage wrappers expose for readiness probes.
func (s *Store) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return sserr.Wrap(err, sserr.CodeResCancelled, "eventdag/hybrid: health check abandoned")
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketMeta) == nil {
			return sserr.New(sserr.CodeStoreCorruption, "eventdag/hybrid: meta bucket missing")
		}
		return nil
	})
	if err != nil {
		return sserr.FromError(err)
	}
	return nil
}

// Close stops the background flusher and closes the underlying bbolt file.
func (s *Store) Close() error {
	close(s.stopFlusher)
	<-s.flusherDone
	if err := s.db.Close(); err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "eventdag/hybrid: failed to close bbolt store")
	}
	return nil
}
