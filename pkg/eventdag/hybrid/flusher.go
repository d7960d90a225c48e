package hybrid

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/ids"
)

// runFlusher periodically migrates cold-eligible events out of each
// tenant's hot bucket. It exits when stopFlusher is closed.
func (s *Store) runFlusher() {
	defer close(s.flusherDone)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopFlusher:
			return
		case <-ticker.C:
			if err := s.migrateOnce(); err != nil {
				slog.Warn("eventdag/hybrid: migration pass failed", "error", err)
			}
		}
	}
}

// migrateOnce runs one hot-to-cold migration pass across all tenants with a
// hot bucket. For each tenant:
//   - if the tenant has been idle longer than cfg.migrateIdleAfter(), every
//     hot event is migrated;
//   - otherwise, once the hot bucket exceeds cfg.HotCacheCapacity, or the
//     hot tier as a whole exceeds cfg.HotCacheBytes, the oldest 25% (by
//     seq) are migrated.
func (s *Store) migrateOnce() error {
	s.mu.Lock()
	idle := make(map[string]bool)
	now := time.Now()
	for tenant, last := range s.lastActive {
		idle[string(tenant)] = now.Sub(last) > s.cfg.migrateIdleAfter()
	}
	s.mu.Unlock()

	type archived struct {
		tenant  string
		encoded []byte
	}
	var toArchive []archived

	err := s.db.Update(func(tx *bbolt.Tx) error {
		hotTop := tx.Bucket(bucketHot)
		coldTop := tx.Bucket(bucketCold)

		// Bucket.Stats aggregates nested (per-tenant) buckets, so
		// LeafInuse here is the whole hot tier's resident byte count.
		overBytes := s.cfg.HotCacheBytes > 0 &&
			int64(hotTop.Stats().LeafInuse) > s.cfg.HotCacheBytes

		var tenantKeys [][]byte
		topCursor := hotTop.Cursor()
		for k, v := topCursor.First(); k != nil; k, v = topCursor.Next() {
			if v == nil { // nil value marks a nested bucket
				tenantKeys = append(tenantKeys, append([]byte(nil), k...))
			}
		}

		for _, tenantKey := range tenantKeys {
			hot := hotTop.Bucket(tenantKey)
			count := hot.Stats().KeyN
			if count == 0 {
				continue
			}

			var migrateCount int
			if idle[string(tenantKey)] {
				migrateCount = count
			} else if count > s.cfg.HotCacheCapacity || overBytes {
				migrateCount = count / 4
				if migrateCount == 0 {
					migrateCount = 1
				}
			} else {
				continue
			}

			cold, err := coldTop.CreateBucketIfNotExists(tenantKey)
			if err != nil {
				return err
			}

			c := hot.Cursor()
			migrated := 0
			var toDelete [][]byte
			for k, v := c.First(); k != nil && migrated < migrateCount; k, v = c.Next() {
				if err := cold.Put(append([]byte(nil), k...), append([]byte(nil), v...)); err != nil {
					return err
				}
				toDelete = append(toDelete, append([]byte(nil), k...))
				if s.cfg.Archive != nil {
					toArchive = append(toArchive, archived{
						tenant:  string(tenantKey),
						encoded: append([]byte(nil), v...),
					})
				}
				migrated++
			}
			for _, k := range toDelete {
				if err := hot.Delete(k); err != nil {
					return err
				}
			}
			if migrated > 0 {
				slog.Debug("eventdag/hybrid: migrated events to cold storage",
					"tenant", string(tenantKey), "count", migrated, "from_seq", firstSeq(toDelete))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// The archive copy happens outside the bbolt transaction: the cold
	// bucket committed above is authoritative, and a slow or failing
	// archive must never hold the database's single write lock.
	for _, a := range toArchive {
		e, decErr := event.Decode(a.encoded)
		if decErr != nil {
			slog.Warn("eventdag/hybrid: skipping archive of undecodable event", "error", decErr)
			continue
		}
		if putErr := s.cfg.Archive.Put(context.Background(), ids.TenantID(a.tenant), e); putErr != nil {
			slog.Warn("eventdag/hybrid: cold archive write failed",
				"tenant", a.tenant, "seq", e.MonotonicSeq, "error", putErr)
		}
	}
	return nil
}

func firstSeq(keys [][]byte) uint64 {
	if len(keys) == 0 {
		return 0
	}
	return binary.BigEndian.Uint64(keys[0])
}
