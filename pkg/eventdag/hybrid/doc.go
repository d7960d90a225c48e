// Package hybrid implements the two-tier [eventdag.Store] used in
// production: a memory-mapped hot cache holding the newest events per
// tenant, and cold storage holding everything migrated out of the hot
// cache. Both tiers live in the same bbolt database file
// (go.etcd.io/bbolt), which gives the store its crash-safety: every Append
// is a single bbolt read-write transaction, and bbolt's own mmap+fsync
// commit protocol is the write-ahead log — a page is never considered
// durable until bbolt has fsynced it, and an unclean shutdown simply loses
// the in-flight (uncommitted) transaction, exactly as a hand-rolled WAL
// replay would. Building a second WAL on top of bbolt's would duplicate
// durability machinery bbolt already provides, so this store does not do
// so; recovery on restart is just "open the file", which bbolt's own
// transaction log makes safe.
//
// Hot/cold migration runs on a background ticker (see [Store.runFlusher]).
// On each tick, any tenant whose hot bucket holds more than
// [Config.HotCacheCapacity] events — or every tenant, once the hot tier's
// total resident bytes exceed [Config.HotCacheBytes] — has its oldest 25%
// (by MonotonicSeq) moved to the cold bucket in a single transaction. A tenant with no Append activity for
// longer than staleMigrateAfter (10x the configured agent stale_threshold,
// per the platform's change-journal staleness convention) has its entire
// hot bucket flushed to cold early, since an idle tenant gains nothing from
// occupying hot-cache space.
//
// A [Config.Archive] (see the pgcold subpackage) additionally receives a
// best-effort copy of every migrated event, for deployments that want cold
// history replicated into shared storage; the bbolt cold bucket stays
// authoritative either way.
package hybrid
