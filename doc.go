// Package dbcache is a TTL caching layer over an embedded, durable
// key-value store. Values live in files on disk, survive process restarts,
// and can be shared by multiple processes, with reader/writer coordination
// delegated entirely to the storage engine.
//
// # Model
//
// A cache is one namespace inside a store file under a cache root
// directory. Each entry is stored as a msgpack envelope: the caller's
// msgpack-encoded value plus an absolute expiration time, the set time, a
// best-effort last-access time and a schema version. An entry with a zero
// expiration never expires.
//
// Expired entries are not removed the moment they expire. They are reaped
// lazily when a read encounters them, or in bulk by [Cache.Purge], which
// scans every entry once and deletes the ones that had expired as of the
// scan's start. [Cache.Count] therefore reports physical records, which may
// include expired-but-unreaped entries.
//
// An opportunistic auto-purge policy can piggyback a full purge onto reads
// and/or writes: when enabled and more than the configured interval has
// elapsed since this instance's last purge, the operation purges first. The
// last-purge clock is per Cache instance, never persisted.
//
// # Storage layouts
//
// The [store] package provides the engines. A cache file is created with
// one of three layouts: btree (a bbolt file, key-ordered iteration), hash
// (SQLite, iteration ordered by a 64-bit key digest) or recno (SQLite,
// insertion-ordered iteration). The layout only matters at creation;
// opening an existing file detects its engine from the file header and
// silently ignores a mismatched layout tag.
//
// # Concurrency
//
// Every operation is synchronous; the engine's locking is the only
// coordination. Two processes writing the same key leave one of the two
// values, with no guarantee which. [Cache.Add] and [Cache.Replace] are
// read-then-write sequences and are not atomic under concurrent access to
// the same key; Purge's read-then-delete of a record, by contrast, happens
// inside a single store operation and has no such gap.
//
// # Usage
//
//	c, err := dbcache.Open(ctx, "/var/cache/app", "sessions",
//	    dbcache.WithDefaultTTL(15*time.Minute),
//	    dbcache.WithAutoPurgeInterval(time.Hour),
//	    dbcache.WithAutoPurgeOnSet(),
//	)
//	if err != nil {
//	    return err
//	}
//	defer c.Close(ctx)
//
//	if err := c.Set(ctx, "user:42", session, 0); err != nil {
//	    return err
//	}
//	found, session, err := dbcache.Get[Session](ctx, c, "user:42")
//
// [Fetch] combines lookup and population cache-aside style, and
// [OptionsFromMap] builds options from the string-keyed configuration form
// (cache_file, type, env_lock, default_expires_in, auto_purge_interval,
// auto_purge_on_set, auto_purge_on_get, purge_on_init, purge_on_destroy,
// clear_on_init, clear_on_destroy).
package dbcache
