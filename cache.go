package dbcache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/gitpan/dbcache/store"
)

var (
	// ErrInvalidKey is returned when a mutating or reading operation is
	// given an empty key.
	ErrInvalidKey = errors.New("dbcache: key must not be empty")
	// ErrInvalidValue is returned when a mutating operation is given a nil
	// value, or a setter is given a malformed value.
	ErrInvalidValue = errors.New("dbcache: invalid value")
	// ErrKeyExists is returned by Add when a live entry already exists.
	ErrKeyExists = errors.New("dbcache: key already exists")
	// ErrKeyNotFound is returned by Replace and IsExpired when no entry
	// exists under the key.
	ErrKeyNotFound = errors.New("dbcache: key not found")
	// ErrCodec marks envelope encode/decode failures, distinct from a
	// missing key.
	ErrCodec = errors.New("dbcache: codec failure")
)

// Cache is a TTL caching layer over an embedded key-value store. Entries
// are msgpack-encoded envelopes carrying an absolute expiration time;
// expired entries are reclaimed lazily on read or in bulk by Purge.
//
// A Cache holds no shared mutable state of its own beyond its store handle:
// several Cache instances, in the same process or in different processes,
// may address the same file and namespace concurrently, coordinated only by
// the store engine's locking. Each instance keeps its own last-purge clock
// for the auto-purge policy.
type Cache struct {
	store     store.Store
	namespace string
	log       *zap.Logger

	mu                sync.Mutex // guards the fields below
	defaultTTL        time.Duration
	autoPurgeInterval time.Duration
	autoPurgeOnSet    bool
	autoPurgeOnGet    bool
	trackAccess       bool
	lastPurge         time.Time

	purgeOnDestroy bool
	clearOnDestroy bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Open opens (or creates) the cache namespace inside root. The directory is
// created if absent. The store file defaults to "<namespace>.db" under root
// and can be shared between namespaces via WithCacheFile.
func Open(ctx context.Context, root, namespace string, opts ...Option) (*Cache, error) {
	if root == "" {
		return nil, errors.New("dbcache: cache root is required")
	}
	if namespace == "" {
		return nil, errors.New("dbcache: namespace is required")
	}
	cfg := applyOptions(opts)

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "dbcache: create cache root %s", root)
	}

	file := cfg.cacheFile
	if file == "" {
		file = namespace + ".db"
	}

	st, err := store.Open(filepath.Join(root, file), namespace, store.Options{
		Layout:  cfg.layout,
		EnvLock: cfg.envLock,
	})
	if err != nil {
		return nil, err
	}

	childCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Cache{
		store:             st,
		namespace:         namespace,
		log:               cfg.logger.With(zap.String("namespace", namespace)),
		defaultTTL:        cfg.defaultTTL,
		autoPurgeInterval: cfg.autoPurgeInterval,
		autoPurgeOnSet:    cfg.autoPurgeOnSet,
		autoPurgeOnGet:    cfg.autoPurgeOnGet,
		trackAccess:       cfg.trackAccess,
		lastPurge:         time.Now(),
		purgeOnDestroy:    cfg.purgeOnDestroy,
		clearOnDestroy:    cfg.clearOnDestroy,
		ctx:               childCtx,
		cancel:            cancel,
	}

	if cfg.clearOnInit {
		if _, err := c.Clear(ctx); err != nil {
			st.Close()
			cancel()
			return nil, err
		}
	}
	if cfg.purgeOnInit {
		if _, err := c.Purge(ctx); err != nil {
			st.Close()
			cancel()
			return nil, err
		}
	}

	if cfg.purgeEvery > 0 {
		c.wg.Add(1)
		go c.run(cfg.purgeEvery)
	}

	c.log.Debug("cache opened", zap.String("file", file), zap.Stringer("layout", cfg.layout))
	return c, nil
}

// Namespace returns the namespace this cache was opened with.
func (c *Cache) Namespace() string {
	return c.namespace
}

// Set stores val under key. A ttl <= 0 falls back to the cache's default
// TTL; when that default is also unset the entry never expires. An existing
// entry under key is overwritten unconditionally.
func (c *Cache) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if val == nil {
		return ErrInvalidValue
	}
	c.maybeAutoPurge(ctx, true)

	c.mu.Lock()
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Unlock()

	data, err := encodeEnvelope(val, ttl, time.Now())
	if err != nil {
		return err
	}
	return c.store.Put(ctx, []byte(key), data)
}

// Add stores val under key only if no live entry exists, failing with
// ErrKeyExists otherwise. An expired-but-unreaped entry does not count as
// live; adding over one succeeds.
//
// Add is a read followed by a write, not an atomic operation: two
// concurrent Adds of the same key can both observe it absent and both
// succeed, last write winning.
func (c *Cache) Add(ctx context.Context, key string, val any, ttl time.Duration) error {
	found, _, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if found {
		return errors.Mark(errors.Newf("dbcache: add %q", key), ErrKeyExists)
	}
	return c.Set(ctx, key, val, ttl)
}

// Replace stores val under key only if a live entry already exists, failing
// with ErrKeyNotFound otherwise. Same non-atomic read-then-write caveat as
// Add.
func (c *Cache) Replace(ctx context.Context, key string, val any, ttl time.Duration) error {
	found, _, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return errors.Mark(errors.Newf("dbcache: replace %q", key), ErrKeyNotFound)
	}
	return c.Set(ctx, key, val, ttl)
}

// Get returns the raw msgpack payload stored under key. A missing key and
// an expired entry both report found=false with a nil error; an expired
// entry is deleted on the way out (lazy reclamation). Decode the payload
// with the package-level generic Get.
func (c *Cache) Get(ctx context.Context, key string) (bool, []byte, error) {
	if key == "" {
		return false, nil, ErrInvalidKey
	}
	c.maybeAutoPurge(ctx, false)

	raw, err := c.store.Get(ctx, []byte(key))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}

	env, err := decodeEnvelope(raw)
	if err != nil {
		return false, nil, err
	}

	now := time.Now()
	if env.expired(now) {
		if derr := c.store.Delete(ctx, []byte(key)); derr != nil {
			c.log.Debug("reap of expired entry failed", zap.String("key", key), zap.Error(derr))
		}
		return false, nil, nil
	}

	if c.accessTracking() {
		// Best effort only; a failed bookkeeping write never fails the read.
		env.LastAccess = now.UnixNano()
		if data, merr := msgpack.Marshal(env); merr == nil {
			if perr := c.store.Put(ctx, []byte(key), data); perr != nil {
				c.log.Debug("access time update failed", zap.String("key", key), zap.Error(perr))
			}
		}
	}

	return true, env.Payload, nil
}

// Remove deletes key's entry if present. Removing an absent key is not an
// error; only a store failure is.
func (c *Cache) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	err := c.store.Delete(ctx, []byte(key))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Clear truncates the namespace regardless of expiration state and returns
// the number of entries removed as reported by the store.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	n, err := c.store.Truncate(ctx)
	if err != nil {
		return 0, err
	}
	c.log.Debug("cleared", zap.Int("removed", n))
	return n, nil
}

// Count returns the number of entries physically present, including ones
// that are expired but not yet reaped.
func (c *Cache) Count(ctx context.Context) (int, error) {
	return c.store.Count(ctx)
}

// Purge scans the namespace once and deletes every entry that had expired
// as of the scan's start. It returns the number of entries deleted; on a
// mid-scan failure the count covers the deletions performed before the
// failure.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	start := time.Now()
	removed := 0
	err := c.store.Scan(ctx, func(_, value []byte) (bool, error) {
		env, derr := decodeEnvelope(value)
		if derr != nil {
			return false, derr
		}
		if env.expired(start) {
			removed++
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return removed, err
	}

	c.mu.Lock()
	c.lastPurge = time.Now()
	c.mu.Unlock()

	c.log.Debug("purged", zap.Int("removed", removed), zap.Duration("took", time.Since(start)))
	return removed, nil
}

// IsExpired reports whether key's entry is currently expired, without
// reaping it. Returns ErrKeyNotFound if no entry exists.
func (c *Cache) IsExpired(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	raw, err := c.store.Get(ctx, []byte(key))
	if errors.Is(err, store.ErrNotFound) {
		return false, errors.Mark(errors.Newf("dbcache: is_expired %q", key), ErrKeyNotFound)
	}
	if err != nil {
		return false, err
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return false, err
	}
	return env.expired(time.Now()), nil
}

// Metadata describes an entry's envelope without its payload.
type Metadata struct {
	SetAt      time.Time
	ExpiresAt  time.Time // zero when the entry never expires
	LastAccess time.Time // zero when never read with access tracking on
	Expired    bool
}

// EntryMetadata returns the bookkeeping fields of key's envelope. Returns
// ErrKeyNotFound if no entry exists. Like IsExpired it never mutates the
// store.
func (c *Cache) EntryMetadata(ctx context.Context, key string) (Metadata, error) {
	if key == "" {
		return Metadata{}, ErrInvalidKey
	}
	raw, err := c.store.Get(ctx, []byte(key))
	if errors.Is(err, store.ErrNotFound) {
		return Metadata{}, errors.Mark(errors.Newf("dbcache: metadata %q", key), ErrKeyNotFound)
	}
	if err != nil {
		return Metadata{}, err
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return Metadata{}, err
	}
	md := Metadata{
		SetAt:   time.Unix(0, env.SetTime),
		Expired: env.expired(time.Now()),
	}
	if env.ExpiresAt != 0 {
		md.ExpiresAt = time.Unix(0, env.ExpiresAt)
	}
	if env.LastAccess != 0 {
		md.LastAccess = time.Unix(0, env.LastAccess)
	}
	return md, nil
}

// AutoPurgeInterval returns the minimum elapsed time between opportunistic
// purges. 0 means auto-purging is disabled.
func (c *Cache) AutoPurgeInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoPurgeInterval
}

// SetAutoPurgeInterval changes the auto-purge interval. Negative intervals
// are rejected.
func (c *Cache) SetAutoPurgeInterval(d time.Duration) error {
	if d < 0 {
		return errors.Mark(errors.Newf("dbcache: negative auto-purge interval %s", d), ErrInvalidValue)
	}
	c.mu.Lock()
	c.autoPurgeInterval = d
	c.mu.Unlock()
	return nil
}

// AutoPurgeOnSet reports whether writes trigger the auto-purge check.
func (c *Cache) AutoPurgeOnSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoPurgeOnSet
}

// SetAutoPurgeOnSet toggles the auto-purge check on writes.
func (c *Cache) SetAutoPurgeOnSet(on bool) {
	c.mu.Lock()
	c.autoPurgeOnSet = on
	c.mu.Unlock()
}

// AutoPurgeOnGet reports whether reads trigger the auto-purge check.
func (c *Cache) AutoPurgeOnGet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoPurgeOnGet
}

// SetAutoPurgeOnGet toggles the auto-purge check on reads.
func (c *Cache) SetAutoPurgeOnGet(on bool) {
	c.mu.Lock()
	c.autoPurgeOnGet = on
	c.mu.Unlock()
}

// Close releases the cache. It stops the background sweeper if one is
// running, performs the configured teardown action (clear wins over purge
// when both are set), and releases the store handle. Close is idempotent.
func (c *Cache) Close(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()

		c.mu.Lock()
		clearAll, purge := c.clearOnDestroy, c.purgeOnDestroy
		c.mu.Unlock()
		switch {
		case clearAll:
			_, err = c.Clear(ctx)
		case purge:
			_, err = c.Purge(ctx)
		}

		if cerr := c.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
		c.log.Debug("cache closed", zap.Error(err))
	})
	return err
}

func (c *Cache) accessTracking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackAccess
}

// maybeAutoPurge runs a full purge when the relevant trigger is enabled and
// the interval has elapsed since this instance's last purge. Purge failures
// here are logged, not propagated: the caller's operation still proceeds.
func (c *Cache) maybeAutoPurge(ctx context.Context, write bool) {
	c.mu.Lock()
	trigger := c.autoPurgeOnGet
	if write {
		trigger = c.autoPurgeOnSet
	}
	due := trigger && c.autoPurgeInterval > 0 && time.Since(c.lastPurge) > c.autoPurgeInterval
	c.mu.Unlock()
	if !due {
		return
	}
	if _, err := c.Purge(ctx); err != nil {
		c.log.Debug("auto-purge failed", zap.Error(err))
	}
}

func (c *Cache) run(every time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Purge(c.ctx); err != nil {
				c.log.Debug("background purge failed", zap.Error(err))
			}
		}
	}
}

// Get retrieves and decodes a typed value from the cache.
func Get[T any](ctx context.Context, c *Cache, key string) (bool, T, error) {
	found, raw, err := c.Get(ctx, key)
	if !found || err != nil {
		var zero T
		return false, zero, err
	}
	var out T
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		var zero T
		return false, zero, errors.Mark(errors.Wrap(err, "dbcache: decode value"), ErrCodec)
	}
	return true, out, nil
}

// Fetch is a cache-aside helper. On a miss it calls fn to produce the
// value; when fn reports found=true the value is stored under key with ttl
// before being returned. A failed Set after a successful fn is swallowed:
// the caller got their value.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, bool, error)) (bool, T, error) {
	found, val, err := Get[T](ctx, c, key)
	if err != nil {
		var zero T
		return false, zero, err
	}
	if found {
		return true, val, nil
	}

	result, ok, err := fn(ctx)
	if err != nil {
		var zero T
		return false, zero, err
	}
	if !ok {
		var zero T
		return false, zero, nil
	}

	if serr := c.Set(ctx, key, result, ttl); serr != nil {
		c.log.Debug("fetch set failed", zap.String("key", key), zap.Error(serr))
	}
	return true, result, nil
}
