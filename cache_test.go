package dbcache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpan/dbcache/store"
)

func openTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := Open(context.Background(), t.TempDir(), "test", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestSetGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	found, _, err := c.Get(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, found)

	want := map[string]string{"foo": "bar"}
	assert.NoError(t, c.Set(ctx, "k", want, 0))

	found, got, err := Get[map[string]string](ctx, c, "k")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	// Unconditional overwrite.
	assert.NoError(t, c.Set(ctx, "k", map[string]string{"foo": "baz"}, 0))
	found, got, err = Get[map[string]string](ctx, c, "k")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "baz", got["foo"])
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	assert.ErrorIs(t, c.Set(ctx, "", "v", 0), ErrInvalidKey)
	assert.ErrorIs(t, c.Set(ctx, "k", nil, 0), ErrInvalidValue)
	assert.ErrorIs(t, c.Remove(ctx, ""), ErrInvalidKey)

	_, _, err := c.Get(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestRemoveIdempotent(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	assert.NoError(t, c.Remove(ctx, "k"))

	found, _, err := c.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, found)

	// Removing an absent key still succeeds.
	assert.NoError(t, c.Remove(ctx, "k"))
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	require.NoError(t, c.Set(ctx, "short", "v", 150*time.Millisecond))
	require.NoError(t, c.Set(ctx, "long", "v", time.Minute))
	require.NoError(t, c.Set(ctx, "immortal", "v", 0))

	time.Sleep(300 * time.Millisecond)

	expired, err := c.IsExpired(ctx, "short")
	assert.NoError(t, err)
	assert.True(t, expired)

	expired, err = c.IsExpired(ctx, "long")
	assert.NoError(t, err)
	assert.False(t, expired)

	expired, err = c.IsExpired(ctx, "immortal")
	assert.NoError(t, err)
	assert.False(t, expired)

	// IsExpired does not reap; the record is still counted.
	n, err := c.Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	// A read reaps the expired entry.
	found, _, err := c.Get(ctx, "short")
	assert.NoError(t, err)
	assert.False(t, found)

	n, err = c.Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIsExpiredMissingKey(t *testing.T) {
	c := openTestCache(t)
	_, err := c.IsExpired(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	require.NoError(t, c.Set(ctx, "a", "v", 100*time.Millisecond))
	require.NoError(t, c.Set(ctx, "b", "v", 100*time.Millisecond))
	require.NoError(t, c.Set(ctx, "keep", "v", time.Minute))
	require.NoError(t, c.Set(ctx, "forever", "v", 0))

	time.Sleep(250 * time.Millisecond)

	removed, err := c.Purge(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err := c.Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)

	// A second purge finds nothing.
	removed, err = c.Purge(ctx)
	assert.NoError(t, err)
	assert.Zero(t, removed)

	found, _, err := c.Get(ctx, "keep")
	assert.NoError(t, err)
	assert.True(t, found)
}

func TestAddReplace(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	// Absent: Add succeeds, Replace fails.
	assert.ErrorIs(t, c.Replace(ctx, "k", "v", 0), ErrKeyNotFound)
	assert.NoError(t, c.Add(ctx, "k", "v1", 0))

	// Present: Add fails, Replace succeeds.
	assert.ErrorIs(t, c.Add(ctx, "k", "v2", 0), ErrKeyExists)
	assert.NoError(t, c.Replace(ctx, "k", "v3", 0))

	found, got, err := Get[string](ctx, c, "k")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v3", got)
}

func TestAddOverExpiredEntry(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	require.NoError(t, c.Set(ctx, "k", "old", 100*time.Millisecond))
	time.Sleep(200 * time.Millisecond)

	// The expired entry does not count as live.
	assert.NoError(t, c.Add(ctx, "k", "new", 0))

	found, got, err := Get[string](ctx, c, "k")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "new", got)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	require.NoError(t, c.Set(ctx, "a", "v", 0))
	require.NoError(t, c.Set(ctx, "b", "v", 50*time.Millisecond))
	require.NoError(t, c.Set(ctx, "c", "v", time.Hour))

	n, err := c.Clear(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = c.Count(ctx)
	assert.NoError(t, err)
	assert.Zero(t, n)

	for _, key := range []string{"a", "b", "c"} {
		found, _, err := c.Get(ctx, key)
		assert.NoError(t, err)
		assert.False(t, found)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	for _, layout := range []store.Layout{store.Btree, store.Hash, store.Recno} {
		t.Run(layout.String(), func(t *testing.T) {
			ctx := context.Background()
			root := t.TempDir()

			c, err := Open(ctx, root, "persist", WithLayout(layout))
			require.NoError(t, err)
			require.NoError(t, c.Set(ctx, "k", map[string]string{"a": "b"}, 0))
			require.NoError(t, c.Close(ctx))

			// A fresh instance over the same root and namespace sees the
			// value; the stale layout tag on reopen is ignored.
			c, err = Open(ctx, root, "persist", WithLayout(store.Btree))
			require.NoError(t, err)
			defer c.Close(ctx)

			found, got, err := Get[map[string]string](ctx, c, "k")
			assert.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "b", got["a"])
		})
	}
}

func TestCacheScenario(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	require.NoError(t, c.Set(ctx, "1", map[string]string{"foo": "bar"}, 0))
	require.NoError(t, c.Set(ctx, "2", map[string]map[string]int{"outer": {"inner": 1}}, 0))
	require.NoError(t, c.Set(ctx, "3", []string{"a", "b", "c"}, 0))
	require.NoError(t, c.Set(ctx, "4", []any{"x", 1, 2.5, "y", 2, 3.5, "z", 3, 4.5, true}, 0))

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, c.Remove(ctx, "1"))
	n, err = c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	found, _, err := c.Get(ctx, "1")
	assert.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "5", "short lived", 200*time.Millisecond))
	require.NoError(t, c.Set(ctx, "6", "long lived", 20*time.Second))
	n, err = c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	time.Sleep(400 * time.Millisecond)

	expired, err := c.IsExpired(ctx, "5")
	require.NoError(t, err)
	assert.True(t, expired)
	expired, err = c.IsExpired(ctx, "6")
	require.NoError(t, err)
	assert.False(t, expired)

	removed, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err = c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	found, got, err := Get[string](ctx, c, "6")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "long lived", got)
}

func TestDefaultTTL(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t, WithDefaultTTL(100*time.Millisecond))

	// ttl <= 0 falls back to the default.
	require.NoError(t, c.Set(ctx, "defaulted", "v", 0))
	require.NoError(t, c.Set(ctx, "explicit", "v", time.Minute))

	time.Sleep(250 * time.Millisecond)

	found, _, err := c.Get(ctx, "defaulted")
	assert.NoError(t, err)
	assert.False(t, found)

	found, _, err = c.Get(ctx, "explicit")
	assert.NoError(t, err)
	assert.True(t, found)
}

func TestAutoPurgeOnSet(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t,
		WithAutoPurgeInterval(100*time.Millisecond),
		WithAutoPurgeOnSet(),
	)

	require.NoError(t, c.Set(ctx, "dead", "v", 50*time.Millisecond))
	time.Sleep(250 * time.Millisecond)

	// The interval has elapsed, so this write purges first.
	require.NoError(t, c.Set(ctx, "alive", "v", 0))

	n, err := c.Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAutoPurgeOnGet(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t,
		WithAutoPurgeInterval(100*time.Millisecond),
		WithAutoPurgeOnGet(),
	)

	require.NoError(t, c.Set(ctx, "dead", "v", 50*time.Millisecond))
	require.NoError(t, c.Set(ctx, "alive", "v", 0))
	time.Sleep(250 * time.Millisecond)

	found, _, err := c.Get(ctx, "alive")
	assert.NoError(t, err)
	assert.True(t, found)

	n, err := c.Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAutoPurgeDisabledByDefault(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t, WithAutoPurgeInterval(50*time.Millisecond))

	require.NoError(t, c.Set(ctx, "dead", "v", 50*time.Millisecond))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, c.Set(ctx, "alive", "v", 0))

	// Neither trigger flag is set, so the expired record is still there.
	n, err := c.Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestConfigAccessors(t *testing.T) {
	c := openTestCache(t)

	assert.Equal(t, "test", c.Namespace())
	assert.Zero(t, c.AutoPurgeInterval())
	assert.False(t, c.AutoPurgeOnSet())
	assert.False(t, c.AutoPurgeOnGet())

	assert.NoError(t, c.SetAutoPurgeInterval(time.Minute))
	assert.Equal(t, time.Minute, c.AutoPurgeInterval())

	err := c.SetAutoPurgeInterval(-time.Second)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Equal(t, time.Minute, c.AutoPurgeInterval())

	c.SetAutoPurgeOnSet(true)
	assert.True(t, c.AutoPurgeOnSet())
	c.SetAutoPurgeOnGet(true)
	assert.True(t, c.AutoPurgeOnGet())
}

func TestClearOnInit(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	c, err := Open(ctx, root, "ns")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "a", "v", 0))
	require.NoError(t, c.Set(ctx, "b", "v", 0))
	require.NoError(t, c.Close(ctx))

	c, err = Open(ctx, root, "ns", WithClearOnInit())
	require.NoError(t, err)
	defer c.Close(ctx)

	n, err := c.Count(ctx)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurgeOnDestroy(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	c, err := Open(ctx, root, "ns", WithPurgeOnDestroy())
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "dead", "v", 50*time.Millisecond))
	require.NoError(t, c.Set(ctx, "alive", "v", 0))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, c.Close(ctx))

	c, err = Open(ctx, root, "ns")
	require.NoError(t, err)
	defer c.Close(ctx)

	n, err := c.Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClearOnDestroy(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	c, err := Open(ctx, root, "ns", WithClearOnDestroy())
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "a", "v", 0))
	require.NoError(t, c.Close(ctx))
	// Close is idempotent.
	require.NoError(t, c.Close(ctx))

	c, err = Open(ctx, root, "ns")
	require.NoError(t, err)
	defer c.Close(ctx)

	n, err := c.Count(ctx)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestBackgroundSweeper(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t, WithPurgeEvery(50*time.Millisecond))

	require.NoError(t, c.Set(ctx, "dead", "v", 30*time.Millisecond))
	require.NoError(t, c.Set(ctx, "alive", "v", 0))

	assert.Eventually(t, func() bool {
		n, err := c.Count(ctx)
		return err == nil && n == 1
	}, 2*time.Second, 25*time.Millisecond)
}

func TestAccessTracking(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t, WithAccessTracking())

	require.NoError(t, c.Set(ctx, "k", "v", 0))

	md, err := c.EntryMetadata(ctx, "k")
	require.NoError(t, err)
	assert.False(t, md.SetAt.IsZero())
	assert.True(t, md.ExpiresAt.IsZero())
	assert.True(t, md.LastAccess.IsZero())
	assert.False(t, md.Expired)

	found, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	md, err = c.EntryMetadata(ctx, "k")
	require.NoError(t, err)
	assert.False(t, md.LastAccess.IsZero())

	_, err = c.EntryMetadata(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMultipleInstancesSameNamespace(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	const writers = 4
	const perWriter = 25

	caches := make([]*Cache, writers)
	for i := range caches {
		c, err := Open(ctx, root, "shared")
		require.NoError(t, err)
		caches[i] = c
	}

	var wg sync.WaitGroup
	for i, c := range caches {
		wg.Add(1)
		go func(i int, c *Cache) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				key := fmt.Sprintf("w%d-%d", i, j)
				assert.NoError(t, c.Set(ctx, key, key, 0))
			}
		}(i, c)
	}
	wg.Wait()

	// Every instance sees every write; nothing lost or duplicated.
	for _, c := range caches {
		n, err := c.Count(ctx)
		assert.NoError(t, err)
		assert.Equal(t, writers*perWriter, n)
	}

	found, got, err := Get[string](ctx, caches[writers-1], "w0-0")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "w0-0", got)

	for _, c := range caches {
		assert.NoError(t, c.Close(ctx))
	}
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	calls := 0
	loader := func(context.Context) (string, bool, error) {
		calls++
		return "loaded", true, nil
	}

	found, got, err := Fetch(ctx, c, "k", 0, loader)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "loaded", got)
	assert.Equal(t, 1, calls)

	// Second call is served from the cache.
	found, got, err = Fetch(ctx, c, "k", 0, loader)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "loaded", got)
	assert.Equal(t, 1, calls)

	// A loader miss is not cached.
	found, _, err = Fetch(ctx, c, "absent", 0, func(context.Context) (string, bool, error) {
		return "", false, nil
	})
	assert.NoError(t, err)
	assert.False(t, found)

	loadErr := errors.New("backend down")
	_, _, err = Fetch(ctx, c, "broken", 0, func(context.Context) (string, bool, error) {
		return "", false, loadErr
	})
	assert.ErrorIs(t, err, loadErr)
}

func TestOpenValidation(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, "", "ns")
	assert.Error(t, err)
	_, err = Open(ctx, t.TempDir(), "")
	assert.Error(t, err)
}

func TestSharedFileMultipleNamespaces(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	a, err := Open(ctx, root, "alpha", WithCacheFile("shared.db"))
	require.NoError(t, err)
	defer a.Close(ctx)
	b, err := Open(ctx, root, "beta", WithCacheFile("shared.db"))
	require.NoError(t, err)
	defer b.Close(ctx)

	require.NoError(t, a.Set(ctx, "k", "from alpha", 0))
	require.NoError(t, b.Set(ctx, "k", "from beta", 0))

	found, got, err := Get[string](ctx, a, "k")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "from alpha", got)

	found, got, err = Get[string](ctx, b, "k")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "from beta", got)
}
