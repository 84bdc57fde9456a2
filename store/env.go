package store

import (
	"database/sql"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	bolt "go.etcd.io/bbolt"
	_ "modernc.org/sqlite"
)

// handle is one open engine handle for one physical store file, shared by
// every Store opened against that file in this process. bbolt holds an
// exclusive file lock for the lifetime of the open, so a second open of the
// same file from the same process would deadlock; sharing the handle is a
// requirement, not an optimization.
type handle struct {
	path string
	kind fileKind
	refs int

	bolt *bolt.DB
	sql  *sql.DB
}

type locker interface {
	Lock()
	Unlock()
}

var (
	registryMu sync.Mutex
	registry   = map[string]*handle{}
	envLocks   = map[string]*sync.Mutex{}
)

// envLock returns the environment-wide write lock for the directory holding
// path. Locks are process-local; cross-process exclusion stays with the
// engine's own file locking.
func envLock(path string) *sync.Mutex {
	dir := filepath.Dir(normalizePath(path))
	registryMu.Lock()
	defer registryMu.Unlock()
	mu, ok := envLocks[dir]
	if !ok {
		mu = &sync.Mutex{}
		envLocks[dir] = mu
	}
	return mu
}

func normalizePath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func acquire(path string, kind fileKind) (*handle, error) {
	key := normalizePath(path)
	registryMu.Lock()
	defer registryMu.Unlock()

	if h, ok := registry[key]; ok {
		if h.kind != kind {
			// Cannot happen via Open, which sniffs existing files, but a
			// stale registry entry after an external file swap could.
			return nil, errors.Newf("store: %s already open with a different engine", path)
		}
		h.refs++
		return h, nil
	}

	h := &handle{path: key, kind: kind, refs: 1}
	switch kind {
	case kindSQLite:
		db, err := sql.Open("sqlite", key)
		if err != nil {
			return nil, errors.Wrapf(err, "store: open %s", path)
		}
		// WAL mode for concurrent readers; busy timeout so a competing
		// process's write lock blocks instead of failing immediately.
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, errors.Wrapf(err, "store: open %s", path)
			}
		}
		h.sql = db
	default:
		db, err := bolt.Open(key, 0o600, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "store: open %s", path)
		}
		h.bolt = db
	}

	registry[key] = h
	return h, nil
}

func release(h *handle) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	h.refs--
	if h.refs > 0 {
		return nil
	}
	delete(registry, h.path)

	switch h.kind {
	case kindSQLite:
		return h.sql.Close()
	default:
		return h.bolt.Close()
	}
}
