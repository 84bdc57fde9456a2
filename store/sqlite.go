package store

import (
	"context"
	"database/sql"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// sqliteStore implements the hash and recno layouts: one table per
// namespace inside a SQLite file. SQLite's own file locking gives the
// multi-reader/single-writer discipline, and unlike bbolt it allows several
// processes to hold the file open at once.
//
// recno tables iterate in rowid (insertion) order. hash tables carry a
// 64-bit xxhash digest of the key and iterate in digest order.
type sqliteStore struct {
	h      *handle
	table  string
	layout Layout
	envMu  locker
}

var _ Store = (*sqliteStore)(nil)

const metaTable = "dbcache_meta"

func validNamespace(namespace string) bool {
	for _, r := range namespace {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return namespace != ""
}

func newSQLiteStore(h *handle, namespace string, requested Layout, envMu locker) (*sqliteStore, error) {
	if !validNamespace(namespace) {
		return nil, errors.Newf("store: invalid namespace %q", namespace)
	}
	s := &sqliteStore{h: h, table: `"` + namespace + `"`, envMu: envMu}

	db := h.sql
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + metaTable + ` (k TEXT PRIMARY KEY, v TEXT NOT NULL)`); err != nil {
		return nil, errors.Wrap(err, "store: init meta")
	}

	// The file's layout is fixed at creation; a different requested layout
	// against an existing file is ignored.
	var tag string
	err := db.QueryRow(`SELECT v FROM `+metaTable+` WHERE k = 'layout'`).Scan(&tag)
	switch {
	case err == sql.ErrNoRows:
		s.layout = requested
		if s.layout != Hash && s.layout != Recno {
			s.layout = Recno
		}
		if _, err := db.Exec(`INSERT INTO `+metaTable+` (k, v) VALUES ('layout', ?)`, s.layout.String()); err != nil {
			return nil, errors.Wrap(err, "store: record layout")
		}
	case err != nil:
		return nil, errors.Wrap(err, "store: read layout")
	default:
		s.layout, err = ParseLayout(tag)
		if err != nil {
			return nil, err
		}
	}

	var schema []string
	if s.layout == Hash {
		schema = []string{
			`CREATE TABLE IF NOT EXISTS ` + s.table + ` (key BLOB PRIMARY KEY, digest INTEGER NOT NULL, value BLOB NOT NULL)`,
			`CREATE INDEX IF NOT EXISTS "` + namespace + `_digest" ON ` + s.table + ` (digest)`,
		}
	} else {
		schema = []string{
			`CREATE TABLE IF NOT EXISTS ` + s.table + ` (id INTEGER PRIMARY KEY AUTOINCREMENT, key BLOB NOT NULL UNIQUE, value BLOB NOT NULL)`,
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, errors.Wrapf(err, "store: create namespace %s", namespace)
		}
	}
	return s, nil
}

func (s *sqliteStore) lockEnv() func() {
	if s.envMu == nil {
		return func() {}
	}
	s.envMu.Lock()
	return s.envMu.Unlock
}

func (s *sqliteStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	var val []byte
	err := s.h.sql.QueryRowContext(ctx,
		`SELECT value FROM `+s.table+` WHERE key = ?`, key,
	).Scan(&val)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: get")
	}
	return val, nil
}

func (s *sqliteStore) Put(ctx context.Context, key, value []byte) error {
	defer s.lockEnv()()
	var err error
	if s.layout == Hash {
		_, err = s.h.sql.ExecContext(ctx,
			`INSERT INTO `+s.table+` (key, digest, value) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, int64(xxhash.Sum64(key)), value,
		)
	} else {
		// The upsert keeps the original rowid, so overwrites do not move a
		// record's position in insertion order.
		_, err = s.h.sql.ExecContext(ctx,
			`INSERT INTO `+s.table+` (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		)
	}
	if err != nil {
		return errors.Wrap(err, "store: put")
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key []byte) error {
	defer s.lockEnv()()
	if _, err := s.h.sql.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE key = ?`, key); err != nil {
		return errors.Wrap(err, "store: delete")
	}
	return nil
}

func (s *sqliteStore) scanOrder() string {
	if s.layout == Hash {
		return `ORDER BY digest, key`
	}
	return `ORDER BY id`
}

// Scan reads the full record set inside one transaction, then applies the
// callback's deletions through the same transaction. The transaction is
// committed even when the callback fails, keeping deletions performed
// before the failure.
func (s *sqliteStore) Scan(ctx context.Context, fn ScanFunc) error {
	defer s.lockEnv()()
	tx, err := s.h.sql.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "store: scan")
	}

	type record struct{ key, value []byte }
	var records []record
	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM `+s.table+` `+s.scanOrder())
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "store: scan")
	}
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.key, &r.value); err != nil {
			rows.Close()
			tx.Rollback()
			return errors.Wrap(err, "store: scan")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		tx.Rollback()
		return errors.Wrap(err, "store: scan")
	}
	rows.Close()

	var scanErr error
	for _, r := range records {
		if scanErr = ctx.Err(); scanErr != nil {
			break
		}
		del, err := fn(r.key, r.value)
		if err != nil {
			scanErr = err
			break
		}
		if del {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE key = ?`, r.key); err != nil {
				scanErr = errors.Wrap(err, "store: scan delete")
				break
			}
		}
	}

	if err := tx.Commit(); err != nil {
		if scanErr == nil {
			scanErr = errors.Wrap(err, "store: scan commit")
		}
	}
	return scanErr
}

func (s *sqliteStore) Truncate(ctx context.Context) (int, error) {
	defer s.lockEnv()()
	res, err := s.h.sql.ExecContext(ctx, `DELETE FROM `+s.table)
	if err != nil {
		return 0, errors.Wrap(err, "store: truncate")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "store: truncate")
	}
	return int(n), nil
}

func (s *sqliteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.h.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "store: count")
	}
	return n, nil
}

func (s *sqliteStore) Close() error {
	return release(s.h)
}
