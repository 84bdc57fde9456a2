// Package store provides the embedded storage engines that back a dbcache
// namespace. A Store is a flat key-value container with a delete-capable
// forward scan, an item count, and whole-container truncation. Two engines
// are provided: a bbolt file (ordered, tree-like layout) and a SQLite file
// (hashed and record-sequence layouts). Concurrency coordination is the
// engine's responsibility; callers get whatever single-writer/multi-reader
// discipline the underlying file format enforces.
package store

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned by Store.Get when no record exists under the key.
// It is distinct from a record that holds an empty value.
var ErrNotFound = errors.New("store: key not found")

// Layout selects the physical organization of a store file. It only matters
// when the file is created; opening an existing file uses whatever layout the
// file was created with and silently ignores the requested one.
type Layout int

const (
	// Btree keeps records in key order (bbolt engine).
	Btree Layout = iota
	// Hash keeps records ordered by a 64-bit digest of the key (SQLite engine).
	Hash
	// Recno keeps records in insertion order (SQLite engine).
	Recno
)

func (l Layout) String() string {
	switch l {
	case Btree:
		return "btree"
	case Hash:
		return "hash"
	case Recno:
		return "recno"
	}
	return "unknown"
}

// ParseLayout converts a layout tag ("btree", "hash", "recno") to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "btree", "":
		return Btree, nil
	case "hash":
		return Hash, nil
	case "recno":
		return Recno, nil
	}
	return Btree, errors.Newf("store: unknown layout %q", s)
}

// ScanFunc is invoked for each record visited by Store.Scan. The key and
// value slices are only valid for the duration of the call. Returning
// del=true deletes the current record before the scan advances; returning a
// non-nil error stops the scan.
type ScanFunc func(key, value []byte) (del bool, err error)

// Store is a single named namespace inside an embedded store file.
//
// Get must return ErrNotFound for a missing key. Delete is idempotent: a
// missing key is not an error. Scan visits every record exactly once per
// call in the engine's native order; deletions requested by the callback
// before a mid-scan failure are kept, not rolled back. Truncate and Count
// report the engine's own record accounting, which may include records a
// caller considers logically dead.
type Store interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	Scan(ctx context.Context, fn ScanFunc) error
	Truncate(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Options configures Open.
type Options struct {
	// Layout selects the file organization when the file does not exist yet.
	Layout Layout
	// EnvLock serializes writes across every store under the file's
	// directory (the "environment") instead of only per file.
	EnvLock bool
}

// bbolt's meta page carries its magic number at byte offset 16.
const boltMagic = 0xED0CDAED

const sqliteMagic = "SQLite format 3\x00"

type fileKind int

const (
	kindBolt fileKind = iota
	kindSQLite
)

// sniffKind inspects an existing file's header to determine which engine
// wrote it. This is what makes a layout tag against an existing file a
// no-op: the file, not the caller, decides.
func sniffKind(path string) (fileKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return kindBolt, errors.Wrap(err, "store: sniff")
	}
	defer f.Close()

	var header [20]byte
	n, err := io.ReadFull(f, header[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return kindBolt, errors.Wrap(err, "store: sniff")
	}
	if n >= len(sqliteMagic) && string(header[:len(sqliteMagic)]) == sqliteMagic {
		return kindSQLite, nil
	}
	if n >= 20 && binary.LittleEndian.Uint32(header[16:20]) == boltMagic {
		return kindBolt, nil
	}
	return kindBolt, errors.Newf("store: %s is not a recognized store file", path)
}

// Open opens (or creates) the named namespace inside the store file at path.
// When the file already exists its engine is detected from the file header
// and opt.Layout is ignored. Handles to the same file are shared and
// refcounted within the process, so several namespaces (or several caches
// over one namespace) coexist on a single engine handle.
func Open(path, namespace string, opt Options) (Store, error) {
	if namespace == "" {
		return nil, errors.New("store: namespace is required")
	}

	kind := kindBolt
	if opt.Layout == Hash || opt.Layout == Recno {
		kind = kindSQLite
	}
	if _, err := os.Stat(path); err == nil {
		kind, err = sniffKind(path)
		if err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "store: stat %s", path)
	}

	h, err := acquire(path, kind)
	if err != nil {
		return nil, err
	}

	var envMu locker
	if opt.EnvLock {
		envMu = envLock(path)
	}

	switch kind {
	case kindSQLite:
		s, err := newSQLiteStore(h, namespace, opt.Layout, envMu)
		if err != nil {
			release(h)
			return nil, err
		}
		return s, nil
	default:
		s, err := newBoltStore(h, namespace, envMu)
		if err != nil {
			release(h)
			return nil, err
		}
		return s, nil
	}
}
