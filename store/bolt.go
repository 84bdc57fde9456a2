package store

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	bolt "go.etcd.io/bbolt"
)

// boltStore is the btree layout: a bucket inside a bbolt file. Iteration is
// in key order. bbolt enforces one writer at a time per file and takes an
// exclusive file lock for the lifetime of the handle.
type boltStore struct {
	h      *handle
	bucket []byte
	envMu  locker
}

var _ Store = (*boltStore)(nil)

func newBoltStore(h *handle, namespace string, envMu locker) (*boltStore, error) {
	s := &boltStore{h: h, bucket: []byte(namespace), envMu: envMu}
	err := h.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "store: create namespace %s", namespace)
	}
	return s, nil
}

func (s *boltStore) lockEnv() func() {
	if s.envMu == nil {
		return func() {}
	}
	s.envMu.Lock()
	return s.envMu.Unlock
}

func (s *boltStore) Get(_ context.Context, key []byte) ([]byte, error) {
	val := []byte{}
	err := s.h.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return ErrNotFound
		}
		// Seek instead of Get so a stored empty value is distinguishable
		// from a missing key.
		k, v := b.Cursor().Seek(key)
		if k == nil || !bytes.Equal(k, key) {
			return ErrNotFound
		}
		// v is only valid inside the transaction.
		val = append(val, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (s *boltStore) Put(_ context.Context, key, value []byte) error {
	defer s.lockEnv()()
	return s.h.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put(key, value)
	})
}

func (s *boltStore) Delete(_ context.Context, key []byte) error {
	defer s.lockEnv()()
	return s.h.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete(key)
	})
}

// Scan walks the bucket in key order inside a single write transaction, so
// a callback-requested delete of the current record cannot race a competing
// writer. The transaction is committed even when the callback fails:
// deletions performed before the failure are kept.
func (s *boltStore) Scan(ctx context.Context, fn ScanFunc) error {
	defer s.lockEnv()()
	tx, err := s.h.bolt.Begin(true)
	if err != nil {
		return errors.Wrap(err, "store: scan")
	}

	var scanErr error
	b := tx.Bucket(s.bucket)
	if b != nil {
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if scanErr = ctx.Err(); scanErr != nil {
				break
			}
			del, err := fn(k, v)
			if err != nil {
				scanErr = err
				break
			}
			if del {
				if err := c.Delete(); err != nil {
					scanErr = errors.Wrap(err, "store: scan delete")
					break
				}
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

func (s *boltStore) Truncate(_ context.Context) (int, error) {
	defer s.lockEnv()()
	var n int
	err := s.h.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		if err := tx.DeleteBucket(s.bucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(s.bucket)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "store: truncate")
	}
	return n, nil
}

func (s *boltStore) Count(_ context.Context) (int, error) {
	var n int
	err := s.h.bolt.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(s.bucket); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "store: count")
	}
	return n, nil
}

func (s *boltStore) Close() error {
	return release(s.h)
}
