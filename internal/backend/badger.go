package backend

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger"

	"github.com/tidewave/statestore/internal/types"
)

// Badger is an embedded local backend. Badger transactions detect
// conflicts, which makes PutIfNotExists and WriteBatch atomic.
type Badger struct {
	db *badger.DB
}

func OpenBadger(dir string) (*Badger, error) {
	if dir == "" {
		return nil, errors.Mark(errors.New("badger backend requires a directory"), ErrInvalidURL)
	}
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger '%s'", dir)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		v, err := item.Value()
		if err != nil {
			return err
		}
		// values are only valid for the life of the transaction
		value = append([]byte(nil), v...)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "get '%s'", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get '%s'", key)
	}
	return value, nil
}

func (b *Badger) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	v, err := b.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return sliceRange(v, offset, length)
}

func (b *Badger) Put(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	return errors.Wrapf(err, "put '%s'", key)
}

func (b *Badger) PutIfNotExists(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set([]byte(key), value)
	})
	// A concurrent writer created the key between our read and commit
	if errors.Is(err, badger.ErrConflict) {
		err = ErrAlreadyExists
	}
	return errors.Wrapf(err, "put if not exists '%s'", key)
}

func (b *Badger) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	return errors.Wrapf(err, "delete '%s'", key)
}

func (b *Badger) Scan(ctx context.Context, rng types.KeyRange, keysOnly bool, fn ScanFunc) error {
	type kv struct {
		key   string
		value []byte
	}
	// Collect inside the transaction so fn may call back into the backend
	var results []kv
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = !keysOnly
		it := txn.NewIterator(opts)
		defer it.Close()

		if rng.Start == nil {
			it.Rewind()
		} else {
			it.Seek(rng.Start)
		}
		for ; it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if rng.AfterEnd(item.Key()) {
				break
			}
			r := kv{key: string(bytes.Clone(item.Key()))}
			if !keysOnly {
				v, err := item.Value()
				if err != nil {
					return err
				}
				r.value = bytes.Clone(v)
			}
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "scan")
	}

	for _, r := range results {
		if err := fn(r.key, r.value); err != nil {
			return err
		}
	}
	return nil
}

func (b *Badger) WriteBatch(_ context.Context, ops []Op) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			var err error
			switch op.Kind {
			case OpPut:
				err = txn.Set([]byte(op.Key), op.Value)
			case OpDelete:
				err = txn.Delete([]byte(op.Key))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "write batch")
}

func (b *Badger) Close() error {
	return b.db.Close()
}
