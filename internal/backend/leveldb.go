package backend

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tidewave/statestore/internal/types"
)

// LevelDB is an embedded local backend. The database directory is locked
// to a single process so in process locking makes PutIfNotExists atomic.
type LevelDB struct {
	db       *leveldb.DB
	putMutex sync.Mutex
}

func OpenLevelDB(dir string) (*LevelDB, error) {
	if dir == "" {
		return nil, errors.Mark(errors.New("leveldb backend requires a directory"), ErrInvalidURL)
	}
	db, err := leveldb.OpenFile(dir, &opt.Options{
		// table files are already compressed by the store
		Compression: opt.NoCompression,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb '%s'", dir)
	}
	return &LevelDB{db: db}, nil
}

// NewLevelDBInMemory returns a LevelDB backend over memory storage
func NewLevelDBInMemory() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(_ context.Context, key string) ([]byte, error) {
	v, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "get '%s'", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get '%s'", key)
	}
	return v, nil
}

func (l *LevelDB) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	v, err := l.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return sliceRange(v, offset, length)
}

func (l *LevelDB) Put(_ context.Context, key string, value []byte) error {
	return errors.Wrapf(l.db.Put([]byte(key), value, &opt.WriteOptions{Sync: true}), "put '%s'", key)
}

func (l *LevelDB) PutIfNotExists(ctx context.Context, key string, value []byte) error {
	l.putMutex.Lock()
	defer l.putMutex.Unlock()

	ok, err := l.db.Has([]byte(key), nil)
	if err != nil {
		return errors.Wrapf(err, "has '%s'", key)
	}
	if ok {
		return errors.Wrapf(ErrAlreadyExists, "'%s'", key)
	}
	return l.Put(ctx, key, value)
}

func (l *LevelDB) Delete(_ context.Context, key string) error {
	return errors.Wrapf(l.db.Delete([]byte(key), &opt.WriteOptions{Sync: true}), "delete '%s'", key)
}

func (l *LevelDB) Scan(ctx context.Context, rng types.KeyRange, keysOnly bool, fn ScanFunc) error {
	it := l.db.NewIterator(&util.Range{Start: rng.Start}, nil)
	defer it.Release()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rng.AfterEnd(it.Key()) {
			break
		}
		var value []byte
		if !keysOnly {
			// the iterator reuses its buffers
			value = append([]byte(nil), it.Value()...)
		}
		if err := fn(string(it.Key()), value); err != nil {
			return err
		}
	}
	return errors.Wrap(it.Error(), "scan")
}

func (l *LevelDB) WriteBatch(_ context.Context, ops []Op) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			batch.Put([]byte(op.Key), op.Value)
		case OpDelete:
			batch.Delete([]byte(op.Key))
		}
	}
	return errors.Wrap(l.db.Write(batch, &opt.WriteOptions{Sync: true}), "write batch")
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
