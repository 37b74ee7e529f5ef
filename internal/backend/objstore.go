package backend

import (
	"bytes"
	"context"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"

	"github.com/tidewave/statestore/internal/types"
)

// ObjectStore adapts an objstore.Bucket. Object stores have no multi object
// transactions, WriteBatch applies puts before deletes so a crash mid batch
// leaves extra objects rather than missing ones.
type ObjectStore struct {
	bucket objstore.Bucket

	// objstore has no conditional put, PutIfNotExists is serialized in process
	putMutex sync.Mutex
}

func NewObjectStore(bucket objstore.Bucket) *ObjectStore {
	return &ObjectStore{bucket: bucket}
}

// NewInMemory returns an ObjectStore over objstore.NewInMemBucket()
func NewInMemory() *ObjectStore {
	return NewObjectStore(objstore.NewInMemBucket())
}

// NewFileSystem returns an ObjectStore rooted at dir
func NewFileSystem(dir string) (*ObjectStore, error) {
	if dir == "" {
		return nil, errors.Mark(errors.New("file backend requires a directory"), ErrInvalidURL)
	}
	bucket, err := filesystem.NewBucket(dir)
	if err != nil {
		return nil, err
	}
	return NewObjectStore(bucket), nil
}

func (o *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := o.bucket.Get(ctx, key)
	if err != nil {
		return nil, o.wrapErr(err, "get", key)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "read '%s'", key)
	}
	return data, nil
}

func (o *ObjectStore) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	r, err := o.bucket.GetRange(ctx, key, offset, length)
	if err != nil {
		return nil, o.wrapErr(err, "get range", key)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "read range of '%s'", key)
	}
	return data, nil
}

func (o *ObjectStore) Put(ctx context.Context, key string, value []byte) error {
	if err := o.bucket.Upload(ctx, key, bytes.NewReader(value)); err != nil {
		return errors.Wrapf(err, "upload '%s'", key)
	}
	return nil
}

func (o *ObjectStore) PutIfNotExists(ctx context.Context, key string, value []byte) error {
	o.putMutex.Lock()
	defer o.putMutex.Unlock()

	exists, err := o.bucket.Exists(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "exists '%s'", key)
	}
	if exists {
		return errors.Wrapf(ErrAlreadyExists, "'%s'", key)
	}
	return o.Put(ctx, key, value)
}

func (o *ObjectStore) Delete(ctx context.Context, key string) error {
	err := o.bucket.Delete(ctx, key)
	if err != nil && !o.bucket.IsObjNotFoundErr(err) {
		return errors.Wrapf(err, "delete '%s'", key)
	}
	return nil
}

func (o *ObjectStore) Scan(ctx context.Context, rng types.KeyRange, keysOnly bool, fn ScanFunc) error {
	// Listing starts from the deepest directory shared by the range start
	dir := ""
	if i := strings.LastIndex(string(rng.Start), objstore.DirDelim); i >= 0 {
		dir = string(rng.Start[:i+1])
	}

	var keys []string
	err := o.bucket.Iter(ctx, dir, func(name string) error {
		if rng.Contains([]byte(name)) {
			keys = append(keys, name)
		}
		return nil
	}, objstore.WithRecursiveIter())
	if err != nil {
		return errors.Wrapf(err, "list '%s'", dir)
	}
	slices.Sort(keys)

	for _, key := range keys {
		var value []byte
		if !keysOnly {
			if value, err = o.Get(ctx, key); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (o *ObjectStore) WriteBatch(ctx context.Context, ops []Op) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	for _, op := range ops {
		if op.Kind == OpPut {
			if err := o.Put(ctx, op.Key, op.Value); err != nil {
				return err
			}
		}
	}
	for _, op := range ops {
		if op.Kind == OpDelete {
			if err := o.Delete(ctx, op.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *ObjectStore) Close() error {
	return o.bucket.Close()
}

func (o *ObjectStore) wrapErr(err error, op, key string) error {
	if o.bucket.IsObjNotFoundErr(err) {
		return errors.Wrapf(ErrNotFound, "%s '%s'", op, key)
	}
	return errors.Wrapf(err, "%s '%s'", op, key)
}
