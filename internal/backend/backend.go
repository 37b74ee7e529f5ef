// Package backend is the byte level storage substrate underneath the store.
// A Backend has no notion of versions or epochs, it stores opaque values
// under string keys and is selected at startup by URL.
package backend

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/tidewave/statestore/internal/types"
)

var (
	ErrNotFound      = errors.New("key not found in backend")
	ErrAlreadyExists = errors.New("key already exists in backend")
	ErrInvalidURL    = errors.New("invalid backend url")
)

type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is a single mutation in a WriteBatch
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
}

func Put(key string, value []byte) Op {
	return Op{Kind: OpPut, Key: key, Value: value}
}

func Delete(key string) Op {
	return Op{Kind: OpDelete, Key: key}
}

// ScanFunc is called for each key visited by Scan. Value is nil when the scan
// was keys only. Returning an error stops the scan and is returned by Scan.
type ScanFunc func(key string, value []byte) error

// Backend is the capability set every storage substrate provides
type Backend interface {
	// Get returns the value of key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// GetRange returns length bytes of the value starting at offset
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	Put(ctx context.Context, key string, value []byte) error

	// PutIfNotExists stores value only if key does not exist, otherwise it
	// returns ErrAlreadyExists.
	PutIfNotExists(ctx context.Context, key string, value []byte) error

	// Delete removes key, deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// Scan visits the keys within rng in ascending order
	Scan(ctx context.Context, rng types.KeyRange, keysOnly bool, fn ScanFunc) error

	// WriteBatch applies ops atomically where the substrate supports it
	WriteBatch(ctx context.Context, ops []Op) error

	Close() error
}

// PrefixRange returns the KeyRange covering every key starting with prefix
func PrefixRange(prefix string) types.KeyRange {
	rng := types.KeyRange{Start: []byte(prefix)}
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			rng.End = end[:i+1]
			return rng
		}
	}
	return rng
}

type Options struct {
	// Log is used by backends which log connection events
	Log *slog.Logger

	Retry RetryOptions
}

// Open returns the Backend described by rawURL wrapped with retries.
//
//	mem://<namespace>                       in memory object store
//	file:///<dir>                           object store on the local filesystem
//	zk://<user:pass>@<host1,host2>/<ns>     ZooKeeper ensemble
//	leveldb:///<dir>                        embedded LevelDB
//	leveldb+mem://<namespace>               LevelDB on in memory storage
//	badger:///<dir>                         embedded Badger
func Open(ctx context.Context, rawURL string, opts Options) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse '%s'", rawURL), ErrInvalidURL)
	}

	var b Backend
	switch strings.ToLower(u.Scheme) {
	case "mem":
		b = NewInMemory()
	case "file":
		b, err = NewFileSystem(u.Path)
	case "zk", "zookeeper":
		b, err = dialZooKeeper(ctx, u, opts)
	case "leveldb":
		b, err = OpenLevelDB(u.Path)
	case "leveldb+mem":
		b, err = NewLevelDBInMemory()
	case "badger":
		b, err = OpenBadger(u.Path)
	default:
		return nil, errors.Mark(errors.Newf("unknown backend scheme '%s'", u.Scheme), ErrInvalidURL)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open backend '%s'", u.Redacted())
	}
	return WithRetry(b, opts.Retry, opts.Log), nil
}

func validateOps(ops []Op) error {
	for _, op := range ops {
		if op.Key == "" {
			return errors.New("batch operation has an empty key")
		}
		if op.Kind != OpPut && op.Kind != OpDelete {
			return errors.Newf("unknown batch operation '%d'", op.Kind)
		}
	}
	return nil
}

// sliceRange returns the requested slice of a value fetched in full, used by
// substrates without native range reads
func sliceRange(value []byte, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > int64(len(value)) {
		return nil, errors.Newf("range [%d:%d] out of bounds for value of length %d",
			offset, offset+length, len(value))
	}
	return value[offset : offset+length], nil
}
