package manifest

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/mo"

	"github.com/tidewave/statestore/internal/backend"
	"github.com/tidewave/statestore/internal/types"
)

const (
	deltaPrefix      = "manifest/delta/"
	checkpointPrefix = "manifest/checkpoint/"
)

func deltaPath(id uint64) string {
	return fmt.Sprintf("%s%020d", deltaPrefix, id)
}

func checkpointPath(id uint64) string {
	return fmt.Sprintf("%s%020d", checkpointPrefix, id)
}

func parseID(key, prefix string) (uint64, bool) {
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 64)
	return id, err == nil
}

// Log is the persisted manifest. Every committed delta is written once under
// its version id, periodic checkpoints hold a complete Version so recovery
// replays only the deltas written after the latest checkpoint.
type Log struct {
	backend backend.Backend
}

func NewLog(b backend.Backend) *Log {
	return &Log{backend: b}
}

// WriteDelta appends d under d.VersionID. It returns ErrConflict if another
// writer already appended a delta with the same id.
func (l *Log) WriteDelta(ctx context.Context, d *Delta) error {
	err := l.backend.PutIfNotExists(ctx, deltaPath(d.VersionID), EncodeDelta(d))
	if errors.Is(err, backend.ErrAlreadyExists) {
		return errors.Mark(errors.Wrapf(err, "delta %d", d.VersionID), types.ErrConflict)
	}
	return errors.Wrapf(err, "write delta %d", d.VersionID)
}

// WriteCheckpoint stores v as a checkpoint. Checkpoints are derived from the
// deltas, so overwriting an existing checkpoint is harmless.
func (l *Log) WriteCheckpoint(ctx context.Context, v *Version) error {
	return errors.Wrapf(l.backend.Put(ctx, checkpointPath(v.ID), EncodeVersion(v)),
		"write checkpoint %d", v.ID)
}

func (l *Log) listIDs(ctx context.Context, prefix string) ([]uint64, error) {
	var ids []uint64
	err := l.backend.Scan(ctx, backend.PrefixRange(prefix), true, func(key string, _ []byte) error {
		if id, ok := parseID(key, prefix); ok {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list '%s'", prefix)
	}
	return ids, nil
}

// LatestCheckpoint returns the checkpoint with the greatest version id
func (l *Log) LatestCheckpoint(ctx context.Context) (mo.Option[*Version], error) {
	ids, err := l.listIDs(ctx, checkpointPrefix)
	if err != nil || len(ids) == 0 {
		return mo.None[*Version](), err
	}
	id := ids[len(ids)-1]
	data, err := l.backend.Get(ctx, checkpointPath(id))
	if err != nil {
		return mo.None[*Version](), errors.Wrapf(err, "read checkpoint %d", id)
	}
	v, err := DecodeVersion(data)
	if err != nil {
		return mo.None[*Version](), errors.Wrapf(err, "checkpoint %d", id)
	}
	return mo.Some(v), nil
}

// ReadDelta returns the delta which produced version id
func (l *Log) ReadDelta(ctx context.Context, id uint64) (*Delta, error) {
	data, err := l.backend.Get(ctx, deltaPath(id))
	if err != nil {
		return nil, errors.Wrapf(err, "read delta %d", id)
	}
	d, err := DecodeDelta(data)
	if err != nil {
		return nil, errors.Wrapf(err, "delta %d", id)
	}
	if d.VersionID != id {
		return nil, types.Corruptf("delta stored under %d has version id %d", id, d.VersionID)
	}
	return d, nil
}

// Replay applies every delta after base in order and returns the result
func (l *Log) Replay(ctx context.Context, base *Version) (*Version, error) {
	v := base
	for {
		d, err := l.ReadDelta(ctx, v.ID+1)
		if errors.Is(err, backend.ErrNotFound) {
			return v, nil
		}
		if err != nil {
			return nil, err
		}
		if v, err = v.Apply(d); err != nil {
			return nil, types.MarkCorrupt(err, fmt.Sprintf("replay delta %d", d.VersionID))
		}
	}
}

// Recover returns the latest version recorded in the log
func (l *Log) Recover(ctx context.Context) (*Version, error) {
	cp, err := l.LatestCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	return l.Replay(ctx, cp.OrElse(Empty()))
}

// Truncate deletes checkpoints older than the latest checkpoint and every
// delta already covered by it
func (l *Log) Truncate(ctx context.Context) (int, error) {
	checkpoints, err := l.listIDs(ctx, checkpointPrefix)
	if err != nil || len(checkpoints) == 0 {
		return 0, err
	}
	latest := checkpoints[len(checkpoints)-1]

	var ops []backend.Op
	for _, id := range checkpoints[:len(checkpoints)-1] {
		ops = append(ops, backend.Delete(checkpointPath(id)))
	}
	deltas, err := l.listIDs(ctx, deltaPrefix)
	if err != nil {
		return 0, err
	}
	for _, id := range deltas {
		if id <= latest {
			ops = append(ops, backend.Delete(deltaPath(id)))
		}
	}
	if len(ops) == 0 {
		return 0, nil
	}
	return len(ops), errors.Wrap(l.backend.WriteBatch(ctx, ops), "truncate manifest log")
}

// Empty returns the initial version of a new store
func Empty() *Version {
	return &Version{Levels: [][]TableMeta{nil}}
}
