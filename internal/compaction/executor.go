package compaction

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/kapetan-io/tackle/set"

	"github.com/tidewave/statestore/internal/iter"
	"github.com/tidewave/statestore/internal/manifest"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/tablestore"
	"github.com/tidewave/statestore/internal/types"
)

// IDAllocator hands out unique table ids
type IDAllocator interface {
	AllocateTableIDs(ctx context.Context, n int) ([]sstable.ID, error)
}

// Executor runs compaction tasks against the table store
type Executor struct {
	tables *tablestore.Store
	ids    IDAllocator
	log    *slog.Logger
}

func NewExecutor(tables *tablestore.Store, ids IDAllocator, log *slog.Logger) *Executor {
	set.Default(&log, slog.Default())
	return &Executor{tables: tables, ids: ids, log: log}
}

// Execute merges the inputs of task and writes the retained entries into new
// tables of the target level. Output tables are split at TargetFileSize, but
// never between two versions of the same key so output key ranges are
// disjoint.
func (e *Executor) Execute(ctx context.Context, task Task) ([]manifest.TableMeta, error) {
	its := make([]iter.Iterator, 0, len(task.Inputs))
	for _, in := range task.Inputs {
		h, err := e.tables.OpenTable(ctx, in.ID, in.Size)
		if err != nil {
			return nil, err
		}
		it, err := e.tables.NewIterator(ctx, h, sstable.IterOptions{})
		if err != nil {
			return nil, err
		}
		its = append(its, it)
	}

	merged := iter.NewRetentionIterator(iter.NewMergeSort(ctx, its...), task.SafeEpoch, task.DropTombstones)

	var outputs []manifest.TableMeta
	builder := e.tables.TableBuilder()
	var lastKey []byte

	flush := func() error {
		if builder.IsEmpty() {
			return nil
		}
		table, err := builder.Build()
		if err != nil {
			return errors.Wrap(err, "build output table")
		}
		ids, err := e.ids.AllocateTableIDs(ctx, 1)
		if err != nil {
			return errors.Wrap(err, "allocate output table id")
		}
		h, size, err := e.tables.WriteTable(ctx, ids[0], table)
		if err != nil {
			return err
		}
		outputs = append(outputs, manifest.NewTableMeta(h, task.TargetLevel, size))
		builder = e.tables.TableBuilder()
		return nil
	}

	for {
		entry, ok := merged.Next(ctx)
		if !ok {
			break
		}
		if task.TargetFileSize > 0 && builder.EstimatedSize() >= task.TargetFileSize &&
			!bytes.Equal(entry.Key, lastKey) {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		if err := builder.Add(entry); err != nil {
			return nil, errors.Wrap(err, "add entry to output table")
		}
		lastKey = append(lastKey[:0], entry.Key...)
	}
	if err := merged.Err(); err != nil {
		return nil, errors.Wrapf(err, "merge inputs of task %s", task.ID)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	e.log.Debug("executed compaction", "task", task.String(), "outputs", len(outputs))
	return outputs, nil
}

// Worker requests tasks from a coordinator, executes them and reports the
// result
type Worker struct {
	Name     string
	Executor *Executor
	// Source is usually the meta service or a client of it
	Source interface {
		RequestCompactionTask(ctx context.Context, worker string) (Task, bool, error)
		ReportCompactionResult(ctx context.Context, report Report) error
	}
	Log *slog.Logger
}

// RunOnce executes at most one task, it returns false when no task was
// available
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	set.Default(&w.Log, slog.Default())
	task, ok, err := w.Source.RequestCompactionTask(ctx, w.Name)
	if err != nil || !ok {
		return false, err
	}

	report := Report{TaskID: task.ID, Attempt: task.Attempt, Worker: w.Name}
	outputs, err := w.Executor.Execute(ctx, task)
	if err != nil {
		w.Log.Warn("compaction task failed", "task", task.String(), "error", err)
		report.Error = err.Error()
	} else {
		report.Outputs = outputs
	}

	if err := w.Source.ReportCompactionResult(ctx, report); err != nil {
		if errors.Is(err, types.ErrStaleTask) || errors.Is(err, types.ErrDuplicateTask) {
			w.Log.Info("compaction result discarded", "task", task.String(), "reason", err)
			return true, nil
		}
		return true, err
	}
	return true, nil
}
