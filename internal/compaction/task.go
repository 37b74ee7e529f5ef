// Package compaction merges table files into deeper levels. The Coordinator
// runs next to the Version Manager and hands out Tasks, an Executor runs on a
// compute node and produces the output tables of a Task.
package compaction

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kapetan-io/tackle/set"
	"github.com/oklog/ulid/v2"

	"github.com/tidewave/statestore/internal/manifest"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/types"
)

type Options struct {
	// PollInterval is how often the head version is inspected for work
	PollInterval time.Duration `yaml:"poll_interval"`
	// L0Trigger is the number of level 0 tables which triggers an L0 compaction
	L0Trigger int `yaml:"l0_trigger"`
	// MaxL0FilesPerTask caps the number of level 0 tables merged by one task
	MaxL0FilesPerTask int `yaml:"max_l0_files_per_task"`
	// LevelBaseBytes is the size limit of level 1, each deeper level may
	// hold LevelMultiplier times the size of the level above it
	LevelBaseBytes  uint64 `yaml:"level_base_bytes"`
	LevelMultiplier uint64 `yaml:"level_multiplier"`
	// MaxLevels is the number of levels including level 0
	MaxLevels int `yaml:"max_levels"`
	// TargetFileSize is the size at which an output table is split
	TargetFileSize uint64 `yaml:"target_file_size"`
	// TaskTimeout is how long a worker may hold a task before it is reassigned
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	MaxTaskAttempts int           `yaml:"max_task_attempts"`

	Log *slog.Logger     `yaml:"-"`
	Now func() time.Time `yaml:"-"`
}

func DefaultOptions() Options {
	return Options{
		PollInterval:      time.Second,
		L0Trigger:         4,
		MaxL0FilesPerTask: 16,
		LevelBaseBytes:    64 << 20,
		LevelMultiplier:   10,
		MaxLevels:         7,
		TargetFileSize:    32 << 20,
		TaskTimeout:       5 * time.Minute,
		MaxTaskAttempts:   3,
	}
}

func (o *Options) setDefaults() {
	def := DefaultOptions()
	set.Default(&o.PollInterval, def.PollInterval)
	set.Default(&o.L0Trigger, def.L0Trigger)
	set.Default(&o.MaxL0FilesPerTask, def.MaxL0FilesPerTask)
	set.Default(&o.LevelBaseBytes, def.LevelBaseBytes)
	set.Default(&o.LevelMultiplier, def.LevelMultiplier)
	set.Default(&o.MaxLevels, def.MaxLevels)
	set.Default(&o.TargetFileSize, def.TargetFileSize)
	set.Default(&o.TaskTimeout, def.TaskTimeout)
	set.Default(&o.MaxTaskAttempts, def.MaxTaskAttempts)
	set.Default(&o.Log, slog.Default())
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Task merges Inputs into TargetLevel
type Task struct {
	ID ulid.ULID `json:"id"`
	// Inputs holds the input tables ordered by level
	Inputs         []manifest.TableMeta `json:"inputs"`
	TargetLevel    int                  `json:"target_level"`
	SafeEpoch      types.Epoch          `json:"safe_epoch"`
	DropTombstones bool                 `json:"drop_tombstones"`
	TargetFileSize uint64               `json:"target_file_size"`
	// Attempt is incremented each time the task is assigned to a worker
	Attempt  int       `json:"attempt"`
	Worker   string    `json:"worker"`
	Deadline time.Time `json:"deadline"`
}

func (t *Task) InputIDs() []sstable.ID {
	ids := make([]sstable.ID, len(t.Inputs))
	for i, in := range t.Inputs {
		ids[i] = in.ID
	}
	return ids
}

func (t *Task) String() string {
	return fmt.Sprintf("task %s attempt %d inputs=%v target=L%d safe=%d drop_tombstones=%t",
		t.ID, t.Attempt, t.InputIDs(), t.TargetLevel, t.SafeEpoch, t.DropTombstones)
}

// Report is sent by a worker when a task attempt finishes
type Report struct {
	TaskID  ulid.ULID            `json:"task_id"`
	Attempt int                  `json:"attempt"`
	Worker  string               `json:"worker"`
	Outputs []manifest.TableMeta `json:"outputs"`
	// Error is set when the attempt failed
	Error string `json:"error,omitempty"`
}
