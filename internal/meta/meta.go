// Package meta is the coordination service shared by every compute node. It
// issues epochs and table ids, owns the Version Manager and runs the
// compaction coordinator.
package meta

import (
	"context"

	"github.com/tidewave/statestore/internal/compaction"
	"github.com/tidewave/statestore/internal/manifest"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/types"
)

// Client is the interface compute nodes use to talk to the meta service.
// *Service implements it in process and rpc.Client over HTTP.
type Client interface {
	AllocateEpoch(ctx context.Context) (types.Epoch, error)
	// AbortEpochs resolves epochs whose writes will never be committed
	AbortEpochs(ctx context.Context, epochs []types.Epoch) error
	// AllocateTableIDs returns n unique table ids
	AllocateTableIDs(ctx context.Context, n int) ([]sstable.ID, error)

	GetVersion(ctx context.Context, epoch types.Epoch) (*manifest.Version, error)
	// CommitDelta commits d and the epochs it carries. It fails with
	// ErrConflict when d.BaseVersionID is not the head.
	CommitDelta(ctx context.Context, d *manifest.Delta) (*manifest.Version, error)
	PinVersion(ctx context.Context, contextID string, epoch types.Epoch) (*manifest.Version, error)
	UnpinVersion(ctx context.Context, contextID string, versionID uint64) error
	PinSnapshot(ctx context.Context, contextID string, epoch types.Epoch) error
	UnpinSnapshot(ctx context.Context, contextID string) error
	// ReleaseContext drops every pin held by contextID
	ReleaseContext(ctx context.Context, contextID string) error
	// KeepAlive extends the lease of every pinning context in contextIDs and
	// returns those which already expired and lost their pins
	KeepAlive(ctx context.Context, contextIDs []string) ([]string, error)

	RequestCompactionTask(ctx context.Context, worker string) (compaction.Task, bool, error)
	ReportCompactionResult(ctx context.Context, report compaction.Report) error
	TriggerManualCompaction(ctx context.Context, level int, tableIDs []sstable.ID) (compaction.Task, error)
}
