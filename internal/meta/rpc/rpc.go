// Package rpc exposes a meta.Client over HTTP. Bodies are JSON, versions and
// deltas travel in their manifest encoding and errors are transported with
// errors.EncodeError so errors.Is matches sentinels on the client side.
package rpc

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/errorspb"

	"github.com/tidewave/statestore/internal/compaction"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/types"
)

const (
	contentTypeJSON = "application/json"

	pathHealth           = "/health"
	pathAllocateEpoch    = "/v1/epochs"
	pathAbortEpochs      = "/v1/epochs/abort"
	pathTableIDs         = "/v1/table-ids"
	pathVersion          = "/v1/versions/{epoch}"
	pathCommit           = "/v1/versions/commit"
	pathPinVersion       = "/v1/versions/pin"
	pathUnpinVersion     = "/v1/versions/unpin"
	pathPinSnapshot      = "/v1/snapshots/pin"
	pathUnpinSnapshot    = "/v1/snapshots/unpin"
	pathReleaseContext   = "/v1/contexts/release"
	pathKeepAlive        = "/v1/contexts/keepalive"
	pathRequestTask      = "/v1/compaction/tasks/request"
	pathReportTask       = "/v1/compaction/tasks/report"
	pathManualCompaction = "/v1/compaction/manual"
)

type epochResponse struct {
	Epoch types.Epoch `json:"epoch"`
}

type epochsRequest struct {
	Epochs []types.Epoch `json:"epochs"`
}

type tableIDsRequest struct {
	N int `json:"n"`
}

type tableIDsResponse struct {
	IDs []sstable.ID `json:"ids"`
}

type versionResponse struct {
	Version []byte `json:"version"`
}

type commitRequest struct {
	Delta []byte `json:"delta"`
}

type pinRequest struct {
	Context   string      `json:"context"`
	Epoch     types.Epoch `json:"epoch,omitempty"`
	VersionID uint64      `json:"version_id,omitempty"`
}

type keepAliveRequest struct {
	Contexts []string `json:"contexts"`
}

type keepAliveResponse struct {
	Expired []string `json:"expired,omitempty"`
}

type taskRequest struct {
	Worker string `json:"worker"`
}

type taskResponse struct {
	Task *compaction.Task `json:"task,omitempty"`
}

type manualCompactionRequest struct {
	Level  int          `json:"level"`
	Tables []sstable.ID `json:"tables"`
}

type errorResponse struct {
	Message string `json:"message"`
	// Encoded is the protobuf encoding of errorspb.EncodedError
	Encoded []byte `json:"encoded"`
}

func encodeError(ctx context.Context, err error) errorResponse {
	enc := errors.EncodeError(ctx, err)
	data, marshalErr := enc.Marshal()
	if marshalErr != nil {
		return errorResponse{Message: err.Error()}
	}
	return errorResponse{Message: err.Error(), Encoded: data}
}

func decodeError(ctx context.Context, resp errorResponse) error {
	if len(resp.Encoded) == 0 {
		return errors.Newf("meta rpc: %s", resp.Message)
	}
	var enc errorspb.EncodedError
	if err := enc.Unmarshal(resp.Encoded); err != nil {
		return errors.Newf("meta rpc: %s", resp.Message)
	}
	return errors.DecodeError(ctx, enc)
}
