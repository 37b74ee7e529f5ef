package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tidewave/statestore/internal/compaction"
	"github.com/tidewave/statestore/internal/manifest"
	"github.com/tidewave/statestore/internal/meta"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/types"
)

// Client is a meta.Client which calls a Server over HTTP
type Client struct {
	baseURL string
	http    *http.Client
}

var _ meta.Client = (*Client)(nil)

// NewClient returns a Client for the server at baseURL, e.g.
// "http://meta:7070". A nil httpClient uses a client with a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: httpClient}
}

func (c *Client) do(ctx context.Context, method, path string, req, resp any) error {
	var body bytes.Buffer
	if req != nil {
		if err := json.NewEncoder(&body).Encode(req); err != nil {
			return errors.Wrapf(err, "encode %s request", path)
		}
	}
	r, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &body)
	if err != nil {
		return errors.Wrapf(err, "create %s request", path)
	}
	r.Header.Set("Content-Type", contentTypeJSON)

	res, err := c.http.Do(r)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(err, "meta rpc %s", path)
		}
		return errors.Mark(errors.Wrapf(err, "meta rpc %s", path), types.ErrBackendUnavailable)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.NewDecoder(res.Body).Decode(&errResp); err != nil {
			return errors.Newf("meta rpc %s: status %d", path, res.StatusCode)
		}
		return decodeError(ctx, errResp)
	}
	if resp == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(res.Body).Decode(resp), "decode %s response", path)
}

func (c *Client) post(ctx context.Context, path string, req, resp any) error {
	return c.do(ctx, http.MethodPost, path, req, resp)
}

func (c *Client) version(resp versionResponse, err error) (*manifest.Version, error) {
	if err != nil {
		return nil, err
	}
	return manifest.DecodeVersion(resp.Version)
}

func (c *Client) AllocateEpoch(ctx context.Context) (types.Epoch, error) {
	var resp epochResponse
	err := c.post(ctx, pathAllocateEpoch, struct{}{}, &resp)
	return resp.Epoch, err
}

func (c *Client) AbortEpochs(ctx context.Context, epochs []types.Epoch) error {
	return c.post(ctx, pathAbortEpochs, epochsRequest{Epochs: epochs}, nil)
}

func (c *Client) AllocateTableIDs(ctx context.Context, n int) ([]sstable.ID, error) {
	var resp tableIDsResponse
	if err := c.post(ctx, pathTableIDs, tableIDsRequest{N: n}, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (c *Client) GetVersion(ctx context.Context, e types.Epoch) (*manifest.Version, error) {
	var resp versionResponse
	path := strings.Replace(pathVersion, "{epoch}", fmt.Sprint(e), 1)
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return c.version(resp, err)
}

func (c *Client) CommitDelta(ctx context.Context, d *manifest.Delta) (*manifest.Version, error) {
	var resp versionResponse
	err := c.post(ctx, pathCommit, commitRequest{Delta: manifest.EncodeDelta(d)}, &resp)
	return c.version(resp, err)
}

func (c *Client) PinVersion(ctx context.Context, contextID string, e types.Epoch) (*manifest.Version, error) {
	var resp versionResponse
	err := c.post(ctx, pathPinVersion, pinRequest{Context: contextID, Epoch: e}, &resp)
	return c.version(resp, err)
}

func (c *Client) UnpinVersion(ctx context.Context, contextID string, versionID uint64) error {
	return c.post(ctx, pathUnpinVersion, pinRequest{Context: contextID, VersionID: versionID}, nil)
}

func (c *Client) PinSnapshot(ctx context.Context, contextID string, e types.Epoch) error {
	return c.post(ctx, pathPinSnapshot, pinRequest{Context: contextID, Epoch: e}, nil)
}

func (c *Client) UnpinSnapshot(ctx context.Context, contextID string) error {
	return c.post(ctx, pathUnpinSnapshot, pinRequest{Context: contextID}, nil)
}

func (c *Client) ReleaseContext(ctx context.Context, contextID string) error {
	return c.post(ctx, pathReleaseContext, pinRequest{Context: contextID}, nil)
}

func (c *Client) KeepAlive(ctx context.Context, contextIDs []string) ([]string, error) {
	var resp keepAliveResponse
	if err := c.post(ctx, pathKeepAlive, keepAliveRequest{Contexts: contextIDs}, &resp); err != nil {
		return nil, err
	}
	return resp.Expired, nil
}

func (c *Client) RequestCompactionTask(ctx context.Context, worker string) (compaction.Task, bool, error) {
	var resp taskResponse
	if err := c.post(ctx, pathRequestTask, taskRequest{Worker: worker}, &resp); err != nil {
		return compaction.Task{}, false, err
	}
	if resp.Task == nil {
		return compaction.Task{}, false, nil
	}
	return *resp.Task, true, nil
}

func (c *Client) ReportCompactionResult(ctx context.Context, report compaction.Report) error {
	return c.post(ctx, pathReportTask, report, nil)
}

func (c *Client) TriggerManualCompaction(ctx context.Context, level int, tableIDs []sstable.ID) (compaction.Task, error) {
	var resp taskResponse
	if err := c.post(ctx, pathManualCompaction, manualCompactionRequest{Level: level, Tables: tableIDs}, &resp); err != nil {
		return compaction.Task{}, err
	}
	if resp.Task == nil {
		return compaction.Task{}, errors.New("meta rpc: manual compaction returned no task")
	}
	return *resp.Task, nil
}
