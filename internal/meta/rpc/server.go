package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/kapetan-io/tackle/set"

	"github.com/tidewave/statestore/internal/compaction"
	"github.com/tidewave/statestore/internal/manifest"
	"github.com/tidewave/statestore/internal/meta"
	"github.com/tidewave/statestore/internal/types"
)

const defaultShutdownTimeout = 5 * time.Second

// Server serves a meta.Client over HTTP
type Server struct {
	svc        meta.Client
	log        *slog.Logger
	httpServer *http.Server
}

func NewServer(svc meta.Client, log *slog.Logger) *Server {
	set.Default(&log, slog.Default())
	return &Server{svc: svc, log: log}
}

// Handler returns the chi router of the server
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(pathHealth, s.handleHealth)
	r.Post(pathAllocateEpoch, s.handleAllocateEpoch)
	r.Post(pathAbortEpochs, s.handleAbortEpochs)
	r.Post(pathTableIDs, s.handleTableIDs)
	r.Get(pathVersion, s.handleGetVersion)
	r.Post(pathCommit, s.handleCommit)
	r.Post(pathPinVersion, s.handlePinVersion)
	r.Post(pathUnpinVersion, s.handleUnpinVersion)
	r.Post(pathPinSnapshot, s.handlePinSnapshot)
	r.Post(pathUnpinSnapshot, s.handleUnpinSnapshot)
	r.Post(pathReleaseContext, s.handleReleaseContext)
	r.Post(pathKeepAlive, s.handleKeepAlive)
	r.Post(pathRequestTask, s.handleRequestTask)
	r.Post(pathReportTask, s.handleReportTask)
	r.Post(pathManualCompaction, s.handleManualCompaction)
	return r
}

// Start listens on addr in the background
func (s *Server) Start(addr string) {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("meta rpc server failed", "error", err)
		}
	}()
	s.log.Info("meta rpc server started", "addr", addr)
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return errors.Wrap(s.httpServer.Shutdown(ctx), "shutdown meta rpc server")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("encoding meta rpc response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrConflict), errors.Is(err, types.ErrStaleTask),
		errors.Is(err, types.ErrDuplicateTask):
		status = http.StatusConflict
	case errors.Is(err, types.ErrEpochTooOld), errors.Is(err, types.ErrEpochExpired),
		errors.Is(err, types.ErrContextExpired):
		status = http.StatusGone
	case errors.Is(err, manifest.ErrInvalidDelta), errors.Is(err, types.ErrEpochNotIssued):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("meta rpc failed", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, encodeError(r.Context(), err))
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, encodeError(r.Context(), errors.Wrap(err, "decode request")))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAllocateEpoch(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.AllocateEpoch(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, epochResponse{Epoch: e})
}

func (s *Server) handleAbortEpochs(w http.ResponseWriter, r *http.Request) {
	var req epochsRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := s.svc.AbortEpochs(r.Context(), req.Epochs); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleTableIDs(w http.ResponseWriter, r *http.Request) {
	var req tableIDsRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	ids, err := s.svc.AllocateTableIDs(r.Context(), req.N)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tableIDsResponse{IDs: ids})
}

func (s *Server) writeVersion(w http.ResponseWriter, r *http.Request, v *manifest.Version, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, versionResponse{Version: manifest.EncodeVersion(v)})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	e, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, encodeError(r.Context(), errors.Wrap(err, "parse epoch")))
		return
	}
	v, err := s.svc.GetVersion(r.Context(), e)
	s.writeVersion(w, r, v, err)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	d, err := manifest.DecodeDelta(req.Delta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.svc.CommitDelta(r.Context(), d)
	s.writeVersion(w, r, v, err)
}

func (s *Server) handlePinVersion(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	v, err := s.svc.PinVersion(r.Context(), req.Context, req.Epoch)
	s.writeVersion(w, r, v, err)
}

func (s *Server) handleUnpinVersion(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeResult(w, r, s.svc.UnpinVersion(r.Context(), req.Context, req.VersionID))
}

func (s *Server) handlePinSnapshot(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeResult(w, r, s.svc.PinSnapshot(r.Context(), req.Context, req.Epoch))
}

func (s *Server) handleUnpinSnapshot(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeResult(w, r, s.svc.UnpinSnapshot(r.Context(), req.Context))
}

func (s *Server) handleReleaseContext(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeResult(w, r, s.svc.ReleaseContext(r.Context(), req.Context))
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	var req keepAliveRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	expired, err := s.svc.KeepAlive(r.Context(), req.Contexts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keepAliveResponse{Expired: expired})
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleRequestTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	task, ok, err := s.svc.RequestCompactionTask(r.Context(), req.Worker)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var resp taskResponse
	if ok {
		resp.Task = &task
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReportTask(w http.ResponseWriter, r *http.Request) {
	var report compaction.Report
	if !s.readJSON(w, r, &report) {
		return
	}
	s.writeResult(w, r, s.svc.ReportCompactionResult(r.Context(), report))
}

func (s *Server) handleManualCompaction(w http.ResponseWriter, r *http.Request) {
	var req manualCompactionRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	task, err := s.svc.TriggerManualCompaction(r.Context(), req.Level, req.Tables)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskResponse{Task: &task})
}
