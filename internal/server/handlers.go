package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/jonathan/creator-pipeline/internal/metrics"
	"github.com/jonathan/creator-pipeline/internal/server/middleware"
	"github.com/jonathan/creator-pipeline/internal/stream"
	"github.com/jonathan/creator-pipeline/internal/types"
)

// maxRequestBytes bounds run-creation bodies.
const maxRequestBytes = 1 << 20

// CreateRunResponse is returned by POST /runs.
type CreateRunResponse struct {
	RunID     string          `json:"run_id"`
	Status    types.RunStatus `json:"status"`
	StreamURL string          `json:"stream_url"`
}

// RunResponse is returned by GET /runs/{run_id}. Stages carry no items.
type RunResponse struct {
	Run    *types.PipelineRun  `json:"run"`
	Stages []types.StageResult `json:"stages"`
}

// CancelResponse is returned by POST /runs/{run_id}/cancel.
type CancelResponse struct {
	RunID           string          `json:"run_id"`
	Status          types.RunStatus `json:"status"`
	CancelRequested bool            `json:"cancel_requested"`
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string             `json:"error"`
	Message string             `json:"message"`
	Fields  []types.FieldError `json:"fields,omitempty"`
}

// writeError maps err onto a status code and JSON body. Internal errors are
// logged and not echoed to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	body := errorBody{
		Error:   http.StatusText(status),
		Message: err.Error(),
	}
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Errors
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Message = "internal error"
	}
	s.jsonResponse(w, status, body)
}

// ownedRun loads the path's run and checks that the caller owns it.
func (s *Server) ownedRun(r *http.Request) (*types.PipelineRun, error) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		return nil, &ErrUnauthorized{}
	}
	runID := r.PathValue("run_id")
	if runID == "" {
		return nil, &ErrValidation{Field: "run_id", Message: "is required"}
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, &ErrForbidden{RunID: runID}
	}
	return run, nil
}

// handleCreateRun validates the request, stores a pending run and schedules it.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.writeError(w, r, &ErrUnauthorized{})
		return
	}

	var req types.RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, &ErrValidation{Field: "body", Message: err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ApplyDefaults()

	run := &types.PipelineRun{
		ID:          uuid.NewString(),
		UserID:      userID,
		CampaignID:  req.CampaignID,
		StopAtStage: req.StopStage(),
		Request:     &req,
	}
	runID, err := s.store.CreateRun(r.Context(), run)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RunsCreated.Inc()
	s.runner.Submit(s.runCtx, runID)

	s.log.Info("run created", "run_id", runID, "user_id", userID, "stop_at_stage", req.StopAtStage)
	s.jsonResponse(w, http.StatusAccepted, CreateRunResponse{
		RunID:     runID,
		Status:    types.RunStatusPending,
		StreamURL: fmt.Sprintf("/runs/%s/stream", runID),
	})
}

// handleGetRun returns the run and its stage summaries.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ownedRun(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	results, err := s.store.ListStageResults(r.Context(), run.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stages := make([]types.StageResult, 0, len(results))
	for i := range results {
		stages = append(stages, results[i].Summary())
	}
	s.jsonResponse(w, http.StatusOK, RunResponse{Run: run, Stages: stages})
}

// handleGetStage returns one stage record with its full item list, read from
// the overflow blob when needed.
func (s *Server) handleGetStage(w http.ResponseWriter, r *http.Request) {
	stage, err := types.ParseStage(r.PathValue("stage"))
	if err != nil {
		s.writeError(w, r, &ErrValidation{Field: "stage", Message: err.Error()})
		return
	}
	run, err := s.ownedRun(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.store.GetStageResult(r.Context(), run.ID, stage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res == nil {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("stage %s has not started", stage))
		return
	}
	items, err := s.results.Read(r.Context(), run.ID, stage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res.Items = items
	if res.Items == nil {
		res.Items = []types.CreatorProfile{}
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// handleCancel records a cancellation request. Cancelling a finished run is a no-op.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, err := s.ownedRun(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err = s.store.RequestCancel(r.Context(), run.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("run cancel requested", "run_id", run.ID, "status", run.Status)
	s.jsonResponse(w, http.StatusAccepted, CancelResponse{
		RunID:           run.ID,
		Status:          run.Status,
		CancelRequested: run.CancelRequested,
	})
}

// handleStream serves the run's events as Server-Sent Events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	run, err := s.ownedRun(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sse, err := NewSSEWriter(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	err = s.streamer.Serve(r.Context(), run.ID, sse)

	var (
		transport *stream.TransportError
		watchdog  *stream.WatchdogTimeout
	)
	switch {
	case err == nil:
	case errors.As(err, &transport):
		s.log.Debug("stream client went away", "run_id", run.ID, "error", err)
	case errors.As(err, &watchdog):
		s.log.Warn("stream watchdog fired", "run_id", run.ID, "window", watchdog.Window)
	case !sse.Started():
		w.Header().Del("Content-Type")
		s.writeError(w, r, err)
	default:
		s.log.Error("stream failed", "run_id", run.ID, "error", err)
	}
}
