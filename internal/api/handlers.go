package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-scout/internal/grant"
	"github.com/JakeFAU/grant-scout/internal/monitor"
	"github.com/JakeFAU/grant-scout/internal/scheduler"
)

// Error codes returned in the error body.
const (
	codeBadRequest       = "BAD_REQUEST"
	codeNotFound         = "NOT_FOUND"
	codeSourceBusy       = "SOURCE_BUSY"
	codeSourceDisabled   = "SOURCE_DISABLED"
	codeInvalidTimeRange = "INVALID_TIME_RANGE"
	codeUnavailable      = "UNAVAILABLE"
	codeInternal         = "INTERNAL"
)

const defaultTimeRange = "24h"

type triggerRequest struct {
	SourceID   string `json:"sourceId"`
	TriggerAll bool   `json:"triggerAll"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, codeUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// trigger handles POST /v1/trigger. Exactly one of sourceId and triggerAll
// must be set.
func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	req.SourceID = strings.TrimSpace(req.SourceID)
	switch {
	case req.TriggerAll && req.SourceID != "":
		writeError(w, http.StatusBadRequest, codeBadRequest, "sourceId and triggerAll are mutually exclusive")
	case req.TriggerAll:
		ids, err := s.scheduler.TriggerAll(r.Context())
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusAccepted, map[string][]string{"jobIds": ids})
	case req.SourceID != "":
		id, err := s.scheduler.TriggerSource(r.Context(), req.SourceID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
	default:
		writeError(w, http.StatusBadRequest, codeBadRequest, "sourceId or triggerAll is required")
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	rows, err := s.monitor.Status(r.Context(), s.scheduler.Running)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": rows})
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("timeRange")
	if label == "" {
		label = defaultTimeRange
	}
	window, err := monitor.ParseTimeRange(label)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidTimeRange, err.Error())
		return
	}
	d, err := s.monitor.Dashboard(r.Context(), window)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// setSourceStatus handles PUT /v1/sources/{source_id}/status. Moving a
// source out of active aborts its running job.
func (s *Server) setSourceStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	status, err := grant.ParseSourceStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "source_id")
	if err := s.sources.SetStatus(r.Context(), id, status); err != nil {
		s.writeDomainError(w, err)
		return
	}
	aborted := false
	if status != grant.SourceActive {
		aborted = s.scheduler.Cancel(id)
	}
	s.logger.Info("source status changed",
		zap.String("source_id", id),
		zap.String("status", string(status)),
		zap.Bool("aborted_job", aborted),
	)
	writeJSON(w, http.StatusOK, map[string]any{"sourceId": id, "status": status, "abortedJob": aborted})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, grant.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, grant.ErrSourceBusy):
		writeError(w, http.StatusConflict, codeSourceBusy, err.Error())
	case errors.Is(err, grant.ErrSourceDisabled):
		writeError(w, http.StatusConflict, codeSourceDisabled, err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
