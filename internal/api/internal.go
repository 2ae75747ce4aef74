package api

import (
	"errors"
	"net/http"

	"github.com/gridforge-ai/gridforge-cli/internal/billing"
	"github.com/gridforge-ai/gridforge-cli/internal/heartbeat"
	"github.com/gridforge-ai/gridforge-cli/internal/jobstore"
)

// handleHeartbeat is the worker's billing webhook. The response carries
// the continue-or-kill directive in band.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeat.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	resp, err := s.coord.HandleHeartbeat(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown job")
		case errors.Is(err, billing.ErrTickSequenceGap):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("heartbeat failed", "job_id", req.JobID, "error", err)
			writeError(w, http.StatusInternalServerError, "heartbeat processing failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatusReport applies worker lifecycle reports. A rejected
// transition comes back as 409 so the worker drops the dispatch.
func (s *Server) handleStatusReport(w http.ResponseWriter, r *http.Request) {
	var report heartbeat.StatusReport
	if err := decodeJSON(r, &report); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report.JobID = r.PathValue("id")

	job, err := s.coord.OnStatusReport(r.Context(), report)
	if err != nil {
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown job")
		case errors.Is(err, jobstore.ErrAlreadyTerminal),
			errors.Is(err, jobstore.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("status report failed", "job_id", report.JobID, "error", err)
			writeError(w, http.StatusInternalServerError, "status processing failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(job.Status)})
}
