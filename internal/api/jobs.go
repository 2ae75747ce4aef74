package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gridforge-ai/gridforge-cli/internal/billing"
	"github.com/gridforge-ai/gridforge-cli/internal/jobstore"
	"github.com/gridforge-ai/gridforge-cli/internal/ledger"
	"github.com/gridforge-ai/gridforge-cli/internal/queue"
)

// SubmitRequest is the public job submission payload.
type SubmitRequest struct {
	DockerImage    string `json:"docker_image"`
	Script         string `json:"script"`
	MemoryLimit    string `json:"memory_limit,omitempty"`
	CPUCount       int    `json:"cpu_count,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// JobView is the public job representation.
type JobView struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	DockerImage    string `json:"docker_image"`
	CreatedAt      string `json:"created_at"`
	StartedAt      string `json:"started_at,omitempty"`
	EndedAt        string `json:"ended_at,omitempty"`
	RuntimeSeconds int64  `json:"runtime_seconds"`
	TicksBilled    int64  `json:"ticks_billed"`
	TotalCost      string `json:"total_cost"`
	ExitReason     string `json:"exit_reason,omitempty"`
	ExitCode       int    `json:"exit_code"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

func viewOf(job *jobstore.Job) JobView {
	v := JobView{
		ID:             job.ID,
		Status:         string(job.Status),
		DockerImage:    job.DockerImage,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		RuntimeSeconds: job.RuntimeSeconds,
		TicksBilled:    job.TicksBilled,
		TotalCost:      job.TotalCost.String(),
		ExitReason:     job.ExitReason,
		ExitCode:       job.ExitCode,
		ErrorMessage:   job.ErrorMessage,
	}
	if !job.StartedAt.IsZero() {
		v.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if !job.EndedAt.IsZero() {
		v.EndedAt = job.EndedAt.Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, userID string) {
	var req SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DockerImage == "" {
		writeError(w, http.StatusBadRequest, "docker_image is required")
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		writeError(w, http.StatusBadRequest, "script is required")
		return
	}
	if s.cfg.MaxTimeoutSeconds > 0 && req.TimeoutSeconds > s.cfg.MaxTimeoutSeconds {
		writeError(w, http.StatusBadRequest,
			"timeout_seconds exceeds maximum of "+strconv.Itoa(s.cfg.MaxTimeoutSeconds))
		return
	}

	res := jobstore.ResourceConfig{
		MemoryLimit:    req.MemoryLimit,
		CPUCount:       req.CPUCount,
		TimeoutSeconds: req.TimeoutSeconds,
	}
	job, err := s.coord.Submit(r.Context(), userID, req.DockerImage, res,
		func(job *jobstore.Job) error {
			_, err := s.blobs.SaveScript(job.ID, strings.NewReader(req.Script))
			return err
		})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			writeError(w, http.StatusPaymentRequired, "insufficient credits for upfront reservation")
		case errors.Is(err, ledger.ErrWalletNotFound):
			writeError(w, http.StatusPaymentRequired, "no wallet; top up first")
		case errors.Is(err, ledger.ErrUserFrozen):
			writeError(w, http.StatusForbidden, "account frozen pending reconciliation")
		default:
			s.logger.Error("submit failed", "user_id", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "submission failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, viewOf(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query()
	status := jobstore.Status(q.Get("status"))
	limit := intParam(q.Get("limit"), 50)
	offset := intParam(q.Get("offset"), 0)

	jobs, err := s.jobs.List(r.Context(), userID, status, limit, offset)
	if err != nil {
		s.logger.Error("list jobs failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// ownedJob loads a job and hides other users' jobs behind a 404.
func (s *Server) ownedJob(ctx context.Context, w http.ResponseWriter, jobID, userID string) *jobstore.Job {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) || (err == nil && job.OwnerID != userID) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return nil
	}
	return job
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, userID string) {
	job := s.ownedJob(r.Context(), w, r.PathValue("id"), userID)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, userID string) {
	status, err := s.coord.Cancel(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, billing.ErrNotOwner):
			writeError(w, http.StatusForbidden, "not your job")
		case errors.Is(err, jobstore.ErrAlreadyTerminal):
			writeError(w, http.StatusConflict, "job already finished")
		default:
			s.logger.Error("cancel failed", "job_id", r.PathValue("id"), "error", err)
			writeError(w, http.StatusInternalServerError, "cancel failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// handleJobLogs serves the flushed log file.
func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request, userID string) {
	job := s.ownedJob(r.Context(), w, r.PathValue("id"), userID)
	if job == nil {
		return
	}

	data, err := s.blobs.ReadLog(job.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no logs recorded")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}

// handleStream upgrades to a websocket and relays live job events,
// replaying buffered output first. Writes are shaped per connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, userID string) {
	job := s.ownedJob(r.Context(), w, r.PathValue("id"), userID)
	if job == nil {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", job.ID, "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.hub.Subscribe(job.ID)
	defer cancel()

	// A job that finished before this process started leaves no hub
	// state behind, so live subscription would wait forever. Serve the
	// recorded outcome instead.
	if job.Status.Terminal() {
		s.streamFinished(conn, job, events)
		return
	}

	// Reads only serve to detect the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(s.cfg.StreamRPS), int(s.cfg.StreamRPS))
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
					time.Now().Add(time.Second))
				return
			}
			if err := limiter.Wait(r.Context()); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// streamFinished replays whatever the hub still buffers for a finished
// job, then sends a status event built from the job record and closes.
func (s *Server) streamFinished(conn *websocket.Conn, job *jobstore.Job, events <-chan queue.Event) {
drain:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break drain
			}
			if ev.Type == queue.EventTypeStatus && jobstore.Status(ev.Status).Terminal() {
				// The record below carries the final status.
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		default:
			break drain
		}
	}

	conn.WriteJSON(queue.Event{
		Version:   "1.0",
		Type:      queue.EventTypeStatus,
		JobID:     job.ID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Status:    string(job.Status),
		Reason:    job.ExitReason,
	})
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
		time.Now().Add(time.Second))
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
