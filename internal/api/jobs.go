package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openjobspec/ojs-racejob/internal/core"
)

// JobScheduler is the part of the scheduler the admin API drives.
type JobScheduler interface {
	Instance() string
	FindAll(ctx context.Context) ([]*core.Job, error)
	FindAllByGroup(ctx context.Context, group string) ([]*core.Job, error)
	Find(ctx context.Context, key core.JobKey) (*core.Job, error)
	Add(ctx context.Context, job *core.Job) error
	Remove(ctx context.Context, key core.JobKey) error
	Enable(ctx context.Context, key core.JobKey) error
	Disable(ctx context.Context, key core.JobKey) error
	Execute(ctx context.Context, key core.JobKey)
}

// JobRequest is the body of PUT /jobs/{group}/{name}.
type JobRequest struct {
	Timezone    string         `json:"timezone"`
	Description string         `json:"description"`
	Cron        string         `json:"cron"`
	AfterGroup  string         `json:"after_group"`
	AfterName   string         `json:"after_name"`
	Enabled     *bool          `json:"enabled"`
	Data        map[string]any `json:"data"`
}

// JobListResponse wraps the result of a list request.
type JobListResponse struct {
	Instance string      `json:"instance"`
	Jobs     []*core.Job `json:"jobs"`
}

// JobHandler serves the job endpoints.
type JobHandler struct {
	sched JobScheduler
	log   *zap.SugaredLogger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(sched JobScheduler, log *zap.SugaredLogger) *JobHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &JobHandler{sched: sched, log: log}
}

func jobKey(r *http.Request) core.JobKey {
	return core.NewJobKey(chi.URLParam(r, "group"), chi.URLParam(r, "name"))
}

// List handles GET /jobs, optionally filtered by ?group=.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []*core.Job
		err  error
	)
	if group := r.URL.Query().Get("group"); group != "" {
		jobs, err = h.sched.FindAllByGroup(r.Context(), group)
	} else {
		jobs, err = h.sched.FindAll(r.Context())
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}
	WriteJSON(w, http.StatusOK, JobListResponse{Instance: h.sched.Instance(), Jobs: jobs})
}

// Get handles GET /jobs/{group}/{name}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.find(w, r, jobKey(r))
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Put handles PUT /jobs/{group}/{name}, creating or updating the job.
func (h *JobHandler) Put(w http.ResponseWriter, r *http.Request) {
	key := jobKey(r)
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	job := &core.Job{
		Group:       key.Group,
		Name:        key.Name,
		Timezone:    req.Timezone,
		Description: req.Description,
		Cron:        req.Cron,
		AfterGroup:  req.AfterGroup,
		AfterName:   req.AfterName,
		Enabled:     enabled,
		Data:        req.Data,
	}
	if err := h.sched.Add(r.Context(), job); err != nil {
		h.log.Warnw("Rejected job definition", "group", key.Group, "name", key.Name, "error", err)
		writeServiceError(w, err)
		return
	}

	stored, ok := h.find(w, r, key)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, stored)
}

// Delete handles DELETE /jobs/{group}/{name}.
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Remove(r.Context(), jobKey(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Enable handles POST /jobs/{group}/{name}/enable.
func (h *JobHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.sched.Enable)
}

// Disable handles POST /jobs/{group}/{name}/disable.
func (h *JobHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.sched.Disable)
}

func (h *JobHandler) toggle(w http.ResponseWriter, r *http.Request, fn func(context.Context, core.JobKey) error) {
	key := jobKey(r)
	if _, ok := h.find(w, r, key); !ok {
		return
	}
	if err := fn(r.Context(), key); err != nil {
		writeServiceError(w, err)
		return
	}
	job, ok := h.find(w, r, key)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Execute handles POST /jobs/{group}/{name}/execute. The run happens
// asynchronously on whichever process wins it.
func (h *JobHandler) Execute(w http.ResponseWriter, r *http.Request) {
	key := jobKey(r)
	if _, ok := h.find(w, r, key); !ok {
		return
	}
	// The request context ends with the reply; the run must not.
	h.sched.Execute(context.WithoutCancel(r.Context()), key)
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"group":  key.Group,
		"name":   key.Name,
	})
}

// find loads key, writing the error reply and returning false on failure.
func (h *JobHandler) find(w http.ResponseWriter, r *http.Request, key core.JobKey) (*core.Job, bool) {
	job, err := h.sched.Find(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "job "+key.String()+" not found")
		return nil, false
	}
	return job, true
}

// RegisterJobRoutes mounts the job endpoints on r.
func RegisterJobRoutes(r chi.Router, h *JobHandler) {
	r.Get("/jobs", h.List)
	r.Get("/jobs/{group}/{name}", h.Get)
	r.Put("/jobs/{group}/{name}", h.Put)
	r.Delete("/jobs/{group}/{name}", h.Delete)
	r.Post("/jobs/{group}/{name}/enable", h.Enable)
	r.Post("/jobs/{group}/{name}/disable", h.Disable)
	r.Post("/jobs/{group}/{name}/execute", h.Execute)
}
