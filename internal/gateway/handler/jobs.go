package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"configurator/internal/gateway/job"
	"configurator/internal/gateway/notify"
	"configurator/internal/jobs"
	"configurator/internal/naming"
)

const maxBodyBytes = 4 << 20

// JobHandler accepts job submissions. Every submission answers 202 with the
// job id; the outcome reaches the client over its websocket.
type JobHandler struct {
	dispatcher *jobs.Dispatcher
	hub        *notify.Hub
	deps       job.Deps
	log        logrus.FieldLogger
}

func NewJobHandler(dispatcher *jobs.Dispatcher, hub *notify.Hub, deps job.Deps, logger logrus.FieldLogger) *JobHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &JobHandler{dispatcher: dispatcher, hub: hub, deps: deps, log: logger}
}

func (h *JobHandler) HandleAdoptWithParameters(w http.ResponseWriter, r *http.Request) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&in); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	ref := strings.TrimSpace(in.URL)
	if ref == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	h.submit(w, r, job.NewAdoptWithParameters(h.deps, ref))
}

func (h *JobHandler) HandleUpdateParameters(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if err := naming.ValidateProjectName(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		http.Error(w, "parameter set is required", http.StatusBadRequest)
		return
	}
	// the job parses the document; a malformed one fails the job
	ref, err := h.deps.Payloads.Upload(r.Context(), raw)
	if err != nil {
		h.log.WithError(err).WithField("project", name).Error("store parameter payload failed")
		http.Error(w, "store parameter set failed", http.StatusInternalServerError)
		return
	}
	if !h.submit(w, r, job.NewUpdateParameters(h.deps, name, ref)) {
		if err := h.deps.Payloads.Discard(r.Context(), ref); err != nil {
			h.log.WithError(err).Warn("discard payload failed")
		}
	}
}

func (h *JobHandler) HandleDeleteProjects(w http.ResponseWriter, r *http.Request) {
	var names []string
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&names); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if len(names) == 0 {
		http.Error(w, "project names are required", http.StatusBadRequest)
		return
	}
	for _, name := range names {
		if err := naming.ValidateProjectName(strings.TrimSpace(name)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	h.submit(w, r, job.NewDeleteProjects(h.deps, names))
}

func (h *JobHandler) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	rec, err := h.dispatcher.Store().Get(r.Context(), id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// submit reports whether the dispatcher accepted j.
func (h *JobHandler) submit(w http.ResponseWriter, r *http.Request, j jobs.Job) bool {
	clientID := strings.TrimSpace(r.URL.Query().Get("clientId"))
	err := h.dispatcher.Submit(r.Context(), j, h.hub.Sender(clientID))
	switch {
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return false
	case err != nil:
		h.log.WithError(err).WithField("job_id", j.ID()).Error("submit job failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return false
	}
	h.log.WithFields(logrus.Fields{"job_id": j.ID(), "kind": j.Kind(), "client_id": clientID}).Info("job accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId": j.ID(),
		"kind":  j.Kind(),
	})
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
