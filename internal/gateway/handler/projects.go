package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"configurator/internal/gateway/repository/blob"
	"configurator/internal/gateway/service/project"
)

// ProjectHandler serves the synchronous project reads.
type ProjectHandler struct {
	projects *project.Service
}

func NewProjectHandler(projects *project.Service) *ProjectHandler {
	return &ProjectHandler{projects: projects}
}

func (h *ProjectHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.projects.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ProjectHandler) HandleShowParametersChanged(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		v, err := h.projects.ShowParametersChanged(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, v)
	case http.MethodPost:
		var v bool
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&v); err != nil {
			http.Error(w, "body must be a json boolean", http.StatusBadRequest)
			return
		}
		if err := h.projects.SetShowParametersChanged(r.Context(), v); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, v)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// HandleBlob serves blobs for stores that have no direct links.
func (h *ProjectHandler) HandleBlob(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		http.Error(w, "blob name is required", http.StatusBadRequest)
		return
	}
	raw, err := h.projects.Blob(r.Context(), name)
	if errors.Is(err, blob.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	switch {
	case strings.HasSuffix(name, ".json"):
		w.Header().Set("Content-Type", "application/json")
	case strings.HasSuffix(name, ".zip"):
		w.Header().Set("Content-Type", "application/zip")
	default:
		w.Header().Set("Content-Type", http.DetectContentType(raw))
	}
	_, _ = w.Write(raw)
}
