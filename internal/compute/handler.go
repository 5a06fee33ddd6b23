package compute

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// finishedRetention is how long a finished work item waits to be polled.
const finishedRetention = 10 * time.Minute

// Handler serves the work item API on top of a Client, so an in-process
// engine can be reached the way a remote one is.
type Handler struct {
	engine Client
	log    logrus.FieldLogger

	retention time.Duration

	mu    sync.Mutex
	items map[string]*workItemStatus
}

func NewHandler(engine Client, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		engine:    engine,
		log:       logger,
		retention: finishedRetention,
		items:     make(map[string]*workItemStatus),
	}
}

// Register mounts the routes on mux under prefix (e.g. "/engine").
func (h *Handler) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("POST "+prefix+"/workitems", h.submit)
	mux.HandleFunc("GET "+prefix+"/workitems/{id}", h.status)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var in workItemRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid work item: "+err.Error(), http.StatusBadRequest)
		return
	}
	// the computation outlives this request
	ctx := context.WithoutCancel(r.Context())
	handle, err := h.engine.Submit(ctx, Request{
		Project:    in.Project,
		IsAssembly: in.Assembly,
		Model:      in.Model,
		Parameters: in.Parameters,
	})
	if err != nil {
		code := http.StatusBadGateway
		if KindOf(err) == KindRejected {
			code = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), code)
		return
	}
	st := &workItemStatus{ID: handle.ID, Status: statusPending}
	h.mu.Lock()
	h.items[handle.ID] = st
	h.mu.Unlock()

	go h.await(ctx, handle)

	writeJSON(w, http.StatusAccepted, st)
}

func (h *Handler) await(ctx context.Context, handle Handle) {
	res, err := h.engine.Await(ctx, handle)
	next := &workItemStatus{ID: handle.ID}
	switch {
	case err == nil:
		next.Status = statusSuccess
		next.Result = &workItemResult{
			Model:      res.Model,
			ModelView:  res.ModelView,
			Rfa:        res.Rfa,
			Parameters: res.Parameters,
			Report:     res.Report,
			Changed:    res.Changed,
		}
	case KindOf(err) == KindRejected:
		next.Status = statusRejected
		next.Diagnostic = err.Error()
	default:
		next.Status = statusFailed
		next.Diagnostic = err.Error()
		h.log.WithError(err).WithField("workitem", handle.ID).Warn("work item failed")
	}
	h.mu.Lock()
	h.items[handle.ID] = next
	h.mu.Unlock()
	time.AfterFunc(h.retention, func() {
		h.mu.Lock()
		if h.items[handle.ID] == next {
			delete(h.items, handle.ID)
		}
		h.mu.Unlock()
	})
}

func (h *Handler) tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.mu.Lock()
	st, ok := h.items[id]
	if ok && st.Status != statusPending {
		delete(h.items, id)
	}
	h.mu.Unlock()
	if !ok {
		http.Error(w, "work item not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
