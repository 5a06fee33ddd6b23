package server

import (
	"net/http"

	"configurator/internal/compute"
	"configurator/internal/gateway/handler"
	"configurator/internal/gateway/middleware"
	"configurator/internal/gateway/notify"
)

// EnginePrefix is where an in-process compute engine is mounted.
const EnginePrefix = "/engine"

func NewMux(
	jobHandler *handler.JobHandler,
	projectHandler *handler.ProjectHandler,
	hub *notify.Hub,
	engine *compute.Handler,
) http.Handler {
	mux := http.NewServeMux()

	// Jobs
	mux.HandleFunc("POST /jobs/adopt-with-parameters", jobHandler.HandleAdoptWithParameters)
	mux.HandleFunc("POST /projects/{name}/parameters", jobHandler.HandleUpdateParameters)
	mux.HandleFunc("DELETE /projects", jobHandler.HandleDeleteProjects)
	mux.HandleFunc("GET /jobs/{id}", jobHandler.HandleJobStatus)

	// Projects
	mux.HandleFunc("GET /projects", projectHandler.HandleList)
	mux.HandleFunc("/showparameterschanged", projectHandler.HandleShowParametersChanged)
	mux.HandleFunc("GET /blobs/{name}", projectHandler.HandleBlob)

	// Notifications
	mux.HandleFunc("GET /ws", hub.ServeWS)

	if engine != nil {
		engine.Register(mux, EnginePrefix)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Middleware
	return middleware.CORS(mux)
}
