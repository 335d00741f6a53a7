// Package api exposes the operator REST surface and the SSE event
// stream. It is a thin adapter: request decoding and status mapping
// live here, every decision belongs to the job manager, the layout
// store and the inventory service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	janus "github.com/maksidze/janus"
	"github.com/maksidze/janus/events"
	"github.com/maksidze/janus/jobs"
	"github.com/maksidze/janus/layout"
	"github.com/maksidze/janus/metrics"
)

// maxImportSize bounds layout uploads; a grid never needs more.
const maxImportSize = 1 << 20

// Inventory is the read surface the API serves directly.
type Inventory interface {
	ListDrives(ctx context.Context, removableOnly bool) ([]janus.Drive, error)
	ListImages() ([]janus.Image, error)
	ListPorts(ctx context.Context) ([]janus.PortEntry, error)
	ListPhysicalPorts(ctx context.Context) ([]janus.Port, error)
}

// Server wires the HTTP routes.
type Server struct {
	manager   *jobs.Manager
	layouts   *layout.Store
	inventory Inventory
	bus       *events.Bus
	logger    logrus.FieldLogger
	router    *mux.Router
}

// NewServer builds the API router around the core services.
func NewServer(manager *jobs.Manager, layouts *layout.Store, inventory Inventory, bus *events.Bus, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		manager:   manager,
		layouts:   layouts,
		inventory: inventory,
		bus:       bus,
		logger:    logger.WithField("component", "api"),
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/layout", s.handleGetLayout).Methods("GET")
	api.HandleFunc("/layout", s.handlePutLayout).Methods("PUT")
	api.HandleFunc("/layout/import", s.handleImportLayout).Methods("POST")
	api.HandleFunc("/layout/export", s.handleExportLayout).Methods("GET")

	api.HandleFunc("/ports", s.handleListPorts).Methods("GET")
	api.HandleFunc("/ports/physical", s.handleListPhysicalPorts).Methods("GET")
	api.HandleFunc("/drives", s.handleListDrives).Methods("GET")
	api.HandleFunc("/images", s.handleListImages).Methods("GET")

	api.HandleFunc("/batch/start", s.handleBatchStart).Methods("POST")
	api.HandleFunc("/batch/cancel", s.handleBatchCancel).Methods("POST")
	api.HandleFunc("/batch/retry", s.handleBatchRetry).Methods("POST")

	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/retry", s.handleRetryJob).Methods("POST")

	api.HandleFunc("/cells/{id}/eject", s.handleEjectCell).Methods("POST")

	api.HandleFunc("/events", s.handleEvents).Methods("GET")

	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"detail": msg})
}

// Layout

func (s *Server) handleGetLayout(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.layouts.Current())
}

func (s *Server) handlePutLayout(w http.ResponseWriter, r *http.Request) {
	var l janus.Layout
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid layout: %v", err))
		return
	}
	if err := s.layouts.Save(l); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleImportLayout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxImportSize); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, maxImportSize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	l, err := s.layouts.Import(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleExportLayout(w http.ResponseWriter, r *http.Request) {
	data, err := s.layouts.ExportBytes()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename=layout.json`)
	w.Write(data)
}

// Inventory

func (s *Server) handleListPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.inventory.ListPorts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ports == nil {
		ports = []janus.PortEntry{}
	}
	s.writeJSON(w, http.StatusOK, ports)
}

func (s *Server) handleListPhysicalPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.inventory.ListPhysicalPorts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ports == nil {
		ports = []janus.Port{}
	}
	s.writeJSON(w, http.StatusOK, ports)
}

func (s *Server) handleListDrives(w http.ResponseWriter, r *http.Request) {
	removableOnly := r.URL.Query().Get("removable") == "1"
	drives, err := s.inventory.ListDrives(r.Context(), removableOnly)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if drives == nil {
		drives = []janus.Drive{}
	}
	s.writeJSON(w, http.StatusOK, drives)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.inventory.ListImages()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if images == nil {
		images = []janus.Image{}
	}
	s.writeJSON(w, http.StatusOK, images)
}

// Jobs and batches

func (s *Server) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	var req janus.BatchStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.ImageName == "" || len(req.CellIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "image_name and cell_ids are required")
		return
	}
	created, err := s.manager.StartBatch(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if created == nil {
		created = []*janus.Job{}
	}
	s.writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	s.manager.CancelAll()
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleBatchRetry(w http.ResponseWriter, r *http.Request) {
	retried, err := s.manager.RetryAllFailed(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if retried == nil {
		retried = []*janus.Job{}
	}
	s.writeJSON(w, http.StatusOK, retried)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list := s.manager.ListJobs()
	if list == nil {
		list = []*janus.Job{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.manager.GetJob(mux.Vars(r)["id"])
	if job == nil {
		s.writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if !s.manager.CancelJob(mux.Vars(r)["id"]) {
		s.writeError(w, http.StatusNotFound, "Job not found or already finished")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.RetryJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		s.writeError(w, http.StatusNotFound, "Job not found or not in retryable state")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEjectCell(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.EjectCell(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "ejected"})
}
