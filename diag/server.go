// Package diag serves a read-only HTTP inspection tree over live
// controllers and drivers: enable state, namespace layout, queue indices,
// the BAR0 register file, and the metrics counters, all as JSON snapshots.
//
// Server is a plain http.Handler; callers own the listener and its
// lifecycle. Nothing under /inspect mutates device state.
package diag

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"

	"github.com/ehrlich-b/go-nvmemu/ctrl"
	"github.com/ehrlich-b/go-nvmemu/driver"
	"github.com/ehrlich-b/go-nvmemu/internal/logging"
)

// Server routes the /inspect tree. Controllers and drivers are registered
// by ID and may come and go while the server is handling requests.
type Server struct {
	router *mux.Router
	logger *logging.Logger

	mu          sync.RWMutex
	controllers map[string]*ctrl.Controller
	drivers     map[string]*driver.Driver
}

// NewServer returns a Server with an empty registry.
func NewServer() *Server {
	s := &Server{
		logger:      logging.Default(),
		controllers: make(map[string]*ctrl.Controller),
		drivers:     make(map[string]*driver.Driver),
	}

	r := mux.NewRouter()
	r.HandleFunc("/inspect", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/inspect/controllers", s.handleControllers).Methods(http.MethodGet)
	r.HandleFunc("/inspect/controllers/{id}", s.handleController).Methods(http.MethodGet)
	r.HandleFunc("/inspect/controllers/{id}/registers", s.handleControllerRegisters).Methods(http.MethodGet)
	r.HandleFunc("/inspect/controllers/{id}/metrics", s.handleControllerMetrics).Methods(http.MethodGet)
	r.HandleFunc("/inspect/drivers", s.handleDrivers).Methods(http.MethodGet)
	r.HandleFunc("/inspect/drivers/{id}", s.handleDriver).Methods(http.MethodGet)
	r.HandleFunc("/inspect/drivers/{id}/metrics", s.handleDriverMetrics).Methods(http.MethodGet)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RegisterController makes c visible under /inspect/controllers/{id}.
// Registering the same ID again replaces the earlier entry.
func (s *Server) RegisterController(c *ctrl.Controller) {
	s.mu.Lock()
	s.controllers[c.ID()] = c
	s.mu.Unlock()
	s.logger.Debug("inspect: controller registered", "controller_id", c.ID())
}

// UnregisterController removes the controller with the given ID.
func (s *Server) UnregisterController(id string) {
	s.mu.Lock()
	delete(s.controllers, id)
	s.mu.Unlock()
}

// RegisterDriver makes d visible under /inspect/drivers/{id}.
// Registering the same ID again replaces the earlier entry.
func (s *Server) RegisterDriver(d *driver.Driver) {
	s.mu.Lock()
	s.drivers[d.ID()] = d
	s.mu.Unlock()
	s.logger.Debug("inspect: driver registered", "driver_id", d.ID())
}

// UnregisterDriver removes the driver with the given ID.
func (s *Server) UnregisterDriver(id string) {
	s.mu.Lock()
	delete(s.drivers, id)
	s.mu.Unlock()
}

func (s *Server) controller(id string) (*ctrl.Controller, bool) {
	s.mu.RLock()
	c, ok := s.controllers[id]
	s.mu.RUnlock()
	return c, ok
}

func (s *Server) driver(id string) (*driver.Driver, bool) {
	s.mu.RLock()
	d, ok := s.drivers[id]
	s.mu.RUnlock()
	return d, ok
}

func (s *Server) controllerIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.controllers))
	for id := range s.controllers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *Server) driverIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.drivers))
	for id := range s.drivers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, indexView{
		Controllers: s.controllerIDs(),
		Drivers:     s.driverIDs(),
	})
}

func (s *Server) handleControllers(w http.ResponseWriter, r *http.Request) {
	out := make([]controllerSummary, 0)
	for _, id := range s.controllerIDs() {
		if c, ok := s.controller(id); ok {
			out = append(out, newControllerSummary(c))
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleController(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(mux.Vars(r)["id"])
	if !ok {
		s.notFound(w, "controller")
		return
	}
	s.writeJSON(w, http.StatusOK, newControllerView(c))
}

func (s *Server) handleControllerRegisters(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(mux.Vars(r)["id"])
	if !ok {
		s.notFound(w, "controller")
		return
	}
	view, err := newRegistersView(c)
	if err != nil {
		s.logger.Error("inspect: register dump failed",
			"controller_id", c.ID(), "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorView{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleControllerMetrics(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(mux.Vars(r)["id"])
	if !ok {
		s.notFound(w, "controller")
		return
	}
	s.writeJSON(w, http.StatusOK, newMetricsView(c.Metrics().Snapshot()))
}

func (s *Server) handleDrivers(w http.ResponseWriter, r *http.Request) {
	out := make([]driverSummary, 0)
	for _, id := range s.driverIDs() {
		if d, ok := s.driver(id); ok {
			out = append(out, newDriverSummary(d))
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDriver(w http.ResponseWriter, r *http.Request) {
	d, ok := s.driver(mux.Vars(r)["id"])
	if !ok {
		s.notFound(w, "driver")
		return
	}
	s.writeJSON(w, http.StatusOK, newDriverView(d))
}

func (s *Server) handleDriverMetrics(w http.ResponseWriter, r *http.Request) {
	d, ok := s.driver(mux.Vars(r)["id"])
	if !ok {
		s.notFound(w, "driver")
		return
	}
	s.writeJSON(w, http.StatusOK, newMetricsView(d.MetricsSnapshot()))
}

func (s *Server) notFound(w http.ResponseWriter, kind string) {
	s.writeJSON(w, http.StatusNotFound, errorView{Error: kind + " not found"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("inspect: response write failed", "error", err)
	}
}
