// Package api exposes the REST surface. Routing is gorilla/mux; every error
// leaves the process as a {kind, correlationId, message} envelope with a
// stable kind label and no internals in the message.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/devsession"
	"github.com/campusiot/backend/internal/energy"
	"github.com/campusiot/backend/internal/identity"
	"github.com/campusiot/backend/internal/middleware"
	"github.com/campusiot/backend/internal/monitoring"
	"github.com/campusiot/backend/internal/pipeline"
	"github.com/campusiot/backend/internal/realtime"
	"github.com/campusiot/backend/internal/registry"
	"github.com/campusiot/backend/internal/scheduler"
	"github.com/campusiot/backend/internal/store"
)

// Server wires every component behind the HTTP surface.
type Server struct {
	ident     *identity.Service
	reg       *registry.Registry
	pipe      *pipeline.Pipeline
	sessions  *devsession.Manager
	agg       *energy.Aggregator
	tariffs   *energy.TariffService
	sched     *scheduler.Service
	hub       *realtime.Hub
	st        store.Store
	metrics   *monitoring.Metrics
	logger    *slog.Logger
	startedAt time.Time
}

// Deps collects the server's collaborators.
type Deps struct {
	Identity   *identity.Service
	Registry   *registry.Registry
	Pipeline   *pipeline.Pipeline
	Sessions   *devsession.Manager
	Aggregator *energy.Aggregator
	Tariffs    *energy.TariffService
	Scheduler  *scheduler.Service
	Hub        *realtime.Hub
	Store      store.Store
	Metrics    *monitoring.Metrics
}

// NewServer builds the server.
func NewServer(d Deps) *Server {
	return &Server{
		ident:     d.Identity,
		reg:       d.Registry,
		pipe:      d.Pipeline,
		sessions:  d.Sessions,
		agg:       d.Aggregator,
		tariffs:   d.Tariffs,
		sched:     d.Scheduler,
		hub:       d.Hub,
		st:        d.Store,
		metrics:   d.Metrics,
		logger:    slog.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/auth/session", s.route("auth", s.handleLogin)).Methods(http.MethodPost)
	r.HandleFunc("/health", s.route("health", s.handleHealth)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/realtime", s.hub.ServeHTTP)

	// Devices
	r.HandleFunc("/devices", s.authed("devices", s.handleListDevices)).Methods(http.MethodGet)
	r.HandleFunc("/devices", s.authed("devices", s.handleCreateDevice)).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}", s.authed("device", s.handleGetDevice)).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}", s.authed("device", s.handleUpdateDevice)).Methods(http.MethodPut)
	r.HandleFunc("/devices/{id}/assign", s.authed("device_assign", s.handleAssignDevice)).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/switches/{sid}/intent", s.authed("intent", s.handleSwitchIntent)).Methods(http.MethodPost)

	// Intents
	r.HandleFunc("/intents/bulk", s.authed("intent_bulk", s.handleBulkIntent)).Methods(http.MethodPost)
	r.HandleFunc("/intents/resolve", s.authed("intent_resolve", s.handleResolveIntent)).Methods(http.MethodPost)

	// Analytics
	r.HandleFunc("/analytics/summary", s.authed("analytics", s.handleDailySummary)).Methods(http.MethodGet)
	r.HandleFunc("/analytics/range", s.authed("analytics", s.handleRange)).Methods(http.MethodGet)
	r.HandleFunc("/analytics/monthly", s.authed("analytics", s.handleMonthly)).Methods(http.MethodGet)
	r.HandleFunc("/analytics/breakdown", s.authed("analytics", s.handleBreakdown)).Methods(http.MethodGet)

	// Tariffs
	r.HandleFunc("/tariffs", s.authed("tariffs", s.handleCreateTariff)).Methods(http.MethodPost)
	r.HandleFunc("/tariffs", s.authed("tariffs", s.handleListTariffs)).Methods(http.MethodGet)

	// Roles and assignments
	r.HandleFunc("/roles/{role}/capabilities", s.authed("roles", s.handleRoleCapabilities)).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/assignments", s.authed("assignments", s.handleAssignments)).Methods(http.MethodPost)

	// Schedules
	r.HandleFunc("/schedules", s.authed("schedules", s.handleListSchedules)).Methods(http.MethodGet)
	r.HandleFunc("/schedules", s.authed("schedules", s.handleCreateSchedule)).Methods(http.MethodPost)
	r.HandleFunc("/schedules/{id}", s.authed("schedule", s.handleUpdateSchedule)).Methods(http.MethodPut)
	r.HandleFunc("/schedules/{id}", s.authed("schedule", s.handleDeleteSchedule)).Methods(http.MethodDelete)

	// Tickets
	r.HandleFunc("/tickets", s.authed("tickets", s.handleListTickets)).Methods(http.MethodGet)
	r.HandleFunc("/tickets/{id}/resolve", s.authed("tickets", s.handleResolveTicket)).Methods(http.MethodPost)

	return r
}

func (s *Server) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return middleware.Instrument(s.metrics, name, h)
}

func (s *Server) authed(name string, h http.HandlerFunc) http.HandlerFunc {
	return middleware.Instrument(s.metrics, name, middleware.Authenticate(s.ident, h))
}

// ---- envelope helpers ----

type errorEnvelope struct {
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlationId"`
	Message       string `json:"message"`
}

var kindStatus = map[string]int{
	"InvalidInput":         http.StatusBadRequest,
	"Unauthenticated":      http.StatusUnauthorized,
	"Forbidden":            http.StatusForbidden,
	"NotFound":             http.StatusNotFound,
	"Conflict":             http.StatusConflict,
	"PreconditionFailed":   http.StatusPreconditionFailed,
	"CommandTimeout":       http.StatusConflict,
	"TransportUnavailable": http.StatusServiceUnavailable,
	"StorageUnavailable":   http.StatusServiceUnavailable,
	"Duplicate":            http.StatusConflict,
	"RateLimited":          http.StatusTooManyRequests,
	"Internal":             http.StatusInternalServerError,
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := core.Kind(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	env := errorEnvelope{
		Kind:          kind,
		CorrelationID: uuid.NewString(),
		Message:       publicMessage(kind),
	}
	s.logger.Warn("request failed", "kind", kind, "correlation", env.CorrelationID, "error", err)
	writeJSON(w, status, env)
}

// publicMessage keeps internals out of client responses; the correlation ID
// links back to the server log line that has the detail.
func publicMessage(kind string) string {
	switch kind {
	case "InvalidInput":
		return "request was malformed or failed validation"
	case "Unauthenticated":
		return "authentication required"
	case "Forbidden":
		return "operation not permitted"
	case "NotFound":
		return "target not found"
	case "CommandTimeout":
		return "device did not acknowledge in time"
	case "RateLimited":
		return "too many requests"
	case "TransportUnavailable", "StorageUnavailable":
		return "a backing service is unavailable"
	default:
		return "request could not be completed"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.Invalidf("bad request body: %v", err)
	}
	return nil
}
