package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/identity"
	"github.com/campusiot/backend/internal/middleware"
)

func (s *Server) adminOnly(r *http.Request) error {
	sess := middleware.SessionFrom(r.Context())
	return s.ident.Authorize(r.Context(), sess, core.CapRoleManage, identity.ResourceRef{})
}

// ---- tariffs ----

type createTariffRequest struct {
	CostPerKwhMinor      int64  `json:"costPerKwhMinor"`
	EffectiveFromInstant int64  `json:"effectiveFromInstant"` // epoch millis
	Scope                string `json:"scope"`
	ScopeID              string `json:"scopeId,omitempty"`
}

func (s *Server) handleCreateTariff(w http.ResponseWriter, r *http.Request) {
	if err := s.adminOnly(r); err != nil {
		s.writeError(w, err)
		return
	}
	var req createTariffRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	scope := core.TariffScope(req.Scope)
	if scope != core.TariffGlobal && scope != core.TariffRoom {
		s.writeError(w, core.Invalidf("unknown tariff scope %q", req.Scope))
		return
	}
	tv, err := s.tariffs.Create(r.Context(), req.CostPerKwhMinor,
		time.UnixMilli(req.EffectiveFromInstant).UTC(), scope, req.ScopeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tv)
}

func (s *Server) handleListTariffs(w http.ResponseWriter, r *http.Request) {
	if err := s.analyticsAllowed(r); err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.tariffs.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ---- roles and assignments ----

type roleCapabilitiesRequest struct {
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleRoleCapabilities(w http.ResponseWriter, r *http.Request) {
	if err := s.adminOnly(r); err != nil {
		s.writeError(w, err)
		return
	}
	var req roleCapabilitiesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	caps := make([]core.Capability, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps = append(caps, core.Capability(c))
	}
	role := mux.Vars(r)["role"]
	if err := s.ident.SetRoleCapabilities(r.Context(), role, caps); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"role": role, "capabilities": req.Capabilities})
}

type assignmentsRequest struct {
	DeviceIDs []string `json:"deviceIds"`
	RoomIDs   []string `json:"roomIds"`
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if err := s.adminOnly(r); err != nil {
		s.writeError(w, err)
		return
	}
	var req assignmentsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	userID := mux.Vars(r)["id"]
	if err := s.ident.UpdateAssignments(r.Context(), userID, req.DeviceIDs, req.RoomIDs); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- schedules ----

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())
	if err := s.ident.Authorize(r.Context(), sess, core.CapScheduleWrite, identity.ResourceRef{}); err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.sched.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())
	if err := s.ident.Authorize(r.Context(), sess, core.CapScheduleWrite, identity.ResourceRef{}); err != nil {
		s.writeError(w, err)
		return
	}
	var sc core.Schedule
	if err := decodeJSON(r, &sc); err != nil {
		s.writeError(w, err)
		return
	}
	// Schedules always fire on behalf of their creator.
	sc.OwnerUserID = sess.UserID
	created, err := s.sched.Create(r.Context(), &sc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())
	if err := s.ident.Authorize(r.Context(), sess, core.CapScheduleWrite, identity.ResourceRef{}); err != nil {
		s.writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	existing, err := s.sched.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if existing.OwnerUserID != sess.UserID {
		s.writeError(w, core.ErrForbidden)
		return
	}
	var sc core.Schedule
	if err := decodeJSON(r, &sc); err != nil {
		s.writeError(w, err)
		return
	}
	sc.ID = id
	sc.OwnerUserID = existing.OwnerUserID
	updated, err := s.sched.Update(r.Context(), &sc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())
	if err := s.ident.Authorize(r.Context(), sess, core.CapScheduleWrite, identity.ResourceRef{}); err != nil {
		s.writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	existing, err := s.sched.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if existing.OwnerUserID != sess.UserID {
		s.writeError(w, core.ErrForbidden)
		return
	}
	if err := s.sched.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- tickets ----

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	if err := s.adminOnly(r); err != nil {
		s.writeError(w, err)
		return
	}
	var resolved *bool
	switch r.URL.Query().Get("resolved") {
	case "true":
		v := true
		resolved = &v
	case "false":
		v := false
		resolved = &v
	}
	list, err := s.st.ListTickets(r.Context(), resolved)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleResolveTicket(w http.ResponseWriter, r *http.Request) {
	if err := s.adminOnly(r); err != nil {
		s.writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.st.ResolveTicket(r.Context(), id, time.Now().UTC()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
