package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/identity"
	"github.com/campusiot/backend/internal/middleware"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())
	caps, scope, err := s.ident.Capabilities(r.Context(), sess)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !caps.Has(core.CapDeviceView) {
		s.writeError(w, core.ErrForbidden)
		return
	}
	devices, err := s.reg.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if caps.Has(core.CapRestrictScoped) {
		visible := devices[:0]
		for _, d := range devices {
			if scope.DeviceIDs[d.ID] || scope.RoomIDs[d.OwnerRoomID] || scope.RoomIDs[d.Room] {
				visible = append(visible, d)
			}
		}
		devices = visible
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())
	id := mux.Vars(r)["id"]
	d, err := s.reg.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ref := identity.ResourceRef{DeviceID: d.ID, RoomID: d.OwnerRoomID}
	if err := s.ident.Authorize(r.Context(), sess, core.CapDeviceView, ref); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())
	if err := s.ident.Authorize(r.Context(), sess, core.CapRoleManage, identity.ResourceRef{}); err != nil {
		s.writeError(w, err)
		return
	}
	var d core.Device
	if err := decodeJSON(r, &d); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.reg.Create(r.Context(), &d)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type deviceUpdateRequest struct {
	DisplayName *string       `json:"displayName,omitempty"`
	Room        *string       `json:"room,omitempty"`
	Block       *string       `json:"block,omitempty"`
	Floor       *string       `json:"floor,omitempty"`
	Aliases     []string      `json:"aliases,omitempty"`
	Switches    []core.Switch `json:"switches,omitempty"`
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())
	if err := s.ident.Authorize(r.Context(), sess, core.CapRoleManage, identity.ResourceRef{}); err != nil {
		s.writeError(w, err)
		return
	}
	var req deviceUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	updated, err := s.reg.Update(r.Context(), id, func(d *core.Device) error {
		if req.DisplayName != nil {
			d.DisplayName = *req.DisplayName
		}
		if req.Room != nil {
			d.Room = *req.Room
		}
		if req.Block != nil {
			d.Block = *req.Block
		}
		if req.Floor != nil {
			d.Floor = *req.Floor
		}
		if req.Aliases != nil {
			d.Aliases = req.Aliases
		}
		if req.Switches != nil {
			d.Switches = req.Switches
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type assignRequest struct {
	UserIDs []string `json:"userIds"`
}

// handleAssignDevice points a device at a set of users and mirrors the
// assignment onto each user's scope so authorization and fan-out agree.
func (s *Server) handleAssignDevice(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())
	if err := s.ident.Authorize(r.Context(), sess, core.CapRoleManage, identity.ResourceRef{}); err != nil {
		s.writeError(w, err)
		return
	}
	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	d, err := s.reg.Assign(r.Context(), id, req.UserIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, userID := range req.UserIDs {
		user, err := s.st.GetUser(r.Context(), userID)
		if err != nil {
			continue
		}
		devices := user.AssignedDeviceIDs
		present := false
		for _, existing := range devices {
			if existing == id {
				present = true
				break
			}
		}
		if !present {
			devices = append(devices, id)
		}
		if err := s.ident.UpdateAssignments(r.Context(), userID, devices, user.AssignedRoomIDs); err != nil {
			s.logger.Warn("assignment mirror failed", "user", userID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, d)
}
