package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/identity"
	"github.com/campusiot/backend/internal/middleware"
	"github.com/campusiot/backend/internal/pipeline"
	"github.com/campusiot/backend/internal/registry"
)

type switchIntentRequest struct {
	DesiredState  bool   `json:"desiredState"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type switchIntentResponse struct {
	Outcome       string `json:"outcome"`
	ObservedState *bool  `json:"observedState,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func (s *Server) handleSwitchIntent(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())
	vars := mux.Vars(r)
	var req switchIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.pipe.Submit(r.Context(), pipeline.Intent{
		Issuer:       sess,
		Origin:       pipeline.OriginUser,
		Selector:     registry.Selector{DeviceID: vars["id"], SwitchID: vars["sid"]},
		DesiredState: req.DesiredState,
		ConfirmID:    req.CorrelationID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(res.PerTarget) == 0 {
		s.writeError(w, core.ErrNotFound)
		return
	}

	out := res.PerTarget[0]
	resp := switchIntentResponse{Outcome: out.Outcome, CorrelationID: res.CorrelationID}
	if out.Outcome == "ok" {
		state := req.DesiredState
		resp.ObservedState = &state
		writeJSON(w, http.StatusOK, resp)
		return
	}
	status, ok := kindStatus[out.Outcome]
	if !ok {
		status = http.StatusOK // no-op-already-pending and friends
	}
	writeJSON(w, status, resp)
}

type bulkIntentRequest struct {
	Selector     registry.Selector `json:"selector"`
	DesiredState bool              `json:"desiredState"`
	Confirm      string            `json:"confirm,omitempty"`
}

func (s *Server) handleBulkIntent(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())
	var req bulkIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.pipe.Submit(r.Context(), pipeline.Intent{
		Issuer:       sess,
		Origin:       pipeline.OriginUser,
		Selector:     req.Selector,
		DesiredState: req.DesiredState,
		ConfirmID:    req.Confirm,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type resolveIntentRequest struct {
	Text         string `json:"text"`
	DesiredState bool   `json:"desiredState"`
	DryRun       bool   `json:"dryRun,omitempty"`
}

// handleResolveIntent is the voice/NLP boundary: free text resolves against
// device aliases and rooms, and optionally executes.
func (s *Server) handleResolveIntent(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())
	if err := s.ident.Authorize(r.Context(), sess, core.CapVoiceInvoke, identity.ResourceRef{}); err != nil {
		s.writeError(w, err)
		return
	}
	var req resolveIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.pipe.Submit(r.Context(), pipeline.Intent{
		Issuer:       sess,
		Origin:       pipeline.OriginVoice,
		Selector:     registry.Selector{FreeText: req.Text},
		DesiredState: req.DesiredState,
		DryRun:       req.DryRun,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
