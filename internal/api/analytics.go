package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/identity"
	"github.com/campusiot/backend/internal/middleware"
)

func (s *Server) analyticsAllowed(r *http.Request) error {
	sess := middleware.SessionFrom(r.Context())
	return s.ident.Authorize(r.Context(), sess, core.CapAnalyticsView, identity.ResourceRef{})
}

func scopeParams(r *http.Request) (core.AggregateScope, string, error) {
	scope := core.AggregateScope(r.URL.Query().Get("scope"))
	scopeID := r.URL.Query().Get("scopeId")
	switch scope {
	case core.ScopeGlobal:
		return scope, "", nil
	case core.ScopeDevice, core.ScopeRoom:
		if scopeID == "" {
			return "", "", core.Invalidf("scope %s requires scopeId", scope)
		}
		return scope, scopeID, nil
	default:
		return "", "", core.Invalidf("unknown scope %q", scope)
	}
}

func (s *Server) handleDailySummary(w http.ResponseWriter, r *http.Request) {
	if err := s.analyticsAllowed(r); err != nil {
		s.writeError(w, err)
		return
	}
	scope, scopeID, err := scopeParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	date := r.URL.Query().Get("date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		s.writeError(w, core.Invalidf("bad date %q", date))
		return
	}
	agg, err := s.agg.Daily(r.Context(), scope, scopeID, date)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	if err := s.analyticsAllowed(r); err != nil {
		s.writeError(w, err)
		return
	}
	scope, scopeID, err := scopeParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	for _, d := range []string{from, to} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			s.writeError(w, core.Invalidf("bad date %q", d))
			return
		}
	}
	list, err := s.agg.Range(r.Context(), scope, scopeID, from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMonthly(w http.ResponseWriter, r *http.Request) {
	if err := s.analyticsAllowed(r); err != nil {
		s.writeError(w, err)
		return
	}
	scope, scopeID, err := scopeParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		s.writeError(w, core.Invalidf("bad year"))
		return
	}
	month, err := strconv.Atoi(r.URL.Query().Get("month"))
	if err != nil || month < 1 || month > 12 {
		s.writeError(w, core.Invalidf("bad month"))
		return
	}
	agg, err := s.agg.Monthly(r.Context(), scope, scopeID, year, month)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	if err := s.analyticsAllowed(r); err != nil {
		s.writeError(w, err)
		return
	}
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		s.writeError(w, core.Invalidf("roomId required"))
		return
	}
	date := r.URL.Query().Get("date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		s.writeError(w, core.Invalidf("bad date %q", date))
		return
	}
	list, err := s.agg.DeviceBreakdown(r.Context(), roomID, date)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
