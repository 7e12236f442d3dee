package api

import (
	"net/http"
	"time"

	"github.com/campusiot/backend/internal/core"
)

type loginRequest struct {
	DisplayName string `json:"displayName"`
	Credential  string `json:"credential"`
}

type loginResponse struct {
	Token        string   `json:"token"`
	UserID       string   `json:"userId"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sess, _, err := s.ident.Authenticate(r.Context(), req.DisplayName, req.Credential, r.RemoteAddr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	caps, _, err := s.ident.Capabilities(r.Context(), sess)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:        sess.Token,
		UserID:       sess.UserID,
		Capabilities: caps.Keys(),
	})
}

type healthResponse struct {
	Status          string `json:"status"`
	UptimeSec       int64  `json:"uptimeSec"`
	DevicesOnline   int    `json:"devicesOnline"`
	RealtimeClients int    `json:"realtimeClients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	online := 0
	for _, sess := range s.sessions.Snapshot() {
		if sess.Status != core.SessionOffline {
			online++
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		UptimeSec:       int64(time.Since(s.startedAt).Seconds()),
		DevicesOnline:   online,
		RealtimeClients: s.hub.ClientCount(),
	})
}
