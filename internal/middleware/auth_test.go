package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/events"
	"github.com/campusiot/backend/internal/identity"
	"github.com/campusiot/backend/internal/store"
)

func newIdentity(t *testing.T) (*identity.Service, string) {
	t.Helper()
	st := store.NewMemory()
	ident := identity.New(st, events.NewBus(), 5*time.Second, time.Hour, 100)

	ctx := context.Background()
	require.NoError(t, st.PutRole(ctx, &core.Role{
		Name:         "teacher",
		Capabilities: []core.Capability{core.CapDeviceView},
	}))
	hash, err := identity.HashCredential("pw")
	require.NoError(t, err)
	require.NoError(t, st.PutUser(ctx, &core.User{
		ID: "u1", DisplayName: "asha", Role: "teacher", CredentialHash: hash, Active: true,
	}))
	sess, _, err := ident.Authenticate(ctx, "asha", "pw", "10.0.0.1:1")
	require.NoError(t, err)
	return ident, sess.Token
}

func TestAuthenticatePlacesSessionInContext(t *testing.T) {
	ident, token := newIdentity(t)

	var seen *identity.Session
	handler := Authenticate(ident, func(w http.ResponseWriter, r *http.Request) {
		seen = SessionFrom(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "u1", seen.UserID)
}

func TestAuthenticateAcceptsQueryToken(t *testing.T) {
	ident, token := newIdentity(t)

	called := false
	handler := Authenticate(ident, func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/realtime?token="+token, nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestAuthenticateRejectsMissingAndBadTokens(t *testing.T) {
	ident, _ := newIdentity(t)
	handler := Authenticate(ident, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})

	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/devices", nil)
	req.Header.Set("Authorization", "Bearer not-a-session")
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInstrumentWithoutMetricsStillServes(t *testing.T) {
	handler := Instrument(nil, "devices", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
