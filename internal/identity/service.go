// Package identity issues bearer sessions, resolves role capability sets and
// answers authorization checks. It also owns the permission broadcast path:
// role or assignment changes invalidate cached capability sets and emit
// permissions.changed events for affected users.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/events"
	"github.com/campusiot/backend/internal/store"
)

// SystemUserID is the principal scheduler-issued intents run as.
const SystemUserID = "system"

// Session is a resolved bearer session.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// ResourceRef scopes an authorization check to a device and/or room.
type ResourceRef struct {
	DeviceID string
	RoomID   string
}

// Scope is the assignment set attached to a principal.
type Scope struct {
	DeviceIDs map[string]bool
	RoomIDs   map[string]bool
}

type cachedCaps struct {
	caps      core.CapabilitySet
	scope     Scope
	fetchedAt time.Time
}

// Service implements authentication and authorization.
type Service struct {
	store      store.Store
	bus        events.Publisher
	cacheTTL   time.Duration
	sessionTTL time.Duration
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session    // token -> session
	byUser   map[string][]string    // userID -> tokens
	capCache map[string]*cachedCaps // token -> cached effective set

	limiter *loginLimiter
}

// New builds the identity service.
func New(st store.Store, bus events.Publisher, cacheTTL, sessionTTL time.Duration, loginPerMinute int) *Service {
	return &Service{
		store:      st,
		bus:        bus,
		cacheTTL:   cacheTTL,
		sessionTTL: sessionTTL,
		logger:     slog.With("component", "identity"),
		sessions:   make(map[string]*Session),
		byUser:     make(map[string][]string),
		capCache:   make(map[string]*cachedCaps),
		limiter:    newLoginLimiter(loginPerMinute),
	}
}

// HashCredential produces the stored verifier for a plaintext credential.
func HashCredential(plaintext string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Authenticate verifies credentials and issues a bearer session token.
// Failures are rate-limited per source address.
func (s *Service) Authenticate(ctx context.Context, displayName, credential, sourceAddr string) (*Session, *core.User, error) {
	if !s.limiter.allow(sourceAddr) {
		return nil, nil, fmt.Errorf("too many login attempts from %s: %w", sourceAddr, core.ErrRateLimited)
	}

	user, err := s.store.GetUserByName(ctx, displayName)
	if err != nil {
		s.limiter.recordFailure(sourceAddr)
		return nil, nil, fmt.Errorf("unknown account: %w", core.ErrUnauthenticated)
	}
	if !user.Active {
		s.limiter.recordFailure(sourceAddr)
		return nil, nil, fmt.Errorf("account disabled: %w", core.ErrUnauthenticated)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.CredentialHash), []byte(credential)); err != nil {
		s.limiter.recordFailure(sourceAddr)
		return nil, nil, fmt.Errorf("invalid credentials: %w", core.ErrUnauthenticated)
	}

	sess := &Session{
		Token:     uuid.NewString(),
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(s.sessionTTL),
	}
	s.mu.Lock()
	s.sessions[sess.Token] = sess
	s.byUser[user.ID] = append(s.byUser[user.ID], sess.Token)
	s.mu.Unlock()

	s.logger.Info("session issued", "user", user.ID)
	return sess, user, nil
}

// ResolveSession validates a bearer token.
func (s *Service) ResolveSession(_ context.Context, token string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown session: %w", core.ErrUnauthenticated)
	}
	if time.Now().After(sess.ExpiresAt) {
		s.mu.Lock()
		delete(s.sessions, token)
		delete(s.capCache, token)
		s.mu.Unlock()
		return nil, fmt.Errorf("session expired: %w", core.ErrUnauthenticated)
	}
	return sess, nil
}

// SystemSession returns the fixed-principal session used for scheduler and
// reconciliation intents. It is never stored and cannot be resolved by token.
func (s *Service) SystemSession() *Session {
	return &Session{Token: "", UserID: SystemUserID, ExpiresAt: time.Now().Add(time.Hour)}
}

// OwnerSession returns an ephemeral session acting on behalf of userID, used
// when a schedule fires. It cannot be resolved by token, but its capability
// cache entry lives under the deterministic token, so the token is indexed in
// byUser to keep InvalidateUser uniform across real and owner sessions.
func (s *Service) OwnerSession(userID string) *Session {
	token := "owner:" + userID
	s.mu.Lock()
	indexed := false
	for _, t := range s.byUser[userID] {
		if t == token {
			indexed = true
			break
		}
	}
	if !indexed {
		s.byUser[userID] = append(s.byUser[userID], token)
	}
	s.mu.Unlock()
	return &Session{Token: token, UserID: userID, ExpiresAt: time.Now().Add(time.Minute)}
}

// Capabilities returns the effective capability set and scope for a session,
// served from the per-session cache within its TTL.
func (s *Service) Capabilities(ctx context.Context, sess *Session) (core.CapabilitySet, Scope, error) {
	if sess.UserID == SystemUserID {
		return core.CapabilitySet{
			core.CapDeviceControl: true,
			core.CapDeviceView:    true,
			core.CapBulkExecute:   true,
		}, Scope{}, nil
	}

	now := time.Now()
	s.mu.RLock()
	cached, ok := s.capCache[sess.Token]
	s.mu.RUnlock()
	if ok && now.Sub(cached.fetchedAt) < s.cacheTTL {
		return cached.caps.Clone(), cached.scope, nil
	}

	caps, scope, err := s.resolveEffective(ctx, sess.UserID)
	if err != nil {
		return nil, Scope{}, err
	}
	s.mu.Lock()
	s.capCache[sess.Token] = &cachedCaps{caps: caps.Clone(), scope: scope, fetchedAt: now}
	s.mu.Unlock()
	return caps, scope, nil
}

func (s *Service) resolveEffective(ctx context.Context, userID string) (core.CapabilitySet, Scope, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, Scope{}, fmt.Errorf("resolve user: %w", err)
	}
	caps := make(core.CapabilitySet)
	if role, err := s.store.GetRole(ctx, user.Role); err == nil {
		for _, c := range role.Capabilities {
			caps[c] = true
		}
	}
	for _, c := range user.Grants {
		caps[c] = true
	}
	scope := Scope{DeviceIDs: make(map[string]bool), RoomIDs: make(map[string]bool)}
	for _, id := range user.AssignedDeviceIDs {
		scope.DeviceIDs[id] = true
	}
	for _, id := range user.AssignedRoomIDs {
		scope.RoomIDs[id] = true
	}
	return caps, scope, nil
}

// Authorize checks capability cap for sess, optionally scoped to ref.
// A role carrying restrict-to-assigned requires scope membership even when
// the capability itself is present.
func (s *Service) Authorize(ctx context.Context, sess *Session, cap core.Capability, ref ResourceRef) error {
	caps, scope, err := s.Capabilities(ctx, sess)
	if err != nil {
		return err
	}
	if !caps.Has(cap) {
		return fmt.Errorf("missing capability %s: %w", cap, core.ErrForbidden)
	}
	if sess.UserID == SystemUserID {
		return nil
	}
	if caps.Has(core.CapRestrictScoped) && (ref.DeviceID != "" || ref.RoomID != "") {
		if ref.DeviceID != "" && scope.DeviceIDs[ref.DeviceID] {
			return nil
		}
		if ref.RoomID != "" && scope.RoomIDs[ref.RoomID] {
			return nil
		}
		return fmt.Errorf("resource outside assigned scope: %w", core.ErrForbidden)
	}
	return nil
}

// InvalidateUser drops every cached capability set for the user's sessions.
func (s *Service) InvalidateUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range s.byUser[userID] {
		delete(s.capCache, token)
	}
}

// SetRoleCapabilities replaces a role's capability bundle, invalidates every
// affected session cache and emits permissions.changed per affected user.
func (s *Service) SetRoleCapabilities(ctx context.Context, roleName string, caps []core.Capability) error {
	prev, _ := s.store.GetRole(ctx, roleName)
	if err := s.store.PutRole(ctx, &core.Role{Name: roleName, Capabilities: caps}); err != nil {
		return err
	}

	changed := diffCapabilities(prev, caps)
	users, err := s.store.ListUsersByRole(ctx, roleName)
	if err != nil {
		return err
	}
	for _, u := range users {
		s.broadcastChange(ctx, u.ID, changed)
	}
	s.logger.Info("role capabilities updated", "role", roleName, "affected_users", len(users))
	return nil
}

// UpdateAssignments replaces a user's device/room assignments and notifies
// the affected user.
func (s *Service) UpdateAssignments(ctx context.Context, userID string, deviceIDs, roomIDs []string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	user.AssignedDeviceIDs = deviceIDs
	user.AssignedRoomIDs = roomIDs
	if err := s.store.PutUser(ctx, user); err != nil {
		return err
	}
	s.broadcastChange(ctx, userID, []string{string(core.CapRestrictScoped)})
	return nil
}

func (s *Service) broadcastChange(ctx context.Context, userID string, changed []string) {
	s.InvalidateUser(userID)
	if s.bus != nil {
		s.bus.Publish(ctx, &events.Event{
			Type:               events.TypePermissions,
			UserID:             userID,
			PermissionsChanged: &events.PermissionsChanged{ChangedCapabilities: changed},
		})
	}
}

func diffCapabilities(prev *core.Role, next []core.Capability) []string {
	prevSet := make(map[core.Capability]bool)
	if prev != nil {
		for _, c := range prev.Capabilities {
			prevSet[c] = true
		}
	}
	nextSet := make(map[core.Capability]bool, len(next))
	var changed []string
	for _, c := range next {
		nextSet[c] = true
		if !prevSet[c] {
			changed = append(changed, string(c))
		}
	}
	for c := range prevSet {
		if !nextSet[c] {
			changed = append(changed, string(c))
		}
	}
	return changed
}
