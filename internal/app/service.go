// Package app wires the domain services together behind the HTTP surface.
package app

import (
	"context"
	"errors"
	"net/http"

	"worldsync/server/internal/acl"
	"worldsync/server/internal/config"
	"worldsync/server/internal/gateway"
	"worldsync/server/internal/metrics"
	"worldsync/server/internal/provider"
	"worldsync/server/internal/session"
	"worldsync/server/internal/tick"
)

type pinger interface {
	Ping(context.Context) error
}

type Service struct {
	cfg       config.Config
	db        pinger
	sessions  *session.Service
	providers *provider.Service
	acl       *acl.Cache
	ticks     *tick.Manager
	hub       *gateway.Hub
	metrics   *metrics.Metrics
}

func NewService(
	cfg config.Config,
	db pinger,
	sessions *session.Service,
	providers *provider.Service,
	aclCache *acl.Cache,
	ticks *tick.Manager,
	hub *gateway.Hub,
	m *metrics.Metrics,
) *Service {
	return &Service{
		cfg:       cfg,
		db:        db,
		sessions:  sessions,
		providers: providers,
		acl:       aclCache,
		ticks:     ticks,
		hub:       hub,
		metrics:   m,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, req provider.SignUpRequest) (*provider.SignUpResponse, error) {
	resp, err := s.providers.SignUp(ctx, req)
	if err != nil {
		// Only caller-correctable input maps to 422; store and session
		// failures keep their own status through mapError.
		var invalid *provider.ValidationError
		if errors.As(err, &invalid) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", invalid.Error(), nil)
		}
		return nil, err
	}
	return resp, nil
}

func (s *Service) SignIn(ctx context.Context, req provider.SignInRequest) (*provider.SignInResponse, error) {
	resp, err := s.providers.SignIn(ctx, req)
	if err != nil {
		var invalid *provider.ValidationError
		if errors.As(err, &invalid) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", invalid.Error(), nil)
		}
		return nil, err
	}
	return resp, nil
}

func (s *Service) SignInAnonymous(ctx context.Context) (*provider.SignInResponse, error) {
	return s.providers.SignInAnonymous(ctx)
}

func (s *Service) ValidateToken(ctx context.Context, token string) (session.Identity, error) {
	return s.sessions.ValidateCredential(ctx, token)
}

// Logout invalidates the session behind the token. Tokens that no longer
// resolve to a session are treated as already logged out.
func (s *Service) Logout(ctx context.Context, token string) error {
	identity, err := s.sessions.ValidateCredential(ctx, token)
	if err != nil {
		return nil
	}
	return s.sessions.Invalidate(ctx, identity.SessionID, identity.AgentID)
}

// WorldStats is the operator view: live connection count, cached principals,
// and per-group tick progress.
type WorldStats struct {
	Connections int          `json:"connections"`
	CachedACLs  int          `json:"cachedAcls"`
	Ticks       []tick.Stats `json:"ticks"`
}

func (s *Service) WorldStats() WorldStats {
	stats := WorldStats{Ticks: []tick.Stats{}}
	if s.hub != nil {
		stats.Connections = s.hub.ConnectedCount()
	}
	if s.acl != nil {
		stats.CachedACLs = s.acl.Size()
	}
	if s.ticks != nil {
		stats.Ticks = s.ticks.Stats()
	}
	return stats
}

func (s *Service) MetricsHandler() http.Handler {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Handler()
}

func (s *Service) GatewayHandler() http.HandlerFunc {
	if s.hub == nil {
		return nil
	}
	return s.hub.HandleWS
}
