package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"worldsync/server/internal/auth"
	"worldsync/server/internal/store"
	"worldsync/server/internal/util"
)

var (
	ErrNotFound           = errors.New("session not found")
	ErrExpired            = errors.New("session expired")
	ErrInactive           = errors.New("session inactive")
	ErrCredentialMismatch = errors.New("credential mismatch")
	ErrForbidden          = errors.New("forbidden")
	ErrProviderDisabled   = errors.New("provider disabled")
)

// SystemAgentID is seeded by migration; it bypasses ownership checks the same
// way admins do.
const SystemAgentID = "agent_system"

type sessionStore interface {
	GetAgent(context.Context, string) (store.Agent, error)
	GetAuthProvider(context.Context, string) (store.AuthProvider, error)
	InsertSession(context.Context, store.Session) error
	GetSession(context.Context, string) (store.Session, error)
	TouchSession(context.Context, string) error
	TouchAgentLastSeen(context.Context, string) error
	DeactivateSession(context.Context, string) error
	EnforceSessionLimit(ctx context.Context, agentID, provider string, max int) ([]string, error)
	SweepSessions(ctx context.Context, maxAge, inactiveExpiry time.Duration) (int64, error)
}

type Config struct {
	TokenSecret        []byte
	SweepInterval      time.Duration
	MaxAge             time.Duration
	InactiveExpiry     time.Duration
	CredentialCacheTTL time.Duration
}

// Session is what Create hands back to callers: the row identity plus the
// bearer credential, which is never persisted in clear.
type Session struct {
	ID        string
	AgentID   string
	Provider  string
	Token     string
	ExpiresAt time.Time
}

type Service struct {
	store sessionStore
	cache *RedisCache // nil disables the validate cache
	cfg   Config
}

func NewService(st sessionStore, cache *RedisCache, cfg Config) *Service {
	return &Service{store: st, cache: cache, cfg: cfg}
}

// Create issues a new session for the agent through the named provider,
// enforcing the provider's per-agent session cap by evicting the oldest
// active session beyond it.
func (s *Service) Create(ctx context.Context, agentID, providerName string) (Session, error) {
	provider, err := s.store.GetAuthProvider(ctx, providerName)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, ErrProviderDisabled
		}
		return Session{}, fmt.Errorf("load provider: %w", err)
	}
	if !provider.Enabled {
		return Session{}, ErrProviderDisabled
	}

	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		if store.IsNotFound(err) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("load agent: %w", err)
	}

	now := time.Now()
	expiresAt := now.Add(time.Duration(provider.SessionDurationMs) * time.Millisecond)
	sessionID := util.NewID("sess")

	token, err := auth.IssueToken(s.cfg.TokenSecret, auth.Claims{
		AgentID:   agentID,
		SessionID: sessionID,
		Provider:  providerName,
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue credential: %w", err)
	}

	if err := s.store.InsertSession(ctx, store.Session{
		ID:             sessionID,
		AgentID:        agentID,
		Provider:       providerName,
		CredentialHash: auth.HashToken(token),
		StartedAt:      now,
		LastSeenAt:     now,
		ExpiresAt:      expiresAt,
	}); err != nil {
		return Session{}, err
	}

	evicted, err := s.store.EnforceSessionLimit(ctx, agentID, providerName, provider.SessionMaxPerAgent)
	if err != nil {
		return Session{}, err
	}
	if len(evicted) > 0 {
		log.Printf("session: evicted %d session(s) for agent %s over provider %s cap %d",
			len(evicted), agentID, providerName, provider.SessionMaxPerAgent)
	}

	s.sweepAfterMutation(ctx)

	return Session{
		ID:        sessionID,
		AgentID:   agentID,
		Provider:  providerName,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// Validate is read-only: it checks the session row without touching
// last_seen_at. Heartbeat is the explicit activity signal.
func (s *Service) Validate(ctx context.Context, sessionID, credential string) (string, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if store.IsNotFound(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	if !sess.IsActive {
		return "", ErrInactive
	}
	if sess.ExpiresAt.Before(time.Now()) {
		return "", ErrExpired
	}
	if credential != "" && auth.HashToken(credential) != sess.CredentialHash {
		return "", ErrCredentialMismatch
	}
	return sess.AgentID, nil
}

// ValidateCredential resolves a bearer token to its identity. The Redis cache
// short-circuits the store on repeat validations of the same credential.
func (s *Service) ValidateCredential(ctx context.Context, token string) (Identity, error) {
	claims, err := auth.ParseToken(s.cfg.TokenSecret, token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			return Identity{}, ErrExpired
		}
		return Identity{}, ErrNotFound
	}

	credentialHash := auth.HashToken(token)
	if s.cache != nil {
		if identity, ok, err := s.cache.LookupIdentity(ctx, credentialHash); err == nil && ok {
			return identity, nil
		}
	}

	agentID, err := s.Validate(ctx, claims.SessionID, token)
	if err != nil {
		return Identity{}, err
	}

	identity := Identity{AgentID: agentID, SessionID: claims.SessionID}
	if s.cache != nil {
		ttl := s.cfg.CredentialCacheTTL
		if remaining := time.Until(time.Unix(claims.Exp, 0)); remaining < ttl {
			ttl = remaining
		}
		if err := s.cache.SaveIdentity(ctx, credentialHash, identity, ttl); err != nil {
			log.Printf("session: credential cache write failed: %v", err)
		}
	}
	return identity, nil
}

// Heartbeat marks session and agent activity. Only the owner, an admin, or
// the system agent may heartbeat a session.
func (s *Service) Heartbeat(ctx context.Context, sessionID, requesterID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if store.IsNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	if err := s.authorize(ctx, sess, requesterID); err != nil {
		return err
	}
	if err := s.store.TouchSession(ctx, sessionID); err != nil {
		return err
	}
	if err := s.store.TouchAgentLastSeen(ctx, sess.AgentID); err != nil {
		return err
	}
	return nil
}

// Invalidate deactivates a session. Idempotent: invalidating an
// already-inactive or already-swept session succeeds as a no-op.
func (s *Service) Invalidate(ctx context.Context, sessionID, requesterID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := s.authorize(ctx, sess, requesterID); err != nil {
		return err
	}
	if err := s.store.DeactivateSession(ctx, sessionID); err != nil {
		return err
	}
	s.purgeCachedCredential(ctx, sess.CredentialHash)
	s.sweepAfterMutation(ctx)
	return nil
}

func (s *Service) authorize(ctx context.Context, sess store.Session, requesterID string) error {
	if requesterID == sess.AgentID || requesterID == SystemAgentID {
		return nil
	}
	requester, err := s.store.GetAgent(ctx, requesterID)
	if err != nil {
		if store.IsNotFound(err) {
			return ErrForbidden
		}
		return err
	}
	if !requester.IsAdmin {
		return ErrForbidden
	}
	return nil
}

// Sweep hard-deletes dead session rows. Safe to run concurrently with
// creation; criteria are re-evaluated inside the delete statement.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	return s.store.SweepSessions(ctx, s.cfg.MaxAge, s.cfg.InactiveExpiry)
}

func (s *Service) sweepAfterMutation(ctx context.Context) {
	if n, err := s.Sweep(ctx); err != nil {
		log.Printf("session: sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("session: swept %d dead session(s)", n)
	}
}

// RunSweeper blocks until ctx is cancelled, sweeping on the configured
// interval.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAfterMutation(ctx)
		}
	}
}

func (s *Service) purgeCachedCredential(ctx context.Context, credentialHash string) {
	if s.cache == nil || credentialHash == "" {
		return
	}
	if err := s.cache.RevokeIdentity(ctx, credentialHash); err != nil {
		log.Printf("session: credential cache purge failed: %v", err)
	}
}

// HandleSessionChange keeps the credential cache coherent with the change
// feed: any non-insert mutation of a session row purges its cache entry.
func (s *Service) HandleSessionChange(ctx context.Context, event store.ChangeEvent) {
	if s.cache == nil || event.Op == "INSERT" {
		return
	}
	sess, err := s.store.GetSession(ctx, event.RowID)
	if err != nil {
		// Row already swept; nothing cached survives longer than its TTL.
		return
	}
	if !sess.IsActive || sess.ExpiresAt.Before(time.Now()) {
		s.purgeCachedCredential(ctx, sess.CredentialHash)
	}
}
