// Package provider implements the built-in auth providers: local
// email/password accounts and anonymous guest agents. Both hand off to the
// session service for credential issuance.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"worldsync/server/internal/session"
	"worldsync/server/internal/store"
	"worldsync/server/internal/util"
)

const (
	Local     = "local"
	Anonymous = "anonymous"
)

// ErrInvalidCredentials is returned for both unknown emails and wrong
// passwords so sign-in never reveals which one failed.
var ErrInvalidCredentials = errors.New("invalid email or password")

// ValidationError marks request input the caller can correct. Anything else
// coming out of this package is an internal failure.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

type agentStore interface {
	GetAgentByEmail(ctx context.Context, email string) (store.Agent, error)
	CreateAgent(ctx context.Context, agent store.Agent) error
}

type sessionIssuer interface {
	Create(ctx context.Context, agentID, providerName string) (session.Session, error)
}

type Service struct {
	store    agentStore
	sessions sessionIssuer
}

func NewService(st agentStore, sessions sessionIssuer) *Service {
	return &Service{store: st, sessions: sessions}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email    string
	Password string
	Username string
}

// SignUpResponse contains sign-up result
type SignUpResponse struct {
	AgentID string
	Session session.Session
}

// SignUp creates a new local agent and opens its first session.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	if req.Email == "" || req.Password == "" || req.Username == "" {
		return nil, validationError("email, password, and username are required")
	}
	if len(req.Password) < 8 {
		return nil, validationError("password must be at least 8 characters")
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := s.store.GetAgentByEmail(ctx, email); err == nil {
		return nil, validationError("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	agent := store.Agent{
		ID:           util.NewID("agent"),
		Username:     req.Username,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}

	sess, err := s.sessions.Create(ctx, agent.ID, Local)
	if err != nil {
		return nil, err
	}
	return &SignUpResponse{AgentID: agent.ID, Session: sess}, nil
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignInResponse contains sign-in result
type SignInResponse struct {
	AgentID string
	Session session.Session
}

// SignIn authenticates a local agent and opens a session.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	if req.Email == "" || req.Password == "" {
		return nil, validationError("email and password are required")
	}

	agent, err := s.store.GetAgentByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if agent.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(agent.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	sess, err := s.sessions.Create(ctx, agent.ID, Local)
	if err != nil {
		return nil, err
	}
	return &SignInResponse{AgentID: agent.ID, Session: sess}, nil
}

// SignInAnonymous creates a throwaway guest agent and a session through the
// anonymous provider. Fails when that provider is disabled.
func (s *Service) SignInAnonymous(ctx context.Context) (*SignInResponse, error) {
	agent := store.Agent{
		ID:          util.NewID("agent"),
		Username:    "guest-" + util.NewID("")[:8],
		IsAnonymous: true,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("create guest agent: %w", err)
	}

	sess, err := s.sessions.Create(ctx, agent.ID, Anonymous)
	if err != nil {
		return nil, err
	}
	return &SignInResponse{AgentID: agent.ID, Session: sess}, nil
}
