package store

import (
	"encoding/json"
	"time"
)

// SyncGroup is a named priority tier. Groups are created by migration and are
// read-only at runtime; the tick scheduler loads them once at initialization.
type SyncGroup struct {
	Name                      string
	Priority                  int
	TickRateMs                int
	TickEnabled               bool
	MaxTickBufferCount        int
	TickBufferDurationMs      int
	TickMetricsHistoryMs      int
	ClientRenderDelayMs       int
	ClientMaxPredictionTimeMs int
	ClientPollRateMs          int
	PacketTimingVarianceMs    int
}

type Agent struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	IsAdmin      bool
	IsAnonymous  bool
	LastSeenAt   time.Time
	CreatedAt    time.Time
}

type AuthProvider struct {
	Name                    string
	Enabled                 bool
	SessionDurationMs       int64
	SessionMaxPerAgent      int
	SessionInactiveExpiryMs int64
}

type Session struct {
	ID             string
	AgentID        string
	Provider       string
	CredentialHash string
	StartedAt      time.Time
	LastSeenAt     time.Time
	ExpiresAt      time.Time
	IsActive       bool
}

// RoleGrant carries the four capabilities of one agent on one sync group.
type RoleGrant struct {
	AgentID   string
	SyncGroup string
	CanRead   bool
	CanInsert bool
	CanUpdate bool
	CanDelete bool
}

type Entity struct {
	ID        string
	Name      string
	SyncGroup string
	Version   int64
	Meta      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TickSnapshot records one scheduler capture. Append-only; purged by the
// tick-metrics retention job. The live entities table stays authoritative.
type TickSnapshot struct {
	SyncGroup   string
	TickNumber  int64
	ServerTime  time.Time
	DurationMs  float64
	EntityCount int
}

// ChangeEvent is one row of the NOTIFY feed. EventID is a global sequence
// value and serves as the dedup key for at-least-once channels.
type ChangeEvent struct {
	EventID   int64           `json:"eventId"`
	Table     string          `json:"table"`
	Op        string          `json:"op"`
	RowID     string          `json:"id"`
	AgentID   string          `json:"agentId,omitempty"`
	SyncGroup string          `json:"syncGroup,omitempty"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Feed channel names, matched by the trigger functions in db/migrations.
const (
	ChannelEntityChanges  = "world_entity_changes"
	ChannelRoleChanges    = "world_role_changes"
	ChannelSessionChanges = "world_session_changes"
)
