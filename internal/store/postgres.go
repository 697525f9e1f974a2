package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- agents ---

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	var email, passwordHash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, COALESCE(email, ''), COALESCE(password_hash, ''), is_admin, is_anonymous, last_seen_at, created_at
		FROM agents WHERE id=$1
	`, agentID).Scan(&a.ID, &a.Username, &email, &passwordHash, &a.IsAdmin, &a.IsAnonymous, &a.LastSeenAt, &a.CreatedAt)
	if err != nil {
		return Agent{}, classify(err)
	}
	a.Email = email.String
	a.PasswordHash = passwordHash.String
	return a, nil
}

func (s *PostgresStore) GetAgentByEmail(ctx context.Context, email string) (Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, COALESCE(email, ''), COALESCE(password_hash, ''), is_admin, is_anonymous, last_seen_at, created_at
		FROM agents WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.IsAdmin, &a.IsAnonymous, &a.LastSeenAt, &a.CreatedAt)
	if err != nil {
		return Agent{}, classify(err)
	}
	return a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, username, email, password_hash, is_admin, is_anonymous)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
	`, agent.ID, agent.Username, agent.Email, agent.PasswordHash, agent.IsAdmin, agent.IsAnonymous)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchAgentLastSeen(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at=NOW() WHERE id=$1`, agentID)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}

// --- auth providers ---

func (s *PostgresStore) GetAuthProvider(ctx context.Context, name string) (AuthProvider, error) {
	var p AuthProvider
	err := s.db.QueryRowContext(ctx, `
		SELECT name, enabled, session_duration_ms, session_max_per_agent, session_inactive_expiry_ms
		FROM auth_providers WHERE name=$1
	`, name).Scan(&p.Name, &p.Enabled, &p.SessionDurationMs, &p.SessionMaxPerAgent, &p.SessionInactiveExpiryMs)
	if err != nil {
		return AuthProvider{}, classify(err)
	}
	return p, nil
}

// --- sessions ---

func (s *PostgresStore) InsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, provider, credential_hash, started_at, last_seen_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
	`, sess.ID, sess.AgentID, sess.Provider, sess.CredentialHash, sess.StartedAt, sess.LastSeenAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, provider, credential_hash, started_at, last_seen_at, expires_at, is_active
		FROM sessions WHERE id=$1
	`, sessionID).Scan(&sess.ID, &sess.AgentID, &sess.Provider, &sess.CredentialHash,
		&sess.StartedAt, &sess.LastSeenAt, &sess.ExpiresAt, &sess.IsActive)
	if err != nil {
		return Session{}, classify(err)
	}
	return sess, nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at=NOW() WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateSession flips is_active and forces expiry. Safe to call on an
// already-inactive session.
func (s *PostgresStore) DeactivateSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET is_active=FALSE, expires_at=LEAST(expires_at, NOW()) WHERE id=$1
	`, sessionID)
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}

// EnforceSessionLimit deactivates the oldest active sessions of the
// (agent, provider) pair until at most max remain. Returns the evicted ids.
func (s *PostgresStore) EnforceSessionLimit(ctx context.Context, agentID, provider string, max int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sessions SET is_active=FALSE, expires_at=LEAST(expires_at, NOW())
		WHERE id IN (
			SELECT id FROM sessions
			WHERE agent_id=$1 AND provider=$2 AND is_active
			ORDER BY started_at DESC
			OFFSET $3
		)
		RETURNING id
	`, agentID, provider, max)
	if err != nil {
		return nil, fmt.Errorf("enforce session limit: %w", err)
	}
	defer rows.Close()

	var evicted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan evicted session: %w", err)
		}
		evicted = append(evicted, id)
	}
	return evicted, rows.Err()
}

// SweepSessions hard-deletes rows that are inactive, expired, older than
// maxAge, or idle past inactiveExpiry. Criteria are evaluated against current
// row state inside the statement, so the sweep is idempotent and safe to run
// concurrently with session creation.
func (s *PostgresStore) SweepSessions(ctx context.Context, maxAge, inactiveExpiry time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE NOT is_active
		   OR expires_at < NOW()
		   OR started_at < NOW() - ($1 * INTERVAL '1 millisecond')
		   OR last_seen_at < NOW() - ($2 * INTERVAL '1 millisecond')
	`, maxAge.Milliseconds(), inactiveExpiry.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) CountActiveSessions(ctx context.Context, agentID, provider string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE agent_id=$1 AND provider=$2 AND is_active AND expires_at > NOW()
	`, agentID, provider).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// --- sync groups ---

func (s *PostgresStore) ListSyncGroups(ctx context.Context) ([]SyncGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, priority, tick_rate_ms, tick_enabled, max_tick_buffer_count,
		       tick_buffer_duration_ms, tick_metrics_history_ms,
		       client_render_delay_ms, client_max_prediction_time_ms,
		       client_poll_rate_ms, packet_timing_variance_ms
		FROM sync_groups ORDER BY priority
	`)
	if err != nil {
		return nil, fmt.Errorf("list sync groups: %w", err)
	}
	defer rows.Close()

	var groups []SyncGroup
	for rows.Next() {
		var g SyncGroup
		if err := rows.Scan(&g.Name, &g.Priority, &g.TickRateMs, &g.TickEnabled, &g.MaxTickBufferCount,
			&g.TickBufferDurationMs, &g.TickMetricsHistoryMs,
			&g.ClientRenderDelayMs, &g.ClientMaxPredictionTimeMs,
			&g.ClientPollRateMs, &g.PacketTimingVarianceMs); err != nil {
			return nil, fmt.Errorf("scan sync group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) GetSyncGroup(ctx context.Context, name string) (SyncGroup, error) {
	var g SyncGroup
	err := s.db.QueryRowContext(ctx, `
		SELECT name, priority, tick_rate_ms, tick_enabled, max_tick_buffer_count,
		       tick_buffer_duration_ms, tick_metrics_history_ms,
		       client_render_delay_ms, client_max_prediction_time_ms,
		       client_poll_rate_ms, packet_timing_variance_ms
		FROM sync_groups WHERE name=$1
	`, name).Scan(&g.Name, &g.Priority, &g.TickRateMs, &g.TickEnabled, &g.MaxTickBufferCount,
		&g.TickBufferDurationMs, &g.TickMetricsHistoryMs,
		&g.ClientRenderDelayMs, &g.ClientMaxPredictionTimeMs,
		&g.ClientPollRateMs, &g.PacketTimingVarianceMs)
	if err != nil {
		return SyncGroup{}, classify(err)
	}
	return g, nil
}

// --- role grants ---

func (s *PostgresStore) ListAgentGrants(ctx context.Context, agentID string) ([]RoleGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, sync_group, can_read, can_insert, can_update, can_delete
		FROM sync_group_roles WHERE agent_id=$1
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list agent grants: %w", err)
	}
	defer rows.Close()

	var grants []RoleGrant
	for rows.Next() {
		var g RoleGrant
		if err := rows.Scan(&g.AgentID, &g.SyncGroup, &g.CanRead, &g.CanInsert, &g.CanUpdate, &g.CanDelete); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *PostgresStore) UpsertGrant(ctx context.Context, grant RoleGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_group_roles (agent_id, sync_group, can_read, can_insert, can_update, can_delete)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id, sync_group) DO UPDATE SET
			can_read=EXCLUDED.can_read, can_insert=EXCLUDED.can_insert,
			can_update=EXCLUDED.can_update, can_delete=EXCLUDED.can_delete
	`, grant.AgentID, grant.SyncGroup, grant.CanRead, grant.CanInsert, grant.CanUpdate, grant.CanDelete)
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteGrant(ctx context.Context, agentID, syncGroup string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_group_roles WHERE agent_id=$1 AND sync_group=$2
	`, agentID, syncGroup)
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	return nil
}

// --- entities ---

func (s *PostgresStore) ListEntities(ctx context.Context, syncGroup string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, sync_group, version, meta, created_at, updated_at
		FROM entities WHERE sync_group=$1 ORDER BY id
	`, syncGroup)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.SyncGroup, &e.Version, &e.Meta, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (s *PostgresStore) GetEntity(ctx context.Context, entityID string) (Entity, error) {
	var e Entity
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, sync_group, version, meta, created_at, updated_at
		FROM entities WHERE id=$1
	`, entityID).Scan(&e.ID, &e.Name, &e.SyncGroup, &e.Version, &e.Meta, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Entity{}, classify(err)
	}
	return e, nil
}

func (s *PostgresStore) InsertEntity(ctx context.Context, e Entity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, sync_group, version, meta)
		VALUES ($1, $2, $3, 1, COALESCE($4, '{}'::jsonb))
	`, e.ID, e.Name, e.SyncGroup, nullableJSON(e.Meta))
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, e Entity) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET name=COALESCE(NULLIF($2, ''), name),
		    meta=COALESCE($3, meta),
		    version=version+1,
		    updated_at=NOW()
		WHERE id=$1
	`, e.ID, e.Name, nullableJSON(e.Meta))
	if err != nil {
		return false, fmt.Errorf("update entity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) DeleteEntity(ctx context.Context, entityID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id=$1`, entityID)
	if err != nil {
		return false, fmt.Errorf("delete entity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// --- tick capture and retention ---

// CaptureTickState snapshots the current entity set of the group as one tick:
// entity rows are copied into entity_states under the next tick number and a
// tick_snapshots row records the capture.
func (s *PostgresStore) CaptureTickState(ctx context.Context, syncGroup string, serverTime time.Time, durationMs float64) (TickSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TickSnapshot{}, classify(fmt.Errorf("begin tick capture: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var tickNumber int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(tick_number), 0) + 1 FROM tick_snapshots WHERE sync_group=$1
	`, syncGroup).Scan(&tickNumber); err != nil {
		return TickSnapshot{}, classify(fmt.Errorf("next tick number: %w", err))
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO entity_states (entity_id, sync_group, tick_number, version, data, captured_at)
		SELECT id, sync_group, $2, version, meta, $3 FROM entities WHERE sync_group=$1
	`, syncGroup, tickNumber, serverTime)
	if err != nil {
		return TickSnapshot{}, classify(fmt.Errorf("capture entity states: %w", err))
	}
	captured, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tick_snapshots (sync_group, tick_number, server_time, duration_ms, entity_count)
		VALUES ($1, $2, $3, $4, $5)
	`, syncGroup, tickNumber, serverTime, durationMs, captured); err != nil {
		return TickSnapshot{}, classify(fmt.Errorf("record tick snapshot: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return TickSnapshot{}, classify(fmt.Errorf("commit tick capture: %w", err))
	}

	return TickSnapshot{
		SyncGroup:   syncGroup,
		TickNumber:  tickNumber,
		ServerTime:  serverTime,
		DurationMs:  durationMs,
		EntityCount: int(captured),
	}, nil
}

func (s *PostgresStore) PurgeEntityStates(ctx context.Context, syncGroup string, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM entity_states
		WHERE sync_group=$1 AND captured_at < NOW() - ($2 * INTERVAL '1 millisecond')
	`, syncGroup, olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("purge entity states: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) PurgeTickSnapshots(ctx context.Context, syncGroup string, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tick_snapshots
		WHERE sync_group=$1 AND server_time < NOW() - ($2 * INTERVAL '1 millisecond')
	`, syncGroup, olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("purge tick snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// IsNotFound reports whether err is the store's missing-row sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
