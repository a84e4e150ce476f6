package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production deployments requiring shared persistence
//   - Multi-process deployments (several orchestrator workers on one log)
//   - Audit trails and compliance requirements
//
// MySQLStore uses connection pooling and runs the append version check and
// inserts in a single transaction, so concurrent writers on the same
// instance observe ErrVersionConflict rather than interleaved versions.
//
// The DSN format follows go-sql-driver/mysql:
//
//	user:password@tcp(localhost:3306)/dealflow?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a MySQL-backed store, verifying connectivity and
// creating the schema if it does not exist.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	// DATETIME columns scan into time.Time only with parseTime enabled.
	if !strings.Contains(dsn, "parseTime") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id VARCHAR(64) NOT NULL,
			instance_id VARCHAR(64) NOT NULL,
			version BIGINT NOT NULL,
			kind VARCHAR(64) NOT NULL,
			payload JSON NOT NULL,
			at DATETIME(6) NOT NULL,
			INDEX idx_events_instance (instance_id),
			UNIQUE KEY unique_instance_version (instance_id, version)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS workflow_snapshots (
			instance_id VARCHAR(64) NOT NULL,
			version BIGINT NOT NULL,
			state JSON NOT NULL,
			taken_at DATETIME(6) NOT NULL,
			UNIQUE KEY unique_snapshot (instance_id, version)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS workflow_mailbox (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			instance_id VARCHAR(64) NOT NULL,
			name VARCHAR(128) NOT NULL,
			seq BIGINT NOT NULL,
			payload JSON NOT NULL,
			received_at DATETIME(6) NOT NULL,
			INDEX idx_mailbox (instance_id, name, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS workflow_timers (
			instance_id VARCHAR(64) NOT NULL PRIMARY KEY,
			fire_at DATETIME(6) NOT NULL,
			INDEX idx_timers_fire_at (fire_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			kind VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			state VARCHAR(64) NOT NULL,
			version BIGINT NOT NULL,
			pitch_id VARCHAR(64) NOT NULL DEFAULT '',
			parties JSON NOT NULL,
			token VARCHAR(128) NOT NULL DEFAULT '',
			last_error TEXT,
			created_at DATETIME(6) NOT NULL,
			last_advanced_at DATETIME(6) NOT NULL,
			INDEX idx_instances_token (token),
			INDEX idx_instances_pitch (pitch_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS provider_refs (
			ref VARCHAR(128) NOT NULL PRIMARY KEY,
			instance_id VARCHAR(64) NOT NULL,
			event_name VARCHAR(128) NOT NULL DEFAULT ''
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Append implements EventLog. The current version is read FOR UPDATE so
// concurrent appenders serialize on the instance's rows.
func (s *MySQLStore) Append(ctx context.Context, instanceID string, expectedVersion int64, events []Event) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_events WHERE instance_id = ? FOR UPDATE`,
		instanceID).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read latest version: %w", err)
	}

	if current != expectedVersion {
		if current == expectedVersion+int64(len(events)) && len(events) > 0 {
			var persistedID string
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM workflow_events WHERE instance_id = ? AND version = ?`,
				instanceID, expectedVersion+1).Scan(&persistedID)
			if err == nil && persistedID == events[0].ID {
				return current, nil
			}
		}
		return 0, ErrVersionConflict
	}

	for i, ev := range events {
		version := expectedVersion + int64(i) + 1
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_events (id, instance_id, version, kind, payload, at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			ev.ID, instanceID, version, ev.Kind, string(ev.Payload), ev.At.UTC())
		if err != nil {
			return 0, fmt.Errorf("failed to append event at version %d: %w", version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}
	return expectedVersion + int64(len(events)), nil
}

// ReadRange implements EventLog.
func (s *MySQLStore) ReadRange(ctx context.Context, instanceID string, from, to int64) ([]Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, instance_id, version, kind, payload, at
		FROM workflow_events WHERE instance_id = ? AND version > ?`
	args := []any{instanceID, from}
	if to > 0 {
		query += ` AND version <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY version ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.Version, &ev.Kind, &payload, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// LatestVersion implements EventLog.
func (s *MySQLStore) LatestVersion(ctx context.Context, instanceID string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_events WHERE instance_id = ?`,
		instanceID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest version: %w", err)
	}
	return v, nil
}

// SaveSnapshot implements SnapshotStore.
func (s *MySQLStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT IGNORE INTO workflow_snapshots (instance_id, version, state, taken_at)
		 VALUES (?, ?, ?, ?)`,
		snap.InstanceID, snap.Version, string(snap.State), snap.TakenAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot implements SnapshotStore.
func (s *MySQLStore) LatestSnapshot(ctx context.Context, instanceID string) (Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return Snapshot{}, err
	}

	var (
		snap  Snapshot
		state string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, version, state, taken_at FROM workflow_snapshots
		 WHERE instance_id = ? ORDER BY version DESC LIMIT 1`,
		instanceID).Scan(&snap.InstanceID, &snap.Version, &state, &snap.TakenAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	snap.State = json.RawMessage(state)
	return snap, nil
}

// Deliver implements Mailbox.
func (s *MySQLStore) Deliver(ctx context.Context, msg Message) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM workflow_mailbox
		 WHERE instance_id = ? AND name = ? FOR UPDATE`,
		msg.InstanceID, msg.Name).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read mailbox seq: %w", err)
	}

	// INSERT IGNORE collapses at-least-once redelivery on the message ID.
	_, err = tx.ExecContext(ctx,
		`INSERT IGNORE INTO workflow_mailbox (id, instance_id, name, seq, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.InstanceID, msg.Name, seq+1, string(msg.Payload), msg.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to deliver message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delivery: %w", err)
	}
	return nil
}

// Take implements Mailbox.
func (s *MySQLStore) Take(ctx context.Context, instanceID, name string, filter func(json.RawMessage) bool) (Message, bool, error) {
	if err := s.checkOpen(); err != nil {
		return Message{}, false, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, name, seq, payload, received_at FROM workflow_mailbox
		 WHERE instance_id = ? AND name = ? ORDER BY seq ASC`,
		instanceID, name)
	if err != nil {
		return Message{}, false, fmt.Errorf("failed to query mailbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		msg   Message
		found bool
	)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&msg.ID, &msg.InstanceID, &msg.Name, &msg.Seq, &payload, &msg.ReceivedAt); err != nil {
			return Message{}, false, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Payload = json.RawMessage(payload)
		if filter == nil || filter(msg.Payload) {
			found = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return Message{}, false, fmt.Errorf("error iterating mailbox rows: %w", err)
	}
	_ = rows.Close()
	if !found {
		return Message{}, false, nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_mailbox WHERE id = ?`, msg.ID); err != nil {
		return Message{}, false, fmt.Errorf("failed to consume message: %w", err)
	}
	return msg, true, nil
}

// PurgeBefore implements Mailbox.
func (s *MySQLStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_mailbox WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge mailbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ScheduleWake implements TimerStore.
func (s *MySQLStore) ScheduleWake(ctx context.Context, t Timer) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_timers (instance_id, fire_at) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE fire_at = VALUES(fire_at)`,
		t.InstanceID, t.FireAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to schedule wake: %w", err)
	}
	return nil
}

// CancelWake implements TimerStore.
func (s *MySQLStore) CancelWake(ctx context.Context, instanceID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_timers WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("failed to cancel wake: %w", err)
	}
	return nil
}

// DueTimers implements TimerStore.
func (s *MySQLStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT instance_id, fire_at FROM workflow_timers WHERE fire_at <= ? ORDER BY fire_at ASC`
	args := []any{now.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query timers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []Timer
	for rows.Next() {
		var t Timer
		if err := rows.Scan(&t.InstanceID, &t.FireAt); err != nil {
			return nil, fmt.Errorf("failed to scan timer row: %w", err)
		}
		due = append(due, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timer rows: %w", err)
	}
	return due, nil
}

// PutInstance implements InstanceIndex.
func (s *MySQLStore) PutInstance(ctx context.Context, inst Instance) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	parties, err := json.Marshal(inst.Parties)
	if err != nil {
		return fmt.Errorf("failed to marshal parties: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_instances
		 (id, kind, status, state, version, pitch_id, parties, token, last_error, created_at, last_advanced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
			kind = VALUES(kind), status = VALUES(status), state = VALUES(state),
			version = VALUES(version), pitch_id = VALUES(pitch_id),
			parties = VALUES(parties), token = VALUES(token),
			last_error = VALUES(last_error), last_advanced_at = VALUES(last_advanced_at)`,
		inst.ID, inst.Kind, inst.Status, inst.State, inst.Version, inst.PitchID,
		string(parties), inst.Token, inst.LastError, inst.CreatedAt.UTC(), inst.LastAdvancedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to put instance: %w", err)
	}
	return nil
}

// GetInstance implements InstanceIndex.
func (s *MySQLStore) GetInstance(ctx context.Context, id string) (Instance, error) {
	if err := s.checkOpen(); err != nil {
		return Instance{}, err
	}

	var (
		inst    Instance
		parties string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, status, state, version, pitch_id, parties, token, last_error, created_at, last_advanced_at
		 FROM workflow_instances WHERE id = ?`, id).Scan(
		&inst.ID, &inst.Kind, &inst.Status, &inst.State, &inst.Version, &inst.PitchID,
		&parties, &inst.Token, &inst.LastError, &inst.CreatedAt, &inst.LastAdvancedAt)
	if err == sql.ErrNoRows {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("failed to get instance: %w", err)
	}
	if err := json.Unmarshal([]byte(parties), &inst.Parties); err != nil {
		return Instance{}, fmt.Errorf("failed to unmarshal parties: %w", err)
	}
	return inst, nil
}

// ListInstances implements InstanceIndex.
func (s *MySQLStore) ListInstances(ctx context.Context, f Filter) ([]Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, kind, status, state, version, pitch_id, parties, token, last_error, created_at, last_advanced_at
		FROM workflow_instances WHERE 1=1`
	var args []any
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.PitchID != "" {
		query += ` AND pitch_id = ?`
		args = append(args, f.PitchID)
	}
	if f.Party != "" {
		query += ` AND JSON_CONTAINS(parties, JSON_QUOTE(?))`
		args = append(args, strings.ReplaceAll(f.Party, `"`, ``))
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Instance
	for rows.Next() {
		var (
			inst    Instance
			parties string
		)
		if err := rows.Scan(&inst.ID, &inst.Kind, &inst.Status, &inst.State, &inst.Version,
			&inst.PitchID, &parties, &inst.Token, &inst.LastError,
			&inst.CreatedAt, &inst.LastAdvancedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instance row: %w", err)
		}
		if err := json.Unmarshal([]byte(parties), &inst.Parties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parties: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instance rows: %w", err)
	}
	return out, nil
}

// LookupToken implements InstanceIndex.
func (s *MySQLStore) LookupToken(ctx context.Context, token string) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM workflow_instances WHERE token = ? LIMIT 1`, token).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up token: %w", err)
	}
	return id, true, nil
}

// PutProviderRef implements InstanceIndex.
func (s *MySQLStore) PutProviderRef(ctx context.Context, ref, instanceID, eventName string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_refs (ref, instance_id, event_name) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		   instance_id = VALUES(instance_id),
		   event_name = VALUES(event_name)`,
		ref, instanceID, eventName)
	if err != nil {
		return fmt.Errorf("failed to put provider ref: %w", err)
	}
	return nil
}

// ResolveProviderRef implements InstanceIndex.
func (s *MySQLStore) ResolveProviderRef(ctx context.Context, ref string) (string, string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", "", false, err
	}

	var id, event string
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, event_name FROM provider_refs WHERE ref = ?`, ref).Scan(&id, &event)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("failed to resolve provider ref: %w", err)
	}
	return id, event, true, nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}
