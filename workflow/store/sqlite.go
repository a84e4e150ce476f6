package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It persists every runtime collection in a single-file database. Designed
// for:
//   - Development and testing with zero setup
//   - Single-process deployments that need durability across restarts
//   - Prototyping before migrating to MySQL
//
// SQLiteStore enables WAL mode so readers are not blocked by the single
// writer, and runs all multi-row operations in transactions.
//
// Schema:
//   - workflow_events: append-only event log, UNIQUE(instance_id, version)
//   - workflow_snapshots: derived snapshots, UNIQUE(instance_id, version)
//   - workflow_mailbox: external event messages, FIFO per (instance, name)
//   - workflow_timers: one scheduled wakeup per instance
//   - workflow_instances: instance index with token and party columns
//   - provider_refs: provider reference -> instance mapping for webhooks
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store.
//
// The path may be a file path or ":memory:" for tests. The constructor
// enables WAL mode, foreign keys and a 5 second busy timeout, and creates
// the schema if it does not exist.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./dealflow.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			at TIMESTAMP NOT NULL,
			UNIQUE(instance_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_instance ON workflow_events(instance_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_snapshots (
			instance_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			state TEXT NOT NULL,
			taken_at TIMESTAMP NOT NULL,
			UNIQUE(instance_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_mailbox (
			id TEXT NOT NULL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			name TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			received_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_instance_name ON workflow_mailbox(instance_id, name, seq)`,
		`CREATE TABLE IF NOT EXISTS workflow_timers (
			instance_id TEXT NOT NULL PRIMARY KEY,
			fire_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timers_fire_at ON workflow_timers(fire_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT NOT NULL PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			pitch_id TEXT NOT NULL DEFAULT '',
			parties TEXT NOT NULL DEFAULT '[]',
			token TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			last_advanced_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_token ON workflow_instances(token)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_pitch ON workflow_instances(pitch_id)`,
		`CREATE TABLE IF NOT EXISTS provider_refs (
			ref TEXT NOT NULL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			event_name TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Append implements EventLog. The version check and inserts run in one
// transaction so the append is all-or-nothing.
func (s *SQLiteStore) Append(ctx context.Context, instanceID string, expectedVersion int64, events []Event) (int64, error) {
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
		`SELECT COALESCE(MAX(version), 0) FROM workflow_events WHERE instance_id = ?`,
		instanceID).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read latest version: %w", err)
	}

	if current != expectedVersion {
		// A retried append whose first attempt persisted is detectable by
		// matching deterministic event IDs at the contested versions.
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
			ev.ID, instanceID, version, ev.Kind, string(ev.Payload), ev.At.UTC().Format(time.RFC3339Nano))
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
func (s *SQLiteStore) ReadRange(ctx context.Context, instanceID string, from, to int64) ([]Event, error) {
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
			at      string
		)
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.Version, &ev.Kind, &payload, &at); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// LatestVersion implements EventLog.
func (s *SQLiteStore) LatestVersion(ctx context.Context, instanceID string) (int64, error) {
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

// SaveSnapshot implements SnapshotStore. Idempotent on (instance, version).
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_snapshots (instance_id, version, state, taken_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(instance_id, version) DO NOTHING`,
		snap.InstanceID, snap.Version, string(snap.State), snap.TakenAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot implements SnapshotStore.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, instanceID string) (Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return Snapshot{}, err
	}

	var (
		snap  Snapshot
		state string
		at    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, version, state, taken_at FROM workflow_snapshots
		 WHERE instance_id = ? ORDER BY version DESC LIMIT 1`,
		instanceID).Scan(&snap.InstanceID, &snap.Version, &state, &at)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	snap.State = json.RawMessage(state)
	if snap.TakenAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse snapshot timestamp: %w", err)
	}
	return snap, nil
}

// Deliver implements Mailbox. Seq assignment and insert share a transaction
// to preserve FIFO per (instance, name).
func (s *SQLiteStore) Deliver(ctx context.Context, msg Message) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if msg.ID != "" {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM workflow_mailbox WHERE id = ?`, msg.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check message id: %w", err)
		}
		if exists > 0 {
			return nil
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM workflow_mailbox WHERE instance_id = ? AND name = ?`,
		msg.InstanceID, msg.Name).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read mailbox seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_mailbox (id, instance_id, name, seq, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.InstanceID, msg.Name, seq+1, string(msg.Payload),
		msg.ReceivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to deliver message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delivery: %w", err)
	}
	return nil
}

// Take implements Mailbox.
func (s *SQLiteStore) Take(ctx context.Context, instanceID, name string, filter func(json.RawMessage) bool) (Message, bool, error) {
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
		var (
			payload string
			at      string
		)
		if err := rows.Scan(&msg.ID, &msg.InstanceID, &msg.Name, &msg.Seq, &payload, &at); err != nil {
			return Message{}, false, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Payload = json.RawMessage(payload)
		if msg.ReceivedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return Message{}, false, fmt.Errorf("failed to parse message timestamp: %w", err)
		}
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
func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_mailbox WHERE received_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to purge mailbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ScheduleWake implements TimerStore.
func (s *SQLiteStore) ScheduleWake(ctx context.Context, t Timer) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_timers (instance_id, fire_at) VALUES (?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET fire_at = excluded.fire_at`,
		t.InstanceID, t.FireAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to schedule wake: %w", err)
	}
	return nil
}

// CancelWake implements TimerStore.
func (s *SQLiteStore) CancelWake(ctx context.Context, instanceID string) error {
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
func (s *SQLiteStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT instance_id, fire_at FROM workflow_timers WHERE fire_at <= ? ORDER BY fire_at ASC`
	args := []any{now.UTC().Format(time.RFC3339Nano)}
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
		var (
			t  Timer
			at string
		)
		if err := rows.Scan(&t.InstanceID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan timer row: %w", err)
		}
		if t.FireAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("failed to parse timer timestamp: %w", err)
		}
		due = append(due, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timer rows: %w", err)
	}
	return due, nil
}

// PutInstance implements InstanceIndex.
func (s *SQLiteStore) PutInstance(ctx context.Context, inst Instance) error {
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
		 ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			status = excluded.status,
			state = excluded.state,
			version = excluded.version,
			pitch_id = excluded.pitch_id,
			parties = excluded.parties,
			token = excluded.token,
			last_error = excluded.last_error,
			last_advanced_at = excluded.last_advanced_at`,
		inst.ID, inst.Kind, inst.Status, inst.State, inst.Version, inst.PitchID,
		string(parties), inst.Token, inst.LastError,
		inst.CreatedAt.UTC().Format(time.RFC3339Nano),
		inst.LastAdvancedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put instance: %w", err)
	}
	return nil
}

// GetInstance implements InstanceIndex.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (Instance, error) {
	if err := s.checkOpen(); err != nil {
		return Instance{}, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, status, state, version, pitch_id, parties, token, last_error, created_at, last_advanced_at
		 FROM workflow_instances WHERE id = ?`, id)
	inst, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// ListInstances implements InstanceIndex. Party matching scans the JSON
// parties column; party IDs are opaque tokens so a substring match on the
// quoted value is exact.
func (s *SQLiteStore) ListInstances(ctx context.Context, f Filter) ([]Instance, error) {
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
		query += ` AND parties LIKE ?`
		args = append(args, `%"`+strings.ReplaceAll(f.Party, `"`, ``)+`"%`)
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
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance row: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instance rows: %w", err)
	}
	return out, nil
}

func scanInstance(scan func(...any) error) (Instance, error) {
	var (
		inst     Instance
		parties  string
		created  string
		advanced string
	)
	err := scan(&inst.ID, &inst.Kind, &inst.Status, &inst.State, &inst.Version,
		&inst.PitchID, &parties, &inst.Token, &inst.LastError, &created, &advanced)
	if err != nil {
		return Instance{}, err
	}
	if err := json.Unmarshal([]byte(parties), &inst.Parties); err != nil {
		return Instance{}, fmt.Errorf("failed to unmarshal parties: %w", err)
	}
	if inst.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return Instance{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if inst.LastAdvancedAt, err = time.Parse(time.RFC3339Nano, advanced); err != nil {
		return Instance{}, fmt.Errorf("failed to parse last_advanced_at: %w", err)
	}
	return inst, nil
}

// LookupToken implements InstanceIndex.
func (s *SQLiteStore) LookupToken(ctx context.Context, token string) (string, bool, error) {
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
func (s *SQLiteStore) PutProviderRef(ctx context.Context, ref, instanceID, eventName string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_refs (ref, instance_id, event_name) VALUES (?, ?, ?)
		 ON CONFLICT(ref) DO UPDATE SET
		   instance_id = excluded.instance_id,
		   event_name = excluded.event_name`,
		ref, instanceID, eventName)
	if err != nil {
		return fmt.Errorf("failed to put provider ref: %w", err)
	}
	return nil
}

// ResolveProviderRef implements InstanceIndex.
func (s *SQLiteStore) ResolveProviderRef(ctx context.Context, ref string) (string, string, bool, error) {
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
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
