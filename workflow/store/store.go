// Package store provides persistence backends for the workflow runtime.
//
// The runtime persists five collections per deployment:
//
//   - workflow_events: the append-only event log, one contiguous version
//     sequence per instance
//   - workflow_snapshots: derived state snapshots used to bound replay cost
//   - workflow_mailbox: durable per-(instance, event name) FIFO of external
//     event messages
//   - workflow_timers: durable scheduled wakeups
//   - workflow_instances: the instance index used for status queries,
//     listing, idempotent start tokens and provider reference resolution
//
// Implementations:
//   - MemStore: in-memory, for tests and single-process development
//   - SQLiteStore: single-file database via modernc.org/sqlite
//   - MySQLStore: shared database for multi-process deployments
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested instance, snapshot, or record
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by Append when the persisted version does
// not match the caller's expected version. The caller must rebuild state
// from the log and retry.
var ErrVersionConflict = errors.New("version conflict")

// Event is one append-only record in an instance's event log.
//
// Versions are 1-based and contiguous per instance. The Kind and Payload
// fields are opaque to the store; the workflow package defines the kinds
// and payload encodings.
type Event struct {
	// ID is a deterministic unique identifier for this event. Appends
	// retried after an ambiguous IO error reuse the same IDs so duplicates
	// can be detected.
	ID string `json:"id"`

	// InstanceID identifies the owning workflow instance.
	InstanceID string `json:"instance_id"`

	// Version is the 1-based position in the instance's log. Assigned by
	// Append; zero on input.
	Version int64 `json:"version"`

	// Kind is the event kind tag (e.g. "step_succeeded").
	Kind string `json:"kind"`

	// Payload is the kind-specific encoded payload.
	Payload json.RawMessage `json:"payload"`

	// At is the time the event was recorded.
	At time.Time `json:"at"`
}

// Snapshot is a derived-state checkpoint at a given log version.
//
// Snapshots are strictly derivative: losing every snapshot must not lose
// instance state, because state is always recomputable from the log.
type Snapshot struct {
	InstanceID string          `json:"instance_id"`
	Version    int64           `json:"version"`
	State      json.RawMessage `json:"state"`
	TakenAt    time.Time       `json:"taken_at"`
}

// Message is one external event delivery queued in an instance mailbox.
// Seq orders messages FIFO within (InstanceID, Name).
type Message struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id"`
	Name       string          `json:"name"`
	Seq        int64           `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Timer is a durable scheduled wakeup for an instance. At most one timer
// is outstanding per instance (the runtime enforces at most one wait).
type Timer struct {
	InstanceID string    `json:"instance_id"`
	FireAt     time.Time `json:"fire_at"`
}

// Instance is the indexed row for one workflow instance. It is a cache of
// log-derived fields used for queries; the event log remains authoritative.
type Instance struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	State          string    `json:"state"`
	Version        int64     `json:"version"`
	PitchID        string    `json:"pitch_id,omitempty"`
	Parties        []string  `json:"parties,omitempty"`
	Token          string    `json:"token,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAdvancedAt time.Time `json:"last_advanced_at"`
}

// Filter selects instances for ListInstances. Zero-value fields match all.
type Filter struct {
	Kind    string
	Party   string
	PitchID string
	Limit   int
	Offset  int
}

// EventLog is the append-only per-instance event log.
type EventLog interface {
	// Append atomically appends events to an instance's log, assigning
	// consecutive versions starting at expectedVersion+1. It returns the
	// new latest version, or ErrVersionConflict if the persisted latest
	// version differs from expectedVersion.
	//
	// Append is durable before returning success. Callers must not assume
	// an IO-error append did not persist; deterministic event IDs allow
	// duplicate detection on retry.
	Append(ctx context.Context, instanceID string, expectedVersion int64, events []Event) (int64, error)

	// ReadRange returns events with from < version <= to, ordered by
	// version ascending. A to of zero means "through latest".
	ReadRange(ctx context.Context, instanceID string, from, to int64) ([]Event, error)

	// LatestVersion returns the highest persisted version for an instance,
	// or zero if the instance has no events.
	LatestVersion(ctx context.Context, instanceID string) (int64, error)
}

// SnapshotStore persists derived-state snapshots.
type SnapshotStore interface {
	// SaveSnapshot persists a snapshot. Idempotent on (instance, version).
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LatestSnapshot returns the snapshot with the highest version for an
	// instance, or ErrNotFound if none exists.
	LatestSnapshot(ctx context.Context, instanceID string) (Snapshot, error)
}

// Mailbox is the durable inbox of external event messages per instance.
type Mailbox interface {
	// Deliver durably enqueues a message, assigning its Seq. Re-delivery
	// of a message ID already in the mailbox is a no-op (at-least-once
	// ingress collapses to exactly-once enqueue).
	Deliver(ctx context.Context, msg Message) error

	// Take consumes and returns the lowest-seq message matching the given
	// instance and event name for which filter returns true (a nil filter
	// matches everything). The boolean reports whether a message was taken.
	Take(ctx context.Context, instanceID, name string, filter func(json.RawMessage) bool) (Message, bool, error)

	// PurgeBefore removes messages received before the cutoff, returning
	// the number removed. Used for mailbox retention.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// TimerStore persists scheduled wakeups across restarts.
type TimerStore interface {
	// ScheduleWake sets the instance's wakeup time, replacing any existing
	// timer for the instance.
	ScheduleWake(ctx context.Context, t Timer) error

	// CancelWake removes the instance's timer. Idempotent.
	CancelWake(ctx context.Context, instanceID string) error

	// DueTimers returns up to limit timers with FireAt <= now, ordered by
	// FireAt ascending. Returned timers are not removed; callers cancel
	// them after handling so a crash re-delivers.
	DueTimers(ctx context.Context, now time.Time, limit int) ([]Timer, error)
}

// InstanceIndex stores queryable instance rows, start tokens, and provider
// reference mappings.
type InstanceIndex interface {
	// PutInstance inserts or replaces an instance row.
	PutInstance(ctx context.Context, inst Instance) error

	// GetInstance returns an instance row or ErrNotFound.
	GetInstance(ctx context.Context, id string) (Instance, error)

	// ListInstances returns rows matching the filter, newest first.
	ListInstances(ctx context.Context, f Filter) ([]Instance, error)

	// LookupToken resolves an idempotent start token to an instance ID.
	// The boolean reports whether the token is known.
	LookupToken(ctx context.Context, token string) (string, bool, error)

	// PutProviderRef records a provider-side reference (payment intent id,
	// signature envelope id) with the workflow event name its webhooks map
	// to. Idempotent.
	PutProviderRef(ctx context.Context, ref, instanceID, eventName string) error

	// ResolveProviderRef maps a provider-side reference to the instance ID
	// and event name it was recorded with.
	ResolveProviderRef(ctx context.Context, ref string) (instanceID, eventName string, ok bool, err error)
}

// Store combines every persistence concern the runtime needs. A single
// implementation backs all five collections so appends, mailbox writes and
// index updates can share one database.
type Store interface {
	EventLog
	SnapshotStore
	Mailbox
	TimerStore
	InstanceIndex
}
