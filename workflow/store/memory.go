package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process deployments where durability isn't required
//
// MemStore is thread-safe. All data is lost when the process terminates;
// production deployments should use SQLiteStore or MySQLStore.
type MemStore struct {
	mu        sync.RWMutex
	events    map[string][]Event     // instanceID -> ordered log
	snapshots map[string][]Snapshot  // instanceID -> snapshots by version asc
	mailbox   map[string][]Message   // instanceID -> messages by seq asc
	msgIDs    map[string]bool        // delivered message IDs (dedupe)
	nextSeq   map[string]int64       // instanceID+name -> next seq
	timers    map[string]Timer       // instanceID -> timer
	instances map[string]Instance    // instanceID -> row
	tokens    map[string]string      // client token -> instanceID
	refs      map[string]providerRef // provider ref -> target
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		events:    make(map[string][]Event),
		snapshots: make(map[string][]Snapshot),
		mailbox:   make(map[string][]Message),
		msgIDs:    make(map[string]bool),
		nextSeq:   make(map[string]int64),
		timers:    make(map[string]Timer),
		instances: make(map[string]Instance),
		tokens:    make(map[string]string),
		refs:      make(map[string]providerRef),
	}
}

// Append implements EventLog.
func (m *MemStore) Append(_ context.Context, instanceID string, expectedVersion int64, events []Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.events[instanceID]
	current := int64(len(log))
	if current != expectedVersion {
		// Retried append after an ambiguous failure: if the events at the
		// contested versions carry the same deterministic IDs, the earlier
		// attempt persisted and this append already succeeded.
		if current == expectedVersion+int64(len(events)) && len(events) > 0 {
			match := true
			for i, ev := range events {
				if log[expectedVersion+int64(i)].ID != ev.ID {
					match = false
					break
				}
			}
			if match {
				return current, nil
			}
		}
		return 0, ErrVersionConflict
	}

	for i := range events {
		ev := events[i]
		ev.InstanceID = instanceID
		ev.Version = expectedVersion + int64(i) + 1
		log = append(log, ev)
	}
	m.events[instanceID] = log
	return int64(len(log)), nil
}

// ReadRange implements EventLog. Returns events with from < version <= to.
func (m *MemStore) ReadRange(_ context.Context, instanceID string, from, to int64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.events[instanceID]
	if to <= 0 || to > int64(len(log)) {
		to = int64(len(log))
	}
	if from < 0 {
		from = 0
	}
	if from >= to {
		return nil, nil
	}
	out := make([]Event, to-from)
	copy(out, log[from:to])
	return out, nil
}

// LatestVersion implements EventLog.
func (m *MemStore) LatestVersion(_ context.Context, instanceID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events[instanceID])), nil
}

// SaveSnapshot implements SnapshotStore. Idempotent on (instance, version).
func (m *MemStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.snapshots[snap.InstanceID]
	for _, s := range snaps {
		if s.Version == snap.Version {
			return nil
		}
	}
	snaps = append(snaps, snap)
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Version < snaps[j].Version })
	m.snapshots[snap.InstanceID] = snaps
	return nil
}

// LatestSnapshot implements SnapshotStore.
func (m *MemStore) LatestSnapshot(_ context.Context, instanceID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.snapshots[instanceID]
	if len(snaps) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return snaps[len(snaps)-1], nil
}

// Deliver implements Mailbox. Duplicate message IDs are dropped.
func (m *MemStore) Deliver(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID != "" && m.msgIDs[msg.ID] {
		return nil
	}
	key := msg.InstanceID + "\x00" + msg.Name
	m.nextSeq[key]++
	msg.Seq = m.nextSeq[key]
	m.mailbox[msg.InstanceID] = append(m.mailbox[msg.InstanceID], msg)
	if msg.ID != "" {
		m.msgIDs[msg.ID] = true
	}
	return nil
}

// Take implements Mailbox. Consumes the lowest-seq matching message.
func (m *MemStore) Take(_ context.Context, instanceID, name string, filter func(json.RawMessage) bool) (Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.mailbox[instanceID]
	best := -1
	for i, msg := range msgs {
		if msg.Name != name {
			continue
		}
		if filter != nil && !filter(msg.Payload) {
			continue
		}
		if best < 0 || msg.Seq < msgs[best].Seq {
			best = i
		}
	}
	if best < 0 {
		return Message{}, false, nil
	}
	taken := msgs[best]
	m.mailbox[instanceID] = append(msgs[:best], msgs[best+1:]...)
	return taken, true, nil
}

// PurgeBefore implements Mailbox.
func (m *MemStore) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, msgs := range m.mailbox {
		kept := msgs[:0]
		for _, msg := range msgs {
			if msg.ReceivedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		m.mailbox[id] = kept
	}
	return removed, nil
}

// ScheduleWake implements TimerStore. Replaces any existing timer.
func (m *MemStore) ScheduleWake(_ context.Context, t Timer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[t.InstanceID] = t
	return nil
}

// CancelWake implements TimerStore.
func (m *MemStore) CancelWake(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, instanceID)
	return nil
}

// DueTimers implements TimerStore.
func (m *MemStore) DueTimers(_ context.Context, now time.Time, limit int) ([]Timer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []Timer
	for _, t := range m.timers {
		if !t.FireAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// PutInstance implements InstanceIndex.
func (m *MemStore) PutInstance(_ context.Context, inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.instances[inst.ID] = inst
	if inst.Token != "" {
		m.tokens[inst.Token] = inst.ID
	}
	return nil
}

// GetInstance implements InstanceIndex.
func (m *MemStore) GetInstance(_ context.Context, id string) (Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst, nil
}

// ListInstances implements InstanceIndex. Results are ordered newest first.
func (m *MemStore) ListInstances(_ context.Context, f Filter) ([]Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Instance
	for _, inst := range m.instances {
		if f.Kind != "" && inst.Kind != f.Kind {
			continue
		}
		if f.PitchID != "" && inst.PitchID != f.PitchID {
			continue
		}
		if f.Party != "" && !containsParty(inst.Parties, f.Party) {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// LookupToken implements InstanceIndex.
func (m *MemStore) LookupToken(_ context.Context, token string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tokens[token]
	return id, ok, nil
}

type providerRef struct {
	instanceID string
	eventName  string
}

// PutProviderRef implements InstanceIndex.
func (m *MemStore) PutProviderRef(_ context.Context, ref, instanceID, eventName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[ref] = providerRef{instanceID: instanceID, eventName: eventName}
	return nil
}

// ResolveProviderRef implements InstanceIndex.
func (m *MemStore) ResolveProviderRef(_ context.Context, ref string) (string, string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.refs[ref]
	return r.instanceID, r.eventName, ok, nil
}

func containsParty(parties []string, p string) bool {
	for _, q := range parties {
		if q == p {
			return true
		}
	}
	return false
}
