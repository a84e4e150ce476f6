package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockEntityStore is an in-memory EntityStore for tests and single-
// process development.
type MockEntityStore struct {
	// Now supplies the store's notion of current time; tests point it
	// at a fake clock.
	Now func() time.Time

	mu          sync.Mutex
	users       map[string]User
	pitches     map[string]Pitch
	projects    map[string]int // companyID -> active project count
	exclusivity map[string]Exclusivity
	waitlists   map[string][]string
	ndas        map[string]NDARecord // instanceID -> record
	access      map[string]time.Time // userID+"\x00"+pitchID -> until
}

// NewMockEntityStore creates an empty entity store.
func NewMockEntityStore() *MockEntityStore {
	return &MockEntityStore{
		Now:         time.Now,
		users:       make(map[string]User),
		pitches:     make(map[string]Pitch),
		projects:    make(map[string]int),
		exclusivity: make(map[string]Exclusivity),
		waitlists:   make(map[string][]string),
		ndas:        make(map[string]NDARecord),
		access:      make(map[string]time.Time),
	}
}

// AddUser seeds a user.
func (m *MockEntityStore) AddUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// AddPitch seeds a pitch.
func (m *MockEntityStore) AddPitch(p Pitch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pitches[p.ID] = p
}

// SetActiveProjects seeds a company's active project count.
func (m *MockEntityStore) SetActiveProjects(companyID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[companyID] = n
}

// GetUser implements EntityStore.
func (m *MockEntityStore) GetUser(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

// GetPitch implements EntityStore.
func (m *MockEntityStore) GetPitch(_ context.Context, id string) (Pitch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pitches[id]
	if !ok {
		return Pitch{}, fmt.Errorf("pitch %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// AddPitchFunding implements EntityStore.
func (m *MockEntityStore) AddPitchFunding(_ context.Context, pitchID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pitches[pitchID]
	if !ok {
		return fmt.Errorf("pitch %s: %w", pitchID, ErrNotFound)
	}
	p.TotalFunded += amount
	m.pitches[pitchID] = p
	return nil
}

// ActiveProjectCount implements EntityStore.
func (m *MockEntityStore) ActiveProjectCount(_ context.Context, companyID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projects[companyID], nil
}

// PitchExclusivity implements EntityStore.
func (m *MockEntityStore) PitchExclusivity(_ context.Context, pitchID string) (Exclusivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exclusivity[pitchID], nil
}

// GrantExclusivity implements EntityStore.
func (m *MockEntityStore) GrantExclusivity(_ context.Context, pitchID, instanceID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.exclusivity[pitchID]
	if cur.InstanceID != instanceID && cur.Active(m.Now()) {
		return fmt.Errorf("pitch %s exclusivity held by %s", pitchID, cur.InstanceID)
	}
	m.exclusivity[pitchID] = Exclusivity{PitchID: pitchID, InstanceID: instanceID, ExpiresAt: until}
	return nil
}

// ReleaseExclusivity implements EntityStore.
func (m *MockEntityStore) ReleaseExclusivity(_ context.Context, pitchID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exclusivity[pitchID].InstanceID == instanceID {
		delete(m.exclusivity, pitchID)
	}
	return nil
}

// EnqueueWaitlist implements EntityStore.
func (m *MockEntityStore) EnqueueWaitlist(_ context.Context, pitchID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.waitlists[pitchID] {
		if id == instanceID {
			return nil
		}
	}
	m.waitlists[pitchID] = append(m.waitlists[pitchID], instanceID)
	return nil
}

// PopWaitlist implements EntityStore.
func (m *MockEntityStore) PopWaitlist(_ context.Context, pitchID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.waitlists[pitchID]
	if len(q) == 0 {
		return "", false, nil
	}
	m.waitlists[pitchID] = q[1:]
	return q[0], true, nil
}

// HasActiveNDA implements EntityStore.
func (m *MockEntityStore) HasActiveNDA(_ context.Context, requesterID, pitchID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.ndas {
		if rec.RequesterID == requesterID && rec.PitchID == pitchID && rec.ExpiresAt.After(m.Now()) {
			return true, nil
		}
	}
	return false, nil
}

// PutNDA implements EntityStore.
func (m *MockEntityStore) PutNDA(_ context.Context, rec NDARecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ndas[rec.InstanceID] = rec
	return nil
}

// GrantPitchAccess implements EntityStore.
func (m *MockEntityStore) GrantPitchAccess(_ context.Context, userID, pitchID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access[userID+"\x00"+pitchID] = until
	return nil
}

// RevokePitchAccess implements EntityStore.
func (m *MockEntityStore) RevokePitchAccess(_ context.Context, userID, pitchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.access, userID+"\x00"+pitchID)
	return nil
}

// AccessUntil reports the user's pitch access expiry, if any.
func (m *MockEntityStore) AccessUntil(userID, pitchID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.access[userID+"\x00"+pitchID]
	return t, ok
}

// WaitlistLen reports the pitch waitlist length.
func (m *MockEntityStore) WaitlistLen(pitchID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waitlists[pitchID])
}

// MockDocumentStore is an in-memory DocumentStore.
type MockDocumentStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMockDocumentStore creates an empty document store.
func NewMockDocumentStore() *MockDocumentStore {
	return &MockDocumentStore{docs: make(map[string][]byte)}
}

// Put implements DocumentStore.
func (m *MockDocumentStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = append([]byte(nil), data...)
	return nil
}

// Get implements DocumentStore.
func (m *MockDocumentStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[key]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Has reports whether a key was written.
func (m *MockDocumentStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[key]
	return ok
}

// MockTemplateStore is an in-memory TemplateStore.
type MockTemplateStore struct {
	mu        sync.Mutex
	templates map[string]Template
}

// NewMockTemplateStore creates a template store pre-seeded with the
// builtin "standard" and "enhanced" templates.
func NewMockTemplateStore() *MockTemplateStore {
	return &MockTemplateStore{templates: map[string]Template{
		"standard": {ID: "standard", Type: "standard", Complexity: 1},
		"enhanced": {ID: "enhanced", Type: "enhanced", Complexity: 2},
	}}
}

// AddTemplate seeds a template.
func (m *MockTemplateStore) AddTemplate(t Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
}

// GetTemplate implements TemplateStore.
func (m *MockTemplateStore) GetTemplate(_ context.Context, id string) (Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// MockPaymentProvider is an in-memory PaymentProvider recording every
// call, with optional failure injection.
type MockPaymentProvider struct {
	mu       sync.Mutex
	nextID   int
	byKey    map[string]string // idempotency key -> intent id
	Holds    map[string]int64  // intent id -> amount
	Released []string
	Refunded []string

	// HoldErr, when set, fails the next HoldFailures HoldFunds calls
	// (every call if HoldFailures is negative).
	HoldErr      error
	HoldFailures int
}

// NewMockPaymentProvider creates an empty payment provider.
func NewMockPaymentProvider() *MockPaymentProvider {
	return &MockPaymentProvider{
		byKey: make(map[string]string),
		Holds: make(map[string]int64),
	}
}

// HoldFunds implements PaymentProvider.
func (m *MockPaymentProvider) HoldFunds(_ context.Context, idempotencyKey string, amount int64, _ map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HoldErr != nil && (m.HoldFailures < 0 || m.HoldFailures > 0) {
		if m.HoldFailures > 0 {
			m.HoldFailures--
		}
		return "", m.HoldErr
	}
	if id, ok := m.byKey[idempotencyKey]; ok {
		return id, nil
	}
	m.nextID++
	id := fmt.Sprintf("pi_%04d", m.nextID)
	m.byKey[idempotencyKey] = id
	m.Holds[id] = amount
	return id, nil
}

// ReleaseFunds implements PaymentProvider.
func (m *MockPaymentProvider) ReleaseFunds(_ context.Context, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Holds[intentID]; !ok {
		return fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
	}
	m.Released = append(m.Released, intentID)
	return nil
}

// Refund implements PaymentProvider.
func (m *MockPaymentProvider) Refund(_ context.Context, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Holds[intentID]; !ok {
		return fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
	}
	for _, id := range m.Refunded {
		if id == intentID {
			return nil
		}
	}
	m.Refunded = append(m.Refunded, intentID)
	return nil
}

// MockSignatureProvider is an in-memory SignatureProvider.
type MockSignatureProvider struct {
	mu        sync.Mutex
	nextID    int
	Envelopes map[string][]string // envelope id -> recipients
}

// NewMockSignatureProvider creates an empty signature provider.
func NewMockSignatureProvider() *MockSignatureProvider {
	return &MockSignatureProvider{Envelopes: make(map[string][]string)}
}

// CreateEnvelope implements SignatureProvider.
func (m *MockSignatureProvider) CreateEnvelope(_ context.Context, _ string, recipients []string, _ map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("env_%04d", m.nextID)
	m.Envelopes[id] = append([]string(nil), recipients...)
	return id, nil
}

// MockNotificationSink records enqueued notifications.
type MockNotificationSink struct {
	mu   sync.Mutex
	Sent []Notification
}

// NewMockNotificationSink creates an empty sink.
func NewMockNotificationSink() *MockNotificationSink {
	return &MockNotificationSink{}
}

// Enqueue implements NotificationSink.
func (m *MockNotificationSink) Enqueue(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, n)
	return nil
}

// SentTypes lists the notification types enqueued so far, in order.
func (m *MockNotificationSink) SentTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, len(m.Sent))
	for i, n := range m.Sent {
		types[i] = n.Type
	}
	return types
}
