// Package provider defines the egress interfaces the domain machines
// call from inside workflow steps: the relational entity store, document
// and template stores, payment and e-signature providers, and the
// notification sink.
//
// Providers are treated as unreliable and must tolerate at-least-once
// invocation; machines derive idempotency keys from instance id and step
// name. In-memory mocks for all interfaces live in mock.go.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// User is a marketplace account as the entity store exposes it.
type User struct {
	ID               string
	Email            string
	EmailVerified    bool
	PhoneVerified    bool
	IdentityVerified bool
	CompanyVerified  bool
	TrustScore       float64
	CreatedAt        time.Time

	// NDABreaches and NDADisputes summarize the account's NDA history
	// for risk scoring. Disputes count disagreements that did not end in
	// a breach finding.
	NDABreaches int
	NDADisputes int
}

// Pitch is a marketplace listing.
type Pitch struct {
	ID          string
	CreatorID   string
	Title       string
	TotalFunded int64
}

// Template is an NDA template as the template store exposes it.
type Template struct {
	ID string

	// Type is one of "standard", "enhanced", or "custom". Unknown types
	// are scored like custom.
	Type string

	Clauses    []string
	Complexity int
}

// Exclusivity describes the production-deal exclusivity hold on a pitch.
type Exclusivity struct {
	PitchID    string
	InstanceID string
	ExpiresAt  time.Time
}

// Active reports whether the hold is in force at the given time.
func (e Exclusivity) Active(now time.Time) bool {
	return e.InstanceID != "" && e.ExpiresAt.After(now)
}

// NDARecord is the persisted row for an executed NDA.
type NDARecord struct {
	InstanceID  string
	RequesterID string
	PitchID     string
	TemplateID  string
	RiskScore   int
	RiskLevel   string
	SignedAt    time.Time
	ExpiresAt   time.Time
}

// EntityStore is the relational store of business entities. Reads within
// a step observe that step's earlier writes.
type EntityStore interface {
	GetUser(ctx context.Context, id string) (User, error)
	GetPitch(ctx context.Context, id string) (Pitch, error)

	// AddPitchFunding increments a pitch's funded total.
	AddPitchFunding(ctx context.Context, pitchID string, amount int64) error

	// ActiveProjectCount returns the company's number of active
	// production projects, for the capacity rule.
	ActiveProjectCount(ctx context.Context, companyID string) (int, error)

	// PitchExclusivity returns the current exclusivity hold on a pitch;
	// a zero-value Exclusivity means no hold was ever granted.
	PitchExclusivity(ctx context.Context, pitchID string) (Exclusivity, error)

	// GrantExclusivity installs a hold for the given deal instance,
	// replacing any expired hold. Granting over another instance's
	// active hold is an error.
	GrantExclusivity(ctx context.Context, pitchID, instanceID string, until time.Time) error

	// ReleaseExclusivity clears the hold if the given instance owns it.
	// Idempotent.
	ReleaseExclusivity(ctx context.Context, pitchID, instanceID string) error

	// EnqueueWaitlist appends a deal instance to the pitch's FIFO
	// waitlist. Re-enqueueing the same instance is a no-op.
	EnqueueWaitlist(ctx context.Context, pitchID, instanceID string) error

	// PopWaitlist removes and returns the earliest-queued instance on
	// the pitch's waitlist. ok is false when the waitlist is empty.
	PopWaitlist(ctx context.Context, pitchID string) (instanceID string, ok bool, err error)

	// HasActiveNDA reports whether the requester already holds an
	// unexpired NDA on the pitch.
	HasActiveNDA(ctx context.Context, requesterID, pitchID string) (bool, error)

	// PutNDA persists an executed NDA row. Idempotent on InstanceID.
	PutNDA(ctx context.Context, rec NDARecord) error

	// GrantPitchAccess opens the pitch's protected materials to the user
	// until the given time. RevokePitchAccess closes them; idempotent.
	GrantPitchAccess(ctx context.Context, userID, pitchID string, until time.Time) error
	RevokePitchAccess(ctx context.Context, userID, pitchID string) error
}

// DocumentStore persists generated documents. Overwrites are idempotent.
type DocumentStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// TemplateStore resolves NDA templates.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (Template, error)
}

// PaymentProvider is the escrow payment gateway. Webhook events
// (payment.succeeded, payment.failed, payment.processing) arrive through
// the ingress layer, resolved to instances via provider refs.
type PaymentProvider interface {
	// HoldFunds places funds in escrow. Calls with the same idempotency
	// key return the same intent id without a second hold.
	HoldFunds(ctx context.Context, idempotencyKey string, amount int64, metadata map[string]string) (intentID string, err error)

	// ReleaseFunds pays the held amount out.
	ReleaseFunds(ctx context.Context, intentID string) error

	// Refund returns the held amount to the payer. Idempotent.
	Refund(ctx context.Context, intentID string) error
}

// SignatureProvider is the e-signature gateway. Webhook events
// (envelope.sent|delivered|completed|declined|voided) arrive through the
// ingress layer.
type SignatureProvider interface {
	CreateEnvelope(ctx context.Context, templateID string, recipients []string, metadata map[string]string) (envelopeID string, err error)
}

// Notification is one outbound user notification.
type Notification struct {
	Type        string
	RecipientID string
	// Channels is a subset of {"email", "push", "in_app"}.
	Channels []string
	Priority string
	Data     map[string]string
}

// NotificationSink enqueues notifications for delivery.
type NotificationSink interface {
	Enqueue(ctx context.Context, n Notification) error
}
