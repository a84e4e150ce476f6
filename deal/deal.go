// Package deal implements the three first-class domain machines of the
// marketplace (Investment, Production and NDA) on top of the workflow
// runtime, plus start-parameter validation and the NDA risk scorer.
//
// Machines are pure deciders: every external side effect (entity writes,
// documents, payments, signatures, notifications) runs inside a named
// workflow step, and every state change flows through the event log.
package deal

import (
	"context"
	"encoding/json"
	"time"
)

const day = 24 * time.Hour

// Refs records provider-side references (payment intent ids, signature
// envelope ids) with the workflow event name their webhooks resolve to.
// The workflow store's instance index satisfies this.
type Refs interface {
	PutProviderRef(ctx context.Context, ref, instanceID, eventName string) error
}

// EventDeliverer delivers an external event to another workflow
// instance. The scheduler satisfies this; the production machine uses it
// to wake the next waitlisted deal when exclusivity releases.
type EventDeliverer interface {
	Deliver(ctx context.Context, instanceID, name, msgID string, payload json.RawMessage) error
}

// statusPayload is the shape of signature and payment webhook events.
type statusPayload struct {
	Status string `json:"status"`
}

// signatureTerminal accepts only envelope statuses that resolve a
// signature wait; sent/delivered progress pings stay queued for states
// that consume them.
func signatureTerminal(raw json.RawMessage) bool {
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	switch p.Status {
	case "completed", "declined", "voided":
		return true
	}
	return false
}

// paymentTerminal accepts only final payment statuses; processing pings
// are left unconsumed.
func paymentTerminal(raw json.RawMessage) bool {
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.Status == "succeeded" || p.Status == "failed"
}
