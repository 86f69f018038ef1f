package notifications

import (
	"context"
	"time"
)

// EventType names an event pushed to stream subscribers
type EventType string

const (
	EventIssuanceCompleted      EventType = "issuance.completed"
	EventPurchaseCompleted      EventType = "purchase.completed"
	EventReconciliationRequired EventType = "reconciliation.required"
)

// Event is a registry state change fanned out to websocket clients
type Event struct {
	Type      EventType      `json:"type"`
	ProjectID string         `json:"project_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alert asks an operator to reconcile an issuance record
type Alert struct {
	RecordID  string    `json:"record_id"`
	ProjectID string    `json:"project_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier publishes events and raises reconciliation alerts. Delivery is
// best effort; callers never fail an operation because a notification did.
type Notifier interface {
	Publish(ctx context.Context, event Event)
	Alert(ctx context.Context, alert Alert)
}

// Discard is a Notifier that drops everything
var Discard Notifier = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}
func (discard) Alert(context.Context, Alert)   {}
