// Package sink defines output backends for telereply host events.
//
// The session manager and rule store emit events (login prompts, rule
// triggers, status changes, structured log lines); sinks deliver them to
// the host UI, stdout, or any in-process consumer. Sinks observe, they do
// not mutate core state.
package sink

import (
	"context"
	"time"
)

// EventType discriminates host events.
type EventType string

const (
	// EventNeedsLogin carries QR login-artifact data for an account whose
	// session reached the login prompt.
	EventNeedsLogin EventType = "needsLogin"
	// EventLoginSuccess signals an already-authenticated (or freshly
	// authenticated) session.
	EventLoginSuccess EventType = "loginSuccess"
	// EventRuleTriggered signals an inbound message matched a rule.
	EventRuleTriggered EventType = "ruleTriggered"
	// EventSessionStatus signals a session lifecycle transition.
	EventSessionStatus EventType = "sessionStatusChanged"
	// EventLog carries a structured log line for the host log view.
	EventLog EventType = "log"
)

// Event is a single host-visible occurrence.
type Event struct {
	Type      EventType      `json:"type"`
	AccountID string         `json:"account_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level,omitempty"`   // log events
	Message   string         `json:"message,omitempty"` // log events
	Data      map[string]any `json:"data,omitempty"`
}

// Sink is the delivery interface. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}
