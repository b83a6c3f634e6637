// Package notify is the fire-and-forget realtime push collaborator. Delivery
// failures are logged and never propagate back into trade or settlement flows.
package notify

import "log"

// Event is a realtime push keyed by the receiving user.
type Event struct {
	UserID  string                 `json:"user_id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Notifier pushes events to connected clients.
type Notifier interface {
	Push(event Event)
}

// LogNotifier writes events to the process log. Used until a realtime
// transport is wired in, and as the default in tests.
type LogNotifier struct{}

func (LogNotifier) Push(event Event) {
	log.Printf("[Notify] %s -> %s", event.Type, event.UserID)
}

// NopNotifier drops all events.
type NopNotifier struct{}

func (NopNotifier) Push(Event) {}
