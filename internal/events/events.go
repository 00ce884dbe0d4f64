// Package events provides the in-process event bus connecting the
// registration pipeline to statistics and notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the registry and the liveness monitor.
const (
	TypeHostRegistered = "host_registered"
	TypeHostIPChanged  = "host_ip_changed"
	TypeHostRefreshed  = "host_refreshed"
	TypeHostOffline    = "host_offline"
	TypeDNSSyncFailed  = "dns_sync_failed"
)

// Event is one host lifecycle notification.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Hostname  string    `json:"hostname"`
	IP        string    `json:"ip,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an event with a fresh ID and the current UTC timestamp.
func New(eventType, hostname, ip, detail string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Hostname:  hostname,
		IP:        ip,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// Handler is a function that handles incoming events.
type Handler func(event Event)

// Bus defines the interface for publishing and subscribing to events.
type Bus interface {
	// Publish sends an event to all subscribers of its type.
	Publish(event Event)
	// Subscribe registers a handler for the given event types. An empty
	// type list subscribes to everything. Returns an unsubscribe function.
	Subscribe(handler Handler, types ...string) (unsubscribe func())
}
