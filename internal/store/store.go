// Package store provides the relay's audit log. The default implementation
// uses SQLite (pure Go, no CGO). Presence state is never stored here; the
// log records what happened, it is not used to restore anything.
package store

import (
	"context"
	"time"
)

// EventType is the discriminator for audit events.
type EventType string

const (
	EventConnected    EventType = "conn.connected"
	EventReplaced     EventType = "conn.replaced"
	EventDisconnected EventType = "conn.disconnected"
	EventAuthGranted  EventType = "auth.granted"
	EventAuthRejected EventType = "auth.rejected"
	EventRunRouted    EventType = "run.routed"
	EventRunRejected  EventType = "run.rejected"
	EventRunResponse  EventType = "run.response"
	EventAccessDenied EventType = "access.denied"
)

// Event is one audit record. Detail never contains payload data or secrets.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Identity  string    `json:"identity"`
	ConnID    string    `json:"conn_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// EventFilter narrows EventList. Zero fields match everything.
type EventFilter struct {
	Identity string
	Type     EventType
	Since    time.Time
	Limit    int
}

// Store is the audit log interface. All methods are safe for concurrent use.
type Store interface {
	EventAppend(ctx context.Context, ev Event) error
	// EventList returns matching events, newest first.
	EventList(ctx context.Context, filter EventFilter) ([]Event, error)
	// EventPrune deletes events older than before and reports how many.
	EventPrune(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources (e.g. closes the database).
	Close() error
}
