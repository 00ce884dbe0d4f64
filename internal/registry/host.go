// Package registry holds the authoritative host table logic: the host
// record model, the store port and the registration processor.
package registry

import (
	"context"
	"errors"
	"time"
)

// Host liveness states.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// DNS synchronization states for a host record.
type DNSSyncState string

const (
	DNSPending DNSSyncState = "pending"
	DNSSynced  DNSSyncState = "synced"
	DNSFailed  DNSSyncState = "failed"
)

// Host is the authoritative record for one registered hostname.
type Host struct {
	Hostname     string       `json:"hostname"`
	CurrentIP    string       `json:"current_ip"`
	FirstSeen    time.Time    `json:"first_seen"`
	LastSeen     time.Time    `json:"last_seen"`
	Status       Status       `json:"status"`
	DNSZone      string       `json:"dns_zone,omitempty"`
	DNSSyncState DNSSyncState `json:"dns_sync_state"`
	DNSLastError string       `json:"dns_last_error,omitempty"`
}

// Store errors.
var (
	ErrHostExists   = errors.New("registry: hostname already registered")
	ErrHostNotFound = errors.New("registry: hostname not found")
)

// HostStore is the persistence port for the host table. All methods are
// safe for concurrent use; transaction scope is a single call.
type HostStore interface {
	// Get returns the host record, or ErrHostNotFound.
	Get(ctx context.Context, hostname string) (*Host, error)
	// Create inserts a new record with status online and first_seen =
	// last_seen = now. Fails with ErrHostExists if present.
	Create(ctx context.Context, hostname, ip, zone string) (*Host, error)
	// UpdateIP sets current_ip, bumps last_seen and restores status online.
	UpdateIP(ctx context.Context, hostname, newIP string) error
	// Touch bumps last_seen only and restores status online.
	Touch(ctx context.Context, hostname string) error
	// MarkOffline sets status offline.
	MarkOffline(ctx context.Context, hostname string) error
	// ListStale returns online hosts whose last_seen predates the cutoff.
	ListStale(ctx context.Context, notSeenSince time.Time) ([]*Host, error)
	// List returns every host record, newest registration first.
	List(ctx context.Context) ([]*Host, error)
	// SetDNSState records the DNS synchronization outcome.
	SetDNSState(ctx context.Context, hostname string, state DNSSyncState, dnsError string) error
}
