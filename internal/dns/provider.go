// Package dns defines the provider port through which accepted registrations
// are propagated to an authoritative zone, plus the implementations the
// server can be configured with.
package dns

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EnsureResult is the outcome of an idempotent record upsert.
type EnsureResult string

const (
	Created   EnsureResult = "created"
	Updated   EnsureResult = "updated"
	Unchanged EnsureResult = "unchanged"
)

// DeleteResult is the outcome of a record removal.
type DeleteResult string

const (
	Deleted DeleteResult = "deleted"
	Absent  DeleteResult = "absent"
)

// ErrorKind classifies provider failures. Only Transient is retryable.
type ErrorKind int

const (
	Unreachable ErrorKind = iota
	AuthFailed
	ZoneMissing
	Rejected
	Transient
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case AuthFailed:
		return "auth_failed"
	case ZoneMissing:
		return "zone_missing"
	case Rejected:
		return "rejected"
	case Transient:
		return "transient"
	}
	return "unknown"
}

// ProviderError wraps a back-end failure with its classification.
type ProviderError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dns: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("dns: %s", e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *ProviderError) Retryable() bool { return e.Kind == Transient }

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}

// Provider is the capability exposed to the registration processor.
type Provider interface {
	// EnsureRecord upserts an A record for IPv4 addresses or an AAAA
	// record for IPv6, mapping hostname.zone to ip.
	EnsureRecord(ctx context.Context, hostname, zone, ip string, ttl time.Duration) (EnsureResult, error)
	// DeleteRecord removes the address records for hostname.zone.
	DeleteRecord(ctx context.Context, hostname, zone string) (DeleteResult, error)
	// ZoneExists reports whether the provider can serve the zone.
	ZoneExists(ctx context.Context, zone string) (bool, error)
}

// Disabled is the no-op provider used when DNS propagation is not
// configured. Every call succeeds without side effects.
type Disabled struct{}

func (Disabled) EnsureRecord(ctx context.Context, hostname, zone, ip string, ttl time.Duration) (EnsureResult, error) {
	return Unchanged, nil
}

func (Disabled) DeleteRecord(ctx context.Context, hostname, zone string) (DeleteResult, error) {
	return Absent, nil
}

func (Disabled) ZoneExists(ctx context.Context, zone string) (bool, error) {
	return true, nil
}
