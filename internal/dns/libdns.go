package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/libdns/cloudflare"
	"github.com/libdns/libdns"
	"github.com/libdns/rfc2136"

	"github.com/prismhq/prism/internal/config"
)

// libdnsBackend is the subset of libdns capabilities the adapter needs.
type libdnsBackend interface {
	libdns.RecordGetter
	libdns.RecordSetter
	libdns.RecordDeleter
}

// LibDNS adapts any libdns provider to the Provider port.
type LibDNS struct {
	backend libdnsBackend
	timeout time.Duration
}

// NewLibDNS wraps a libdns backend. Zero timeout selects 10s.
func NewLibDNS(backend libdnsBackend, timeout time.Duration) *LibDNS {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LibDNS{backend: backend, timeout: timeout}
}

// FromConfig constructs the configured provider. DNS disabled selects the
// no-op provider.
func FromConfig(cfg config.DNSConfig) (Provider, error) {
	if !cfg.Enabled {
		return Disabled{}, nil
	}
	switch cfg.Provider {
	case "rfc2136":
		if cfg.Server == "" {
			return nil, fmt.Errorf("dns: rfc2136 provider requires DNS_SERVER")
		}
		return NewLibDNS(&rfc2136.Provider{
			Server:  cfg.Server,
			KeyName: cfg.KeyName,
			Key:     cfg.Key,
			KeyAlg:  cfg.KeyAlg,
		}, cfg.RequestTimeout), nil
	case "cloudflare":
		if cfg.APIToken == "" {
			return nil, fmt.Errorf("dns: cloudflare provider requires DNS_API_TOKEN")
		}
		return NewLibDNS(&cloudflare.Provider{APIToken: cfg.APIToken}, cfg.RequestTimeout), nil
	default:
		return nil, fmt.Errorf("dns: unknown provider %q", cfg.Provider)
	}
}

// recordType selects A or AAAA based on the address family.
func recordType(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", &ProviderError{Kind: Rejected, Err: fmt.Errorf("invalid IP literal %q", ip)}
	}
	if parsed.To4() != nil {
		return "A", nil
	}
	return "AAAA", nil
}

// normalizeZone gives the zone the trailing dot libdns providers expect.
func normalizeZone(zone string) string {
	if strings.HasSuffix(zone, ".") {
		return zone
	}
	return zone + "."
}

func (l *LibDNS) EnsureRecord(ctx context.Context, hostname, zone, ip string, ttl time.Duration) (EnsureResult, error) {
	rtype, err := recordType(ip)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	zone = normalizeZone(zone)
	existing, err := l.backend.GetRecords(ctx, zone)
	if err != nil {
		return "", classify(err)
	}

	for _, rec := range existing {
		if !strings.EqualFold(rec.Name, hostname) || rec.Type != rtype {
			continue
		}
		if rec.Value == ip {
			return Unchanged, nil
		}
		rec.Value = ip
		rec.TTL = ttl
		if _, err := l.backend.SetRecords(ctx, zone, []libdns.Record{rec}); err != nil {
			return "", classify(err)
		}
		return Updated, nil
	}

	_, err = l.backend.SetRecords(ctx, zone, []libdns.Record{{
		Type:  rtype,
		Name:  hostname,
		Value: ip,
		TTL:   ttl,
	}})
	if err != nil {
		return "", classify(err)
	}
	return Created, nil
}

func (l *LibDNS) DeleteRecord(ctx context.Context, hostname, zone string) (DeleteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	zone = normalizeZone(zone)
	existing, err := l.backend.GetRecords(ctx, zone)
	if err != nil {
		return "", classify(err)
	}

	var doomed []libdns.Record
	for _, rec := range existing {
		if strings.EqualFold(rec.Name, hostname) && (rec.Type == "A" || rec.Type == "AAAA") {
			doomed = append(doomed, rec)
		}
	}
	if len(doomed) == 0 {
		return Absent, nil
	}
	if _, err := l.backend.DeleteRecords(ctx, zone, doomed); err != nil {
		return "", classify(err)
	}
	return Deleted, nil
}

func (l *LibDNS) ZoneExists(ctx context.Context, zone string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if _, err := l.backend.GetRecords(ctx, normalizeZone(zone)); err != nil {
		perr := classify(err)
		var pe *ProviderError
		if errors.As(perr, &pe) && pe.Kind == ZoneMissing {
			return false, nil
		}
		return false, perr
	}
	return true, nil
}

// classify maps raw back-end failures onto the error taxonomy. libdns
// providers do not share an error vocabulary, so this leans on transport
// error types and well-known substrings.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &ProviderError{Kind: Transient, Err: err}
		}
		return &ProviderError{Kind: Unreachable, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded"):
		return &ProviderError{Kind: Transient, Err: err}
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "tsig"):
		return &ProviderError{Kind: AuthFailed, Err: err}
	case strings.Contains(msg, "no such zone"),
		strings.Contains(msg, "zone not found"),
		strings.Contains(msg, "nxdomain"):
		return &ProviderError{Kind: ZoneMissing, Err: err}
	case strings.Contains(msg, "refused"),
		strings.Contains(msg, "rejected"):
		return &ProviderError{Kind: Rejected, Err: err}
	default:
		return &ProviderError{Kind: Transient, Err: err}
	}
}
