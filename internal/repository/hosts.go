package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prismhq/prism/internal/registry"
)

const hostColumns = `hostname, current_ip, first_seen, last_seen, status, dns_zone, dns_sync_state, dns_last_error`

// PostgresHostStore implements registry.HostStore on PostgreSQL.
type PostgresHostStore struct {
	pool *pgxpool.Pool
}

func NewPostgresHostStore(pool *pgxpool.Pool) *PostgresHostStore {
	return &PostgresHostStore{pool: pool}
}

func (s *PostgresHostStore) Get(ctx context.Context, hostname string) (*registry.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE hostname = $1`

	h, err := scanHost(s.pool.QueryRow(ctx, query, hostname))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, registry.ErrHostNotFound
		}
		return nil, fmt.Errorf("repository: get host: %w", err)
	}
	return h, nil
}

func (s *PostgresHostStore) Create(ctx context.Context, hostname, ip, zone string) (*registry.Host, error) {
	query := `
		INSERT INTO hosts (hostname, current_ip, first_seen, last_seen, status, dns_zone, dns_sync_state, dns_last_error)
		VALUES ($1, $2, $3, $3, $4, $5, $6, '')
	`

	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, query, hostname, ip, now, registry.StatusOnline, zone, registry.DNSPending)
	if err != nil {
		if strings.Contains(err.Error(), "hosts_pkey") {
			return nil, registry.ErrHostExists
		}
		return nil, fmt.Errorf("repository: create host: %w", err)
	}

	return &registry.Host{
		Hostname:     hostname,
		CurrentIP:    ip,
		FirstSeen:    now,
		LastSeen:     now,
		Status:       registry.StatusOnline,
		DNSZone:      zone,
		DNSSyncState: registry.DNSPending,
	}, nil
}

func (s *PostgresHostStore) UpdateIP(ctx context.Context, hostname, newIP string) error {
	query := `
		UPDATE hosts
		SET current_ip = $2, last_seen = $3, status = $4
		WHERE hostname = $1
	`

	result, err := s.pool.Exec(ctx, query, hostname, newIP, time.Now().UTC(), registry.StatusOnline)
	if err != nil {
		return fmt.Errorf("repository: update host ip: %w", err)
	}
	if result.RowsAffected() == 0 {
		return registry.ErrHostNotFound
	}
	return nil
}

func (s *PostgresHostStore) Touch(ctx context.Context, hostname string) error {
	query := `UPDATE hosts SET last_seen = $2, status = $3 WHERE hostname = $1`

	result, err := s.pool.Exec(ctx, query, hostname, time.Now().UTC(), registry.StatusOnline)
	if err != nil {
		return fmt.Errorf("repository: touch host: %w", err)
	}
	if result.RowsAffected() == 0 {
		return registry.ErrHostNotFound
	}
	return nil
}

func (s *PostgresHostStore) MarkOffline(ctx context.Context, hostname string) error {
	query := `UPDATE hosts SET status = $2 WHERE hostname = $1`

	result, err := s.pool.Exec(ctx, query, hostname, registry.StatusOffline)
	if err != nil {
		return fmt.Errorf("repository: mark host offline: %w", err)
	}
	if result.RowsAffected() == 0 {
		return registry.ErrHostNotFound
	}
	return nil
}

func (s *PostgresHostStore) ListStale(ctx context.Context, notSeenSince time.Time) ([]*registry.Host, error) {
	query := `
		SELECT ` + hostColumns + `
		FROM hosts
		WHERE status = $1 AND last_seen < $2
		ORDER BY last_seen
	`

	rows, err := s.pool.Query(ctx, query, registry.StatusOnline, notSeenSince.UTC())
	if err != nil {
		return nil, fmt.Errorf("repository: list stale hosts: %w", err)
	}
	defer rows.Close()

	return collectHosts(rows)
}

func (s *PostgresHostStore) List(ctx context.Context) ([]*registry.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts ORDER BY first_seen DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("repository: list hosts: %w", err)
	}
	defer rows.Close()

	return collectHosts(rows)
}

func (s *PostgresHostStore) SetDNSState(ctx context.Context, hostname string, state registry.DNSSyncState, dnsError string) error {
	query := `UPDATE hosts SET dns_sync_state = $2, dns_last_error = $3 WHERE hostname = $1`

	result, err := s.pool.Exec(ctx, query, hostname, state, dnsError)
	if err != nil {
		return fmt.Errorf("repository: set dns state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return registry.ErrHostNotFound
	}
	return nil
}

func scanHost(row pgx.Row) (*registry.Host, error) {
	h := &registry.Host{}
	err := row.Scan(
		&h.Hostname,
		&h.CurrentIP,
		&h.FirstSeen,
		&h.LastSeen,
		&h.Status,
		&h.DNSZone,
		&h.DNSSyncState,
		&h.DNSLastError,
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func collectHosts(rows pgx.Rows) ([]*registry.Host, error) {
	var hosts []*registry.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: iterate hosts: %w", err)
	}
	return hosts, nil
}

var _ registry.HostStore = (*PostgresHostStore)(nil)
