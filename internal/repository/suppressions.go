package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/prismhq/prism/internal/email"
)

// PostgresSuppressionStore implements email.SuppressionStore on PostgreSQL.
type PostgresSuppressionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSuppressionStore(pool *pgxpool.Pool) *PostgresSuppressionStore {
	return &PostgresSuppressionStore{pool: pool}
}

func (s *PostgresSuppressionStore) IsSuppressed(ctx context.Context, address string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM email_suppressions WHERE address = $1)`

	var suppressed bool
	if err := s.pool.QueryRow(ctx, query, foldAddress(address)).Scan(&suppressed); err != nil {
		return false, fmt.Errorf("repository: check suppression: %w", err)
	}
	return suppressed, nil
}

func (s *PostgresSuppressionStore) Suppress(ctx context.Context, address, reason string) error {
	query := `
		INSERT INTO email_suppressions (address, reason, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET reason = EXCLUDED.reason
	`

	if _, err := s.pool.Exec(ctx, query, foldAddress(address), reason, time.Now().UTC()); err != nil {
		return fmt.Errorf("repository: suppress address: %w", err)
	}
	return nil
}

func (s *PostgresSuppressionStore) Unsuppress(ctx context.Context, address string) error {
	query := `DELETE FROM email_suppressions WHERE address = $1`

	if _, err := s.pool.Exec(ctx, query, foldAddress(address)); err != nil {
		return fmt.Errorf("repository: unsuppress address: %w", err)
	}
	return nil
}

// RedisSuppressionStore implements email.SuppressionStore on Redis, for
// deployments that share one suppression list across several instances
// without a SQL database.
type RedisSuppressionStore struct {
	client *redis.Client
}

func NewRedisSuppressionStore(client *redis.Client) *RedisSuppressionStore {
	return &RedisSuppressionStore{client: client}
}

func suppressionKey(address string) string {
	return "prism:suppression:" + foldAddress(address)
}

func (s *RedisSuppressionStore) IsSuppressed(ctx context.Context, address string) (bool, error) {
	n, err := s.client.Exists(ctx, suppressionKey(address)).Result()
	if err != nil {
		return false, fmt.Errorf("repository: check suppression: %w", err)
	}
	return n > 0, nil
}

func (s *RedisSuppressionStore) Suppress(ctx context.Context, address, reason string) error {
	if err := s.client.Set(ctx, suppressionKey(address), reason, 0).Err(); err != nil {
		return fmt.Errorf("repository: suppress address: %w", err)
	}
	return nil
}

func (s *RedisSuppressionStore) Unsuppress(ctx context.Context, address string) error {
	if err := s.client.Del(ctx, suppressionKey(address)).Err(); err != nil {
		return fmt.Errorf("repository: unsuppress address: %w", err)
	}
	return nil
}

func foldAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

var (
	_ email.SuppressionStore = (*PostgresSuppressionStore)(nil)
	_ email.SuppressionStore = (*RedisSuppressionStore)(nil)
)
