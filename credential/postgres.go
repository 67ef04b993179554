package credential

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
)

const lookupSQL = `SELECT token_hash, COALESCE(site_id, ''), status
FROM device_credentials
WHERE tenant_id = $1 AND device_id = $2`

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads credentials from the device_credentials table.
type PostgresStore struct {
	db rowQuerier
}

// NewPostgresStore creates a store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// OpenPostgres connects a pool to dsn and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.WrapInvalid(err, "PostgresStore", "Open", "parse dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "Open", "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, "PostgresStore", "Open", "ping")
	}
	return pool, nil
}

// Lookup implements Store.
func (s *PostgresStore) Lookup(ctx context.Context, tenantID, deviceID string) (Record, error) {
	var (
		rec    Record
		status string
	)
	err := s.db.QueryRow(ctx, lookupSQL, tenantID, deviceID).Scan(&rec.TokenHash, &rec.SiteID, &status)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.WrapTransient(err, "PostgresStore", "Lookup", "query credential")
	}
	rec.Status = ParseStatus(status)
	return rec, nil
}
