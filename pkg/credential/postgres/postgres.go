// Package postgres provides a PostgreSQL implementation of
// credential.TicketTable for deployments where several replicas must
// share ticket state. It uses pgx/v5 for connection pooling.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/restgate/pkg/credential"
)

// Tickets is a PostgreSQL-backed ticket table.
//
// Redemption is a single conditional UPDATE, so the row lock taken by
// PostgreSQL is the per-ticket mutual exclusion: of any number of
// concurrent redeemers, exactly one sees a returned row.
type Tickets struct {
	pool *pgxpool.Pool
}

// Ensure Tickets implements credential.TicketTable at compile time.
var _ credential.TicketTable = (*Tickets)(nil)

// New connects to PostgreSQL and returns a ticket table. If MigrateOnStart
// is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Tickets, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	t := &Tickets{pool: pool}

	if cfg.MigrateOnStart {
		if err := t.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return t, nil
}

// Insert stores a new unredeemed ticket.
func (t *Tickets) Insert(ctx context.Context, rec *credential.TicketRecord) error {
	scopes := rec.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	_, err := t.pool.Exec(ctx, `
		INSERT INTO tickets (key, subject, scopes, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.Key, rec.Subject, scopes, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC())
	if err != nil {
		if pgCode(err) == pgerrcode.UniqueViolation {
			return credential.ErrConflict
		}
		return fmt.Errorf("inserting ticket: %w", err)
	}
	return nil
}

// Redeem flips the ticket to redeemed with a conditional UPDATE. When no row
// is updated, a follow-up read classifies the failure.
func (t *Tickets) Redeem(ctx context.Context, key string, now time.Time) (*credential.TicketRecord, error) {
	now = now.UTC()
	rec := &credential.TicketRecord{Key: key, RedeemedAt: now}

	err := t.pool.QueryRow(ctx, `
		UPDATE tickets SET redeemed_at = $2
		WHERE key = $1 AND redeemed_at IS NULL AND expires_at > $2
		RETURNING subject, scopes, created_at, expires_at
	`, key, now).Scan(&rec.Subject, &rec.Scopes, &rec.CreatedAt, &rec.ExpiresAt)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("redeeming ticket: %w", err)
	}

	return nil, t.classify(ctx, key, now)
}

// classify explains why a redemption did not update a row.
func (t *Tickets) classify(ctx context.Context, key string, now time.Time) error {
	var redeemedAt *time.Time
	var expiresAt time.Time

	err := t.pool.QueryRow(ctx,
		"SELECT redeemed_at, expires_at FROM tickets WHERE key = $1", key,
	).Scan(&redeemedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return credential.ErrTicketNotFound
	}
	if err != nil {
		return fmt.Errorf("reading ticket: %w", err)
	}

	if redeemedAt != nil {
		return credential.ErrTicketRedeemed
	}
	if !now.Before(expiresAt) {
		// Lazy eviction. Only an unredeemed row is removed here, so a
		// concurrent winner's record is never deleted as a side effect.
		if _, err := t.pool.Exec(ctx,
			"DELETE FROM tickets WHERE key = $1 AND redeemed_at IS NULL AND expires_at <= $2",
			key, now,
		); err != nil {
			return fmt.Errorf("evicting expired ticket: %w", err)
		}
		return credential.ErrTicketExpired
	}

	// Live and unredeemed: the row was inserted after the UPDATE ran.
	return credential.ErrTicketNotFound
}

// Sweep deletes every ticket whose expiry is at or before now.
func (t *Tickets) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := t.pool.Exec(ctx, "DELETE FROM tickets WHERE expires_at <= $1", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweeping tickets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// HealthCheck verifies the database is reachable.
func (t *Tickets) HealthCheck(ctx context.Context) error {
	return t.pool.Ping(ctx)
}

// Close closes the connection pool.
func (t *Tickets) Close() {
	t.pool.Close()
}

// pgCode returns the SQLSTATE of a PostgreSQL error, or "" for other errors.
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
