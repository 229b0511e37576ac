// Package postgres provides a PostgreSQL-backed admission store for uploadgate.
//
// Balances and cooldown timestamps live in a single table, one row per
// identity. The paired admission commit runs in one transaction holding a row
// lock, which makes the store safe for multi-instance deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/uploadgate"
)

// Store is a PostgreSQL-backed Ledger, Tracker and Committer.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	dailyMax    atomic.Int64
	cooldown    time.Duration
	loc         *time.Location
}

var (
	_ uploadgate.Store            = (*Store)(nil)
	_ uploadgate.Committer        = (*Store)(nil)
	_ uploadgate.LedgerConfigurer = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "uploadgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed store enforcing p.
func New(pool *pgxpool.Pool, p uploadgate.Policy, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "uploadgate_",
		cooldown:    p.Cooldown,
		loc:         p.Location,
	}
	s.dailyMax.Store(p.MaxDailyTokens)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) table() string { return s.tablePrefix + "admissions" }

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			identity TEXT PRIMARY KEY,
			balance BIGINT NOT NULL,
			day_marker TEXT NOT NULL,
			last_admitted_at TIMESTAMPTZ NULL
		);
	`, s.table())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("uploadgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// SetDailyMax changes the maximum used by the next lazy reset.
func (s *Store) SetDailyMax(n int64) { s.dailyMax.Store(n) }

// Duration returns the cooldown window.
func (s *Store) Duration() time.Duration { return s.cooldown }

// Peek returns the balance after a read-only lazy reset check.
func (s *Store) Peek(ctx context.Context, id uploadgate.Identity, now time.Time) (int64, error) {
	var balance int64
	var day string

	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance, day_marker FROM %s WHERE identity = $1`, s.table()),
		string(id),
	).Scan(&balance, &day)

	max := s.dailyMax.Load()
	if errors.Is(err, pgx.ErrNoRows) {
		return max, nil
	}
	if err != nil {
		return 0, fmt.Errorf("uploadgate/postgres: peek: %w", err)
	}
	if day != uploadgate.DayMarker(now, s.loc) {
		return max, nil
	}
	return balance, nil
}

// ensureRow creates the identity's row and applies any pending day reset.
func (s *Store) ensureRow(ctx context.Context, tx pgx.Tx, id uploadgate.Identity, today string) error {
	max := s.dailyMax.Load()
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (identity, balance, day_marker) VALUES ($1, $2, $3)
			ON CONFLICT (identity) DO NOTHING`, s.table()),
		string(id), max, today,
	)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	// Lazy daily reset.
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = $1, day_marker = $2 WHERE identity = $3 AND day_marker <> $2`,
			s.table()),
		max, today, string(id),
	)
	if err != nil {
		return fmt.Errorf("daily reset: %w", err)
	}
	return nil
}

// TryConsume atomically decrements the balance if enough remains.
func (s *Store) TryConsume(ctx context.Context, id uploadgate.Identity, now time.Time, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("uploadgate/postgres: consume: amount must be positive, got %d", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("uploadgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureRow(ctx, tx, id, uploadgate.DayMarker(now, s.loc)); err != nil {
		return false, fmt.Errorf("uploadgate/postgres: consume: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = balance - $1
			WHERE identity = $2 AND balance >= $1
			RETURNING balance`, s.table()),
		amount, string(id),
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("uploadgate/postgres: consume: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("uploadgate/postgres: commit: %w", err)
	}
	return true, nil
}

// Refund credits amount back to today's balance, capped at the daily max.
// A refund against a previous day is a no-op since the reset already restored
// the balance.
func (s *Store) Refund(ctx context.Context, id uploadgate.Identity, now time.Time, amount int64) error {
	if amount <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = LEAST(balance + $1, $2)
			WHERE identity = $3 AND day_marker = $4`, s.table()),
		amount, s.dailyMax.Load(), string(id), uploadgate.DayMarker(now, s.loc),
	)
	if err != nil {
		return fmt.Errorf("uploadgate/postgres: refund: %w", err)
	}
	return nil
}

// Remaining returns the unelapsed cooldown in whole seconds.
func (s *Store) Remaining(ctx context.Context, id uploadgate.Identity, now time.Time) (int64, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT last_admitted_at FROM %s WHERE identity = $1`, s.table()),
		string(id),
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("uploadgate/postgres: remaining: %w", err)
	}
	if last == nil {
		return 0, nil
	}
	return uploadgate.RemainingSeconds(*last, s.cooldown, now), nil
}

// MarkAdmitted restarts the cooldown of id at now.
func (s *Store) MarkAdmitted(ctx context.Context, id uploadgate.Identity, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (identity, balance, day_marker, last_admitted_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (identity) DO UPDATE SET last_admitted_at = EXCLUDED.last_admitted_at`,
			s.table()),
		string(id), s.dailyMax.Load(), uploadgate.DayMarker(now, s.loc), now,
	)
	if err != nil {
		return fmt.Errorf("uploadgate/postgres: mark admitted: %w", err)
	}
	return nil
}

// Commit consumes amount tokens and restarts the cooldown in one transaction,
// re-checking both conditions under a row lock.
func (s *Store) Commit(ctx context.Context, id uploadgate.Identity, now time.Time, amount int64) (uploadgate.CommitResult, error) {
	if amount <= 0 {
		return uploadgate.CommitResult{}, fmt.Errorf("uploadgate/postgres: commit: amount must be positive, got %d", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uploadgate.CommitResult{}, fmt.Errorf("uploadgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureRow(ctx, tx, id, uploadgate.DayMarker(now, s.loc)); err != nil {
		return uploadgate.CommitResult{}, fmt.Errorf("uploadgate/postgres: commit: %w", err)
	}

	var balance int64
	var last *time.Time
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance, last_admitted_at FROM %s WHERE identity = $1 FOR UPDATE`, s.table()),
		string(id),
	).Scan(&balance, &last)
	if err != nil {
		return uploadgate.CommitResult{}, fmt.Errorf("uploadgate/postgres: lock row: %w", err)
	}

	var left int64
	if last != nil {
		left = uploadgate.RemainingSeconds(*last, s.cooldown, now)
	}
	res := uploadgate.CommitResult{TokensRemaining: balance, CooldownRemaining: left}

	switch {
	case balance < amount:
		res.Reason = uploadgate.ReasonQuotaExhausted
	case left > 0:
		res.Reason = uploadgate.ReasonInCooldown
	default:
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET balance = balance - $1, last_admitted_at = $2 WHERE identity = $3`, s.table()),
			amount, now, string(id),
		)
		if err != nil {
			return uploadgate.CommitResult{}, fmt.Errorf("uploadgate/postgres: commit: %w", err)
		}
		res.Admitted = true
		res.Reason = uploadgate.ReasonOK
		res.TokensRemaining = balance - amount
		res.CooldownRemaining = uploadgate.DurationSeconds(s.cooldown)
	}

	if err := tx.Commit(ctx); err != nil {
		return uploadgate.CommitResult{}, fmt.Errorf("uploadgate/postgres: commit tx: %w", err)
	}
	return res, nil
}

// Cleanup removes rows that carry no state worth keeping: a stale day marker
// (the next access resets them anyway) and an elapsed cooldown.
func (s *Store) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s
			WHERE day_marker <> $1 AND (last_admitted_at IS NULL OR last_admitted_at <= $2)`, s.table()),
		uploadgate.DayMarker(now, s.loc), now.Add(-s.cooldown),
	)
	if err != nil {
		return 0, fmt.Errorf("uploadgate/postgres: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}
