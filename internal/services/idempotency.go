package services

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miguelnutt/rewards-backend/internal/clock"
	"golang.org/x/crypto/blake2b"
)

// Outcome is what the first application of an idempotency key produced.
type Outcome struct {
	PreviousBalance int64
	NewBalance      int64
	AmountApplied   int64
	LedgerEntryID   int64
	Duplicate       bool
	CreatedAt       time.Time
}

// IdempotencyGuard applies an operation at most once per key. The key is
// claimed with an insert in the same transaction as the operation, so a
// concurrent caller with the same key blocks on the unique index until the
// first one commits and then reads its stored outcome.
type IdempotencyGuard struct {
	db    *sql.DB
	clock clock.Clock
}

func NewIdempotencyGuard(db *sql.DB, clk clock.Clock) *IdempotencyGuard {
	return &IdempotencyGuard{db: db, clock: clk}
}

// Fingerprint hashes the fields that identify a request, so a key reused for
// a different request can be told apart from a retry.
func Fingerprint(parts ...string) []byte {
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x00")))
	return sum[:]
}

// ApplyOnce runs op inside a transaction unless key was already applied, in
// which case the stored outcome is returned with Duplicate set.
func (g *IdempotencyGuard) ApplyOnce(ctx context.Context, key string, fingerprint []byte, op func(ctx context.Context, tx *sql.Tx) (*Outcome, error)) (*Outcome, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidKey
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (idempotency_key, request_hash, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, fingerprint, g.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	if claimed == 0 {
		tx.Rollback()
		return g.load(ctx, key, fingerprint)
	}

	outcome, err := op(ctx, tx)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE idempotency_records
		SET previous_balance = $1, new_balance = $2, amount_applied = $3, ledger_entry_id = $4
		WHERE idempotency_key = $5`,
		outcome.PreviousBalance, outcome.NewBalance, outcome.AmountApplied, outcome.LedgerEntryID, key); err != nil {
		return nil, fmt.Errorf("store idempotency outcome: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (g *IdempotencyGuard) load(ctx context.Context, key string, fingerprint []byte) (*Outcome, error) {
	var (
		hash    []byte
		entryID sql.NullInt64
		outcome = Outcome{Duplicate: true}
	)
	err := g.db.QueryRowContext(ctx, `
		SELECT request_hash, previous_balance, new_balance, amount_applied, ledger_entry_id, created_at
		FROM idempotency_records
		WHERE idempotency_key = $1`, key,
	).Scan(&hash, &outcome.PreviousBalance, &outcome.NewBalance, &outcome.AmountApplied, &entryID, &outcome.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency record %q vanished after conflict", key)
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}

	if fingerprint != nil && !bytes.Equal(hash, fingerprint) {
		return nil, ErrIdempotencyMismatch
	}
	outcome.LedgerEntryID = entryID.Int64
	return &outcome, nil
}
