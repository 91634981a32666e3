package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/miguelnutt/rewards-backend/internal/clock"
	"github.com/miguelnutt/rewards-backend/internal/models"
	"go.uber.org/zap"
)

// Mutation is one signed balance change.
type Mutation struct {
	UserID         string
	Currency       models.CurrencyKind
	Delta          int64
	Reason         string
	Source         models.Source
	IdempotencyKey string // empty stores NULL
}

type MutationResult struct {
	EntryID         int64
	PreviousBalance int64
	NewBalance      int64
}

// LedgerService owns the balances and ledger_entries tables. Every balance
// change goes through ApplyTx so the ledger and the balance move together.
type LedgerService struct {
	db     *sql.DB
	clock  clock.Clock
	events Publisher
	logger *zap.Logger
}

func NewLedgerService(db *sql.DB, clk clock.Clock, events Publisher, logger *zap.Logger) *LedgerService {
	if events == nil {
		events = NopPublisher{}
	}
	return &LedgerService{db: db, clock: clk, events: events, logger: logger}
}

// Apply runs a single mutation in its own transaction.
func (s *LedgerService) Apply(ctx context.Context, m Mutation) (*MutationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := s.ApplyTx(ctx, tx, m)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.Notify(ctx, m, result)
	return result, nil
}

// ApplyTx appends a ledger entry and moves the balance inside tx. The balance
// row is locked for the rest of the transaction, so concurrent writers of the
// same (user, currency) serialize.
func (s *LedgerService) ApplyTx(ctx context.Context, tx *sql.Tx, m Mutation) (*MutationResult, error) {
	now := s.clock.Now()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, currency, amount, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (user_id, currency) DO NOTHING`,
		m.UserID, m.Currency, now); err != nil {
		return nil, fmt.Errorf("ensure balance row: %w", err)
	}

	previous, err := s.lockBalance(ctx, tx, m.UserID, m.Currency)
	if err != nil {
		return nil, err
	}

	next := previous + m.Delta
	if next < 0 {
		return nil, fmt.Errorf("%w: %s holds %d %s, delta %d",
			ErrInsufficientBalance, m.UserID, previous, m.Currency, m.Delta)
	}

	var entryID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (user_id, currency, delta, balance_after, reason, source, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		m.UserID, m.Currency, m.Delta, next, m.Reason, m.Source, nullString(m.IdempotencyKey), now,
	).Scan(&entryID)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE balances SET amount = $1, updated_at = $2
		WHERE user_id = $3 AND currency = $4`,
		next, now, m.UserID, m.Currency); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	return &MutationResult{EntryID: entryID, PreviousBalance: previous, NewBalance: next}, nil
}

// Notify publishes the balance change. Call it only after the transaction
// that applied m has committed.
func (s *LedgerService) Notify(ctx context.Context, m Mutation, r *MutationResult) {
	s.events.PublishBalanceChanged(ctx, BalanceChanged{
		UserID:          m.UserID,
		Currency:        m.Currency,
		PreviousBalance: r.PreviousBalance,
		NewBalance:      r.NewBalance,
		Delta:           m.Delta,
		Source:          m.Source,
		At:              s.clock.Now(),
	})
}

func (s *LedgerService) lockBalance(ctx context.Context, tx *sql.Tx, userID string, currency models.CurrencyKind) (int64, error) {
	var amount int64
	err := tx.QueryRowContext(ctx, `
		SELECT amount FROM balances
		WHERE user_id = $1 AND currency = $2
		FOR UPDATE`,
		userID, currency).Scan(&amount)
	if err != nil {
		return 0, fmt.Errorf("lock balance: %w", err)
	}
	return amount, nil
}

// Balances returns every currency balance of userID. Currencies the user never
// held are reported as zero.
func (s *LedgerService) Balances(ctx context.Context, userID string) ([]models.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, currency, amount, updated_at
		FROM balances
		WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	held := make(map[models.CurrencyKind]models.Balance)
	for rows.Next() {
		var b models.Balance
		if err := rows.Scan(&b.UserID, &b.Currency, &b.Amount, &b.UpdatedAt); err != nil {
			return nil, err
		}
		held[b.Currency] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balances := make([]models.Balance, 0, len(models.Currencies))
	for _, currency := range models.Currencies {
		b, ok := held[currency]
		if !ok {
			b = models.Balance{UserID: userID, Currency: currency}
		}
		balances = append(balances, b)
	}
	return balances, nil
}

// AuditInvariant lists balances that disagree with the sum of their ledger
// entries. A healthy ledger returns an empty slice.
func (s *LedgerService) AuditInvariant(ctx context.Context) ([]models.BalanceDrift, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.user_id, b.currency, b.amount, COALESCE(SUM(l.delta), 0) AS ledger_total
		FROM balances b
		LEFT JOIN ledger_entries l ON l.user_id = b.user_id AND l.currency = b.currency
		GROUP BY b.user_id, b.currency, b.amount
		HAVING b.amount <> COALESCE(SUM(l.delta), 0)
		ORDER BY b.user_id, b.currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	drifts := []models.BalanceDrift{}
	for rows.Next() {
		var d models.BalanceDrift
		if err := rows.Scan(&d.UserID, &d.Currency, &d.Balance, &d.LedgerTotal); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(drifts) > 0 {
		s.logger.Error("[LEDGER] balance drift detected", zap.Int("pairs", len(drifts)))
	}
	return drifts, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
