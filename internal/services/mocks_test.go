package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/miguelnutt/rewards-backend/internal/audit"
	"github.com/miguelnutt/rewards-backend/internal/clock"
	"github.com/miguelnutt/rewards-backend/internal/models"
	"github.com/miguelnutt/rewards-backend/internal/points"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type MockPointsClient struct {
	mock.Mock
}

func (m *MockPointsClient) GetPoints(ctx context.Context, username string) (int64, error) {
	args := m.Called(ctx, username)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPointsClient) AdjustPoints(ctx context.Context, username string, delta int64) (*points.Adjustment, error) {
	args := m.Called(ctx, username, delta)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*points.Adjustment), args.Error(1)
}

type recordingPublisher struct {
	events []BalanceChanged
}

func (p *recordingPublisher) PublishBalanceChanged(_ context.Context, event BalanceChanged) {
	p.events = append(p.events, event)
}

// testEnv wires every service against one sqlmock connection.
type testEnv struct {
	db            *sql.DB
	mock          sqlmock.Sqlmock
	client        *MockPointsClient
	locker        *LocalLocker
	events        *recordingPublisher
	accounts      *AccountService
	ledger        *LedgerService
	guard         *IdempotencyGuard
	sync          *ExternalSync
	award         *AwardService
	provisional   *ProvisionalService
	consolidation *ConsolidationService
	reconcile     *ReconciliationService
}

func newTestEnv(t *testing.T, opts ReconcileOptions) *testEnv {
	t.Helper()

	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	auditLogger := audit.NewLogger(logger)
	clk := clock.Fixed(testNow)

	env := &testEnv{
		db:     db,
		mock:   sqlMock,
		client: new(MockPointsClient),
		locker: NewLocalLocker(),
		events: &recordingPublisher{},
	}
	env.accounts = NewAccountService(db, logger)
	env.ledger = NewLedgerService(db, clk, env.events, logger)
	env.guard = NewIdempotencyGuard(db, clk)
	env.sync = NewExternalSync(db, env.client, env.locker, ExternalSyncConfig{
		MirroredCurrencies: []models.CurrencyKind{models.CurrencyLoyaltyPoints},
		LockTTL:            time.Minute,
	}, clk, nil, logger)
	env.award = NewAwardService(env.accounts, env.ledger, env.guard, env.sync, auditLogger, nil, logger)
	env.provisional = NewProvisionalService(db, env.accounts, env.ledger, env.sync, clk, auditLogger, nil, logger)
	env.consolidation = NewConsolidationService(db, env.accounts, env.ledger, env.provisional, 1, auditLogger, nil, logger)
	env.reconcile = NewReconciliationService(db, env.sync, opts, clk, nil, auditLogger, logger)
	return env
}

var userColumns = []string{"id", "display_name", "external_identity", "external_username", "merged_into", "created_at"}

func (e *testEnv) expectUser(userID string, externalUsername any) {
	e.mock.ExpectQuery("SELECT id, display_name").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(userID, userID, nil, externalUsername, nil, testNow))
}

// expectLedgerApply mirrors the statements of LedgerService.ApplyTx.
func (e *testEnv) expectLedgerApply(userID string, currency models.CurrencyKind, previous, delta, entryID int64) {
	e.mock.ExpectExec("INSERT INTO balances").
		WithArgs(userID, string(currency), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectQuery("SELECT amount FROM balances").
		WithArgs(userID, string(currency)).
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(previous))
	e.mock.ExpectQuery("INSERT INTO ledger_entries").
		WithArgs(userID, string(currency), delta, previous+delta, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(entryID))
	e.mock.ExpectExec("UPDATE balances SET amount").
		WithArgs(previous+delta, sqlmock.AnyArg(), userID, string(currency)).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

var syncLogTestColumns = []string{
	"id", "user_id", "external_username", "currency", "amount", "operation_type", "reference_id",
	"success", "requer_reprocessamento", "status", "attempt_count", "error_message", "reprocessed_by",
	"created_at", "reprocessado_em",
}

func syncLogRow(id int64, flagged bool, attempts int) *sqlmock.Rows {
	return sqlmock.NewRows(syncLogTestColumns).AddRow(
		id, "u1", "rubini", "loyalty_points", 25, "award", 99,
		false, flagged, "failed", attempts, "timeout", nil,
		testNow.Add(-time.Hour), nil,
	)
}

func pendingSyncLogRow(id int64, userID, username string, amount int64) *sqlmock.Rows {
	return sqlmock.NewRows(syncLogTestColumns).AddRow(
		id, userID, username, "loyalty_points", amount, "award", 12,
		false, true, "pending", 0, nil, nil,
		testNow, nil,
	)
}

// expectClaim mirrors the row claim that opens every sync attempt.
func (e *testEnv) expectClaim(id int64, rows *sqlmock.Rows) {
	e.mock.ExpectBegin()
	e.mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(id).
		WillReturnRows(rows)
}

type failingLocker struct {
	err error
}

func (l failingLocker) TryLock(context.Context, string, time.Duration) (Unlock, bool, error) {
	return nil, false, l.err
}
