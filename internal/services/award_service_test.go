package services

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/miguelnutt/rewards-backend/internal/models"
	"github.com/miguelnutt/rewards-backend/internal/points"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var idempotencyColumns = []string{"request_hash", "previous_balance", "new_balance", "amount_applied", "ledger_entry_id", "created_at"}

func TestAwardService_IdempotentRepeats(t *testing.T) {
	env := newTestEnv(t, ReconcileOptions{})
	ctx := context.Background()
	fingerprint := Fingerprint("award", "U1", "rubini_coins", "100")

	// First call applies.
	env.mock.ExpectBegin()
	env.mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs("award:k1", fingerprint, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.expectUser("U1", nil)
	env.expectLedgerApply("U1", models.CurrencyRubiniCoins, 0, 100, 1)
	env.mock.ExpectExec("UPDATE idempotency_records").
		WithArgs(0, 100, 100, 1, "award:k1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	// Calls 2..3 find the claimed key and answer from the record.
	for i := 0; i < 2; i++ {
		env.mock.ExpectBegin()
		env.mock.ExpectExec("INSERT INTO idempotency_records").
			WithArgs("award:k1", fingerprint, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		env.mock.ExpectRollback()
		env.mock.ExpectQuery("SELECT request_hash").
			WithArgs("award:k1").
			WillReturnRows(sqlmock.NewRows(idempotencyColumns).AddRow(fingerprint, 0, 100, 100, 1, testNow))
	}

	req := AwardRequest{
		UserID:         "U1",
		Currency:       models.CurrencyRubiniCoins,
		Amount:         100,
		Source:         models.SourceRoulette,
		IdempotencyKey: "k1",
	}

	first, err := env.award.Award(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(100), first.NewBalance)
	assert.Equal(t, int64(0), first.PreviousBalance)
	assert.False(t, first.Duplicate)

	for i := 0; i < 2; i++ {
		again, err := env.award.Award(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, int64(100), again.NewBalance)
		assert.Equal(t, int64(0), again.PreviousBalance)
		assert.Equal(t, int64(100), again.AmountApplied)
		assert.True(t, again.Duplicate)
	}

	// Only the first call touched the ledger.
	assert.Len(t, env.events.events, 1)
	env.client.AssertNotCalled(t, "AdjustPoints", mock.Anything, mock.Anything, mock.Anything)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestAwardService_KeyReusedForDifferentRequest(t *testing.T) {
	env := newTestEnv(t, ReconcileOptions{})

	env.mock.ExpectBegin()
	env.mock.ExpectExec("INSERT INTO idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectRollback()
	env.mock.ExpectQuery("SELECT request_hash").
		WithArgs("award:k1").
		WillReturnRows(sqlmock.NewRows(idempotencyColumns).
			AddRow(Fingerprint("award", "U1", "rubini_coins", "100"), 0, 100, 100, 1, testNow))

	_, err := env.award.Award(context.Background(), AwardRequest{
		UserID:         "U1",
		Currency:       models.CurrencyRubiniCoins,
		Amount:         500,
		Source:         models.SourceRoulette,
		IdempotencyKey: "k1",
	})
	assert.ErrorIs(t, err, ErrIdempotencyMismatch)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestAwardService_AwardAndAdjustKeysAreSeparate(t *testing.T) {
	env := newTestEnv(t, ReconcileOptions{})
	ctx := context.Background()

	env.mock.ExpectBegin()
	env.mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs("award:k1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.expectUser("U1", nil)
	env.expectLedgerApply("U1", models.CurrencyTickets, 0, 10, 1)
	env.mock.ExpectExec("UPDATE idempotency_records").
		WithArgs(0, 10, 10, 1, "award:k1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	env.mock.ExpectBegin()
	env.mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs("adjust:k1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.expectUser("U1", nil)
	env.expectLedgerApply("U1", models.CurrencyTickets, 10, -4, 2)
	env.mock.ExpectExec("UPDATE idempotency_records").
		WithArgs(10, 6, -4, 2, "adjust:k1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	_, err := env.award.Award(ctx, AwardRequest{
		UserID:         "U1",
		Currency:       models.CurrencyTickets,
		Amount:         10,
		Source:         models.SourceRoulette,
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	adjusted, err := env.award.Adjust(ctx, AwardRequest{
		UserID:         "U1",
		Currency:       models.CurrencyTickets,
		Amount:         -4,
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.False(t, adjusted.Duplicate)
	assert.Equal(t, int64(6), adjusted.NewBalance)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestAwardService_Validation(t *testing.T) {
	env := newTestEnv(t, ReconcileOptions{})
	base := AwardRequest{
		UserID:         "U1",
		Currency:       models.CurrencyTickets,
		Amount:         1,
		Source:         models.SourceDailyLogin,
		IdempotencyKey: "k",
	}

	tests := []struct {
		name   string
		mutate func(r *AwardRequest)
		want   error
	}{
		{"zero amount", func(r *AwardRequest) { r.Amount = 0 }, ErrInvalidInput},
		{"negative amount", func(r *AwardRequest) { r.Amount = -5 }, ErrInvalidInput},
		{"missing user", func(r *AwardRequest) { r.UserID = "  " }, ErrInvalidInput},
		{"unknown currency", func(r *AwardRequest) { r.Currency = "gems" }, ErrInvalidInput},
		{"unknown source", func(r *AwardRequest) { r.Source = "lottery" }, ErrInvalidInput},
		{"reserved source", func(r *AwardRequest) { r.Source = models.SourceConsolidation }, ErrInvalidInput},
		{"empty key", func(r *AwardRequest) { r.IdempotencyKey = " " }, ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := env.award.Award(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestAwardService_UserNotFound(t *testing.T) {
	env := newTestEnv(t, ReconcileOptions{})

	env.mock.ExpectBegin()
	env.mock.ExpectExec("INSERT INTO idempotency_records").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery("SELECT id, display_name").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(userColumns))
	env.mock.ExpectRollback()

	_, err := env.award.Award(context.Background(), AwardRequest{
		UserID:         "ghost",
		Currency:       models.CurrencyTickets,
		Amount:         10,
		Source:         models.SourceRoulette,
		IdempotencyKey: "k-ghost",
	})
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Equal(t, 404, StatusCode(err))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestAwardService_MirroredCurrency(t *testing.T) {
	expectMirroredAward := func(env *testEnv) {
		env.mock.ExpectBegin()
		env.mock.ExpectExec("INSERT INTO idempotency_records").WillReturnResult(sqlmock.NewResult(0, 1))
		env.expectUser("U1", "Rubini")
		env.expectLedgerApply("U1", models.CurrencyLoyaltyPoints, 40, 25, 12)
		env.mock.ExpectQuery("INSERT INTO sync_logs").
			WithArgs("U1", "Rubini", "loyalty_points", 25, "award", 12, true, "pending", nil, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		env.mock.ExpectExec("UPDATE idempotency_records").WillReturnResult(sqlmock.NewResult(0, 1))
		env.mock.ExpectCommit()
	}
	req := AwardRequest{
		UserID:         "U1",
		Currency:       models.CurrencyLoyaltyPoints,
		Amount:         25,
		Source:         models.SourceStreamElements,
		IdempotencyKey: "se-1",
	}

	t.Run("external success clears the flag", func(t *testing.T) {
		env := newTestEnv(t, ReconcileOptions{})
		expectMirroredAward(env)
		env.expectClaim(7, pendingSyncLogRow(7, "U1", "Rubini", 25))
		env.mock.ExpectExec("UPDATE sync_logs").
			WithArgs("success", 7).
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.mock.ExpectCommit()
		env.client.On("AdjustPoints", mock.Anything, "Rubini", int64(25)).
			Return(&points.Adjustment{Username: "Rubini", Amount: 25, NewAmount: 65}, nil).Once()

		result, err := env.award.Award(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, int64(65), result.NewBalance)
		env.client.AssertExpectations(t)
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("external failure keeps the award", func(t *testing.T) {
		env := newTestEnv(t, ReconcileOptions{})
		expectMirroredAward(env)
		env.expectClaim(7, pendingSyncLogRow(7, "U1", "Rubini", 25))
		env.mock.ExpectExec("UPDATE sync_logs").
			WithArgs("failed", sqlmock.AnyArg(), 7).
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.mock.ExpectCommit()
		env.client.On("AdjustPoints", mock.Anything, "Rubini", int64(25)).
			Return(nil, &points.APIError{StatusCode: 502, Body: "bad gateway"}).Once()

		result, err := env.award.Award(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, result.Duplicate)
		assert.Equal(t, int64(65), result.NewBalance)
		env.client.AssertExpectations(t)
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("caller gone after external success still clears the flag", func(t *testing.T) {
		env := newTestEnv(t, ReconcileOptions{})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		expectMirroredAward(env)
		env.expectClaim(7, pendingSyncLogRow(7, "U1", "Rubini", 25))
		env.mock.ExpectExec("UPDATE sync_logs").
			WithArgs("success", 7).
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.mock.ExpectCommit()
		env.client.On("AdjustPoints", mock.Anything, "Rubini", int64(25)).
			Run(func(mock.Arguments) { cancel() }).
			Return(&points.Adjustment{Username: "Rubini", Amount: 25, NewAmount: 65}, nil).Once()

		_, err := env.award.Award(ctx, req)
		require.NoError(t, err)
		assert.Error(t, ctx.Err())
		env.client.AssertExpectations(t)
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("row claimed by another process is left alone", func(t *testing.T) {
		env := newTestEnv(t, ReconcileOptions{})
		expectMirroredAward(env)
		env.expectClaim(7, sqlmock.NewRows(syncLogTestColumns))
		env.mock.ExpectRollback()

		_, err := env.award.Award(context.Background(), req)
		require.NoError(t, err)
		env.client.AssertNotCalled(t, "AdjustPoints", mock.Anything, mock.Anything, mock.Anything)
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("locker outage defers to reconciliation", func(t *testing.T) {
		env := newTestEnv(t, ReconcileOptions{})
		env.sync.locker = failingLocker{err: errors.New("redis: connection refused")}
		expectMirroredAward(env)

		result, err := env.award.Award(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, int64(65), result.NewBalance)
		env.client.AssertNotCalled(t, "AdjustPoints", mock.Anything, mock.Anything, mock.Anything)
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("entry already locked is left for reconciliation", func(t *testing.T) {
		env := newTestEnv(t, ReconcileOptions{})
		expectMirroredAward(env)
		_, ok, err := env.locker.TryLock(context.Background(), "sync_log:7", 0)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = env.award.Award(context.Background(), req)
		require.NoError(t, err)
		env.client.AssertNotCalled(t, "AdjustPoints", mock.Anything, mock.Anything, mock.Anything)
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})
}

func TestAwardService_UnlinkedUserSkipsSync(t *testing.T) {
	env := newTestEnv(t, ReconcileOptions{})

	env.mock.ExpectBegin()
	env.mock.ExpectExec("INSERT INTO idempotency_records").WillReturnResult(sqlmock.NewResult(0, 1))
	env.expectUser("U2", nil)
	env.expectLedgerApply("U2", models.CurrencyLoyaltyPoints, 0, 5, 3)
	env.mock.ExpectQuery("INSERT INTO sync_logs").
		WithArgs("U2", "", "loyalty_points", 5, "award", 3, false, "skipped", "no linked external username", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))
	env.mock.ExpectExec("UPDATE idempotency_records").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	_, err := env.award.Award(context.Background(), AwardRequest{
		UserID:         "U2",
		Currency:       models.CurrencyLoyaltyPoints,
		Amount:         5,
		Source:         models.SourceDailyLogin,
		IdempotencyKey: "login-U2",
	})
	require.NoError(t, err)
	env.client.AssertNotCalled(t, "AdjustPoints", mock.Anything, mock.Anything, mock.Anything)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestAwardService_Adjust(t *testing.T) {
	t.Run("deduction within balance", func(t *testing.T) {
		env := newTestEnv(t, ReconcileOptions{})

		env.mock.ExpectBegin()
		env.mock.ExpectExec("INSERT INTO idempotency_records").WillReturnResult(sqlmock.NewResult(0, 1))
		env.expectUser("U1", nil)
		env.expectLedgerApply("U1", models.CurrencyTickets, 50, -20, 4)
		env.mock.ExpectExec("UPDATE idempotency_records").
			WithArgs(50, 30, -20, 4, "adjust:fix-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.mock.ExpectCommit()

		result, err := env.award.Adjust(context.Background(), AwardRequest{
			UserID:         "U1",
			Currency:       models.CurrencyTickets,
			Amount:         -20,
			Reason:         "chargeback",
			IdempotencyKey: "fix-1",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(30), result.NewBalance)
		require.Len(t, env.events.events, 1)
		assert.Equal(t, models.SourceAdmin, env.events.events[0].Source)
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("deduction beyond balance", func(t *testing.T) {
		env := newTestEnv(t, ReconcileOptions{})

		env.mock.ExpectBegin()
		env.mock.ExpectExec("INSERT INTO idempotency_records").WillReturnResult(sqlmock.NewResult(0, 1))
		env.expectUser("U1", nil)
		env.mock.ExpectExec("INSERT INTO balances").WillReturnResult(sqlmock.NewResult(0, 0))
		env.mock.ExpectQuery("SELECT amount FROM balances").
			WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(10))
		env.mock.ExpectRollback()

		_, err := env.award.Adjust(context.Background(), AwardRequest{
			UserID:         "U1",
			Currency:       models.CurrencyTickets,
			Amount:         -50,
			IdempotencyKey: "fix-2",
		})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, 400, StatusCode(err))
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("zero delta", func(t *testing.T) {
		env := newTestEnv(t, ReconcileOptions{})
		_, err := env.award.Adjust(context.Background(), AwardRequest{UserID: "U1", Currency: models.CurrencyTickets, IdempotencyKey: "z"})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, 200, StatusCode(nil))
	assert.Equal(t, 400, StatusCode(ErrInvalidKey))
	assert.Equal(t, 400, StatusCode(ErrNotEligibleForReprocessing))
	assert.Equal(t, 404, StatusCode(ErrSyncLogNotFound))
	assert.Equal(t, 500, StatusCode(errors.New("boom")))
	assert.Equal(t, "internal error", PublicMessage(errors.New("pq: connection refused")))
}
