package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/miguelnutt/rewards-backend/internal/clock"
	"github.com/miguelnutt/rewards-backend/internal/metrics"
	"github.com/miguelnutt/rewards-backend/internal/models"
	"github.com/miguelnutt/rewards-backend/internal/points"
	"go.uber.org/zap"
)

const syncLogColumns = `id, user_id, external_username, currency, amount, operation_type, reference_id,
	success, requer_reprocessamento, status, attempt_count, error_message, reprocessed_by,
	created_at, reprocessado_em`

// SyncRequest is the exact effect to mirror into the points service.
type SyncRequest struct {
	UserID           string
	ExternalUsername string
	Currency         models.CurrencyKind
	Amount           int64
	OperationType    string
	ReferenceID      int64
}

// ExternalSync owns the sync_logs table and the call into the points
// service. The reconciliation worker reuses push for its retries.
type ExternalSync struct {
	db       *sql.DB
	client   points.Client
	locker   Locker
	lockTTL  time.Duration
	mirrored map[models.CurrencyKind]bool
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger

	attemptTimeout time.Duration
}

type ExternalSyncConfig struct {
	MirroredCurrencies []models.CurrencyKind
	LockTTL            time.Duration
	AttemptTimeout     time.Duration
}

func NewExternalSync(db *sql.DB, client points.Client, locker Locker, cfg ExternalSyncConfig, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *ExternalSync {
	mirrored := make(map[models.CurrencyKind]bool, len(cfg.MirroredCurrencies))
	for _, c := range cfg.MirroredCurrencies {
		mirrored[c] = true
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	// An attempt must finish while it still holds the entry lock.
	if cfg.AttemptTimeout <= 0 || cfg.AttemptTimeout > cfg.LockTTL {
		cfg.AttemptTimeout = cfg.LockTTL
	}
	return &ExternalSync{
		db:       db,
		client:   client,
		locker:   locker,
		lockTTL:  cfg.LockTTL,
		mirrored: mirrored,
		clock:    clk,
		metrics:  m,
		logger:   logger,

		attemptTimeout: cfg.AttemptTimeout,
	}
}

// Mirrors reports whether balance changes of currency are pushed externally.
func (s *ExternalSync) Mirrors(currency models.CurrencyKind) bool {
	return s.mirrored[currency]
}

// RecordPendingTx writes the sync log entry inside the ledger transaction.
// The entry starts flagged for reprocessing, so a crash before the first
// attempt still leaves it to the reconciliation worker. Users without a linked
// external username get a skipped entry that is never retried.
func (s *ExternalSync) RecordPendingTx(ctx context.Context, tx *sql.Tx, req SyncRequest) (*models.SyncLogEntry, error) {
	entry := &models.SyncLogEntry{
		UserID:                req.UserID,
		ExternalUsername:      req.ExternalUsername,
		Currency:              req.Currency,
		Amount:                req.Amount,
		OperationType:         req.OperationType,
		ReferenceID:           req.ReferenceID,
		RequerReprocessamento: true,
		Status:                models.SyncPending,
		CreatedAt:             s.clock.Now(),
	}
	if req.ExternalUsername == "" {
		msg := "no linked external username"
		entry.RequerReprocessamento = false
		entry.Status = models.SyncSkipped
		entry.ErrorMessage = &msg
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO sync_logs (user_id, external_username, currency, amount, operation_type, reference_id,
			success, requer_reprocessamento, status, attempt_count, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8, 0, $9, $10)
		RETURNING id`,
		entry.UserID, entry.ExternalUsername, entry.Currency, entry.Amount, entry.OperationType, entry.ReferenceID,
		entry.RequerReprocessamento, entry.Status, entry.ErrorMessage, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return nil, fmt.Errorf("insert sync log: %w", err)
	}
	return entry, nil
}

// Attempt makes the first call for a freshly committed entry. Failures are
// recorded on the entry and left for reconciliation; they are never returned
// to the award caller. The attempt runs detached from ctx, so a caller that
// goes away after the external call landed cannot leave the entry flagged.
func (s *ExternalSync) Attempt(ctx context.Context, entry *models.SyncLogEntry) {
	if entry == nil || entry.Status != models.SyncPending {
		return
	}
	ctx, cancel := s.detach(ctx)
	defer cancel()

	unlock, ok, err := s.lock(ctx, entry.ID)
	if err != nil {
		s.logger.Warn("[SYNC] lock unavailable, deferred to reconciliation", zap.Int64("log_id", entry.ID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer unlock(context.Background())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("[SYNC] begin sync attempt", zap.Int64("log_id", entry.ID), zap.Error(err))
		return
	}
	defer tx.Rollback()

	current, ok, err := s.claim(ctx, tx, entry.ID)
	if err != nil {
		s.logger.Error("[SYNC] claim failed", zap.Int64("log_id", entry.ID), zap.Error(err))
		return
	}
	if !ok || current.Success || current.Status != models.SyncPending {
		s.logger.Info("[SYNC] entry claimed elsewhere, skipping", zap.Int64("log_id", entry.ID))
		return
	}

	pushErr := s.push(ctx, current)
	s.metrics.ObserveSyncAttempt("initial", pushErr == nil)

	if pushErr == nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_logs
			SET success = TRUE, requer_reprocessamento = FALSE, status = $1, attempt_count = attempt_count + 1, error_message = NULL
			WHERE id = $2 AND NOT success`,
			models.SyncSuccess, entry.ID)
	} else {
		s.logger.Warn("[SYNC] external sync failed, deferred to reconciliation",
			zap.Int64("log_id", entry.ID),
			zap.String("username", current.ExternalUsername),
			zap.Int64("amount", current.Amount),
			zap.Error(pushErr))
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_logs
			SET status = $1, attempt_count = attempt_count + 1, error_message = $2
			WHERE id = $3 AND NOT success`,
			models.SyncFailed, pushErr.Error(), entry.ID)
	}
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		// The entry stays pending and flagged; the worker picks it up.
		s.logger.Error("[SYNC] failed to record sync outcome", zap.Int64("log_id", entry.ID), zap.Error(err))
	}
}

// detach returns a context that survives cancellation of ctx but still ends
// after the attempt timeout.
func (s *ExternalSync) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.attemptTimeout)
}

// claim row-locks the entry for the rest of tx. ok is false when the row is
// missing or another process already holds it.
func (s *ExternalSync) claim(ctx context.Context, tx *sql.Tx, id int64) (*models.SyncLogEntry, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+syncLogColumns+` FROM sync_logs WHERE id = $1 FOR UPDATE SKIP LOCKED`, id)
	entry, err := scanSyncLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim sync log %d: %w", id, err)
	}
	return entry, true, nil
}

// push mirrors the stored effect of entry. It never reads the ledger.
func (s *ExternalSync) push(ctx context.Context, entry *models.SyncLogEntry) error {
	if entry.ExternalUsername == "" {
		return fmt.Errorf("%w: entry %d has no external username", ErrExternalService, entry.ID)
	}
	if _, err := s.client.AdjustPoints(ctx, entry.ExternalUsername, entry.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	return nil
}

// lock takes the per-entry lock. ok is false when another worker holds it.
func (s *ExternalSync) lock(ctx context.Context, id int64) (Unlock, bool, error) {
	unlock, ok, err := s.locker.TryLock(ctx, "sync_log:"+strconv.FormatInt(id, 10), s.lockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("lock sync log %d: %w", id, err)
	}
	if !ok {
		s.logger.Info("[SYNC] entry busy, skipping", zap.Int64("log_id", id))
		return nil, false, nil
	}
	return unlock, true, nil
}

// Get loads one entry or ErrSyncLogNotFound.
func (s *ExternalSync) Get(ctx context.Context, id int64) (*models.SyncLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncLogColumns+` FROM sync_logs WHERE id = $1`, id)
	entry, err := scanSyncLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrSyncLogNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load sync log %d: %w", id, err)
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncLog(row rowScanner) (*models.SyncLogEntry, error) {
	var e models.SyncLogEntry
	err := row.Scan(&e.ID, &e.UserID, &e.ExternalUsername, &e.Currency, &e.Amount, &e.OperationType, &e.ReferenceID,
		&e.Success, &e.RequerReprocessamento, &e.Status, &e.AttemptCount, &e.ErrorMessage, &e.ReprocessedBy,
		&e.CreatedAt, &e.ReprocessadoEm)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
