package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/miguelnutt/rewards-backend/internal/audit"
	"github.com/miguelnutt/rewards-backend/internal/clock"
	"github.com/miguelnutt/rewards-backend/internal/metrics"
	"github.com/miguelnutt/rewards-backend/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ReconcileOptions struct {
	BatchSize      int
	PacingInterval time.Duration
	MaxAttempts    int // 0 means unlimited
	MinAge         time.Duration
}

// Outcomes of a single retry.
const (
	OutcomeRetriedSuccess = "retried_success"
	OutcomeFailed         = "failed"
	OutcomeExhausted      = "exhausted"
	OutcomeBusy           = "busy"
	OutcomeNotEligible    = "not_eligible"
)

// RunReport summarizes one reconciliation batch.
type RunReport struct {
	Selected   int       `json:"selected"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Exhausted  int       `json:"exhausted"`
	Skipped    int       `json:"skipped"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ReprocessResult is the outcome of a manual retry of one entry.
type ReprocessResult struct {
	Success  bool                `json:"success"`
	Error    string              `json:"error,omitempty"`
	Original models.SyncLogEntry `json:"original"`
	Updated  models.SyncLogEntry `json:"updated"`
}

// ReconciliationService retries flagged sync log entries. It keeps no state
// between runs; everything it needs lives in sync_logs.
type ReconciliationService struct {
	db      *sql.DB
	sync    *ExternalSync
	opts    ReconcileOptions
	clock   clock.Clock
	metrics *metrics.Metrics
	audit   *audit.Logger
	logger  *zap.Logger
}

func NewReconciliationService(db *sql.DB, sync *ExternalSync, opts ReconcileOptions, clk clock.Clock, m *metrics.Metrics, auditLogger *audit.Logger, logger *zap.Logger) *ReconciliationService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &ReconciliationService{
		db:      db,
		sync:    sync,
		opts:    opts,
		clock:   clk,
		metrics: m,
		audit:   auditLogger,
		logger:  logger,
	}
}

// Run retries up to batchSize flagged entries, oldest first, pacing the
// external calls. A non-positive batchSize uses the configured default.
func (s *ReconciliationService) Run(ctx context.Context, batchSize int) (*RunReport, error) {
	if batchSize <= 0 {
		batchSize = s.opts.BatchSize
	}
	report := &RunReport{StartedAt: s.clock.Now()}

	ids, err := s.selectBatch(ctx, report.StartedAt.Add(-s.opts.MinAge), batchSize)
	if err != nil {
		s.metrics.ObserveReconcileRun(err, float64(report.StartedAt.Unix()))
		return nil, fmt.Errorf("select reconciliation batch: %w", err)
	}
	report.Selected = len(ids)

	limit := rate.Inf
	if s.opts.PacingInterval > 0 {
		limit = rate.Every(s.opts.PacingInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	for _, id := range ids {
		if err := limiter.Wait(ctx); err != nil {
			report.FinishedAt = s.clock.Now()
			s.metrics.ObserveReconcileRun(err, float64(report.StartedAt.Unix()))
			return report, err
		}

		outcome, _, err := s.retry(ctx, id, "")
		if err != nil {
			s.logger.Error("[RECONCILE] retry failed", zap.Int64("log_id", id), zap.Error(err))
			report.Failed++
			continue
		}
		s.metrics.ObserveReconcileEntry(outcome)

		switch outcome {
		case OutcomeRetriedSuccess:
			report.Succeeded++
		case OutcomeFailed:
			report.Failed++
		case OutcomeExhausted:
			report.Exhausted++
		default:
			report.Skipped++
		}
	}

	report.FinishedAt = s.clock.Now()
	s.metrics.ObserveReconcileRun(nil, float64(report.StartedAt.Unix()))
	s.logger.Info("[RECONCILE] run finished",
		zap.Int("selected", report.Selected),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("exhausted", report.Exhausted),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

// Reprocess retries one entry on an administrator's request.
func (s *ReconciliationService) Reprocess(ctx context.Context, logID int64, adminUserID string) (*ReprocessResult, error) {
	if logID <= 0 || adminUserID == "" {
		return nil, fmt.Errorf("%w: log_id and admin_user_id are required", ErrInvalidInput)
	}

	outcome, result, err := s.retry(ctx, logID, adminUserID)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case OutcomeNotEligible:
		return nil, fmt.Errorf("%w: entry %d", ErrNotEligibleForReprocessing, logID)
	case OutcomeBusy:
		return nil, fmt.Errorf("%w: entry %d is being processed", ErrNotEligibleForReprocessing, logID)
	}

	s.metrics.ObserveReconcileEntry(outcome)
	s.audit.LogReprocess(logID, adminUserID, result.Success, result.Error)
	return result, nil
}

func (s *ReconciliationService) selectBatch(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sync_logs
		WHERE requer_reprocessamento AND NOT success AND created_at <= $1
		ORDER BY created_at, id
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// retry locks the entry, claims its row, pushes its stored effect and records
// the result in the claiming transaction. adminUserID is empty for scheduled
// runs. Like Attempt it runs detached from ctx once started.
func (s *ReconciliationService) retry(ctx context.Context, id int64, adminUserID string) (string, *ReprocessResult, error) {
	ctx, cancel := s.sync.detach(ctx)
	defer cancel()

	unlock, ok, err := s.sync.lock(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return OutcomeBusy, nil, nil
	}
	defer unlock(context.Background())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, err
	}
	defer tx.Rollback()

	entry, ok, err := s.sync.claim(ctx, tx, id)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		// Either missing or held by a worker in another process.
		if _, err := s.sync.Get(ctx, id); err != nil {
			return "", nil, err
		}
		return OutcomeBusy, nil, nil
	}
	if !entry.Eligible() {
		return OutcomeNotEligible, nil, nil
	}

	result := &ReprocessResult{Original: *entry, Updated: *entry}
	updated := &result.Updated
	if adminUserID != "" {
		updated.ReprocessedBy = &adminUserID
	}

	pushErr := s.sync.push(ctx, entry)
	s.metrics.ObserveSyncAttempt("retry", pushErr == nil)

	outcome := OutcomeRetriedSuccess
	if pushErr == nil {
		now := s.clock.Now()
		updated.Success = true
		updated.RequerReprocessamento = false
		updated.Status = models.SyncRetriedSuccess
		updated.ErrorMessage = nil
		updated.ReprocessadoEm = &now
		result.Success = true

		_, err = tx.ExecContext(ctx, `
			UPDATE sync_logs
			SET success = TRUE, requer_reprocessamento = FALSE, status = $1, reprocessado_em = $2,
				error_message = NULL, reprocessed_by = COALESCE($3, reprocessed_by)
			WHERE id = $4`,
			updated.Status, now, updated.ReprocessedBy, id)
	} else {
		msg := pushErr.Error()
		updated.AttemptCount++
		updated.ErrorMessage = &msg
		updated.Status = models.SyncFailed
		outcome = OutcomeFailed
		if s.opts.MaxAttempts > 0 && updated.AttemptCount >= s.opts.MaxAttempts {
			updated.Status = models.SyncExhausted
			updated.RequerReprocessamento = false
			outcome = OutcomeExhausted
		}
		result.Error = msg

		_, err = tx.ExecContext(ctx, `
			UPDATE sync_logs
			SET attempt_count = $1, error_message = $2, status = $3, requer_reprocessamento = $4, reprocessed_by = COALESCE($5, reprocessed_by)
			WHERE id = $6`,
			updated.AttemptCount, msg, updated.Status, updated.RequerReprocessamento, updated.ReprocessedBy, id)

		s.logger.Warn("[RECONCILE] external sync retry failed",
			zap.Int64("log_id", id),
			zap.Int("attempt_count", updated.AttemptCount),
			zap.String("status", string(updated.Status)),
			zap.Error(pushErr))
	}
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		return "", nil, fmt.Errorf("record retry of sync log %d: %w", id, err)
	}

	return outcome, result, nil
}
