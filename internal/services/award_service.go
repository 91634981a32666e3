package services

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/miguelnutt/rewards-backend/internal/audit"
	"github.com/miguelnutt/rewards-backend/internal/metrics"
	"github.com/miguelnutt/rewards-backend/internal/models"
	"go.uber.org/zap"
)

// AwardRequest credits Amount of Currency to UserID. Adjust accepts a signed
// Amount; Award requires it to be positive.
type AwardRequest struct {
	UserID         string
	Currency       models.CurrencyKind
	Amount         int64
	Source         models.Source
	Reason         string
	IdempotencyKey string
}

type AwardResult struct {
	UserID          string              `json:"user_id"`
	Currency        models.CurrencyKind `json:"currency"`
	PreviousBalance int64               `json:"previous_balance"`
	NewBalance      int64               `json:"new_balance"`
	AmountApplied   int64               `json:"amount_applied"`
	LedgerEntryID   int64               `json:"ledger_entry_id"`
	Duplicate       bool                `json:"duplicate"`
}

// AwardService is the only entry point for keyed balance changes.
type AwardService struct {
	accounts *AccountService
	ledger   *LedgerService
	guard    *IdempotencyGuard
	sync     *ExternalSync
	audit    *audit.Logger
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewAwardService(accounts *AccountService, ledger *LedgerService, guard *IdempotencyGuard, sync *ExternalSync, auditLogger *audit.Logger, m *metrics.Metrics, logger *zap.Logger) *AwardService {
	return &AwardService{
		accounts: accounts,
		ledger:   ledger,
		guard:    guard,
		sync:     sync,
		audit:    auditLogger,
		metrics:  m,
		logger:   logger,
	}
}

// Award credits a positive amount exactly once per idempotency key.
func (s *AwardService) Award(ctx context.Context, req AwardRequest) (*AwardResult, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be a positive integer", ErrInvalidInput)
	}
	if req.Source == models.SourceConsolidation {
		return nil, fmt.Errorf("%w: source %q is reserved", ErrInvalidInput, req.Source)
	}
	return s.apply(ctx, "award", req)
}

// Adjust applies a signed administrative correction. Negative deltas fail
// with ErrInsufficientBalance instead of driving a balance below zero.
func (s *AwardService) Adjust(ctx context.Context, req AwardRequest) (*AwardResult, error) {
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must not be zero", ErrInvalidInput)
	}
	req.Source = models.SourceAdmin
	return s.apply(ctx, "adjust", req)
}

func (s *AwardService) apply(ctx context.Context, operation string, req AwardRequest) (*AwardResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if !req.Currency.Valid() {
		return nil, fmt.Errorf("%w: unknown currency %q", ErrInvalidInput, req.Currency)
	}
	if !req.Source.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidInput, req.Source)
	}
	if req.IdempotencyKey == "" {
		return nil, ErrInvalidKey
	}

	mutation := Mutation{
		UserID:         req.UserID,
		Currency:       req.Currency,
		Delta:          req.Amount,
		Reason:         req.Reason,
		Source:         req.Source,
		IdempotencyKey: operation + ":" + req.IdempotencyKey,
	}
	fingerprint := Fingerprint(operation, req.UserID, string(req.Currency), strconv.FormatInt(req.Amount, 10))

	var (
		applied   *MutationResult
		syncEntry *models.SyncLogEntry
	)
	outcome, err := s.guard.ApplyOnce(ctx, mutation.IdempotencyKey, fingerprint, func(ctx context.Context, tx *sql.Tx) (*Outcome, error) {
		user, err := s.accounts.get(ctx, tx, req.UserID)
		if err != nil {
			return nil, err
		}

		applied, err = s.ledger.ApplyTx(ctx, tx, mutation)
		if err != nil {
			return nil, err
		}

		if s.sync.Mirrors(req.Currency) {
			username := ""
			if user.ExternalUsername != nil {
				username = *user.ExternalUsername
			}
			syncEntry, err = s.sync.RecordPendingTx(ctx, tx, SyncRequest{
				UserID:           req.UserID,
				ExternalUsername: username,
				Currency:         req.Currency,
				Amount:           req.Amount,
				OperationType:    operation,
				ReferenceID:      applied.EntryID,
			})
			if err != nil {
				return nil, err
			}
		}

		return &Outcome{
			PreviousBalance: applied.PreviousBalance,
			NewBalance:      applied.NewBalance,
			AmountApplied:   req.Amount,
			LedgerEntryID:   applied.EntryID,
		}, nil
	})
	if err != nil {
		s.metrics.ObserveAward("error")
		if StatusCode(err) >= 500 {
			s.logger.Error("[AWARD] award failed", zap.String("user_id", req.UserID), zap.String("key", req.IdempotencyKey), zap.Error(err))
			s.audit.LogError(req.IdempotencyKey, req.UserID, err)
		}
		return nil, err
	}

	result := &AwardResult{
		UserID:          req.UserID,
		Currency:        req.Currency,
		PreviousBalance: outcome.PreviousBalance,
		NewBalance:      outcome.NewBalance,
		AmountApplied:   outcome.AmountApplied,
		LedgerEntryID:   outcome.LedgerEntryID,
		Duplicate:       outcome.Duplicate,
	}

	if outcome.Duplicate {
		s.metrics.ObserveAward("duplicate")
		s.audit.LogAward(req.IdempotencyKey, req.UserID, string(req.Currency), result.AmountApplied, true)
		s.logger.Info("[AWARD] duplicate request answered from record", zap.String("key", req.IdempotencyKey))
		return result, nil
	}

	s.metrics.ObserveAward("applied")
	s.audit.LogAward(req.IdempotencyKey, req.UserID, string(req.Currency), req.Amount, false)
	s.ledger.Notify(ctx, mutation, applied)

	// The ledger change is committed; the sync outcome only lands in sync_logs.
	s.sync.Attempt(ctx, syncEntry)

	s.logger.Info("[AWARD] applied",
		zap.String("user_id", req.UserID),
		zap.String("currency", string(req.Currency)),
		zap.Int64("amount", req.Amount),
		zap.Int64("new_balance", result.NewBalance))
	return result, nil
}
