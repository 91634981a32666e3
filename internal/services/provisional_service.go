package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/miguelnutt/rewards-backend/internal/audit"
	"github.com/miguelnutt/rewards-backend/internal/clock"
	"github.com/miguelnutt/rewards-backend/internal/metrics"
	"github.com/miguelnutt/rewards-backend/internal/models"
	"go.uber.org/zap"
)

type QueueCreditRequest struct {
	ExternalIdentity string
	Currency         models.CurrencyKind
	Amount           int64
	Source           models.Source
	Reason           string
}

// ProvisionalService holds credits for identities with no linked account and
// drains them once the identity is linked.
type ProvisionalService struct {
	db       *sql.DB
	accounts *AccountService
	ledger   *LedgerService
	sync     *ExternalSync
	clock    clock.Clock
	audit    *audit.Logger
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewProvisionalService(db *sql.DB, accounts *AccountService, ledger *LedgerService, sync *ExternalSync, clk clock.Clock, auditLogger *audit.Logger, m *metrics.Metrics, logger *zap.Logger) *ProvisionalService {
	return &ProvisionalService{
		db:       db,
		accounts: accounts,
		ledger:   ledger,
		sync:     sync,
		clock:    clk,
		audit:    auditLogger,
		metrics:  m,
		logger:   logger,
	}
}

// QueueCredit stores an unapplied credit for the identity.
func (s *ProvisionalService) QueueCredit(ctx context.Context, req QueueCreditRequest) (*models.ProvisionalCredit, error) {
	credit := &models.ProvisionalCredit{
		ExternalIdentity: NormalizeIdentity(req.ExternalIdentity),
		Currency:         req.Currency,
		Amount:           req.Amount,
		Source:           req.Source,
		Reason:           req.Reason,
		CreatedAt:        s.clock.Now(),
	}
	switch {
	case credit.ExternalIdentity == "":
		return nil, fmt.Errorf("%w: external_identity is required", ErrInvalidInput)
	case credit.Amount <= 0:
		return nil, fmt.Errorf("%w: amount must be a positive integer", ErrInvalidInput)
	case !credit.Currency.Valid():
		return nil, fmt.Errorf("%w: unknown currency %q", ErrInvalidInput, credit.Currency)
	case !credit.Source.Valid() || credit.Source == models.SourceConsolidation:
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidInput, credit.Source)
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO provisional_credits (external_identity, currency, amount, source, reason, applied, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		RETURNING id`,
		credit.ExternalIdentity, credit.Currency, credit.Amount, credit.Source, credit.Reason, credit.CreatedAt,
	).Scan(&credit.ID)
	if err != nil {
		return nil, fmt.Errorf("queue provisional credit: %w", err)
	}

	s.logger.Info("[PROVISIONAL] credit queued",
		zap.Int64("credit_id", credit.ID),
		zap.String("external_identity", credit.ExternalIdentity),
		zap.String("currency", string(credit.Currency)),
		zap.Int64("amount", credit.Amount))
	return credit, nil
}

// Link records the identity on the account and drains its pending credits.
func (s *ProvisionalService) Link(ctx context.Context, userID, externalIdentity, username string) (*models.DrainResult, error) {
	if err := s.accounts.LinkIdentity(ctx, userID, externalIdentity, username); err != nil {
		return nil, err
	}
	return s.Drain(ctx, userID, externalIdentity)
}

// Drain applies every unapplied credit of the identity to userID. Each credit
// is applied in its own transaction under a row lock and keyed in the ledger
// by its id, so repeated or interrupted drains never credit twice.
func (s *ProvisionalService) Drain(ctx context.Context, userID, externalIdentity string) (*models.DrainResult, error) {
	identity := NormalizeIdentity(externalIdentity)
	if userID == "" || identity == "" {
		return nil, fmt.Errorf("%w: user_id and external_identity are required", ErrInvalidInput)
	}

	user, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	username := ""
	if user.ExternalUsername != nil {
		username = *user.ExternalUsername
	}

	ids, err := s.pendingIDs(ctx, identity)
	if err != nil {
		return nil, err
	}

	result := &models.DrainResult{
		UserID:           userID,
		ExternalIdentity: identity,
		Credited:         make(map[models.CurrencyKind]int64),
	}
	for _, id := range ids {
		credit, err := s.applyOne(ctx, id, userID, username)
		if err != nil {
			s.logger.Error("[PROVISIONAL] drain stopped", zap.Int64("credit_id", id), zap.Error(err))
			return result, err
		}
		if credit == nil {
			result.Skipped++
			continue
		}
		result.Applied++
		result.Credited[credit.Currency] += credit.Amount
	}

	if result.Applied > 0 {
		s.metrics.ObserveProvisionalApplied(result.Applied)
		credited := make(map[string]int64, len(result.Credited))
		for c, amount := range result.Credited {
			credited[string(c)] = amount
		}
		s.audit.LogDrain(identity, userID, result.Applied, credited)
	}
	s.logger.Info("[PROVISIONAL] drain finished",
		zap.String("user_id", userID),
		zap.String("external_identity", identity),
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

func (s *ProvisionalService) pendingIDs(ctx context.Context, identity string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM provisional_credits
		WHERE external_identity = $1 AND NOT applied
		ORDER BY id`, identity)
	if err != nil {
		return nil, fmt.Errorf("list provisional credits: %w", err)
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

// applyOne returns nil when the credit was already applied by someone else.
func (s *ProvisionalService) applyOne(ctx context.Context, id int64, userID, username string) (*models.ProvisionalCredit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	credit := models.ProvisionalCredit{ID: id}
	err = tx.QueryRowContext(ctx, `
		SELECT external_identity, currency, amount, source, reason, applied
		FROM provisional_credits
		WHERE id = $1
		FOR UPDATE`, id,
	).Scan(&credit.ExternalIdentity, &credit.Currency, &credit.Amount, &credit.Source, &credit.Reason, &credit.Applied)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && credit.Applied) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock provisional credit %d: %w", id, err)
	}

	mutation := Mutation{
		UserID:         userID,
		Currency:       credit.Currency,
		Delta:          credit.Amount,
		Reason:         credit.Reason,
		Source:         credit.Source,
		IdempotencyKey: "provisional:" + strconv.FormatInt(id, 10),
	}
	applied, err := s.ledger.ApplyTx(ctx, tx, mutation)
	if err != nil {
		return nil, err
	}

	var syncEntry *models.SyncLogEntry
	if s.sync.Mirrors(credit.Currency) {
		syncEntry, err = s.sync.RecordPendingTx(ctx, tx, SyncRequest{
			UserID:           userID,
			ExternalUsername: username,
			Currency:         credit.Currency,
			Amount:           credit.Amount,
			OperationType:    "provisional",
			ReferenceID:      applied.EntryID,
		})
		if err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE provisional_credits
		SET applied = TRUE, applied_at = $1, applied_user_id = $2
		WHERE id = $3`,
		now, userID, id); err != nil {
		return nil, fmt.Errorf("mark provisional credit %d applied: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.ledger.Notify(ctx, mutation, applied)
	s.sync.Attempt(ctx, syncEntry)

	credit.Applied = true
	credit.AppliedAt = &now
	credit.AppliedUserID = &userID
	return &credit, nil
}
