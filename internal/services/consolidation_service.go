package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/miguelnutt/rewards-backend/internal/audit"
	"github.com/miguelnutt/rewards-backend/internal/metrics"
	"github.com/miguelnutt/rewards-backend/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConsolidationService merges accounts that share one external identity into
// the oldest of them.
type ConsolidationService struct {
	db          *sql.DB
	accounts    *AccountService
	ledger      *LedgerService
	provisional *ProvisionalService
	concurrency int
	audit       *audit.Logger
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

func NewConsolidationService(db *sql.DB, accounts *AccountService, ledger *LedgerService, provisional *ProvisionalService, concurrency int, auditLogger *audit.Logger, m *metrics.Metrics, logger *zap.Logger) *ConsolidationService {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &ConsolidationService{
		db:          db,
		accounts:    accounts,
		ledger:      ledger,
		provisional: provisional,
		concurrency: concurrency,
		audit:       auditLogger,
		metrics:     m,
		logger:      logger,
	}
}

type heldBalance struct {
	userID   string
	currency models.CurrencyKind
	amount   int64
}

// Consolidate processes every duplicate group. Groups are independent and run
// in parallel; a failing group is reported with ActionFailed and does not
// stop the others. In dry run nothing is written.
func (s *ConsolidationService) Consolidate(ctx context.Context, dryRun bool) ([]models.ConsolidationResult, error) {
	groups, err := s.accounts.DuplicateGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("find duplicate groups: %w", err)
	}

	results := make([]models.ConsolidationResult, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			var (
				result *models.ConsolidationResult
				err    error
			)
			if dryRun {
				result, err = s.project(gctx, group)
			} else {
				result, err = s.merge(gctx, group)
			}
			if err != nil {
				s.logger.Error("[CONSOLIDATE] group failed",
					zap.String("external_identity", group.ExternalIdentity),
					zap.Error(err))
				result = &models.ConsolidationResult{
					DuplicateGroup: group,
					ActionTaken:    models.ActionFailed,
					Error:          err.Error(),
				}
			}
			results[i] = *result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range results {
		if dryRun {
			continue
		}
		migrated := map[string]int64{
			string(models.CurrencyTickets):       r.TicketsConsolidated,
			string(models.CurrencyRubiniCoins):   r.RubiniCoinsConsolidated,
			string(models.CurrencyLoyaltyPoints): r.LoyaltyPointsConsolidated,
		}
		s.metrics.ObserveConsolidation(string(r.ActionTaken), migrated)
		s.audit.LogConsolidation(r.ExternalIdentity, r.CanonicalUserID, r.DuplicateUserIDs, string(r.ActionTaken), migrated)
	}
	return results, nil
}

// project sums what a live run would move, without locking.
func (s *ConsolidationService) project(ctx context.Context, group models.DuplicateGroup) (*models.ConsolidationResult, error) {
	result := &models.ConsolidationResult{DuplicateGroup: group, ActionTaken: models.ActionDryRun}

	rows, err := s.db.QueryContext(ctx, `
		SELECT currency, COALESCE(SUM(amount), 0)
		FROM balances
		WHERE user_id = ANY($1)
		GROUP BY currency`,
		pq.Array(group.DuplicateUserIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			currency models.CurrencyKind
			amount   int64
		)
		if err := rows.Scan(&currency, &amount); err != nil {
			return nil, err
		}
		result.AddMigrated(currency, amount)
	}
	return result, rows.Err()
}

// merge moves the group's balances in one transaction. All balance rows of
// the group are locked up front in (user_id, currency) order.
func (s *ConsolidationService) merge(ctx context.Context, group models.DuplicateGroup) (*models.ConsolidationResult, error) {
	result := &models.ConsolidationResult{DuplicateGroup: group, ActionTaken: models.ActionMerged}
	members := append([]string{group.CanonicalUserID}, group.DuplicateUserIDs...)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	held, err := s.lockGroup(ctx, tx, members)
	if err != nil {
		return nil, err
	}

	totals := make(map[models.CurrencyKind]int64)
	var applied []appliedMutation
	for _, b := range held {
		if b.userID == group.CanonicalUserID || b.amount <= 0 {
			continue
		}
		m := Mutation{
			UserID:   b.userID,
			Currency: b.currency,
			Delta:    -b.amount,
			Reason:   "merged into " + group.CanonicalUserID,
			Source:   models.SourceConsolidation,
		}
		r, err := s.ledger.ApplyTx(ctx, tx, m)
		if err != nil {
			return nil, err
		}
		applied = append(applied, appliedMutation{m, r})
		totals[b.currency] += b.amount
	}

	for _, currency := range models.Currencies {
		amount := totals[currency]
		if amount == 0 {
			continue
		}
		m := Mutation{
			UserID:   group.CanonicalUserID,
			Currency: currency,
			Delta:    amount,
			Reason:   fmt.Sprintf("consolidated from %d duplicate accounts", len(group.DuplicateUserIDs)),
			Source:   models.SourceConsolidation,
		}
		r, err := s.ledger.ApplyTx(ctx, tx, m)
		if err != nil {
			return nil, err
		}
		applied = append(applied, appliedMutation{m, r})
		result.AddMigrated(currency, amount)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET merged_into = $1
		WHERE id = ANY($2) AND merged_into IS NULL`,
		group.CanonicalUserID, pq.Array(group.DuplicateUserIDs)); err != nil {
		return nil, fmt.Errorf("mark merged accounts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, a := range applied {
		s.ledger.Notify(ctx, a.mutation, a.result)
	}

	// The balance move is committed at this point, so a failed drain is
	// reported next to the migrated totals instead of replacing them.
	drained, err := s.provisional.Drain(ctx, group.CanonicalUserID, group.ExternalIdentity)
	if drained != nil {
		result.ProvisionalCreditsApplied = drained.Applied
	}
	if err != nil {
		s.logger.Error("[CONSOLIDATE] provisional drain failed after merge",
			zap.String("external_identity", group.ExternalIdentity),
			zap.String("canonical_user_id", group.CanonicalUserID),
			zap.Error(err))
		result.Error = fmt.Sprintf("drain provisional credits: %v", err)
	}

	if result.TotalMigrated() == 0 && result.ProvisionalCreditsApplied == 0 {
		result.ActionTaken = models.ActionSkipped
		if err != nil {
			result.ActionTaken = models.ActionFailed
		}
	}

	s.logger.Info("[CONSOLIDATE] group processed",
		zap.String("external_identity", group.ExternalIdentity),
		zap.String("canonical_user_id", group.CanonicalUserID),
		zap.String("action", string(result.ActionTaken)),
		zap.Int64("migrated", result.TotalMigrated()))
	return result, nil
}

type appliedMutation struct {
	mutation Mutation
	result   *MutationResult
}

func (s *ConsolidationService) lockGroup(ctx context.Context, tx *sql.Tx, members []string) ([]heldBalance, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT user_id, currency, amount
		FROM balances
		WHERE user_id = ANY($1)
		ORDER BY user_id, currency
		FOR UPDATE`,
		pq.Array(members))
	if err != nil {
		return nil, fmt.Errorf("lock group balances: %w", err)
	}
	defer rows.Close()

	var held []heldBalance
	for rows.Next() {
		var b heldBalance
		if err := rows.Scan(&b.userID, &b.currency, &b.amount); err != nil {
			return nil, err
		}
		held = append(held, b)
	}
	return held, rows.Err()
}
