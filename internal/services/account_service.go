package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/miguelnutt/rewards-backend/internal/models"
	"go.uber.org/zap"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NormalizeIdentity is the canonical form of an external identity.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// AccountService reads the users table and writes only the linkage columns.
type AccountService struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewAccountService(db *sql.DB, logger *zap.Logger) *AccountService {
	return &AccountService{db: db, logger: logger}
}

// Get returns the user or ErrUserNotFound.
func (s *AccountService) Get(ctx context.Context, userID string) (*models.User, error) {
	return s.get(ctx, s.db, userID)
}

func (s *AccountService) get(ctx context.Context, q queryer, userID string) (*models.User, error) {
	var user models.User
	err := q.QueryRowContext(ctx, `
		SELECT id, display_name, external_identity, external_username, merged_into, created_at
		FROM users
		WHERE id = $1`, userID,
	).Scan(&user.ID, &user.DisplayName, &user.ExternalIdentity, &user.ExternalUsername, &user.MergedInto, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	return &user, nil
}

// LinkIdentity records that userID owns externalIdentity on the external
// platform. username keeps the display casing used against the points API.
// Mirrored changes skipped earlier for lack of a username are reopened for
// reconciliation in the same transaction.
func (s *AccountService) LinkIdentity(ctx context.Context, userID, externalIdentity, username string) error {
	identity := NormalizeIdentity(externalIdentity)
	if userID == "" || identity == "" {
		return fmt.Errorf("%w: user_id and external_identity are required", ErrInvalidInput)
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username = identity
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE users SET external_identity = $1, external_username = $2
		WHERE id = $3`,
		identity, username, userID)
	if err != nil {
		return fmt.Errorf("link identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE sync_logs
		SET external_username = $1, status = $2, requer_reprocessamento = TRUE, error_message = NULL
		WHERE user_id = $3 AND status = $4 AND NOT success`,
		username, models.SyncPending, userID, models.SyncSkipped)
	if err != nil {
		return fmt.Errorf("reopen skipped sync logs: %w", err)
	}
	reopened, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info("[ACCOUNTS] identity linked",
		zap.String("user_id", userID),
		zap.String("external_identity", identity),
		zap.Int64("reopened_sync_logs", reopened))
	return nil
}

// DuplicateGroups returns every external identity held by more than one
// account. Accounts inside a group are ordered oldest first, so the first
// one is canonical. Already merged accounts stay in their group.
func (s *AccountService) DuplicateGroups(ctx context.Context) ([]models.DuplicateGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_identity, id
		FROM users
		WHERE external_identity IN (
			SELECT external_identity FROM users
			WHERE external_identity IS NOT NULL
			GROUP BY external_identity
			HAVING COUNT(*) > 1
		)
		ORDER BY external_identity, created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.DuplicateGroup
	for rows.Next() {
		var identity, userID string
		if err := rows.Scan(&identity, &userID); err != nil {
			return nil, err
		}
		if n := len(groups); n > 0 && groups[n-1].ExternalIdentity == identity {
			groups[n-1].DuplicateUserIDs = append(groups[n-1].DuplicateUserIDs, userID)
			continue
		}
		groups = append(groups, models.DuplicateGroup{
			ExternalIdentity: identity,
			CanonicalUserID:  userID,
			DuplicateUserIDs: []string{},
		})
	}
	return groups, rows.Err()
}
