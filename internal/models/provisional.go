package models

import "time"

// ProvisionalCredit is a reward held for an external identity that has no
// linked account yet. It is applied exactly once, when the identity is linked.
type ProvisionalCredit struct {
	ID               int64        `json:"id" db:"id"`
	ExternalIdentity string       `json:"external_identity" db:"external_identity"`
	Currency         CurrencyKind `json:"currency" db:"currency"`
	Amount           int64        `json:"amount" db:"amount"`
	Source           Source       `json:"source" db:"source"`
	Reason           string       `json:"reason" db:"reason"`
	Applied          bool         `json:"applied" db:"applied"`
	AppliedUserID    *string      `json:"applied_user_id,omitempty" db:"applied_user_id"`
	AppliedAt        *time.Time   `json:"applied_at,omitempty" db:"applied_at"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
}

// DrainResult summarizes one drain of provisional credits into an account.
type DrainResult struct {
	UserID           string                 `json:"user_id"`
	ExternalIdentity string                 `json:"external_identity"`
	Applied          int                    `json:"applied"`
	Skipped          int                    `json:"skipped"`
	Credited         map[CurrencyKind]int64 `json:"credited"`
}

// ConsolidationAction reports what consolidation did with a duplicate group.
type ConsolidationAction string

const (
	ActionMerged  ConsolidationAction = "merged"
	ActionSkipped ConsolidationAction = "skipped"
	ActionDryRun  ConsolidationAction = "dry_run"
	ActionFailed  ConsolidationAction = "failed"
)

// DuplicateGroup is a set of accounts sharing one external identity. The
// canonical account is the earliest created one.
type DuplicateGroup struct {
	ExternalIdentity string   `json:"external_identity"`
	CanonicalUserID  string   `json:"canonical_user_id"`
	DuplicateUserIDs []string `json:"duplicate_user_ids"`
}

// ConsolidationResult records the totals migrated into the canonical account
// of one group.
type ConsolidationResult struct {
	DuplicateGroup
	TicketsConsolidated       int64               `json:"tickets_consolidated"`
	RubiniCoinsConsolidated   int64               `json:"rubini_coins_consolidated"`
	LoyaltyPointsConsolidated int64               `json:"loyalty_points_consolidated"`
	ProvisionalCreditsApplied int                 `json:"provisional_credits_applied"`
	ActionTaken               ConsolidationAction `json:"action_taken"`
	Error                     string              `json:"error,omitempty"`
}

// AddMigrated adds amount to the per-currency total for currency.
func (r *ConsolidationResult) AddMigrated(currency CurrencyKind, amount int64) {
	switch currency {
	case CurrencyTickets:
		r.TicketsConsolidated += amount
	case CurrencyRubiniCoins:
		r.RubiniCoinsConsolidated += amount
	case CurrencyLoyaltyPoints:
		r.LoyaltyPointsConsolidated += amount
	}
}

// TotalMigrated is the sum over all currencies.
func (r *ConsolidationResult) TotalMigrated() int64 {
	return r.TicketsConsolidated + r.RubiniCoinsConsolidated + r.LoyaltyPointsConsolidated
}
