package models

import (
	"time"
)

// CurrencyKind identifies one of the virtual currencies a user can hold.
type CurrencyKind string

const (
	CurrencyTickets       CurrencyKind = "tickets"
	CurrencyRubiniCoins   CurrencyKind = "rubini_coins"
	CurrencyLoyaltyPoints CurrencyKind = "loyalty_points"
)

// Currencies lists every supported currency in a stable order.
var Currencies = []CurrencyKind{CurrencyTickets, CurrencyRubiniCoins, CurrencyLoyaltyPoints}

func (c CurrencyKind) Valid() bool {
	switch c {
	case CurrencyTickets, CurrencyRubiniCoins, CurrencyLoyaltyPoints:
		return true
	}
	return false
}

// Source tags where a balance change came from.
type Source string

const (
	SourceRoulette       Source = "roulette"
	SourceDailyLogin     Source = "daily_login"
	SourceStreamElements Source = "streamelements"
	SourceAdmin          Source = "admin"
	SourceConsolidation  Source = "consolidation"
)

func (s Source) Valid() bool {
	switch s {
	case SourceRoulette, SourceDailyLogin, SourceStreamElements, SourceAdmin, SourceConsolidation:
		return true
	}
	return false
}

// Balance is the current amount of one currency held by one user.
type Balance struct {
	UserID    string       `json:"user_id" db:"user_id"`
	Currency  CurrencyKind `json:"currency" db:"currency"`
	Amount    int64        `json:"amount" db:"amount"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable balance change. The deltas of a (user, currency)
// pair always sum to its Balance.
type LedgerEntry struct {
	ID             int64        `json:"id" db:"id"`
	UserID         string       `json:"user_id" db:"user_id"`
	Currency       CurrencyKind `json:"currency" db:"currency"`
	Delta          int64        `json:"delta" db:"delta"`
	BalanceAfter   int64        `json:"balance_after" db:"balance_after"`
	Reason         string       `json:"reason" db:"reason"`
	Source         Source       `json:"source" db:"source"`
	IdempotencyKey *string      `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// IdempotencyRecord stores the outcome of the first application of a key.
type IdempotencyRecord struct {
	IdempotencyKey  string    `json:"idempotency_key" db:"idempotency_key"`
	RequestHash     []byte    `json:"-" db:"request_hash"`
	PreviousBalance int64     `json:"previous_balance" db:"previous_balance"`
	NewBalance      int64     `json:"new_balance" db:"new_balance"`
	AmountApplied   int64     `json:"amount_applied" db:"amount_applied"`
	LedgerEntryID   int64     `json:"ledger_entry_id" db:"ledger_entry_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// BalanceDrift is a (user, currency) pair whose stored balance disagrees with
// the sum of its ledger entries.
type BalanceDrift struct {
	UserID      string       `json:"user_id"`
	Currency    CurrencyKind `json:"currency"`
	Balance     int64        `json:"balance"`
	LedgerTotal int64        `json:"ledger_total"`
}
