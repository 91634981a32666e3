package models

import "time"

// SyncStatus is the lifecycle state of a SyncLogEntry.
type SyncStatus string

const (
	SyncPending        SyncStatus = "pending"
	SyncSuccess        SyncStatus = "success"
	SyncFailed         SyncStatus = "failed"
	SyncRetriedSuccess SyncStatus = "retried_success"
	SyncExhausted      SyncStatus = "exhausted"
	SyncSkipped        SyncStatus = "skipped"
)

// SyncLogEntry records an attempt to mirror a ledger entry into the external
// points service. RequerReprocessamento marks entries the reconciliation
// worker must retry.
type SyncLogEntry struct {
	ID                    int64        `json:"id" db:"id"`
	UserID                string       `json:"user_id" db:"user_id"`
	ExternalUsername      string       `json:"external_username" db:"external_username"`
	Currency              CurrencyKind `json:"currency" db:"currency"`
	Amount                int64        `json:"amount" db:"amount"`
	OperationType         string       `json:"operation_type" db:"operation_type"`
	ReferenceID           int64        `json:"reference_id" db:"reference_id"`
	Success               bool         `json:"success" db:"success"`
	RequerReprocessamento bool         `json:"requer_reprocessamento" db:"requer_reprocessamento"`
	Status                SyncStatus   `json:"status" db:"status"`
	AttemptCount          int          `json:"attempt_count" db:"attempt_count"`
	ErrorMessage          *string      `json:"error_message,omitempty" db:"error_message"`
	ReprocessedBy         *string      `json:"reprocessed_by,omitempty" db:"reprocessed_by"`
	CreatedAt             time.Time    `json:"created_at" db:"created_at"`
	ReprocessadoEm        *time.Time   `json:"reprocessado_em,omitempty" db:"reprocessado_em"`
}

// Eligible reports whether the entry may still be retried.
func (e *SyncLogEntry) Eligible() bool {
	return e.RequerReprocessamento && !e.Success
}
