package audit

import (
	"strconv"
	"time"

	"go.uber.org/zap"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Reference string    `json:"reference"`
	UserID    string    `json:"user_id"`
	Currency  string    `json:"currency,omitempty"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

// Logger writes one structured AUDIT line per balance-changing or admin action.
type Logger struct {
	logger *zap.Logger
}

func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("audit")}
}

func (a *Logger) LogAward(reference, userID, currency string, amount int64, duplicate bool) {
	status := "APPLIED"
	if duplicate {
		status = "DUPLICATE"
	}
	a.log(Event{
		EventType: "AWARD",
		Reference: reference,
		UserID:    userID,
		Currency:  currency,
		Amount:    amount,
		Status:    status,
	})
}

func (a *Logger) LogDrain(identity, userID string, applied int, credited map[string]int64) {
	a.log(Event{
		EventType: "PROVISIONAL_DRAIN",
		Reference: identity,
		UserID:    userID,
		Amount:    int64(applied),
		Status:    "SUCCESS",
		Details:   credited,
	})
}

func (a *Logger) LogConsolidation(identity, canonicalUserID string, merged []string, action string, migrated map[string]int64) {
	a.log(Event{
		EventType: "CONSOLIDATION",
		Reference: identity,
		UserID:    canonicalUserID,
		Status:    action,
		Details: map[string]any{
			"merged_user_ids": merged,
			"migrated":        migrated,
		},
	})
}

func (a *Logger) LogReprocess(logID int64, adminUserID string, success bool, errMsg string) {
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}
	a.log(Event{
		EventType: "SYNC_REPROCESS",
		Reference: strconv.FormatInt(logID, 10),
		UserID:    adminUserID,
		Status:    status,
		Details:   map[string]any{"log_id": logID, "error": errMsg},
	})
}

func (a *Logger) LogError(reference, userID string, err error) {
	a.log(Event{
		EventType: "ERROR",
		Reference: reference,
		UserID:    userID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	event.Timestamp = time.Now().UTC()
	a.logger.Info("AUDIT",
		zap.String("event_type", event.EventType),
		zap.String("reference", event.Reference),
		zap.String("user_id", event.UserID),
		zap.String("currency", event.Currency),
		zap.Int64("amount", event.Amount),
		zap.String("status", event.Status),
		zap.Any("details", event.Details),
		zap.Time("timestamp", event.Timestamp),
	)
}
