package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/miguelnutt/rewards-backend/internal/models"
	"github.com/miguelnutt/rewards-backend/internal/services"
)

const maxBodyBytes = 1_048_576

// The handlers depend on these narrow views of the services.

type Awarder interface {
	Award(ctx context.Context, req services.AwardRequest) (*services.AwardResult, error)
	Adjust(ctx context.Context, req services.AwardRequest) (*services.AwardResult, error)
}

type ProvisionalResolver interface {
	QueueCredit(ctx context.Context, req services.QueueCreditRequest) (*models.ProvisionalCredit, error)
	Link(ctx context.Context, userID, externalIdentity, username string) (*models.DrainResult, error)
}

type Consolidator interface {
	Consolidate(ctx context.Context, dryRun bool) ([]models.ConsolidationResult, error)
}

type Reconciler interface {
	Run(ctx context.Context, batchSize int) (*services.RunReport, error)
	Reprocess(ctx context.Context, logID int64, adminUserID string) (*services.ReprocessResult, error)
}

type LedgerReader interface {
	Balances(ctx context.Context, userID string) ([]models.Balance, error)
	AuditInvariant(ctx context.Context) ([]models.BalanceDrift, error)
}

type UserReader interface {
	Get(ctx context.Context, userID string) (*models.User, error)
}

// decodeJSON reads a single JSON object into dst. When allowEmpty is set an
// empty body leaves dst untouched. It writes the error response itself and
// reports whether the handler may continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// requestID prefers the id assigned by the RequestID middleware.
func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}
