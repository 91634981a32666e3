package handlers

import (
	"net/http"

	"github.com/miguelnutt/rewards-backend/internal/middleware"
	"github.com/miguelnutt/rewards-backend/internal/models"
	"github.com/miguelnutt/rewards-backend/internal/services"
)

// AdminHandler serves the administrator operations: consolidation,
// reconciliation and the ledger audit.
type AdminHandler struct {
	consolidator Consolidator
	reconciler   Reconciler
	ledger       LedgerReader
	validator    *services.ValidationHelper
}

func NewAdminHandler(consolidator Consolidator, reconciler Reconciler, ledger LedgerReader) *AdminHandler {
	return &AdminHandler{
		consolidator: consolidator,
		reconciler:   reconciler,
		ledger:       ledger,
		validator:    services.NewValidationHelper(),
	}
}

type consolidationSummary struct {
	Groups                    int   `json:"groups"`
	Merged                    int   `json:"merged"`
	Skipped                   int   `json:"skipped"`
	Failed                    int   `json:"failed"`
	TicketsConsolidated       int64 `json:"tickets_consolidated"`
	RubiniCoinsConsolidated   int64 `json:"rubini_coins_consolidated"`
	LoyaltyPointsConsolidated int64 `json:"loyalty_points_consolidated"`
	ProvisionalCreditsApplied int   `json:"provisional_credits_applied"`
}

// Consolidate merges duplicate accounts, or previews the merge in dry run
// @Summary Consolidate duplicate accounts
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{dryRun=bool} false "Options"
// @Success 200 {object} object{success=bool,dryRun=bool,details=[]models.ConsolidationResult,requestId=string}
// @Failure 500 {object} services.ErrorResponse
// @Router /admin/consolidate [post]
func (h *AdminHandler) Consolidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DryRun bool `json:"dryRun"`
	}
	if !decodeJSON(w, r, &req, true) {
		return
	}

	results, err := h.consolidator.Consolidate(r.Context(), req.DryRun)
	if err != nil {
		services.SendError(w, err)
		return
	}

	resp := map[string]any{
		"success":   true,
		"dryRun":    req.DryRun,
		"details":   results,
		"requestId": requestID(r),
	}
	if req.DryRun {
		duplicates := make([]models.DuplicateGroup, 0, len(results))
		for _, res := range results {
			duplicates = append(duplicates, res.DuplicateGroup)
		}
		resp["duplicates"] = duplicates
	} else {
		resp["summary"] = summarize(results)
	}
	services.SendJSON(w, http.StatusOK, resp)
}

func summarize(results []models.ConsolidationResult) consolidationSummary {
	s := consolidationSummary{Groups: len(results)}
	for _, r := range results {
		switch r.ActionTaken {
		case models.ActionMerged:
			s.Merged++
		case models.ActionSkipped:
			s.Skipped++
		case models.ActionFailed:
			s.Failed++
		}
		s.TicketsConsolidated += r.TicketsConsolidated
		s.RubiniCoinsConsolidated += r.RubiniCoinsConsolidated
		s.LoyaltyPointsConsolidated += r.LoyaltyPointsConsolidated
		s.ProvisionalCreditsApplied += r.ProvisionalCreditsApplied
	}
	return s
}

// Reprocess retries one failed external sync
// @Summary Reprocess sync log entry
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{log_id=int64,admin_user_id=string} true "Entry"
// @Success 200 {object} object{success=bool,message=string,originalLog=models.SyncLogEntry,newSync=models.SyncLogEntry}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /admin/reprocess [post]
func (h *AdminHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LogID       int64  `json:"log_id" validate:"required,gt=0"`
		AdminUserID string `json:"admin_user_id"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	adminID := req.AdminUserID
	if adminID == "" {
		adminID = middleware.AdminID(r.Context())
	}

	result, err := h.reconciler.Reprocess(r.Context(), req.LogID, adminID)
	if err != nil {
		services.SendError(w, err)
		return
	}

	message := "Sync reprocessed successfully"
	if !result.Success {
		message = "Reprocessing failed: " + result.Error
	}
	services.SendJSON(w, http.StatusOK, map[string]any{
		"success":     result.Success,
		"message":     message,
		"originalLog": result.Original,
		"newSync":     result.Updated,
	})
}

// Reconcile runs one reconciliation batch now
// @Summary Run reconciliation
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{batchSize=int} false "Options"
// @Success 200 {object} object{success=bool,report=services.RunReport}
// @Router /admin/reconcile [post]
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchSize int `json:"batchSize" validate:"gte=0,lte=1000"`
	}
	if !decodeJSON(w, r, &req, true) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	report, err := h.reconciler.Run(r.Context(), req.BatchSize)
	if err != nil {
		services.SendError(w, err)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"report":  report,
	})
}

// LedgerAudit lists balances that disagree with their ledger entries
// @Summary Audit ledger invariant
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{success=bool,healthy=bool,drifts=[]models.BalanceDrift}
// @Router /admin/ledger/audit [get]
func (h *AdminHandler) LedgerAudit(w http.ResponseWriter, r *http.Request) {
	drifts, err := h.ledger.AuditInvariant(r.Context())
	if err != nil {
		services.SendError(w, err)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"healthy": len(drifts) == 0,
		"drifts":  drifts,
	})
}
