package handlers

import (
	"net/http"

	"github.com/miguelnutt/rewards-backend/internal/middleware"
	"github.com/miguelnutt/rewards-backend/internal/models"
	"github.com/miguelnutt/rewards-backend/internal/services"
)

type AwardHandler struct {
	awards          Awarder
	defaultCurrency models.CurrencyKind
	validator       *services.ValidationHelper
}

func NewAwardHandler(awards Awarder, defaultCurrency models.CurrencyKind) *AwardHandler {
	return &AwardHandler{
		awards:          awards,
		defaultCurrency: defaultCurrency,
		validator:       services.NewValidationHelper(),
	}
}

type awardRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Source         string `json:"source"`
	Origem         string `json:"origem"`
	Reason         string `json:"reason" validate:"max=500"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Award credits currency to a user once per idempotency key
// @Summary Award currency
// @Tags Rewards
// @Accept json
// @Produce json
// @Param request body awardRequest true "Award request"
// @Success 200 {object} object{success=bool,newBalance=int64,previousBalance=int64,amount=int64,duplicate=bool,message=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /award [post]
func (h *AwardHandler) Award(w http.ResponseWriter, r *http.Request) {
	var req awardRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	source := req.Source
	if source == "" {
		source = req.Origem
	}
	if source == "" {
		source = string(models.SourceRoulette)
	}
	currency := models.CurrencyKind(req.Currency)
	if currency == "" {
		currency = h.defaultCurrency
	}

	result, err := h.awards.Award(r.Context(), services.AwardRequest{
		UserID:         req.UserID,
		Currency:       currency,
		Amount:         req.Amount,
		Source:         models.Source(source),
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		services.SendError(w, err)
		return
	}

	message := "Award applied"
	if result.Duplicate {
		message = "Duplicate request, original result returned"
	}
	services.SendJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"newBalance":      result.NewBalance,
		"previousBalance": result.PreviousBalance,
		"amount":          result.AmountApplied,
		"duplicate":       result.Duplicate,
		"message":         message,
	})
}

type adjustRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	Amount         int64  `json:"amount" validate:"required"`
	Currency       string `json:"currency" validate:"required"`
	Reason         string `json:"reason" validate:"required,max=500"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
}

// Adjust applies a signed administrative correction
// @Summary Adjust balance
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body adjustRequest true "Adjustment"
// @Success 200 {object} object{success=bool,newBalance=int64,previousBalance=int64,amount=int64,duplicate=bool}
// @Failure 400 {object} services.ErrorResponse
// @Router /admin/adjust [post]
func (h *AwardHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	reason := req.Reason
	if admin := middleware.AdminID(r.Context()); admin != "" {
		reason += " (by " + admin + ")"
	}

	result, err := h.awards.Adjust(r.Context(), services.AwardRequest{
		UserID:         req.UserID,
		Currency:       models.CurrencyKind(req.Currency),
		Amount:         req.Amount,
		Reason:         reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		services.SendError(w, err)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"newBalance":      result.NewBalance,
		"previousBalance": result.PreviousBalance,
		"amount":          result.AmountApplied,
		"duplicate":       result.Duplicate,
	})
}
