package handlers

import (
	"net/http"

	"github.com/miguelnutt/rewards-backend/internal/models"
	"github.com/miguelnutt/rewards-backend/internal/services"
)

type ProvisionalHandler struct {
	resolver  ProvisionalResolver
	validator *services.ValidationHelper
}

func NewProvisionalHandler(resolver ProvisionalResolver) *ProvisionalHandler {
	return &ProvisionalHandler{
		resolver:  resolver,
		validator: services.NewValidationHelper(),
	}
}

// QueueCredit holds a reward for an identity that has no account yet
// @Summary Queue provisional credit
// @Tags Provisional
// @Accept json
// @Produce json
// @Param request body object{external_identity=string,currency=string,amount=int64,source=string,reason=string} true "Credit"
// @Success 201 {object} object{success=bool,credit=models.ProvisionalCredit}
// @Failure 400 {object} services.ErrorResponse
// @Router /provisional-credits [post]
func (h *ProvisionalHandler) QueueCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalIdentity string `json:"external_identity" validate:"required,max=100"`
		Currency         string `json:"currency" validate:"required"`
		Amount           int64  `json:"amount" validate:"required,gt=0"`
		Source           string `json:"source" validate:"required"`
		Reason           string `json:"reason" validate:"max=500"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	credit, err := h.resolver.QueueCredit(r.Context(), services.QueueCreditRequest{
		ExternalIdentity: req.ExternalIdentity,
		Currency:         models.CurrencyKind(req.Currency),
		Amount:           req.Amount,
		Source:           models.Source(req.Source),
		Reason:           req.Reason,
	})
	if err != nil {
		services.SendError(w, err)
		return
	}

	services.SendJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"credit":  credit,
	})
}

// LinkAccount records an external identity on an account and drains the
// credits held for it
// @Summary Link external identity
// @Tags Provisional
// @Accept json
// @Produce json
// @Param request body object{user_id=string,external_identity=string,external_username=string} true "Link"
// @Success 200 {object} object{success=bool,drain=models.DrainResult}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/link [post]
func (h *ProvisionalHandler) LinkAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID           string `json:"user_id" validate:"required"`
		ExternalIdentity string `json:"external_identity" validate:"required,max=100"`
		ExternalUsername string `json:"external_username" validate:"max=100"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.resolver.Link(r.Context(), req.UserID, req.ExternalIdentity, req.ExternalUsername)
	if err != nil {
		services.SendError(w, err)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"drain":   result,
	})
}
