package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/miguelnutt/rewards-backend/internal/points"
	"github.com/miguelnutt/rewards-backend/internal/services"
	"go.uber.org/zap"
)

// BalanceHandler serves the read-only balance views.
type BalanceHandler struct {
	users  UserReader
	ledger LedgerReader
	points points.Client
	logger *zap.Logger
}

func NewBalanceHandler(users UserReader, ledger LedgerReader, pointsClient points.Client, logger *zap.Logger) *BalanceHandler {
	return &BalanceHandler{users: users, ledger: ledger, points: pointsClient, logger: logger}
}

// Balances returns every currency balance of a user
// @Summary Get balances
// @Tags Rewards
// @Produce json
// @Param userId path string true "User id"
// @Success 200 {object} object{success=bool,userId=string,balances=[]models.Balance}
// @Failure 404 {object} services.ErrorResponse
// @Router /balances/{userId} [get]
func (h *BalanceHandler) Balances(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	if _, err := h.users.Get(r.Context(), userID); err != nil {
		services.SendError(w, err)
		return
	}

	balances, err := h.ledger.Balances(r.Context(), userID)
	if err != nil {
		services.SendError(w, err)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"userId":   userID,
		"balances": balances,
	})
}

// Points shows the external loyalty points of a username. It is best effort:
// a failing points service yields zero points with HTTP 200.
// @Summary Get external points
// @Tags Rewards
// @Produce json
// @Param username path string true "External username"
// @Success 200 {object} object{success=bool,username=string,points=int64}
// @Router /points/{username} [get]
func (h *BalanceHandler) Points(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(chi.URLParam(r, "username"))
	if username == "" {
		services.SendErrorResponse(w, "username is required", http.StatusBadRequest, nil)
		return
	}

	amount, err := h.points.GetPoints(r.Context(), username)
	if err != nil {
		h.logger.Warn("[POINTS] lookup failed", zap.String("username", username), zap.Error(err))
		services.SendJSON(w, http.StatusOK, map[string]any{
			"success":  false,
			"username": username,
			"points":   0,
			"error":    "points service unavailable",
		})
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"username": username,
		"points":   amount,
	})
}
