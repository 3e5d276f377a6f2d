package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/xela07ax/hermit-cubicles/internal/domain"
)

type BudgetLedger interface {
	Snapshot(ctx context.Context, agentID int64) (*domain.Budget, error)
	SetLimit(ctx context.Context, agentID int64, limit float64) error
	List(ctx context.Context) ([]domain.Budget, error)
}

type BudgetHandler struct {
	ledger BudgetLedger
}

func NewBudgetHandler(l BudgetLedger) *BudgetHandler {
	return &BudgetHandler{ledger: l}
}

func (h *BudgetHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *BudgetHandler) Get(w http.ResponseWriter, r *http.Request) {
	agentID, ok := int64Param(r, "agentID")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	b, err := h.ledger.Snapshot(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type setLimitRequest struct {
	DailyLimit *float64 `json:"daily_limit_usd"`
}

// SetLimit действует сразу, расход за день не трогает.
func (h *BudgetHandler) SetLimit(w http.ResponseWriter, r *http.Request) {
	agentID, ok := int64Param(r, "agentID")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	var req setLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DailyLimit == nil || *req.DailyLimit < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "daily_limit_usd must be a non-negative number")
		return
	}
	if err := h.ledger.SetLimit(r.Context(), agentID, *req.DailyLimit); err != nil {
		writeDomainError(w, err)
		return
	}
	b, err := h.ledger.Snapshot(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
