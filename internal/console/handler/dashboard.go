package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/hermit-cubicles/internal/domain"
)

type DashboardService interface {
	GetStats(ctx context.Context) (*domain.DashboardStats, error)
}

type DashboardHandler struct {
	service DashboardService
}

func NewDashboardHandler(s DashboardService) *DashboardHandler {
	return &DashboardHandler{service: s}
}

func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to fetch stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
