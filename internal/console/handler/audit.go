package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/xela07ax/hermit-cubicles/internal/audit"
)

type AuditReader interface {
	FetchLogs(ctx context.Context, agentID int64, limit int) ([]audit.InvocationEvent, error)
}

type AuditHandler struct {
	service AuditReader
}

func NewAuditHandler(s AuditReader) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs GET /v1/audit?agent_id=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	var agentID int64
	if raw := r.URL.Query().Get("agent_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid agent_id")
			return
		}
		agentID = id
	}

	logs, err := h.service.FetchLogs(r.Context(), agentID, intQuery(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to fetch audit logs")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
