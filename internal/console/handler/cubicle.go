package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/hermit-cubicles/internal/cubicle"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"github.com/xela07ax/hermit-cubicles/internal/reaper"
)

// CubicleManager - операторские действия над кабинками.
type CubicleManager interface {
	ListAll(ctx context.Context) ([]domain.Cubicle, error)
	Status(ctx context.Context, agentID, userID int64) (*domain.Cubicle, error)
	Restart(ctx context.Context, agentID, userID int64) (bool, error)
	Stop(ctx context.Context, cubicleID string) bool
	Remove(ctx context.Context, cubicleID string) bool
}

type WorkspaceReader interface {
	TailLog(agentID, userID int64, n int) ([]string, error)
	ListOutbound(agentID, userID int64) ([]cubicle.Deliverable, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (reaper.Summary, error)
}

type CubicleHandler struct {
	mgr    CubicleManager
	ws     WorkspaceReader
	reaper Sweeper
}

func NewCubicleHandler(mgr CubicleManager, ws WorkspaceReader, r Sweeper) *CubicleHandler {
	return &CubicleHandler{mgr: mgr, ws: ws, reaper: r}
}

func (h *CubicleHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.mgr.ListAll(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []domain.Cubicle{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *CubicleHandler) tenant(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	agentID, ok1 := int64Param(r, "id")
	userID, ok2 := int64Param(r, "userID")
	if !ok1 || !ok2 {
		writeError(w, http.StatusBadRequest, "bad_request", "agentID and userID must be positive integers")
		return 0, 0, false
	}
	return agentID, userID, true
}

func (h *CubicleHandler) Status(w http.ResponseWriter, r *http.Request) {
	agentID, userID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	cub, err := h.mgr.Status(r.Context(), agentID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cub)
}

func (h *CubicleHandler) Restart(w http.ResponseWriter, r *http.Request) {
	agentID, userID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	restarted, err := h.mgr.Restart(r.Context(), agentID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !restarted {
		writeError(w, http.StatusNotFound, "not_found", "No cubicle for this agent and user.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Logs - хвост лога действий агента (?lines=N, по умолчанию 50).
func (h *CubicleHandler) Logs(w http.ResponseWriter, r *http.Request) {
	agentID, userID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	lines, err := h.ws.TailLog(agentID, userID, min(intQuery(r, "lines", 50), 1000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not read workspace log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (h *CubicleHandler) Outbound(w http.ResponseWriter, r *http.Request) {
	agentID, userID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	files, err := h.ws.ListOutbound(agentID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not list deliverables")
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// Stop и Remove best-effort: сбой хоста - 502 без деталей.
func (h *CubicleHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if !h.mgr.Stop(r.Context(), chiID(r)) {
		writeError(w, http.StatusBadGateway, "sandbox_error", "Could not stop cubicle.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CubicleHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if !h.mgr.Remove(r.Context(), chiID(r)) {
		writeError(w, http.StatusBadGateway, "sandbox_error", "Could not remove cubicle.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CubicleHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	sum, err := h.reaper.Sweep(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
