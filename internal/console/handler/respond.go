package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/hermit-cubicles/internal/budget"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorBody{Error: kind, Message: msg})
}

// writeDomainError: наружу только пользовательский текст, без деталей ошибки.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		blocked   *domain.AgentBlockedError
		spent     *domain.BudgetExceededError
		cfg       *domain.ConfigurationError
		lifecycle *domain.SandboxLifecycleError
		stream    *domain.StreamError
	)
	msg := domain.UserMessage(err)
	switch {
	case errors.Is(err, domain.ErrAgentNotFound), errors.Is(err, domain.ErrApprovalNotFound), errors.Is(err, budget.ErrNoBudget):
		writeError(w, http.StatusNotFound, "not_found", msg)
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, "invalid_decision", msg)
	case errors.As(err, &blocked):
		writeError(w, http.StatusLocked, "agent_blocked", msg)
	case errors.As(err, &spent):
		writeError(w, http.StatusPaymentRequired, "budget_exceeded", msg)
	case errors.As(err, &cfg):
		writeError(w, http.StatusServiceUnavailable, "configuration_error", msg)
	case errors.As(err, &lifecycle), errors.As(err, &stream):
		writeError(w, http.StatusBadGateway, "sandbox_error", msg)
	default:
		writeError(w, http.StatusInternalServerError, "internal", msg)
	}
}

func int64Param(r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return v, err == nil && v > 0
}

func intQuery(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func chiID(r *http.Request) string {
	return chi.URLParam(r, "id")
}
