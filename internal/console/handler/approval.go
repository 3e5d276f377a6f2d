package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"github.com/xela07ax/hermit-cubicles/internal/infra/auth"
	"github.com/xela07ax/hermit-cubicles/internal/notify"
	"go.uber.org/zap"
)

// ApprovalResolver - то, что нужно от HITL координатора.
type ApprovalResolver interface {
	Resolve(ctx context.Context, logID int64, decision domain.ApprovalStatus, approverID int64) (*domain.ApprovalRequest, error)
	Get(ctx context.Context, logID int64) (*domain.ApprovalRequest, error)
	List(ctx context.Context, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalRequest, error)
}

type ApprovalHandler struct {
	hitl          ApprovalResolver
	signingSecret string
	logger        *zap.Logger
}

func NewApprovalHandler(h ApprovalResolver, slackSigningSecret string, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{hitl: h, signingSecret: slackSigningSecret, logger: logger.Named("approvals")}
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid approval id")
		return
	}
	rec, err := h.hitl.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// List: ?status=pending|approved|denied, без параметра - pending.
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.ApprovalStatus(strings.ToLower(r.URL.Query().Get("status")))
	switch status {
	case "":
		status = domain.StatusPending
	case "all":
		status = ""
	case domain.StatusPending, domain.StatusApproved, domain.StatusDenied:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown status filter")
		return
	}

	list, err := h.hitl.List(r.Context(), status, intQuery(r, "limit", 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type decideRequest struct {
	Decision string `json:"decision"` // approve / deny
}

// Decide - решение оператора консоли. Повторное решение не ошибка:
// в ответе уже зафиксированная запись.
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid approval id")
		return
	}
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	decision, err := domain.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_decision", "decision must be approve or deny")
		return
	}

	rec, err := h.hitl.Resolve(r.Context(), id, decision, auth.OperatorID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// SlackInteraction - callback кнопок Approve/Deny. JWT тут нет,
// подлинность проверяется подписью Slack.
func (h *ApprovalHandler) SlackInteraction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "could not read body")
		return
	}

	sv, err := slack.NewSecretsVerifier(r.Header, h.signingSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid slack signature")
		return
	}
	if _, err := sv.Write(body); err != nil || sv.Ensure() != nil {
		h.logger.Warn("slack signature mismatch")
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid slack signature")
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	cb, err := slack.InteractionCallbackParse(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid interaction payload")
		return
	}

	for _, action := range cb.ActionCallback.BlockActions {
		if action.ActionID != notify.ActionApprove && action.ActionID != notify.ActionDeny {
			continue
		}
		decision, logID, _, err := notify.ParseAction(action.Value)
		if err != nil {
			h.logger.Warn("bad slack action value", zap.String("value", action.Value), zap.Error(err))
			continue
		}
		rec, err := h.hitl.Resolve(r.Context(), logID, decision, 0)
		if err != nil {
			h.logger.Error("slack decision failed", zap.Int64("log_id", logID), zap.Error(err))
			writeDomainError(w, err)
			return
		}
		h.logger.Info("slack decision",
			zap.Int64("log_id", logID),
			zap.String("slack_user", cb.User.ID),
			zap.String("status", string(rec.Status)))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": rec.Status})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
