package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"go.uber.org/zap"
)

type Invoker interface {
	InvokeAgent(ctx context.Context, req domain.InvokeRequest) (*domain.InvokeResult, error)
}

type InvokeHandler struct {
	engine Invoker
	logger *zap.Logger
}

func NewInvokeHandler(e Invoker, logger *zap.Logger) *InvokeHandler {
	return &InvokeHandler{engine: e, logger: logger.Named("invoke")}
}

type invokeRequest struct {
	AgentID   int64            `json:"agent_id"`
	UserID    int64            `json:"user_id"`
	Message   string           `json:"message"`
	History   []domain.Message `json:"history"`
	MaxTokens int              `json:"max_tokens"`
	Provider  string           `json:"provider"`
	Model     string           `json:"model"`
}

type invokeResponse struct {
	Output    string  `json:"output"`
	CubicleID string  `json:"cubicle_id"`
	Cost      float64 `json:"cost_usd"`
	TimedOut  bool    `json:"timed_out"`
}

// Invoke - синхронный вызов агента. С Accept: text/event-stream прогресс
// отдается SSE-событиями "progress", итог - событием "result".
func (h *InvokeHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	var body invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if body.AgentID <= 0 || body.UserID <= 0 || strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "agent_id, user_id and message are required")
		return
	}

	req := domain.InvokeRequest{
		AgentID:          body.AgentID,
		UserID:           body.UserID,
		Message:          body.Message,
		History:          body.History,
		MaxOutputTokens:  body.MaxTokens,
		ProviderOverride: body.Provider,
		ModelOverride:    body.Model,
	}

	flusher, canStream := w.(http.Flusher)
	if canStream && strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.stream(w, r, flusher, req)
		return
	}

	res, err := h.engine.InvokeAgent(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}

func (h *InvokeHandler) stream(w http.ResponseWriter, r *http.Request, flusher http.Flusher, req domain.InvokeRequest) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) {
		raw, err := json.Marshal(v)
		if err != nil {
			h.logger.Error("sse encode failed", zap.Error(err))
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
		flusher.Flush()
	}

	// OnProgress зовется из той же горутины, что и InvokeAgent
	req.OnProgress = func(status, details string) {
		send("progress", map[string]string{"status": status, "details": details})
	}

	res, err := h.engine.InvokeAgent(r.Context(), req)
	if err != nil {
		send("error", map[string]string{"message": domain.UserMessage(err)})
		return
	}
	send("result", toResponse(res))
}

func toResponse(res *domain.InvokeResult) invokeResponse {
	return invokeResponse{Output: res.Output, CubicleID: res.CubicleID, Cost: res.Cost, TimedOut: res.TimedOut}
}
