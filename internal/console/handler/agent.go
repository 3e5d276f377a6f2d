package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"go.uber.org/zap"
)

type AgentManager interface {
	GetAgent(ctx context.Context, id int64) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	CreateAgent(ctx context.Context, a *domain.Agent) error
	UpdateAgent(ctx context.Context, a *domain.Agent) error
	DeleteAgent(ctx context.Context, id int64) error
	BlockAgent(ctx context.Context, id int64) error
	UnblockAgent(ctx context.Context, id int64) error
}

type AgentHandler struct {
	service AgentManager
	logger  *zap.Logger
}

func NewAgentHandler(s AgentManager, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{service: s, logger: logger.Named("agents")}
}

func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.service.ListAgents(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	a, err := h.service.GetAgent(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var a domain.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil || a.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	if err := h.service.CreateAgent(r.Context(), &a); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	var a domain.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	a.ID = id
	if err := h.service.UpdateAgent(r.Context(), &a); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	if err := h.service.DeleteAgent(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Block - kill-switch: новые вызовы агента отбиваются до любой работы с кабинкой.
func (h *AgentHandler) Block(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, true)
}

func (h *AgentHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, false)
}

func (h *AgentHandler) toggle(w http.ResponseWriter, r *http.Request, block bool) {
	id, ok := int64Param(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	var err error
	if block {
		err = h.service.BlockAgent(r.Context(), id)
	} else {
		err = h.service.UnblockAgent(r.Context(), id)
	}
	if err != nil {
		h.logger.Error("kill-switch toggle failed", zap.Int64("agent_id", id), zap.Bool("block", block), zap.Error(err))
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
