package rules

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/response"
	"github.com/zhouzirui/canned-assistant/backend/pkg/utils"
)

// Service is the part of the assistant the rule endpoints need.
type Service interface {
	GetAllRules(ctx context.Context) rule.Set
	GetRulesSource() rule.Source
	ReloadRules(ctx context.Context) rule.Set
	ReplaceRules(ctx context.Context, set rule.Set) error
	ResetRules(ctx context.Context) rule.Set
	Evaluate(ctx context.Context, input string, modality rule.ResponseType) assistant.Evaluation
}

// Handler 规则管理的HTTP处理器
type Handler struct {
	svc Service
}

// New 创建规则处理器
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册规则相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/rules", h.handleListRules)
	r.Put("/rules", h.handleReplaceRules)
	r.Delete("/rules/override", h.handleResetOverride)
	r.Post("/rules/reload", h.handleReload)
	r.Get("/rules/source", h.handleSource)
	r.Post("/match", h.handleMatch)
}

type rulesResponse struct {
	Source rule.Source `json:"source"`
	Rules  rule.Set    `json:"rules"`
}

func (h *Handler) respondRules(w http.ResponseWriter, status int, set rule.Set) {
	utils.RespondJSON(w, status, rulesResponse{Source: h.svc.GetRulesSource(), Rules: set})
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	h.respondRules(w, http.StatusOK, h.svc.GetAllRules(r.Context()))
}

// handleReplaceRules 以管理员覆盖替换整套规则
func (h *Handler) handleReplaceRules(w http.ResponseWriter, r *http.Request) {
	var payload rule.Document
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.ReplaceRules(r.Context(), payload.Rules); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rule.ErrMalformedDocument) {
			status = http.StatusUnprocessableEntity
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	h.respondRules(w, http.StatusOK, h.svc.GetAllRules(r.Context()))
}

func (h *Handler) handleResetOverride(w http.ResponseWriter, r *http.Request) {
	h.respondRules(w, http.StatusOK, h.svc.ResetRules(r.Context()))
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	h.respondRules(w, http.StatusOK, h.svc.ReloadRules(r.Context()))
}

func (h *Handler) handleSource(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]rule.Source{"source": h.svc.GetRulesSource()})
}

type matchRequest struct {
	Input    string            `json:"input"`
	Modality rule.ResponseType `json:"modality"`
}

type matchResponse struct {
	Matched  bool              `json:"matched"`
	Rule     *rule.Rule        `json:"rule,omitempty"`
	Response response.Response `json:"response"`
}

// handleMatch 只做匹配，不记录会话
func (h *Handler) handleMatch(w http.ResponseWriter, r *http.Request) {
	var payload matchRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Modality == "" {
		payload.Modality = rule.TypeText
	}
	if !payload.Modality.Valid() {
		utils.RespondError(w, http.StatusBadRequest, "modality must be text or image")
		return
	}

	ev := h.svc.Evaluate(r.Context(), payload.Input, payload.Modality)
	utils.RespondJSON(w, http.StatusOK, matchResponse{
		Matched:  ev.Rule != nil,
		Rule:     ev.Rule,
		Response: ev.Response,
	})
}
