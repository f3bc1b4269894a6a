package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/canned-assistant/backend/internal/analysis/match"
	"github.com/zhouzirui/canned-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/assistant"
	chatService "github.com/zhouzirui/canned-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/canned-assistant/backend/pkg/utils"
)

// Service is the part of the assistant the chat endpoints need.
type Service interface {
	Chat(ctx context.Context, input string, modality rule.ResponseType) (assistant.Turn, error)
	CreateSession(ctx context.Context, titleHint string) (string, error)
	AppendMessage(ctx context.Context, sessionID string, msg chat.Message) bool
	DeleteSession(ctx context.Context, sessionID string) bool
	ClearAll(ctx context.Context) bool
	SetCurrent(ctx context.Context, sessionID string) bool
	GetCurrent(ctx context.Context) (string, bool)
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	ListSessions(ctx context.Context) []chat.Session
	Export(ctx context.Context) (assistant.Export, error)
	Import(ctx context.Context, in assistant.Export) error
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	svc Service
}

// New 创建聊天处理器
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)

	r.Route("/chats", func(r chi.Router) {
		r.Get("/", h.handleListSessions)
		r.Post("/", h.handleCreateSession)
		r.Delete("/", h.handleClearAll)
		r.Get("/current", h.handleGetCurrent)
		r.Put("/current", h.handleSetCurrent)
		r.Get("/{chatID}", h.handleGetSession)
		r.Delete("/{chatID}", h.handleDeleteSession)
		r.Post("/{chatID}/messages", h.handleAppendMessage)
	})

	r.Get("/export", h.handleExport)
	r.Post("/import", h.handleImport)
}

// handleChat 处理一轮对话并记录到当前会话
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Input    string            `json:"input"`
		Modality rule.ResponseType `json:"modality"`
	}
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

	turn, err := h.svc.Chat(r.Context(), payload.Input, payload.Modality)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, match.ErrNoMatch) {
			status = http.StatusBadRequest
			err = errors.New("input is required")
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, turn)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.svc.ListSessions(r.Context()))
}

// handleCreateSession 创建会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(w, r, &payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	id, err := h.svc.CreateSession(r.Context(), payload.Title)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	session, err := h.svc.GetSession(r.Context(), id)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if !h.svc.ClearAll(r.Context()) {
		utils.RespondError(w, http.StatusInternalServerError, "failed to clear sessions")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetCurrent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.svc.GetCurrent(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "no current session")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *Handler) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.svc.SetCurrent(r.Context(), payload.ID) {
		utils.RespondError(w, http.StatusNotFound, chatService.ErrSessionNotFound.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"id": payload.ID})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chatService.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.svc.DeleteSession(r.Context(), chi.URLParam(r, "chatID")) {
		utils.RespondError(w, http.StatusNotFound, chatService.ErrSessionNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAppendMessage 保存消息
func (h *Handler) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Type         chat.MessageType  `json:"type"`
		Content      string            `json:"content"`
		ResponseType rule.ResponseType `json:"responseType"`
		Followup     []string          `json:"followup"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Type == "" {
		payload.Type = chat.MessageUser
	}
	if !payload.Type.Valid() {
		utils.RespondError(w, http.StatusBadRequest, "type must be user, assistant or system")
		return
	}
	if strings.TrimSpace(payload.Content) == "" {
		utils.RespondError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg := chat.Message{Type: payload.Type, Content: payload.Content}
	if payload.Type == chat.MessageAssistant {
		msg.ResponseType = payload.ResponseType
		msg.Followup = payload.Followup
	}

	chatID := chi.URLParam(r, "chatID")
	if !h.svc.AppendMessage(r.Context(), chatID, msg) {
		utils.RespondError(w, http.StatusNotFound, chatService.ErrSessionNotFound.Error())
		return
	}

	session, err := h.svc.GetSession(r.Context(), chatID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Export(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="assistant-export.json"`)
	utils.RespondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	var payload assistant.Export
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.Import(r.Context(), payload); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, assistant.ErrInvalidExport) {
			status = http.StatusUnprocessableEntity
		}
		utils.RespondError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
