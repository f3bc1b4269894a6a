package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
	aiService "github.com/zhouzirui/canned-assistant/backend/internal/service/ai"
	chatService "github.com/zhouzirui/canned-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/response"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rulesync"
	"github.com/zhouzirui/canned-assistant/backend/pkg/utils"
)

// Sessions is the part of the session store the stream endpoint needs.
type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	AppendMessage(ctx context.Context, sessionID string, msg chat.Message) bool
}

// Handler serves Server-Sent Events: streamed responses and rule notices.
type Handler struct {
	aiService *aiService.Service
	sessions  Sessions
	notices   *rulesync.Notices
	logger    *zap.Logger
	heartbeat time.Duration
}

// New creates a stream handler. aiSvc and notices may be nil, which disables
// the matching endpoint.
func New(aiSvc *aiService.Service, sessions Sessions, notices *rulesync.Notices, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		aiService: aiSvc,
		sessions:  sessions,
		notices:   notices,
		logger:    logger,
		heartbeat: 15 * time.Second,
	}
}

// RegisterRoutes 注册流式相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.handleEvents)
	r.Get("/stream/{sessionID}", h.handleStream)
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event     string             `json:"event"`
	Content   string             `json:"content,omitempty"`
	SessionID string             `json:"sessionId,omitempty"`
	Response  *response.Response `json:"response,omitempty"`
	Finished  bool               `json:"finished,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// handleEvents pushes rule notices until the client goes away.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.notices == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "notices unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := h.notices.Subscribe()
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, "status", map[string]string{"message": "stream established"}); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-events:
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, notice.Kind, notice); err != nil {
				h.logger.Debug("notice stream closed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}

// handleStream answers ?message= within a session and streams the reply.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userMessage := strings.TrimSpace(r.URL.Query().Get("message"))
	modality := rule.ResponseType(r.URL.Query().Get("modality"))
	if modality == "" {
		modality = rule.TypeText
	}

	if h.aiService == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "streaming unavailable")
		return
	}
	if userMessage == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}
	if !modality.Valid() {
		utils.RespondError(w, http.StatusBadRequest, "modality must be text or image")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	session, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chatService.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	h.sessions.AppendMessage(ctx, sessionID, chat.Message{Type: chat.MessageUser, Content: userMessage})
	h.send(w, flusher, StreamResponse{Event: "start", SessionID: sessionID})

	resp, err := h.streamResponse(ctx, w, flusher, sessionID, session.Messages, userMessage, modality)
	if err != nil {
		h.logger.Warn("stream failed", zap.String("session", sessionID), zap.Error(err))
		h.send(w, flusher, StreamResponse{Event: "error", SessionID: sessionID, Error: err.Error()})
		return
	}

	h.sessions.AppendMessage(ctx, sessionID, chat.Message{
		Type:         chat.MessageAssistant,
		Content:      resp.Value,
		ResponseType: resp.Type,
		Followup:     resp.Followup,
	})

	h.send(w, flusher, StreamResponse{Event: "message", SessionID: sessionID, Response: &resp})
	h.send(w, flusher, StreamResponse{Event: "end", SessionID: sessionID, Finished: true})
	h.logger.Debug("stream completed", zap.String("session", sessionID))
}

func (h *Handler) streamResponse(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string, history []chat.Message, userMessage string, modality rule.ResponseType) (response.Response, error) {
	stream, err := h.aiService.StreamResponse(ctx, history, userMessage, modality)
	if err != nil {
		return response.Response{}, err
	}
	defer stream.Close()

	var (
		first   *schema.Message
		content strings.Builder
	)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return response.Response{}, recvErr
		}
		if chunk == nil {
			continue
		}
		if first == nil {
			first = chunk
		}

		content.WriteString(chunk.Content)
		if chunk.Content != "" {
			h.send(w, flusher, StreamResponse{Event: "delta", SessionID: sessionID, Content: chunk.Content})
		}
	}
	if first == nil {
		return response.Response{}, errors.New("empty response stream")
	}

	resp := aiService.ResponseFromMessage(first)
	resp.Value = content.String()
	return resp, nil
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, payload StreamResponse) {
	if err := utils.SendSSEEvent(w, flusher, payload.Event, payload); err != nil {
		h.logger.Debug("failed to send sse event", zap.Error(err))
	}
}
