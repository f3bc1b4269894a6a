package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/canned-assistant/backend/internal/handler/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/handler/rules"
	"github.com/zhouzirui/canned-assistant/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/canned-assistant/backend/internal/middleware"
	aiService "github.com/zhouzirui/canned-assistant/backend/internal/service/ai"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rulesync"
	"github.com/zhouzirui/canned-assistant/backend/pkg/utils"
)

// Deps carries everything the router exposes. AI, Notices and Hub are
// optional.
type Deps struct {
	Assistant *assistant.Assistant
	AI        *aiService.Service
	Sessions  stream.Sessions
	Notices   *rulesync.Notices
	Hub       *rulesync.Hub
	Logger    *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = deps.Assistant
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	rulesHandler := rules.New(deps.Assistant)
	chatHandler := chat.New(deps.Assistant)
	streamHandler := stream.New(deps.AI, sessions, deps.Notices, logger)

	started := time.Now().UTC()

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":      "ok",
				"ruleSource":  deps.Assistant.GetRulesSource(),
				"startedAt":   started,
				"syncClients": syncClients(deps.Hub),
			})
		})

		rulesHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)

		if deps.Hub != nil {
			api.Handle("/ws/rules", deps.Hub)
		}
	})

	return r
}

func syncClients(hub *rulesync.Hub) int {
	if hub == nil {
		return 0
	}
	return hub.Clients()
}
