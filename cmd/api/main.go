package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/canned-assistant/backend/internal/config"
	"github.com/zhouzirui/canned-assistant/backend/internal/handler"
	"github.com/zhouzirui/canned-assistant/backend/internal/logging"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/ai"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rules"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rulesync"
	"github.com/zhouzirui/canned-assistant/backend/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer logger.Sync()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path, logger.Named("storage"))
	if err != nil {
		return err
	}
	defer store.Close()

	origin := uuid.NewString()
	notices := rulesync.NewNotices()

	// 同步通道：本进程的 websocket hub，外加可选的文件监听和上游 hub
	var (
		publishers  []rulesync.Publisher
		subscribers []rulesync.Subscriber
		hub         *rulesync.Hub
	)
	if cfg.Sync.Mode == config.SyncWebSocket {
		hub = rulesync.NewHub(logger.Named("sync.hub"))
		defer hub.Close()
		publishers = append(publishers, hub)
		subscribers = append(subscribers, hub)
	}
	if cfg.Sync.Mode == config.SyncFile {
		watcher, err := rulesync.NewWatcher(cfg.Storage.Path, logger.Named("sync.watcher"), rules.OverrideKey)
		if err != nil {
			return fmt.Errorf("failed to create storage watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start storage watcher: %w", err)
		}
		defer watcher.Stop()
		subscribers = append(subscribers, watcher)
	}
	if cfg.Sync.PeerURL != "" {
		client, err := rulesync.Dial(ctx, cfg.Sync.PeerURL, logger.Named("sync.client"))
		if err != nil {
			logger.Warn("sync peer unreachable, continuing without it", zap.String("url", cfg.Sync.PeerURL), zap.Error(err))
		} else {
			defer client.Close()
			publishers = append(publishers, client)
			subscribers = append(subscribers, client)
		}
	}

	ruleStore := rules.NewStore(rules.Options{
		Storage:   store,
		Defaults:  rules.NewSource(cfg.Rules.DefaultSource, cfg.Rules.FetchTimeout),
		Publisher: rulesync.Fanout(publishers...),
		Origin:    origin,
		Logger:    logger.Named("rules"),
	})

	listener := rulesync.NewListener(rules.OverrideKey, origin, ruleStore, notices, logger.Named("sync"))
	for _, sub := range subscribers {
		defer listener.Attach(sub)()
	}

	sessions := chat.NewService(chat.Options{
		Storage:     store,
		MaxSessions: cfg.Sessions.MaxSessions,
		MaxMessages: cfg.Sessions.MaxMessages,
		Logger:      logger.Named("chat"),
	})

	app := assistant.New(assistant.Options{
		Rules:    ruleStore,
		Sessions: sessions,
		Logger:   logger.Named("assistant"),
	})
	loaded := app.LoadRules(ctx)
	logger.Info("rules loaded", zap.Int("count", len(loaded)), zap.String("source", string(app.GetRulesSource())))

	aiSvc, err := ai.NewService(ctx, ai.NewChatModel(app, logger.Named("ai")))
	if err != nil {
		logger.Warn("chat chain unavailable, streaming disabled", zap.Error(err))
		aiSvc = nil
	}

	router := handler.NewRouter(handler.Deps{
		Assistant: app,
		AI:        aiSvc,
		Sessions:  sessions,
		Notices:   notices,
		Hub:       hub,
		Logger:    logger.Named("http"),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("assistant backend listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("sync", cfg.Sync.Mode))
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
