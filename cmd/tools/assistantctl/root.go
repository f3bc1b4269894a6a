package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/canned-assistant/backend/internal/config"
	"github.com/zhouzirui/canned-assistant/backend/internal/logging"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rules"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rulesync"
	"github.com/zhouzirui/canned-assistant/backend/internal/storage"
)

// cli holds the state shared by every subcommand.
type cli struct {
	verbose bool
	peer    string
	timeout time.Duration

	cfg    *config.Config
	logger *zap.Logger
}

// session is one assistant context opened for the duration of a command.
type session struct {
	app    *assistant.Assistant
	rules  *rules.Store
	client *rulesync.Client
	store  storage.Store
	origin string
}

func (s *session) Close() {
	if s.client != nil {
		s.client.Close()
	}
	s.store.Close()
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "assistantctl",
		Short:         "Query and administer the canned-response assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			level := "warn"
			if c.verbose {
				level = "debug"
			}
			logger, err := logging.New(level, true)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logger
			if c.peer == "" {
				c.peer = cfg.Sync.PeerURL
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().StringVar(&c.peer, "peer", "", "Sync hub URL to announce rule changes to (default: SYNC_PEER_URL)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "Operation timeout")

	root.AddCommand(
		c.newAskCmd(),
		c.newRulesCmd(),
		c.newExportCmd(),
		c.newImportCmd(),
		c.newWatchCmd(),
	)
	return root
}

// open builds an assistant context over the configured storage. With a peer
// configured, rule changes are announced to it.
func (c *cli) open(ctx context.Context) (*session, error) {
	store, err := storage.Open(c.cfg.Storage.Backend, c.cfg.Storage.Path, c.logger.Named("storage"))
	if err != nil {
		return nil, err
	}

	s := &session{store: store, origin: "assistantctl-" + uuid.NewString()}
	opts := rules.Options{
		Storage:  store,
		Defaults: rules.NewSource(c.cfg.Rules.DefaultSource, c.cfg.Rules.FetchTimeout),
		Origin:   s.origin,
		Logger:   c.logger.Named("rules"),
	}
	if c.peer != "" {
		client, err := rulesync.Dial(ctx, c.peer, c.logger.Named("sync"))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connect to sync hub %s: %w", c.peer, err)
		}
		s.client = client
		opts.Publisher = client
	}

	s.rules = rules.NewStore(opts)
	s.app = assistant.New(assistant.Options{
		Rules: s.rules,
		Sessions: chat.NewService(chat.Options{
			Storage:     store,
			MaxSessions: c.cfg.Sessions.MaxSessions,
			MaxMessages: c.cfg.Sessions.MaxMessages,
			Logger:      c.logger.Named("chat"),
		}),
		Logger: c.logger,
	})
	return s, nil
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout)
}
