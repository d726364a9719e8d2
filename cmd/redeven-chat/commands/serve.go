package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/floegence/redeven-chat/internal/chat"
	"github.com/floegence/redeven-chat/internal/config"
	"github.com/floegence/redeven-chat/internal/identity"
	"github.com/floegence/redeven-chat/internal/intent"
	"github.com/floegence/redeven-chat/internal/lockfile"
	"github.com/floegence/redeven-chat/internal/memory"
	"github.com/floegence/redeven-chat/internal/notify"
	"github.com/floegence/redeven-chat/internal/provider"
	"github.com/floegence/redeven-chat/internal/server"
	"github.com/floegence/redeven-chat/internal/tasks"
	"github.com/floegence/redeven-chat/internal/threadstore"
	"github.com/floegence/redeven-chat/internal/websearch"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `Run the chat HTTP server.

Provider keys and bearer tokens are read from the environment (see
auth.tokens_env and providers[].api_key_env). A .env file is loaded first
when present.

Examples:
  redeven-chat serve
  redeven-chat serve --config ./config.yaml --listen 127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			listen, _ := cmd.Flags().GetString("listen")
			return runServe(cmd.Context(), path, listen)
		},
	}
	cmd.Flags().String("config", config.DefaultConfigPath(), "Config file path")
	cmd.Flags().String("listen", "", "Listen address (overrides listen_addr)")
	return cmd
}

func runServe(ctx context.Context, path string, listen string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(listen) != "" {
		cfg.ListenAddr = strings.TrimSpace(listen)
	}
	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	if err != nil {
		return err
	}

	tokens := cfg.Tokens()
	if len(tokens) == 0 {
		return fmt.Errorf("no bearer tokens configured (set %s)", cfg.Auth.TokensEnv)
	}
	ids := identity.NewStaticTokens(tokens)

	if cfg.DBPath != ":memory:" {
		lock, err := lockfile.Acquire(lockfile.PathFor(cfg.DBPath))
		if err != nil {
			return fmt.Errorf("lock thread store: %w", err)
		}
		defer lock.Release()
	}
	store, err := threadstore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open thread store: %w", err)
	}
	defer store.Close()

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	var taskStore tasks.Store = tasks.NewMemory(cfg.NATS.TaskTTL)
	var notifier notify.Notifier = notify.Func(func(_ context.Context, ev notify.ThreadStarted) error {
		logger.Info("thread started", "thread_id", ev.ThreadID, "user_id", ev.UserID)
		return nil
	})
	if u := strings.TrimSpace(cfg.NATS.URL); u != "" {
		nc, err := nats.Connect(u, nats.Name("redeven-chat"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()
		kv, err := tasks.NewNATS(nc, cfg.NATS.TaskBucket, cfg.NATS.TaskTTL)
		if err != nil {
			return fmt.Errorf("open task registry: %w", err)
		}
		pub, err := notify.NewNATSPublisher(logger, nc, cfg.NATS.NotifySubject)
		if err != nil {
			return err
		}
		taskStore = kv
		notifier = notify.Multi{notifier, pub}
	}

	var mem memory.Searcher = memory.Noop{}
	if strings.TrimSpace(cfg.Memory.BaseURL) != "" {
		hc, err := memory.NewHTTPClient(memory.Options{
			Logger:   logger,
			BaseURL:  cfg.Memory.BaseURL,
			APIKey:   cfg.MemoryAPIKey(),
			MinScore: cfg.Memory.MinScore,
		})
		if err != nil {
			return err
		}
		mem = hc
	}

	classifier, err := intent.NewClassifier()
	if err != nil {
		return err
	}

	opts := chat.Options{
		Logger:          logger,
		Identity:        ids,
		Store:           store,
		Gateway:         gw,
		Memory:          mem,
		Intent:          classifier,
		Tasks:           taskStore,
		Notifier:        notifier,
		SystemPrompt:    cfg.Chat.SystemPrompt,
		HistoryLimit:    cfg.Chat.HistoryLimit,
		MemoryLimit:     cfg.Memory.Limit,
		MaxMessageRunes: cfg.Chat.MaxMessageChars,
		AttachmentRunes: cfg.Chat.AttachmentChars,
		MaxOutputTokens: cfg.Chat.MaxOutputTokens,
	}
	if cfg.WebSearch.Enabled {
		web, err := websearch.NewClient(websearch.Options{Logger: logger, APIKey: cfg.WebSearchAPIKey()})
		if err != nil {
			if errors.Is(err, websearch.ErrMissingAPIKey) {
				return fmt.Errorf("web search enabled but %s is empty", cfg.WebSearch.APIKeyEnv)
			}
			return err
		}
		opts.Web = web
	}
	ctrl, err := chat.NewController(opts)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Logger:     logger,
		ListenAddr: cfg.ListenAddr,
		Controller: ctrl,
		Threads:    store,
		Identity:   ids,
		Models:     gw.Models(),
		Health:     store.Ping,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutting down")
	return srv.Close()
}

func buildGateway(cfg *config.Config, logger *slog.Logger) (*provider.Gateway, error) {
	providers := make([]provider.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		fam, err := provider.ParseFamily(p.Family)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		key := p.APIKey()
		if key == "" && p.Type != provider.KindOpenAICompatible {
			logger.Warn("provider has no api key", "provider", p.ID, "env", p.KeyEnv())
		}
		adapter, err := provider.New(p.Type, provider.AdapterOptions{
			Logger:     logger,
			Name:       p.ID,
			Timeout:    p.Timeout,
			MaxRetries: p.EffectiveMaxRetries(),
		}, p.BaseURL, key)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		models := make([]string, 0, len(p.Models))
		for _, m := range p.Models {
			models = append(models, strings.TrimSpace(m.ModelName))
		}
		providers = append(providers, provider.Provider{ID: strings.TrimSpace(p.ID), Family: fam, Adapter: adapter, Models: models})
	}

	routes := make(map[provider.Family]provider.Route, len(cfg.Routes))
	for name, r := range cfg.Routes {
		fam, err := provider.ParseFamily(name)
		if err != nil {
			return nil, err
		}
		routes[fam] = provider.Route{Fallback: strings.TrimSpace(r.Fallback), FallbackModel: strings.TrimSpace(r.FallbackModel), Timeout: r.Timeout}
	}
	def, _ := cfg.DefaultModelID()
	return provider.NewGateway(provider.GatewayOptions{
		Logger:       logger,
		Providers:    providers,
		Routes:       routes,
		DefaultModel: def,
	})
}
