package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/atende/internal/buildinfo"
	"github.com/nugget/atende/internal/config"
	"github.com/nugget/atende/internal/connwatch"
	"github.com/nugget/atende/internal/conversation"
	"github.com/nugget/atende/internal/llm"
	"github.com/nugget/atende/internal/session"
	"github.com/nugget/atende/internal/tenant"
	"github.com/nugget/atende/internal/usage"
)

// app holds the components every command needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   session.Store
	tenants *tenant.Registry
	client  llm.Client
	ledger  *usage.Store // nil when usage.path is empty
	orch    *conversation.Orchestrator
}

// newApp loads configuration and builds the session store, tenant
// registry, model client and orchestrator. Call close when done.
func newApp(stderr io.Writer, opts options) (*app, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(stderr, cfg.Level(), cfg.LogFormat)
	logger.Debug("config loaded",
		"path", cfgPath,
		"tenants_dir", cfg.TenantsDir,
		"session_driver", cfg.Session.Driver,
		"provider", cfg.Completion.Provider,
		"model", cfg.Completion.Model,
	)

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	var ledger *usage.Store
	if cfg.Usage.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Usage.Path), 0o755); err != nil {
			store.Close()
			return nil, fmt.Errorf("create usage directory: %w", err)
		}
		if ledger, err = usage.Open(cfg.Session.SQLiteDriver, cfg.Usage.Path); err != nil {
			store.Close()
			return nil, err
		}
	}

	client := newClient(cfg, logger)
	completerOpts := []llm.CompleterOption{
		llm.WithCallTimeout(cfg.Completion.Timeout),
		llm.WithRateLimit(cfg.Completion.RateLimit.PerSecond, cfg.Completion.RateLimit.Burst),
		llm.WithCompleterLogger(logger),
	}
	if ledger != nil {
		completerOpts = append(completerOpts, llm.WithUsage(recordUsage(ledger, cfg.Usage.Pricing, cfg.Completion.Provider, logger)))
	}
	completer := llm.NewCompleter(client, cfg.Completion.Model, completerOpts...)

	registry := tenant.NewRegistry(cfg.TenantsDir, logger)
	orch := conversation.New(registry, store, completer,
		conversation.WithLogger(logger),
		conversation.WithChunking(cfg.Chunking.Options()),
	)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		tenants: registry,
		client:  client,
		ledger:  ledger,
		orch:    orch,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close session store", "error", err)
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("close usage ledger", "error", err)
		}
	}
}

// recordUsage charges each completion to the turn's tenant. A failed
// write is logged; it never fails the turn.
func recordUsage(ledger *usage.Store, pricing usage.Pricing, provider string, logger *slog.Logger) llm.UsageFunc {
	return func(ctx context.Context, u llm.Usage) {
		turn, _ := conversation.TurnFromContext(ctx)
		rec := usage.Record{
			TenantID:        turn.Tenant,
			ConversationKey: turn.Conversation,
			TurnID:          turn.TurnID,
			Provider:        provider,
			Model:           u.Model,
			InputTokens:     u.InputTokens,
			OutputTokens:    u.OutputTokens,
			CostUSD:         pricing.Cost(u.Model, u.InputTokens, u.OutputTokens),
		}
		if err := ledger.Record(context.WithoutCancel(ctx), rec); err != nil {
			logger.Warn("usage not recorded", "tenant", turn.Tenant, "error", err)
		}
	}
}

// openStore builds the configured session store.
func openStore(cfg *config.Config) (session.Store, error) {
	sc := cfg.Session
	var opts []session.Option

	switch session.Type(sc.Driver) {
	case session.TypeSQLite:
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create session directory: %w", err)
		}
		opts = append(opts, session.WithSQLitePath(sc.Path), session.WithSQLiteDriver(sc.SQLiteDriver))
	case session.TypeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		opts = append(opts,
			session.WithRedisClient(client),
			session.WithRedisPrefix(sc.Redis.Prefix),
			session.WithRedisTTL(sc.Redis.TTL),
		)
	}

	store, err := session.NewStore(session.Type(sc.Driver), opts...)
	if err != nil {
		return nil, fmt.Errorf("open %s session store: %w", sc.Driver, err)
	}
	return store, nil
}

// newClient builds the chat client for the configured provider.
func newClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	if cfg.Completion.Provider == config.ProviderAnthropic {
		logger.Debug("using Anthropic provider", "model", cfg.Completion.Model)
		return llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	}
	logger.Debug("using Ollama provider", "url", cfg.Completion.OllamaURL, "model", cfg.Completion.Model)
	return llm.NewOllamaClient(cfg.Completion.OllamaURL, logger)
}

// providerWatch monitors the model provider. An outage is logged, not
// fatal: turns fail with a retryable error until it is back.
func (a *app) providerWatch() *connwatch.Watcher {
	return connwatch.New(a.cfg.Completion.Provider, a.client.Ping,
		connwatch.WithLogger(a.logger.With("model", a.cfg.Completion.Model, "agent", buildinfo.UserAgent())),
	)
}
