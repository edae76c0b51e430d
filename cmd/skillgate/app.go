package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ahrav/skillgate/infrastructure/discord"
	"github.com/ahrav/skillgate/infrastructure/gateway"
	"github.com/ahrav/skillgate/infrastructure/httpserver"
	"github.com/ahrav/skillgate/infrastructure/llm"
	"github.com/ahrav/skillgate/infrastructure/middleware"
	"github.com/ahrav/skillgate/infrastructure/store"
	"github.com/ahrav/skillgate/internal/config"
	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
	"github.com/ahrav/skillgate/internal/prompt"
	"github.com/ahrav/skillgate/internal/screening"
	"github.com/ahrav/skillgate/internal/session"
	"github.com/ahrav/skillgate/internal/tasks"
	"github.com/ahrav/skillgate/internal/taxonomy"
	"github.com/ahrav/skillgate/internal/verification"
)

const serviceName = "skillgate"

// app holds the components shared by every subcommand that talks to
// Discord.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	metrics   *middleware.PrometheusMetrics
	tracing   *sdktrace.TracerProvider
	assembler *prompt.Assembler
	gateway   *gateway.Gateway
	session   *discordgo.Session
	inbox     *discord.Inbox
	adapter   *discord.Adapter
	audit     *store.SQLiteAudit
	provider  *taxonomy.Provider
	builder   *taxonomy.Builder
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	bundle, err := prompt.LoadBundle(cfg.Prompt.File)
	if err != nil {
		return nil, err
	}
	a.assembler = prompt.NewAssembler(bundle, prompt.Limits{
		MaxPromptChars:        cfg.Prompt.MaxPromptChars,
		MaxHistoryMessages:    cfg.Prompt.MaxHistoryMessages,
		SummaryMaxChars:       cfg.Prompt.SummaryMaxChars,
		WelcomeMaxPromptChars: cfg.Prompt.WelcomeMaxPromptChars,
	})

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = middleware.NewPrometheusMetrics(a.registry)

	// Spans are recorded for in-process context propagation; no exporter is
	// configured.
	a.tracing = sdktrace.NewTracerProvider()
	otel.SetTracerProvider(a.tracing)

	client, err := llm.NewClient(cfg.LLM.Provider, llm.ClientConfig{
		APIKey:  cfg.LLM.APIToken,
		Model:   cfg.LLM.Model,
		BaseURL: cfg.LLM.APIURL,
		Middleware: []llm.Middleware{
			llm.TracingMiddleware(serviceName),
			llm.MetricsMiddleware(a.metrics, cfg.LLM.Provider),
			llm.CircuitBreakerMiddlewareWithMetrics(cfg.LLM.CircuitMaxFailures, cfg.LLM.CircuitCooldown, a.metrics),
			llm.RateLimitMiddleware(rate.Limit(cfg.LLM.RateLimitRPS), max(1, int(cfg.LLM.RateLimitRPS))),
			llm.RetryMiddleware(cfg.LLM.MaxAttempts, cfg.LLM.RetryBackoff),
			llm.TimeoutMiddleware(cfg.LLM.RequestTimeout),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}
	a.gateway, err = gateway.New(client, gateway.Options{
		MaxTokens:        cfg.LLM.MaxTokens,
		SummaryMaxTokens: cfg.LLM.SummaryMaxTokens,
	}, logger, a.metrics)
	if err != nil {
		return nil, err
	}

	a.session, err = discord.NewSession(cfg.Discord.Token)
	if err != nil {
		return nil, err
	}
	a.inbox = discord.NewInbox()
	a.adapter = discord.NewAdapter(a.session, cfg.Discord.GuildID, a.inbox, logger)

	if cfg.Storage.AuditDBPath != "" {
		a.audit, err = store.NewSQLiteAudit(cfg.Storage.AuditDBPath)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
	}

	taxStore := store.NewTaxonomyFile(cfg.Storage.TaxonomyFile, logger)
	a.provider = taxonomy.NewProvider(taxStore, a.adapter, logger, a.metrics)
	excluded := []domain.RoleID{cfg.Roles.Verified, cfg.Roles.Unverified, cfg.Roles.InProgress}
	if cfg.Roles.Suspicious != 0 {
		excluded = append(excluded, cfg.Roles.Suspicious)
	}
	a.builder = taxonomy.NewBuilder(a.provider, a.adapter, taxStore, a.gateway, taxonomy.BuilderConfig{
		Excluded: excluded,
		Boundary: cfg.Roles.Boundary,
		Prompt:   a.assembler.BuildCategorizationPrompt(),
	}, logger)

	return a, nil
}

// auditLog returns the audit store as a port, nil when disabled.
func (a *app) auditLog() ports.AuditLog {
	if a.audit == nil {
		return nil
	}
	return a.audit
}

func (a *app) close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("failed to close audit log", zap.Error(err))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Warn("failed to flush traces", zap.Error(err))
	}
}

// runBot connects, serves until ctx is cancelled and then shuts down in
// order: platform session, detached tasks, stores.
func runBot(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	group := tasks.New(ctx, logger)
	notifier := verification.NewNotifier(a.adapter, cfg.Discord.NotificationChannelID, logger)

	var screener verification.Screener
	if cfg.Roles.Suspicious != 0 || cfg.Discord.NotificationChannelID != "" {
		screener = screening.NewScreener(a.adapter, a.gateway, notifier,
			a.assembler.BuildSuspicionPrompt(), cfg.Roles.Suspicious, logger)
	}

	machine, err := verification.New(verification.Config{
		Roles: verification.StatusRoles{
			Verified:   cfg.Roles.Verified,
			Unverified: cfg.Roles.Unverified,
			InProgress: cfg.Roles.InProgress,
		},
		NotificationChannel: cfg.Discord.NotificationChannelID,
		Retries:             cfg.Verification.Retries,
		ReplyTimeout:        cfg.Verification.ReplyTimeout,
	}, verification.Deps{
		Platform:  a.adapter,
		Gateway:   a.gateway,
		Sessions:  session.NewStore(),
		Taxonomy:  a.provider,
		Assembler: a.assembler,
		Spawner:   group,
		Audit:     a.auditLog(),
		Screener:  screener,
		Logger:    logger,
		Metrics:   a.metrics,
	})
	if err != nil {
		return err
	}
	admin := verification.NewAdmin(machine, a.adapter, cfg.Verification.BatchInterval)

	discord.NewEvents(discord.EventsConfig{
		GuildID:          cfg.Discord.GuildID,
		WelcomeChannelID: cfg.Discord.WelcomeChannelID,
		Inbox:            a.inbox,
		Platform:         a.adapter,
		Verifier:         machine,
		Welcomer:         a.gateway,
		Assembler:        a.assembler,
		Spawner:          group,
		Logger:           logger,
	}).Register(a.session)
	commands := discord.NewCommands(discord.CommandsConfig{
		AdminRoles: cfg.Roles.Admin,
		Verifier:   machine,
		Admin:      admin,
		Rebuilder:  a.builder,
		Announcer:  machine.Notifier(),
		Spawner:    group,
		Logger:     logger,
	})

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("connect to discord: %w", err)
	}
	if err := a.adapter.LoadGuild(ctx); err != nil {
		_ = a.session.Close()
		return err
	}
	logger.Info("connected", zap.String("guild", a.adapter.GuildName()))

	if err := a.builder.Bootstrap(ctx, cfg.Verification.RebuildOnStartup); err != nil {
		logger.Error("role taxonomy unavailable, verifications will fail until rebuilt", zap.Error(err))
	}
	if err := commands.Register(a.session, cfg.Discord.GuildID); err != nil {
		_ = a.session.Close()
		return err
	}

	if cfg.Roles.Suspicious != 0 {
		cleanup := screening.NewCleanup(a.adapter, a.adapter, cfg.Roles.Suspicious,
			time.Duration(cfg.Screening.RetentionDays)*24*time.Hour,
			time.Duration(cfg.Screening.IntervalHours)*time.Hour, logger)
		if err := group.Go("suspicious-cleanup", cleanup.Run); err != nil {
			logger.Warn("could not start suspicious role cleanup", zap.Error(err))
		}
	}
	if cfg.Server.MetricsAddr != "" {
		srv := httpserver.New(cfg.Server.MetricsAddr, a.registry, a.readiness(), logger)
		if err := group.Go("http", func(ctx context.Context) error {
			return srv.Run(ctx, cfg.Verification.ShutdownGracePeriod)
		}); err != nil {
			logger.Warn("could not start http server", zap.Error(err))
		}
	}

	<-ctx.Done()
	active := machine.ActiveUsers()
	logger.Info("shutting down",
		zap.Int("active_sessions", len(active)),
		zap.Any("interrupted_users", active))

	var errs []error
	if err := a.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close discord session: %w", err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Verification.ShutdownGracePeriod)
	defer cancel()
	if err := group.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) readiness() map[string]httpserver.Check {
	checks := map[string]httpserver.Check{
		"taxonomy": func(context.Context) error {
			if !a.provider.Ready() {
				return errors.New("role taxonomy not loaded")
			}
			return nil
		},
	}
	if a.audit != nil {
		checks["audit"] = a.audit.Ping
	}
	return checks
}
