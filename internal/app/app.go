// Package app is the chat bridge's composition root: it wires config into
// every collaborator package (identity, rate limiting, circuit breakers,
// command parsing, the agent controller, the audit log, and outbound chat
// notification) and runs the resulting HTTP server until its context is
// cancelled.
package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sibyllinesoft/rave/internal/agentctl"
	"github.com/sibyllinesoft/rave/internal/auditlog"
	"github.com/sibyllinesoft/rave/internal/breaker"
	"github.com/sibyllinesoft/rave/internal/chatbridge"
	"github.com/sibyllinesoft/rave/internal/command"
	"github.com/sibyllinesoft/rave/internal/config"
	"github.com/sibyllinesoft/rave/internal/httpserver"
	"github.com/sibyllinesoft/rave/internal/identity"
	"github.com/sibyllinesoft/rave/internal/ratelimit"
	"github.com/sibyllinesoft/rave/internal/telemetry"
	"github.com/sibyllinesoft/rave/pkg/slack"
)

// Run wires and starts the process for cfg.Mode, blocking until ctx is
// cancelled or an unrecoverable error occurs. The "cli" mode is driven by
// the rave command's vm subcommands directly against internal/vmmanager
// rather than through here; Run only serves "bridge".
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	switch cfg.Mode {
	case "bridge", "":
		return runBridge(ctx, cfg, logger)
	default:
		return fmt.Errorf("unsupported mode %q: vm lifecycle operations run through the rave CLI's vm subcommands", cfg.Mode)
	}
}

func runBridge(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	audit, err := newAuditWriter(cfg, logger)
	if err != nil {
		return fmt.Errorf("building audit log writer: %w", err)
	}
	audit.Start(ctx)
	defer audit.Close()

	idValidator := identity.NewValidator(identity.ValidatorConfig{
		GitLabURL:          cfg.GitLabURL,
		AllowedGroups:      cfg.AllowedGroups,
		CacheTTL:           time.Duration(cfg.UserCacheTTLSeconds) * time.Second,
		CacheSize:          cfg.UserCacheMax,
		MaxFailedLogins:    cfg.LockoutThreshold,
		LockoutWindow:      time.Duration(cfg.LockoutWindowSeconds) * time.Second,
		GitLabClientID:     cfg.GitLabClientID,
		GitLabClientSecret: cfg.GitLabClientSecret,
		GitLabTokenURL:     cfg.GitLabTokenURL,
	}, logger)

	parser, err := command.NewParser(cfg.AllowedChatCommands, logger)
	if err != nil {
		return fmt.Errorf("building command parser: %w", err)
	}

	agents, err := agentctl.New(agentctl.Config{
		AllowedAgents:    cfg.AllowedAgents,
		ServicePrefix:    cfg.AgentUnitPrefix,
		MaxConcurrentOps: cfg.MaxConcurrentAgentOps,
	}, logger)
	if err != nil {
		return fmt.Errorf("building agent controller: %w", err)
	}

	breakers := breaker.NewManager(logger)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
	}
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerMinute = cfg.RateLimitRequestsPerMinute
	limiterCfg.BurstSize = cfg.RateLimitBurstSize
	limiterCfg.Window = time.Duration(cfg.RateLimitWindowSeconds) * time.Second
	limiter := ratelimit.New(limiterCfg, rdb, nil, logger)
	limiter.Start(ctx)
	defer limiter.Stop()

	notifier := slack.NewNotifier(cfg.SlackBotToken, "", logger)

	var jwtAuth *identity.TokenValidator
	if cfg.OIDCIssuerURL != "" {
		jwtAuth, err = identity.NewTokenValidator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID, logger)
		if err != nil {
			return fmt.Errorf("building OIDC token validator: %w", err)
		}
	}

	bridge := chatbridge.New(
		chatbridge.Config{
			AppserviceToken:    cfg.AppserviceToken,
			MaxRequestBytes:    cfg.MaxRequestBytes,
			SlackSigningSecret: cfg.SlackSigningSecret,
		},
		parser, idValidator, agents, breakers, limiter, audit, notifier, logger, jwtAuth,
	)

	registry := prometheus.NewRegistry()
	if err := httpserver.RegisterMetrics(registry); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	router := chi.NewRouter()
	router.Use(httpserver.RequestID)
	router.Use(httpserver.Logger(logger))
	router.Use(httpserver.Metrics)
	router.Use(httpserver.MaxBytes(cfg.MaxRequestBytes))
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Mount("/", bridge.Routes())

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("chat bridge listening", "addr", cfg.ListenAddr())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func newAuditWriter(cfg *config.Config, logger *slog.Logger) (*auditlog.Writer, error) {
	var hmacKey []byte
	if cfg.AuditHMACKeyHex != "" {
		key, err := hex.DecodeString(cfg.AuditHMACKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decoding RAVE_AUDIT_HMAC_KEY as hex: %w", err)
		}
		hmacKey = key
	} else {
		logger.Warn("no audit HMAC key configured, generating an ephemeral one; integrity chains will not survive a restart")
	}

	return auditlog.NewWriter(auditlog.Options{
		LogFile:      cfg.AuditLogPath,
		HMACKey:      hmacKey,
		MaxFileBytes: cfg.AuditMaxFileBytes,
		BackupCount:  cfg.AuditBackupCount,
	}, logger)
}
