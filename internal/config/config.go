package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all process configuration, loaded from environment
// variables. On-disk YAML/JSON configuration is an external collaborator
// (see spec §1) and is out of scope here.
type Config struct {
	// Mode selects the runtime mode of app.Run: only "bridge" (Core B chat
	// command bridge server) is served, and any other value is an error. Core
	// A one-shot VM lifecycle operations run through the rave vm subcommands,
	// which do not read Mode.
	Mode string `env:"RAVE_MODE" envDefault:"bridge"`

	// HTTP ingress for the chat bridge (C13).
	Host string `env:"RAVE_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"RAVE_PORT" envDefault:"8080"`

	MaxRequestBytes int64 `env:"RAVE_MAX_REQUEST_BYTES" envDefault:"65536"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Redis backs the distributed rate limiter (C9) and is optional; when
	// unset, the rate limiter runs purely in-process.
	RedisURL string `env:"REDIS_URL"`

	// Identity provider (C8). GitLabURL resolves a Matrix sender to a
	// GitLab identity and group membership; the OIDC fields separately
	// validate bearer JWTs presented by administrative callers.
	GitLabURL          string `env:"RAVE_GITLAB_URL" envDefault:"https://gitlab.com"`
	GitLabClientID     string `env:"RAVE_GITLAB_CLIENT_ID"`
	GitLabClientSecret string `env:"RAVE_GITLAB_CLIENT_SECRET"`
	GitLabTokenURL     string `env:"RAVE_GITLAB_TOKEN_URL"`
	OIDCIssuerURL    string   `env:"RAVE_OIDC_ISSUER_URL"`
	OIDCClientID     string   `env:"RAVE_OIDC_CLIENT_ID"`
	AllowedGroups    []string `env:"RAVE_ALLOWED_GROUPS" envSeparator:","`
	UserCacheMax     int      `env:"RAVE_USER_CACHE_MAX" envDefault:"1000"`
	UserCacheTTLSeconds  int  `env:"RAVE_USER_CACHE_TTL_SECONDS" envDefault:"3600"`
	LockoutThreshold     int  `env:"RAVE_LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutWindowSeconds int  `env:"RAVE_LOCKOUT_WINDOW_SECONDS" envDefault:"300"`

	// Chat platform adapters (C13). An empty SlackBotToken makes outbound
	// replies a no-op; an empty SlackSigningSecret skips Slack signature
	// verification. The webhook routes are served either way.
	SlackBotToken      string `env:"RAVE_SLACK_BOT_TOKEN"`
	SlackSigningSecret string `env:"RAVE_SLACK_SIGNING_SECRET"`
	AppserviceToken    string `env:"RAVE_APPSERVICE_TOKEN"`
	HomeserverURL      string `env:"RAVE_HOMESERVER_URL"`

	// Rate limiting (C9).
	RateLimitRequestsPerMinute int `env:"RAVE_RATE_LIMIT_RPM" envDefault:"60"`
	RateLimitBurstSize         int `env:"RAVE_RATE_LIMIT_BURST" envDefault:"10"`
	RateLimitWindowSeconds     int `env:"RAVE_RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`

	// Circuit breakers (C10).
	BreakerFailureThreshold int `env:"RAVE_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerRecoverySeconds  int `env:"RAVE_BREAKER_RECOVERY_SECONDS" envDefault:"30"`
	BreakerSuccessThreshold int `env:"RAVE_BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`

	// Command parser (C7). Empty means every catalog command is allowed.
	AllowedChatCommands []string `env:"RAVE_ALLOWED_CHAT_COMMANDS" envSeparator:","`

	// Agent controller (C11).
	AgentUnitPrefix          string   `env:"RAVE_AGENT_UNIT_PREFIX" envDefault:"rave-agent-"`
	AllowedAgents            []string `env:"RAVE_ALLOWED_AGENTS" envSeparator:","`
	MaxConcurrentAgentOps    int      `env:"RAVE_MAX_CONCURRENT_AGENT_OPS" envDefault:"5"`

	// Audit log (C12).
	AuditLogPath       string `env:"RAVE_AUDIT_LOG_PATH" envDefault:"/var/log/rave/audit.jsonl"`
	AuditHMACKeyHex    string `env:"RAVE_AUDIT_HMAC_KEY"`
	AuditMaxFileBytes  int64  `env:"RAVE_AUDIT_MAX_FILE_BYTES" envDefault:"10485760"`
	AuditBackupCount   int    `env:"RAVE_AUDIT_BACKUP_COUNT" envDefault:"5"`

	// VM lifecycle (C6 and friends).
	VMsDir           string `env:"RAVE_VMS_DIR" envDefault:"/var/lib/rave/vms"`
	OverridesRoot    string `env:"RAVE_OVERRIDES_ROOT" envDefault:"config/overrides"`
	RepoRoot         string `env:"RAVE_REPO_ROOT" envDefault:"."`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the chat bridge HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
