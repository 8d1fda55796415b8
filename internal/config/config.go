package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/warelay/internal/agent"
	"github.com/gosuda/warelay/internal/agent/backends"
	"github.com/gosuda/warelay/internal/agent/proc"
	"github.com/gosuda/warelay/internal/session"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Agent     AgentConfig
	Relay     RelayConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Server    ServerConfig
	RateLimit RateLimitConfig
	Slack     SlackConfig
	Log       LogConfig
}

// AgentConfig describes the agent process invoked for every message.
type AgentConfig struct {
	Kind           agent.Kind
	Command        []string
	Cwd            string
	Timeout        time.Duration
	RPCIdle        time.Duration
	IdentityPrefix string
	SendSystemOnce bool
}

// RelayConfig holds conversation bookkeeping settings.
type RelayConfig struct {
	SessionIdle   time.Duration
	SweepSchedule string
	ResetTriggers []string
	ChunkLimit    int
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// Enabled reports whether a Redis server is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// AuthConfig holds API bearer token settings. An empty Secret disables auth.
type AuthConfig struct {
	Secret   string //nolint:gosec // G117: JWT signing secret config
	TokenTTL time.Duration
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// RateLimitConfig holds per-client request limits.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// SlackConfig holds Slack integration settings.
type SlackConfig struct {
	BotToken      string
	SigningSecret string
	BotUserID     string
}

// Enabled reports whether the Slack transport is configured.
func (c SlackConfig) Enabled() bool { return c.SigningSecret != "" && c.BotToken != "" }

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	kind, err := agent.ParseKind(getEnv("WARELAY_AGENT", string(agent.KindClaude)))
	if err != nil {
		return nil, fmt.Errorf("config.Load: WARELAY_AGENT: %w", err)
	}

	command, err := getEnvCommand("WARELAY_COMMAND", backends.DefaultCommand(kind))
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	timeout, err := getEnvDuration("WARELAY_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rpcIdle, err := getEnvDuration("WARELAY_RPC_IDLE", proc.DefaultIdleWindow)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	sendSystemOnce, err := getEnvBool("WARELAY_SEND_SYSTEM_ONCE", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	sessionIdle, err := getEnvDuration("WARELAY_SESSION_IDLE", 60*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	chunkLimit, err := getEnvInt("WARELAY_CHUNK_LIMIT", 1600)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("WARELAY_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	tokenTTL, err := getEnvDuration("WARELAY_API_TOKEN_TTL", 30*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("WARELAY_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	// Prompts block until the agent answers, so the write timeout must cover
	// the agent timeout.
	writeTimeout, err := getEnvDuration("WARELAY_SERVER_WRITE_TIMEOUT", timeout+30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rps, err := getEnvFloat("WARELAY_RATE_LIMIT_RPS", 2)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	burst, err := getEnvInt("WARELAY_RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Agent: AgentConfig{
			Kind:           kind,
			Command:        command,
			Cwd:            getEnv("WARELAY_CWD", ""),
			Timeout:        timeout,
			RPCIdle:        rpcIdle,
			IdentityPrefix: getEnv("WARELAY_IDENTITY_PREFIX", ""),
			SendSystemOnce: sendSystemOnce,
		},
		Relay: RelayConfig{
			SessionIdle:   sessionIdle,
			SweepSchedule: getEnv("WARELAY_SESSION_SWEEP", session.DefaultSweepSchedule),
			ResetTriggers: getEnvList("WARELAY_RESET_TRIGGERS", []string{"/new"}),
			ChunkLimit:    chunkLimit,
		},
		Redis: RedisConfig{
			Addr:     getEnv("WARELAY_REDIS_ADDR", ""),
			Password: getEnv("WARELAY_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			Secret:   getEnv("WARELAY_API_SECRET", ""),
			TokenTTL: tokenTTL,
		},
		Server: ServerConfig{
			Addr:         getEnv("WARELAY_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  getEnvList("WARELAY_CORS_ORIGINS", []string{"http://localhost:5173"}),
		},
		RateLimit: RateLimitConfig{
			RPS:   rps,
			Burst: burst,
		},
		Slack: SlackConfig{
			BotToken:      getEnv("WARELAY_SLACK_BOT_TOKEN", ""),
			SigningSecret: getEnv("WARELAY_SLACK_SIGNING_SECRET", ""),
			BotUserID:     getEnv("WARELAY_SLACK_BOT_USER_ID", ""),
		},
		Log: LogConfig{
			Level:  getEnv("WARELAY_LOG_LEVEL", "info"),
			Format: getEnv("WARELAY_LOG_FORMAT", "json"),
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if len(c.Agent.Command) == 0 {
		return errors.New("WARELAY_COMMAND must not be empty")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("WARELAY_TIMEOUT must be positive, got %s", c.Agent.Timeout)
	}
	if c.Agent.RPCIdle <= 0 {
		return fmt.Errorf("WARELAY_RPC_IDLE must be positive, got %s", c.Agent.RPCIdle)
	}
	if c.Relay.SessionIdle <= 0 {
		return fmt.Errorf("WARELAY_SESSION_IDLE must be positive, got %s", c.Relay.SessionIdle)
	}
	if _, err := session.ParseSchedule(c.Relay.SweepSchedule); err != nil {
		return fmt.Errorf("WARELAY_SESSION_SWEEP: %w", err)
	}
	if c.Relay.ChunkLimit < 1 {
		return fmt.Errorf("WARELAY_CHUNK_LIMIT must be >= 1, got %d", c.Relay.ChunkLimit)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("WARELAY_REDIS_DB must be >= 0, got %d", c.Redis.DB)
	}

	// API secret is optional, but a short one is rejected.
	if c.Auth.Secret == "" {
		log.Warn().Msg("WARELAY_API_SECRET is not set; the HTTP API is unauthenticated")
	} else if len(c.Auth.Secret) < 32 {
		return errors.New("WARELAY_API_SECRET must be at least 32 characters")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("WARELAY_API_TOKEN_TTL must be positive, got %s", c.Auth.TokenTTL)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("WARELAY_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("WARELAY_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("WARELAY_RATE_LIMIT_RPS must be positive, got %g", c.RateLimit.RPS)
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("WARELAY_RATE_LIMIT_BURST must be >= 1, got %d", c.RateLimit.Burst)
	}

	if (c.Slack.BotToken == "") != (c.Slack.SigningSecret == "") {
		return errors.New("WARELAY_SLACK_BOT_TOKEN and WARELAY_SLACK_SIGNING_SECRET must be set together")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("WARELAY_LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// getEnvCommand reads a command line either as a JSON array of strings or as
// whitespace-separated words.
func getEnvCommand(key string, fallback []string) ([]string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if strings.HasPrefix(v, "[") {
		var argv []string
		if err := json.Unmarshal([]byte(v), &argv); err != nil {
			return nil, fmt.Errorf("parsing %s as JSON array: %w", key, err)
		}
		return argv, nil
	}
	return strings.Fields(v), nil
}
