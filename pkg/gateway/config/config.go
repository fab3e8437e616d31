// Package config loads the relay gateway configuration from the
// environment. All knobs have defaults; only credentials and the
// tenant store selection genuinely need to be set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StoreKind selects the tenant config store backend.
type StoreKind string

const (
	StoreSupabase StoreKind = "supabase"
	StoreStatic   StoreKind = "static"
)

type Config struct {
	Addr string

	// Tenant config store.
	Store          StoreKind
	SupabaseURL    string
	SupabaseKey    string
	SupabaseTable  string
	TenantsFile    string
	DefaultAPIKey  string
	ConfigCacheTTL time.Duration

	// Completion backend.
	ModelBaseURL string
	Model        string
	MaxTokens    int

	// Redis, optional. Empty address disables both the config cache and
	// the audit trail.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AuditTTL      time.Duration

	// Session behavior.
	StreamingTokens    bool
	TurnTimeout        time.Duration
	MaxHistoryTurns    int
	FrameThreshold     int
	MaxSessionDuration time.Duration

	// Websocket limits.
	MaxJSONMessageBytes int64
	WSPingInterval      time.Duration
	WSWriteTimeout      time.Duration
	WSReadTimeout       time.Duration
	HandshakeTimeout    time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

// LoadFromEnv reads configuration from RELAY_* environment variables,
// applying defaults and validating ranges.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("RELAY_ADDR", ":8080"),
		Store:               StoreKind(envOr("RELAY_STORE", string(StoreSupabase))),
		SupabaseURL:         envOr("RELAY_SUPABASE_URL", ""),
		SupabaseKey:         envOr("RELAY_SUPABASE_KEY", ""),
		SupabaseTable:       envOr("RELAY_SUPABASE_TABLE", "tenants"),
		TenantsFile:         envOr("RELAY_TENANTS_FILE", ""),
		DefaultAPIKey:       envOr("RELAY_DEFAULT_API_KEY", ""),
		ConfigCacheTTL:      envDurationOr("RELAY_CONFIG_CACHE_TTL", 5*time.Minute),
		ModelBaseURL:        envOr("RELAY_MODEL_BASE_URL", "https://api.openai.com/v1"),
		Model:               envOr("RELAY_MODEL", "gpt-4o-mini"),
		MaxTokens:           envIntOr("RELAY_MAX_TOKENS", 1024),
		RedisAddr:           envOr("RELAY_REDIS_ADDR", ""),
		RedisPassword:       envOr("RELAY_REDIS_PASSWORD", ""),
		RedisDB:             envIntOr("RELAY_REDIS_DB", 0),
		AuditTTL:            envDurationOr("RELAY_AUDIT_TTL", 24*time.Hour),
		StreamingTokens:     envBoolOr("RELAY_STREAMING_TOKENS", false),
		TurnTimeout:         envDurationOr("RELAY_TURN_TIMEOUT", 30*time.Second),
		MaxHistoryTurns:     envIntOr("RELAY_MAX_HISTORY_TURNS", 40),
		FrameThreshold:      envIntOr("RELAY_FRAME_THRESHOLD", 50),
		MaxSessionDuration:  envDurationOr("RELAY_MAX_SESSION_DURATION", 2*time.Hour),
		MaxJSONMessageBytes: envInt64Or("RELAY_MAX_JSON_MESSAGE_BYTES", 64*1024),
		WSPingInterval:      envDurationOr("RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:       envDurationOr("RELAY_WS_READ_TIMEOUT", 90*time.Second),
		HandshakeTimeout:    envDurationOr("RELAY_HANDSHAKE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:   envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.Store {
	case StoreSupabase:
		if cfg.SupabaseURL == "" {
			return Config{}, fmt.Errorf("RELAY_SUPABASE_URL must be set when RELAY_STORE=supabase")
		}
		if cfg.SupabaseKey == "" {
			return Config{}, fmt.Errorf("RELAY_SUPABASE_KEY must be set when RELAY_STORE=supabase")
		}
	case StoreStatic:
		if cfg.TenantsFile == "" {
			return Config{}, fmt.Errorf("RELAY_TENANTS_FILE must be set when RELAY_STORE=static")
		}
	default:
		return Config{}, fmt.Errorf("RELAY_STORE must be one of supabase|static")
	}

	if cfg.MaxTokens <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_TOKENS must be > 0")
	}
	if cfg.ConfigCacheTTL < 0 {
		return Config{}, fmt.Errorf("RELAY_CONFIG_CACHE_TTL must be >= 0")
	}
	if cfg.AuditTTL <= 0 {
		return Config{}, fmt.Errorf("RELAY_AUDIT_TTL must be > 0")
	}
	if cfg.TurnTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_TURN_TIMEOUT must be > 0")
	}
	if cfg.MaxHistoryTurns < 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_HISTORY_TURNS must be >= 0")
	}
	if cfg.FrameThreshold <= 0 {
		return Config{}, fmt.Errorf("RELAY_FRAME_THRESHOLD must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_READ_TIMEOUT must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
