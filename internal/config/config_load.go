package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

const (
	DefaultDebounceWindow    = 5 * time.Second
	DefaultNameBufferDelay   = 3 * time.Second
	DefaultInactivityTimeout = 10 * time.Minute
	DefaultSessionTTL        = 30 * time.Minute
	DefaultClosingNotice     = "Tu atención fue cerrada por inactividad. Si necesitas ayuda, escríbenos de nuevo."
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:           "0.0.0.0",
			Port:           18800,
			InboundRPS:     10,
			InboundBurst:   20,
			MetricsEnabled: true,
		},
		Sessions: SessionsConfig{
			Backend: "memory",
			TTL:     "30m",
		},
		Routing: RoutingConfig{
			DebounceWindow:    "5s",
			NameBufferDelay:   "3s",
			InactivityTimeout: "10m",
			ClosingNotice:     DefaultClosingNotice,
		},
		Verification: VerificationConfig{
			PrimaryIDLength: 8,
			ForeignIDMin:    6,
			ForeignIDMax:    10,
			FallbackMin:     5,
		},
		Bot: BotConfig{
			Provider: "http",
			Timeout:  "15s",
			Model:    "gpt-4o-mini",
		},
		Sweeper: SweeperConfig{
			Cron: "*/5 * * * *",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("GOATTEND_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("GOATTEND_HOST", &c.Gateway.Host)
	if v := os.Getenv("GOATTEND_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("GOATTEND_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}

	envStr("GOATTEND_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("GOATTEND_SESSIONS_BACKEND", &c.Sessions.Backend)
	envStr("GOATTEND_REDIS_URL", &c.Sessions.RedisURL)
	if c.Sessions.RedisURL != "" && os.Getenv("GOATTEND_SESSIONS_BACKEND") == "" && c.Sessions.Backend == "memory" {
		c.Sessions.Backend = "redis"
	}

	envStr("GOATTEND_DEBOUNCE_WINDOW", &c.Routing.DebounceWindow)
	envStr("GOATTEND_INACTIVITY_TIMEOUT", &c.Routing.InactivityTimeout)

	envStr("GOATTEND_BOT_PROVIDER", &c.Bot.Provider)
	envStr("GOATTEND_BOT_URL", &c.Bot.URL)
	envStr("GOATTEND_BOT_API_KEY", &c.Bot.APIKey)
	envStr("GOATTEND_BOT_MODEL", &c.Bot.Model)

	envStr("GOATTEND_CONNECTOR_URL", &c.Connector.URL)
	envStr("GOATTEND_CONNECTOR_TOKEN", &c.Connector.Token)

	envStr("GOATTEND_EXPORT_URL", &c.Export.URL)

	// Telemetry
	envStr("GOATTEND_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GOATTEND_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("GOATTEND_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("GOATTEND_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GOATTEND_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Timings resolves the routing durations, falling back to defaults for
// empty, invalid or non-positive values.
func (c *Config) Timings() Timings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Timings{
		DebounceWindow:    parseDuration(c.Routing.DebounceWindow, DefaultDebounceWindow),
		NameBufferDelay:   parseDuration(c.Routing.NameBufferDelay, DefaultNameBufferDelay),
		InactivityTimeout: parseDuration(c.Routing.InactivityTimeout, DefaultInactivityTimeout),
		SessionTTL:        parseDuration(c.Sessions.TTL, DefaultSessionTTL),
	}
}

// ClosingNotice returns the text sent to a citizen when an attention is
// closed for inactivity.
func (c *Config) ClosingNotice() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Routing.ClosingNotice == "" {
		return DefaultClosingNotice
	}
	return c.Routing.ClosingNotice
}

// ReplaceRouting swaps the hot-reloadable sections in place.
func (c *Config) ReplaceRouting(r RoutingConfig, v VerificationConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Routing = r
	c.Verification = v
}

// VerificationRules returns a snapshot of the verification config.
func (c *Config) VerificationRules() VerificationConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Verification
}

// ParseDuration parses a Go duration string with a fallback.
func ParseDuration(s string, def time.Duration) time.Duration {
	return parseDuration(s, def)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

const secretMask = "***"

// MaskedCopy returns a copy of the config with all secret fields masked.
// Used by doctor output so secrets never reach logs.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	// json:"-" fields are not carried by the round-trip; mask from source.
	cp.Gateway.Token = masked(c.Gateway.Token)
	cp.Database.PostgresDSN = masked(c.Database.PostgresDSN)
	cp.Sessions.RedisURL = masked(c.Sessions.RedisURL)
	cp.Bot.APIKey = masked(c.Bot.APIKey)
	cp.Connector.Token = masked(c.Connector.Token)
	return cp
}

func masked(s string) string {
	if s == "" {
		return ""
	}
	return secretMask
}
