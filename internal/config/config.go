package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the goattend gateway.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	Database     DatabaseConfig     `json:"database,omitempty"`
	Sessions     SessionsConfig     `json:"sessions"`
	Routing      RoutingConfig      `json:"routing"`
	Verification VerificationConfig `json:"verification"`
	Bot          BotConfig          `json:"bot"`
	Connector    ConnectorConfig    `json:"connector"`
	Export       ExportConfig       `json:"export,omitempty"`
	Sweeper      SweeperConfig      `json:"sweeper,omitempty"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
	Directory    DirectorySeed      `json:"directory,omitempty"`
	mu           sync.RWMutex
}

// GatewayConfig configures the operator WebSocket + HTTP listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"`                         // from env GOATTEND_GATEWAY_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // empty = allow all
	InboundRPS     float64  `json:"inbound_rps,omitempty"`     // per inbox token, 0 = default 10
	InboundBurst   int      `json:"inbound_burst,omitempty"`   // 0 = default 20
	MetricsEnabled bool     `json:"metrics_enabled,omitempty"`
}

// DatabaseConfig configures Postgres.
// PostgresDSN is NEVER read from config.json (secret), only from env GOATTEND_POSTGRES_DSN.
// Without a DSN the gateway runs on the in-memory store (standalone mode).
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// IsManagedMode returns true when a Postgres DSN is configured.
func (c *Config) IsManagedMode() bool {
	return c.Database.PostgresDSN != ""
}

// SessionsConfig selects the ephemeral per-citizen session backend.
type SessionsConfig struct {
	Backend  string `json:"backend,omitempty"` // "memory" (default) or "redis"
	RedisURL string `json:"-"`                 // from env GOATTEND_REDIS_URL only
	TTL      string `json:"ttl,omitempty"`     // key TTL (default "30m", Go duration)
}

// RoutingConfig holds the timing constants of the routing engine.
// All values are Go duration strings; empty or invalid means default.
type RoutingConfig struct {
	DebounceWindow    string `json:"debounce_window,omitempty"`    // default "5s"
	NameBufferDelay   string `json:"name_buffer_delay,omitempty"`  // default "3s"
	InactivityTimeout string `json:"inactivity_timeout,omitempty"` // default "10m"
	ClosingNotice     string `json:"closing_notice,omitempty"`
}

// Timings is RoutingConfig resolved to durations.
type Timings struct {
	DebounceWindow    time.Duration
	NameBufferDelay   time.Duration
	InactivityTimeout time.Duration
	SessionTTL        time.Duration
}

// VerificationConfig tunes document-number format rules.
type VerificationConfig struct {
	PrimaryIDLength int `json:"primary_id_length,omitempty"` // default 8
	ForeignIDMin    int `json:"foreign_id_min,omitempty"`    // default 6
	ForeignIDMax    int `json:"foreign_id_max,omitempty"`    // default 10
	FallbackMin     int `json:"fallback_min,omitempty"`      // default 5
}

// BotConfig selects the bot/NLU backend.
type BotConfig struct {
	Provider    string  `json:"provider,omitempty"` // "http" (default), "openai" or "none"
	URL         string  `json:"url,omitempty"`      // NLU REST endpoint for provider "http"
	APIKey      string  `json:"-"`                  // from env GOATTEND_BOT_API_KEY only
	Model       string  `json:"model,omitempty"`    // provider "openai"
	Prompt      string  `json:"prompt,omitempty"`   // system prompt for provider "openai"
	Timeout     string  `json:"timeout,omitempty"`  // default "15s"
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

// ConnectorConfig points at the channel-connector process.
type ConnectorConfig struct {
	URL   string `json:"url,omitempty"` // ws:// or wss:// endpoint; empty disables the connector client
	Token string `json:"-"`             // from env GOATTEND_CONNECTOR_TOKEN only
}

// ExportConfig configures the transcript export collaborator.
type ExportConfig struct {
	URL     string `json:"url,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "30s"
}

// SweeperConfig configures the stale-attention sweeper.
type SweeperConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Cron    string `json:"cron,omitempty"` // default "*/5 * * * *"
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "goattend-gateway"
	Headers     map[string]string `json:"headers,omitempty"`
}

// DirectorySeed populates the in-memory directory in standalone mode.
type DirectorySeed struct {
	Channels []ChannelSeed `json:"channels,omitempty"`
	Agents   []AgentSeed   `json:"agents,omitempty"`
}

// ChannelSeed describes one channel with its inboxes.
type ChannelSeed struct {
	ID                   string      `json:"id"`
	Name                 string      `json:"name"`
	Kind                 string      `json:"kind"`
	RequiresVerification bool        `json:"requires_verification,omitempty"`
	BotEnabled           bool        `json:"bot_enabled,omitempty"`
	StrictIdentity       bool        `json:"strict_identity,omitempty"`
	OperatorInitiated    bool        `json:"operator_initiated,omitempty"`
	Inboxes              []InboxSeed `json:"inboxes,omitempty"`
}

// InboxSeed describes an inbox and its credential.
type InboxSeed struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// AgentSeed describes an agent and the inboxes it serves.
type AgentSeed struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Role    string   `json:"role,omitempty"`
	Inboxes []string `json:"inboxes"`
}
