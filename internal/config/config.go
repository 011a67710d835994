// Package config handles loading and validating taskforge configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for taskforge. Every section is optional;
// a nil section means "use the defaults".
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ./data. Override: TASKFORGE_DATA_DIR.
	Log           LogConfig            `json:"log" yaml:"log"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket     *WebSocketConfig     `json:"websocket,omitempty" yaml:"websocket,omitempty"`
	Mailbox       *MailboxConfig       `json:"mailbox,omitempty" yaml:"mailbox,omitempty"`
	Summary       *SummaryConfig       `json:"summary,omitempty" yaml:"summary,omitempty"`
	Notifications *NotificationsConfig `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error.
	Format string `json:"format" yaml:"format"` // json (default) or text.
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite under the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres", or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/taskforge.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: TASKFORGE_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
	NotifyChannel    string `json:"notify_channel" yaml:"notify_channel"`           // Default: "taskforge_task_events"
}

// SchedulerConfig configures the per-team assignment loops.
type SchedulerConfig struct {
	PollIntervalSeconds    int           `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`         // Default: 2.
	AckTimeoutSeconds      int           `json:"ack_timeout_seconds" yaml:"ack_timeout_seconds"`             // Default: 30.
	MaxAssignmentsPerCycle int           `json:"max_assignments_per_cycle" yaml:"max_assignments_per_cycle"` // Default: 50.
	MaintenanceSchedule    string        `json:"maintenance_schedule" yaml:"maintenance_schedule"`           // Cron spec. Default: "@every 15s".
	Retry                  RetryConfig   `json:"retry" yaml:"retry"`
	Breaker                BreakerConfig `json:"breaker" yaml:"breaker"`
}

// RetryConfig bounds the optimistic-concurrency retry loop.
type RetryConfig struct {
	InitialIntervalMs int `json:"initial_interval_ms" yaml:"initial_interval_ms"` // Default: 5.
	MaxIntervalMs     int `json:"max_interval_ms" yaml:"max_interval_ms"`         // Default: 250.
	MaxElapsedMs      int `json:"max_elapsed_ms" yaml:"max_elapsed_ms"`           // Default: 5000.
}

// BreakerConfig configures circuit breakers around agent calls.
type BreakerConfig struct {
	ConsecutiveFailures int `json:"consecutive_failures" yaml:"consecutive_failures"` // Default: 5.
	OpenTimeoutSeconds  int `json:"open_timeout_seconds" yaml:"open_timeout_seconds"` // Default: 30.
	HalfOpenRequests    int `json:"half_open_requests" yaml:"half_open_requests"`     // Default: 3.
}

// PollInterval returns the scheduler fallback cycle interval.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s != nil && s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return 2 * time.Second
}

// AckTimeout returns how long an assignment may wait for acknowledgment.
func (s *SchedulerConfig) AckTimeout() time.Duration {
	if s != nil && s.AckTimeoutSeconds > 0 {
		return time.Duration(s.AckTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxAssignments returns the per-cycle assignment cap.
func (s *SchedulerConfig) MaxAssignments() int {
	if s != nil && s.MaxAssignmentsPerCycle > 0 {
		return s.MaxAssignmentsPerCycle
	}
	return 50
}

// Maintenance returns the cron spec for stale-agent and offer sweeps.
func (s *SchedulerConfig) Maintenance() string {
	if s != nil && s.MaintenanceSchedule != "" {
		return s.MaintenanceSchedule
	}
	return "@every 15s"
}

// HTTPConfig configures the caller-facing HTTP API.
type HTTPConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: TASKFORGE_HTTP_ADDR.
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
	APIKeys             []APIKeyConfig  `json:"api_keys" yaml:"api_keys"`
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	SSE                 bool            `json:"sse" yaml:"sse"` // Enable the /v1/events stream.
}

// APIKeyConfig maps a bearer key to a caller identity. Key may be the raw
// key or "sha256:<hex>" of it.
type APIKeyConfig struct {
	Key    string `json:"key" yaml:"key"`
	UserID string `json:"user_id" yaml:"user_id"`
	TeamID string `json:"team_id" yaml:"team_id"`
}

// Addr returns the HTTP listen address.
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxBodyBytes returns the request body limit.
func (h *HTTPConfig) MaxBodyBytes() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 1 << 20
}

// RateLimitConfig configures per-caller rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// WebSocketConfig configures the agent WebSocket endpoint.
type WebSocketConfig struct {
	Path                     string `json:"path" yaml:"path"`                                             // Default: "/v1/agents/ws".
	AgentToken               string `json:"agent_token" yaml:"agent_token"`                               // Shared token for agents. Override: TASKFORGE_AGENT_TOKEN.
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"` // Default: 30.
	StaleAfterSeconds        int    `json:"stale_after_seconds" yaml:"stale_after_seconds"`               // Default: 180.
}

// WSPath returns the WebSocket path.
func (w *WebSocketConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/v1/agents/ws"
}

// WSHeartbeatInterval returns the gateway ping interval.
func (w *WebSocketConfig) WSHeartbeatInterval() time.Duration {
	if w != nil && w.HeartbeatIntervalSeconds > 0 {
		return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// StaleAfter returns how long an agent may stay silent before eviction.
func (w *WebSocketConfig) StaleAfter() time.Duration {
	if w != nil && w.StaleAfterSeconds > 0 {
		return time.Duration(w.StaleAfterSeconds) * time.Second
	}
	return 3 * time.Minute
}

// MailboxConfig selects how mailbox messages reach running agents.
type MailboxConfig struct {
	Driver       string `json:"driver" yaml:"driver"`               // "websocket" (default) or "redis".
	RedisURL     string `json:"redis_url" yaml:"redis_url"`         // Override: TASKFORGE_REDIS_URL.
	StreamPrefix string `json:"stream_prefix" yaml:"stream_prefix"` // Default: "taskforge:mailbox:".
	MaxLen       int64  `json:"max_len" yaml:"max_len"`             // Approximate stream cap. Default: 1000.
}

// MailboxDriver returns the configured driver, defaulting to "websocket".
func (m *MailboxConfig) MailboxDriver() string {
	if m != nil && m.Driver != "" {
		return m.Driver
	}
	return "websocket"
}

// SummaryConfig configures the team summary.
type SummaryConfig struct {
	RecentLimit int `json:"recent_limit" yaml:"recent_limit"` // Default: 10, max 100.
}

// NotificationsConfig configures outbound task outcome notifications.
// With several serve instances on one database, enable it on one of them:
// every instance observes every change.
type NotificationsConfig struct {
	Webhooks  []WebhookConfig `json:"webhooks" yaml:"webhooks"`
	QueueSize int             `json:"queue_size" yaml:"queue_size"` // Pending deliveries. Default: 256.
}

// WebhookConfig posts task events to URL.
type WebhookConfig struct {
	Name         string   `json:"name" yaml:"name"`
	URL          string   `json:"url" yaml:"url"`
	Secret       string   `json:"secret" yaml:"secret"`               // Signs bodies with HMAC-SHA256 when set.
	Teams        []string `json:"teams" yaml:"teams"`                 // Empty = every team.
	Statuses     []string `json:"statuses" yaml:"statuses"`           // Default: completed, failed, cancelled.
	AllowPrivate bool     `json:"allow_private" yaml:"allow_private"` // Permit loopback and private addresses.
	MaxElapsedS  int      `json:"max_elapsed_s" yaml:"max_elapsed_s"` // Retry budget per delivery. Default: 60.
}

// Queue returns the delivery queue size.
func (n *NotificationsConfig) Queue() int {
	if n != nil && n.QueueSize > 0 {
		return n.QueueSize
	}
	return 256
}

// ObservabilityConfig configures metrics, tracing, and failure-rate detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the metrics endpoint path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "taskforge"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures per-agent failure-rate warnings.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% of runs failing
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Default: 5
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// Default returns a configuration with every section at its defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it is set, and returns defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// applyEnv overlays TASKFORGE_* environment variables.
func (c *Config) applyEnv() {
	c.DataDir = goutils.Env("TASKFORGE_DATA_DIR", c.DataDir)
	c.Log.Level = goutils.Env("TASKFORGE_LOG_LEVEL", c.Log.Level)

	if driver := os.Getenv("TASKFORGE_STORAGE_DRIVER"); driver != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = driver
	}
	if dsn := os.Getenv("TASKFORGE_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}

	if addr := os.Getenv("TASKFORGE_HTTP_ADDR"); addr != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		c.HTTP.ListenAddr = addr
	}
	if token := os.Getenv("TASKFORGE_AGENT_TOKEN"); token != "" {
		if c.WebSocket == nil {
			c.WebSocket = &WebSocketConfig{}
		}
		c.WebSocket.AgentToken = token
	}
	if url := os.Getenv("TASKFORGE_REDIS_URL"); url != "" {
		if c.Mailbox == nil {
			c.Mailbox = &MailboxConfig{}
		}
		c.Mailbox.RedisURL = url
	}
	if ack := os.Getenv("TASKFORGE_ACK_TIMEOUT_SECONDS"); ack != "" {
		if n, err := strconv.Atoi(ack); err == nil {
			if c.Scheduler == nil {
				c.Scheduler = &SchedulerConfig{}
			}
			c.Scheduler.AckTimeoutSeconds = n
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return "data"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "taskforge.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// RecentLimit returns the number of recent tasks in a summary.
func (c *Config) RecentLimit() int {
	if c.Summary != nil && c.Summary.RecentLimit > 0 {
		return c.Summary.RecentLimit
	}
	return 10
}

func (c *Config) validate() error {
	switch c.Storage.StorageDriver() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set TASKFORGE_DB_DSN)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres, or memory)", c.Storage.Driver)
	}

	switch c.Mailbox.MailboxDriver() {
	case "websocket":
	case "redis":
		if c.Mailbox.RedisURL == "" {
			return fmt.Errorf("mailbox.redis_url is required for the redis driver (set TASKFORGE_REDIS_URL)")
		}
	default:
		return fmt.Errorf("mailbox.driver %q is not supported (use websocket or redis)", c.Mailbox.Driver)
	}

	if c.Summary != nil && (c.Summary.RecentLimit < 0 || c.Summary.RecentLimit > 100) {
		return fmt.Errorf("summary.recent_limit must be between 0 and 100")
	}

	if s := c.Scheduler; s != nil {
		if s.PollIntervalSeconds < 0 || s.AckTimeoutSeconds < 0 || s.MaxAssignmentsPerCycle < 0 {
			return fmt.Errorf("scheduler intervals and limits must not be negative")
		}
	}

	if c.HTTP != nil {
		seen := make(map[string]bool, len(c.HTTP.APIKeys))
		for i, k := range c.HTTP.APIKeys {
			if k.Key == "" {
				return fmt.Errorf("http.api_keys[%d].key is required", i)
			}
			if k.TeamID == "" {
				return fmt.Errorf("http.api_keys[%d].team_id is required", i)
			}
			if seen[k.Key] {
				return fmt.Errorf("http.api_keys[%d]: duplicate key", i)
			}
			seen[k.Key] = true
		}
		if c.HTTP.RateLimit.RequestsPerMinute < 0 || c.HTTP.RateLimit.BurstSize < 0 {
			return fmt.Errorf("http.rate_limit values must not be negative")
		}
	}

	if n := c.Notifications; n != nil {
		for i, w := range n.Webhooks {
			if w.URL == "" {
				return fmt.Errorf("notifications.webhooks[%d].url is required", i)
			}
			for _, st := range w.Statuses {
				switch st {
				case "pending", "assigned", "running", "completed", "failed", "cancelled":
				default:
					return fmt.Errorf("notifications.webhooks[%d].statuses: unknown status %q", i, st)
				}
			}
		}
	}

	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
		}
		if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported", c.Log.Level)
	}
	return nil
}
