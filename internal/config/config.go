// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/grant-scout/internal/grant"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Logging   LoggingConfig            `mapstructure:"logging"`
	Scheduler SchedulerConfig          `mapstructure:"scheduler"`
	RateLimit RateLimitConfig          `mapstructure:"rate_limit"`
	Browser   BrowserConfig            `mapstructure:"browser"`
	Static    StaticConfig             `mapstructure:"static"`
	Proxy     ProxyConfig              `mapstructure:"proxy"`
	APIKeys   map[string]string        `mapstructure:"api_keys"`
	Queue     QueueConfig              `mapstructure:"queue"`
	Database  DatabaseConfig           `mapstructure:"database"`
	Snapshots SnapshotConfig           `mapstructure:"snapshots"`
	Progress  ProgressConfig           `mapstructure:"progress"`
	Tracing   TracingConfig            `mapstructure:"tracing"`
	Sources   []grant.SourceDefinition `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SchedulerConfig bounds job concurrency and retries.
type SchedulerConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
}

// RateLimitConfig holds the global per-source defaults.
type RateLimitConfig struct {
	RequestsPerMinute    int           `mapstructure:"requests_per_minute"`
	DelayBetweenRequests time.Duration `mapstructure:"delay_between_requests"`
	MaxWait              time.Duration `mapstructure:"max_wait"`
}

// BrowserConfig configures the headless browser engine.
type BrowserConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Headless    bool          `mapstructure:"headless"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxParallel int           `mapstructure:"max_parallel"`
}

// StaticConfig configures the static HTTP engine.
type StaticConfig struct {
	FollowRedirects bool          `mapstructure:"follow_redirects"`
	Timeout         time.Duration `mapstructure:"timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// ProxyConfig routes engine traffic through an HTTP proxy.
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// URL returns the proxy address, or "" when disabled.
func (p ProxyConfig) URL() string {
	if !p.Enabled {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// QueueConfig selects the job event backend.
type QueueConfig struct {
	URL string `mapstructure:"url"`
}

// QueueTarget is a parsed queue.url.
type QueueTarget struct {
	Scheme  string
	Project string
	Topic   string
}

// Target parses the queue URL. Supported forms are memory:// and
// pubsub://<project>/<topic>.
func (q QueueConfig) Target() (QueueTarget, error) {
	u, err := url.Parse(q.URL)
	if err != nil {
		return QueueTarget{}, fmt.Errorf("parse queue url: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return QueueTarget{Scheme: "memory", Topic: strings.Trim(u.Host+u.Path, "/")}, nil
	case "pubsub":
		topic := strings.Trim(u.Path, "/")
		if u.Host == "" || topic == "" {
			return QueueTarget{}, errors.New("pubsub queue url needs project and topic")
		}
		return QueueTarget{Scheme: "pubsub", Project: u.Host, Topic: topic}, nil
	default:
		return QueueTarget{}, fmt.Errorf("unsupported queue scheme %q", u.Scheme)
	}
}

// DatabaseConfig controls access to the relational store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SnapshotConfig selects where unparseable pages are archived.
type SnapshotConfig struct {
	URL string `mapstructure:"url"`
}

// SnapshotTarget is a parsed snapshots.url.
type SnapshotTarget struct {
	Scheme string
	Bucket string
	Prefix string
}

// Target parses the snapshot URL. An empty URL disables archiving.
func (s SnapshotConfig) Target() (SnapshotTarget, error) {
	if s.URL == "" {
		return SnapshotTarget{}, nil
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return SnapshotTarget{}, fmt.Errorf("parse snapshots url: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return SnapshotTarget{Scheme: "memory"}, nil
	case "gs":
		if u.Host == "" {
			return SnapshotTarget{}, errors.New("gs snapshots url needs a bucket")
		}
		return SnapshotTarget{Scheme: "gs", Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
	default:
		return SnapshotTarget{}, fmt.Errorf("unsupported snapshots scheme %q", u.Scheme)
	}
}

// ProgressConfig tunes the job event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	BatchMaxEvents int           `mapstructure:"batch_max_events"`
	BatchMaxWait   time.Duration `mapstructure:"batch_max_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from a .env file, the environment and an optional file.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("GRANTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindAPIKeys(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("logging.development", false)
	v.SetDefault("scheduler.max_concurrent_jobs", 4)
	v.SetDefault("scheduler.retry_attempts", 3)
	v.SetDefault("scheduler.tick_interval", "1m")
	v.SetDefault("scheduler.backoff_initial", "2s")
	v.SetDefault("scheduler.backoff_max", "1m")
	v.SetDefault("scheduler.job_timeout", "10m")
	v.SetDefault("scheduler.failure_threshold", 5)
	v.SetDefault("rate_limit.requests_per_minute", 30)
	v.SetDefault("rate_limit.delay_between_requests", "1s")
	v.SetDefault("rate_limit.max_wait", "2m")
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.timeout", "45s")
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("static.follow_redirects", true)
	v.SetDefault("static.timeout", "30s")
	v.SetDefault("static.user_agent", "grant-scout/1.0")
	// AutomaticEnv only resolves keys viper already knows about.
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.host", "")
	v.SetDefault("proxy.port", 0)
	v.SetDefault("queue.url", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("snapshots.url", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_max_events", 100)
	v.SetDefault("progress.batch_max_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("tracing.service_name", "grant-scout")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// bindAPIKeys exposes GRANTS_API_KEYS_<TYPE> for every source type. Unset
// variables leave no entry in the map.
func bindAPIKeys(v *viper.Viper) error {
	for _, typ := range grant.SourceTypes {
		if err := v.BindEnv("api_keys." + string(typ)); err != nil {
			return fmt.Errorf("bind api key env for %s: %w", typ, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid("server.port", "must be between 1 and 65535")
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return invalid("rate_limit.requests_per_minute", "must be > 0")
	}
	if c.RateLimit.DelayBetweenRequests < 0 {
		return invalid("rate_limit.delay_between_requests", "must be >= 0")
	}
	if c.RateLimit.MaxWait <= 0 {
		return invalid("rate_limit.max_wait", "must be > 0")
	}
	if c.Browser.Enabled {
		if c.Browser.Timeout <= 0 {
			return invalid("browser.timeout", "must be > 0")
		}
		if c.Browser.MaxParallel < 0 {
			return invalid("browser.max_parallel", "must be >= 0")
		}
	}
	if c.Static.Timeout <= 0 {
		return invalid("static.timeout", "must be > 0")
	}
	if strings.TrimSpace(c.Static.UserAgent) == "" {
		return invalid("static.user_agent", "must be set")
	}
	if c.Proxy.Enabled {
		if strings.TrimSpace(c.Proxy.Host) == "" {
			return invalid("proxy.host", "must be set when proxy is enabled")
		}
		if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
			return invalid("proxy.port", "must be set when proxy is enabled")
		}
	}
	if strings.TrimSpace(c.Queue.URL) == "" {
		return invalid("queue.url", "must be set")
	}
	if _, err := c.Queue.Target(); err != nil {
		return invalid("queue.url", err.Error())
	}
	if _, err := c.Snapshots.Target(); err != nil {
		return invalid("snapshots.url", err.Error())
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return invalid("tracing.sample_ratio", "must be between 0 and 1")
	}
	return nil
}

func (s SchedulerConfig) validate() error {
	switch {
	case s.MaxConcurrentJobs <= 0:
		return invalid("scheduler.max_concurrent_jobs", "must be > 0")
	case s.RetryAttempts < 0:
		return invalid("scheduler.retry_attempts", "must be >= 0")
	case s.TickInterval <= 0:
		return invalid("scheduler.tick_interval", "must be > 0")
	case s.BackoffInitial <= 0:
		return invalid("scheduler.backoff_initial", "must be > 0")
	case s.BackoffMax < s.BackoffInitial:
		return invalid("scheduler.backoff_max", "must be >= scheduler.backoff_initial")
	case s.JobTimeout <= 0:
		return invalid("scheduler.job_timeout", "must be > 0")
	case s.FailureThreshold <= 0:
		return invalid("scheduler.failure_threshold", "must be > 0")
	}
	return nil
}

func invalid(key, reason string) error {
	return &grant.ConfigError{Key: key, Reason: reason}
}
