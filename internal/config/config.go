// Package config provides configuration management for the biosecurity triage service.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// EnvPrefix is the prefix for every environment override, e.g. TRIAGE_QUEUE_POLL_INTERVAL.
const EnvPrefix = "TRIAGE"

// Supported LLM providers.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
)

// weightTolerance bounds how far the dimension weights may drift from summing to one.
const weightTolerance = 1e-9

// Config holds all configuration for the triage service.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Assessment   AssessmentConfig   `mapstructure:"assessment"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Broadcast    BroadcastConfig    `mapstructure:"broadcast"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	PaperSources PaperSourcesConfig `mapstructure:"paper_sources"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the API server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// MetricsPort is the metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing a response. The event
	// stream clears it per connection.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxBodyBytes caps request bodies (default: 1MB).
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	User string `mapstructure:"user"`
	// Password is loaded from TRIAGE_DATABASE_PASSWORD only.
	Password string `mapstructure:"-"`
	Name     string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 10).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 2).
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is the path to migration files (relative or absolute).
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun applies pending migrations on server startup.
	MigrationAutoRun       bool `mapstructure:"migration_auto_run"`
	StatementCacheCapacity int  `mapstructure:"statement_cache_capacity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr).
	Output     string `mapstructure:"output"`
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for the metrics endpoint.
	Path string `mapstructure:"path"`
	// Namespace prefixes every metric name.
	Namespace string `mapstructure:"namespace"`
}

// LLMConfig holds model gateway configuration.
type LLMConfig struct {
	// Provider is one of anthropic, openai or openrouter.
	Provider string `mapstructure:"provider"`
	// Timeout bounds each HTTP call to the provider.
	Timeout time.Duration `mapstructure:"timeout"`
	// Temperature is sent with every request.
	Temperature float64 `mapstructure:"temperature"`
	// MaxTokens caps completion length.
	MaxTokens  int              `mapstructure:"max_tokens"`
	Anthropic  ProviderConfig   `mapstructure:"anthropic"`
	OpenAI     ProviderConfig   `mapstructure:"openai"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter"`
}

// ProviderConfig holds settings for one model provider.
type ProviderConfig struct {
	// APIKey is loaded from the provider's environment variable only.
	APIKey  string `mapstructure:"-"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// OpenRouterConfig adds the attribution headers OpenRouter asks for.
type OpenRouterConfig struct {
	ProviderConfig `mapstructure:",squash"`
	Referer        string `mapstructure:"referer"`
	Title          string `mapstructure:"title"`
}

// AssessmentConfig holds risk scoring configuration.
type AssessmentConfig struct {
	// FlagThreshold is the overall score at or above which a paper is flagged.
	FlagThreshold float64 `mapstructure:"flag_threshold"`
	// FullTextLimit caps the full-text excerpt placed in the prompt, in characters.
	FullTextLimit int `mapstructure:"full_text_limit"`
	// AutoResearchFacilities extracts facilities from the abstract before scoring.
	AutoResearchFacilities bool          `mapstructure:"auto_research_facilities"`
	Weights                WeightsConfig `mapstructure:"weights"`
}

// WeightsConfig holds the contribution of each dimension to the overall score.
type WeightsConfig struct {
	Pathogen    float64 `mapstructure:"pathogen"`
	GOF         float64 `mapstructure:"gof"`
	Containment float64 `mapstructure:"containment"`
	DualUse     float64 `mapstructure:"dual_use"`
}

// Sum returns the total of all weights.
func (w WeightsConfig) Sum() float64 {
	return w.Pathogen + w.GOF + w.Containment + w.DualUse
}

// QueueConfig holds worker configuration.
type QueueConfig struct {
	// PollInterval is how long the idle worker waits before checking again.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// StaleAfter is the age past which a processing item is swept on startup.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// JobTimeout bounds each assessment. Zero means no deadline.
	JobTimeout time.Duration `mapstructure:"job_timeout"`
	// Listen subscribes the worker to Postgres enqueue notifications.
	Listen bool `mapstructure:"listen"`
	// EmbeddedWorker runs the worker inside the API process.
	EmbeddedWorker bool `mapstructure:"embedded_worker"`
}

// BroadcastConfig holds event fan-out configuration.
type BroadcastConfig struct {
	// SubscriberBuffer is the per-subscriber event buffer.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	// Heartbeat is the idle interval after which stream clients receive a heartbeat.
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// KafkaConfig holds Kafka settings for the event mirror and the request listener.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	// RequestTopic carries inbound assessment requests.
	RequestTopic string `mapstructure:"request_topic"`
	// EventsTopic receives mirrored queue events.
	EventsTopic string `mapstructure:"events_topic"`
	// GroupID is the consumer group of the request listener.
	GroupID      string        `mapstructure:"group_id"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// SchedulerConfig holds the periodic source scan settings.
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ScanSpec is a robfig/cron spec, e.g. "@every 24h" or "0 3 * * *".
	ScanSpec string `mapstructure:"scan_spec"`
	// Query is the search sent to every source.
	Query string `mapstructure:"query"`
	// DaysBack limits results to papers published in this window.
	DaysBack int `mapstructure:"days_back"`
	// MaxEnqueue caps how many unassessed papers one run enqueues.
	MaxEnqueue int `mapstructure:"max_enqueue"`
}

// PaperSourcesConfig holds configuration for all paper source APIs.
type PaperSourcesConfig struct {
	ArXiv PaperSourceConfig `mapstructure:"arxiv"`
	// BioRxiv covers bioRxiv and medRxiv preprints through Europe PMC.
	BioRxiv PaperSourceConfig `mapstructure:"biorxiv"`
	PubMed  PaperSourceConfig `mapstructure:"pubmed"`
}

// PaperSourceConfig holds configuration for a single paper source API.
type PaperSourceConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	// MaxResults is the maximum results per scan.
	MaxResults int `mapstructure:"max_results"`
	// APIKey is loaded from the environment. Only PubMed reads it.
	APIKey string `mapstructure:"-"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	if c.StatementCacheCapacity > 0 {
		params.Set("statement_cache_capacity", fmt.Sprintf("%d", c.StatementCacheCapacity))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the API server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// MetricsAddress returns the metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// Load loads configuration from defaults, an optional config.yaml and the environment.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/biosecurity-triage")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields from the environment. The fields are
// tagged mapstructure:"-" so a config file can never carry them.
func loadSecrets(cfg *Config) {
	cfg.Database.Password = os.Getenv(EnvPrefix + "_DATABASE_PASSWORD")
	cfg.LLM.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.LLM.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	cfg.LLM.OpenRouter.APIKey = os.Getenv("OPENROUTER_API_KEY")
	cfg.PaperSources.PubMed.APIKey = os.Getenv("NCBI_API_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "triage")
	v.SetDefault("database.name", "biosecurity_triage")
	// Use TRIAGE_DATABASE_SSL_MODE=disable for local development.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)
	v.SetDefault("database.statement_cache_capacity", 512)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "biosecurity_triage")

	v.SetDefault("llm.provider", ProviderAnthropic)
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("llm.anthropic.base_url", "https://api.anthropic.com")
	v.SetDefault("llm.openai.model", "gpt-4o")
	v.SetDefault("llm.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.openrouter.model", "anthropic/claude-sonnet-4.5")
	v.SetDefault("llm.openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.openrouter.referer", "")
	v.SetDefault("llm.openrouter.title", "biosecurity-triage")

	v.SetDefault("assessment.flag_threshold", 70.0)
	v.SetDefault("assessment.full_text_limit", 15000)
	v.SetDefault("assessment.auto_research_facilities", true)
	v.SetDefault("assessment.weights.pathogen", 0.30)
	v.SetDefault("assessment.weights.gof", 0.35)
	v.SetDefault("assessment.weights.containment", 0.20)
	v.SetDefault("assessment.weights.dual_use", 0.15)

	v.SetDefault("queue.poll_interval", "2s")
	v.SetDefault("queue.stale_after", "30m")
	v.SetDefault("queue.job_timeout", "0s")
	v.SetDefault("queue.listen", true)
	v.SetDefault("queue.embedded_worker", true)

	v.SetDefault("broadcast.subscriber_buffer", 64)
	v.SetDefault("broadcast.heartbeat", "30s")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.request_topic", "triage.assessment-requests")
	v.SetDefault("kafka.events_topic", "triage.queue-events")
	v.SetDefault("kafka.group_id", "biosecurity-triage")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "10ms")

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.scan_spec", "@every 24h")
	v.SetDefault("scheduler.query", "gain of function OR select agent OR enhanced transmissibility OR pathogen")
	v.SetDefault("scheduler.days_back", 7)
	v.SetDefault("scheduler.max_enqueue", 100)

	v.SetDefault("paper_sources.arxiv.enabled", true)
	v.SetDefault("paper_sources.arxiv.base_url", "https://export.arxiv.org/api")
	v.SetDefault("paper_sources.arxiv.timeout", "30s")
	v.SetDefault("paper_sources.arxiv.rate_limit", 0.33) // arXiv asks for one request every three seconds
	v.SetDefault("paper_sources.arxiv.max_results", 100)

	v.SetDefault("paper_sources.biorxiv.enabled", true)
	v.SetDefault("paper_sources.biorxiv.base_url", "https://www.ebi.ac.uk/europepmc/webservices/rest")
	v.SetDefault("paper_sources.biorxiv.timeout", "30s")
	v.SetDefault("paper_sources.biorxiv.rate_limit", 5.0)
	v.SetDefault("paper_sources.biorxiv.max_results", 100)

	v.SetDefault("paper_sources.pubmed.enabled", true)
	v.SetDefault("paper_sources.pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("paper_sources.pubmed.timeout", "30s")
	v.SetDefault("paper_sources.pubmed.rate_limit", 3.0) // keyless E-utilities limit
	v.SetDefault("paper_sources.pubmed.max_results", 100)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}
	if c.Metrics.Enabled && c.Server.MetricsPort == c.Server.HTTPPort {
		return fmt.Errorf("metrics port must differ from HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}
	// One connection is held by LISTEN, one by the worker.
	if c.Queue.Listen && c.Database.MaxConns < 2 {
		return fmt.Errorf("max_conns must be at least 2 when queue.listen is enabled")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch strings.ToLower(c.LLM.Provider) {
	case ProviderAnthropic, ProviderOpenAI, ProviderOpenRouter:
	default:
		return fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider)
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm max_tokens must be positive")
	}

	w := c.Assessment.Weights
	if w.Pathogen < 0 || w.GOF < 0 || w.Containment < 0 || w.DualUse < 0 {
		return fmt.Errorf("assessment weights must be non-negative")
	}
	if math.Abs(w.Sum()-1) > weightTolerance {
		return fmt.Errorf("assessment weights must sum to 1, got %v", w.Sum())
	}
	if c.Assessment.FlagThreshold < 0 || c.Assessment.FlagThreshold > 100 {
		return fmt.Errorf("flag_threshold must be between 0 and 100")
	}
	if c.Assessment.FullTextLimit < 0 {
		return fmt.Errorf("full_text_limit must not be negative")
	}

	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue poll_interval must be positive")
	}
	if c.Queue.StaleAfter < 0 || c.Queue.JobTimeout < 0 {
		return fmt.Errorf("queue durations must not be negative")
	}

	if c.Broadcast.SubscriberBuffer <= 0 {
		return fmt.Errorf("broadcast subscriber_buffer must be positive")
	}
	if c.Broadcast.Heartbeat <= 0 {
		return fmt.Errorf("broadcast heartbeat must be positive")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required when kafka is enabled")
		}
		if c.Kafka.RequestTopic == "" && c.Kafka.EventsTopic == "" {
			return fmt.Errorf("kafka needs a request_topic or an events_topic when enabled")
		}
	}

	if c.Scheduler.Enabled {
		if c.Scheduler.ScanSpec == "" {
			return fmt.Errorf("scheduler scan_spec is required when the scheduler is enabled")
		}
		if c.Scheduler.DaysBack <= 0 {
			return fmt.Errorf("scheduler days_back must be positive")
		}
		if c.Scheduler.MaxEnqueue < 0 {
			return fmt.Errorf("scheduler max_enqueue must not be negative")
		}
	}

	return nil
}
