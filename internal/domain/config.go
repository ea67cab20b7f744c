package domain

import "time"

// Config holds the complete service configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Pipeline behaviour
	Extraction ExtractionConfig `json:"extraction"`
	Suggest    SuggestConfig    `json:"suggest"`
	Worker     WorkerConfig     `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// MaxBodyBytes caps request bodies; 0 means 1 MiB.
	MaxBodyBytes int64 `json:"maxBodyBytes"`
}

// ExtractionConfig tunes the orchestrator and feedback loop.
type ExtractionConfig struct {
	// DefaultThreshold applies to templates created without a threshold.
	DefaultThreshold float64 `json:"defaultThreshold"`

	// SuggestTimeout bounds the strategy-suggestion call for unmatched emails.
	SuggestTimeout time.Duration `json:"suggestTimeout"`

	// AccuracySampleSize is how many past emails the feedback loop re-runs.
	AccuracySampleSize int `json:"accuracySampleSize"`

	// CorrectionWeight is given to strategies supplied with a correction.
	CorrectionWeight float64 `json:"correctionWeight"`

	// MaxWorkers bounds concurrent field extraction per email.
	MaxWorkers int `json:"maxWorkers"`
}

// SuggestConfig configures the LLM strategy-suggestion collaborator.
type SuggestConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"baseUrl"`
	Model   string `json:"model"`
	APIKey  string `json:"apiKey"`

	// Requests per minute and burst for the client-side limiter.
	RatePerMinute float64 `json:"ratePerMinute"`
	Burst         int     `json:"burst"`
	MaxRetries    int     `json:"maxRetries"`

	// Budget caps suggestion calls per tenant per BudgetWindow. 0 disables.
	Budget       int64         `json:"budget"`
	BudgetWindow time.Duration `json:"budgetWindow"`

	// CacheTTL keeps suggestions for identical content.
	CacheTTL time.Duration `json:"cacheTtl"`
}

// WorkerConfig configures the queue consumer.
type WorkerConfig struct {
	Enabled   bool     `json:"enabled"`
	TenantIDs []string `json:"tenantIds"`

	// RetryBaseDelay is the first backoff step for failed emails.
	RetryBaseDelay time.Duration `json:"retryBaseDelay"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process cache.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis.
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			MaxBodyBytes: 1 << 20,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./afp.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			TemplateTTL:  time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Extraction: ExtractionConfig{
			DefaultThreshold:   DefaultConfidenceThreshold,
			SuggestTimeout:     20 * time.Second,
			AccuracySampleSize: 50,
			CorrectionWeight:   0.9,
			MaxWorkers:         5,
		},
		Suggest: SuggestConfig{
			Enabled:       false,
			BaseURL:       "https://api.openai.com/v1",
			Model:         "gpt-4o-mini",
			RatePerMinute: 50,
			Burst:         5,
			MaxRetries:    3,
			Budget:        100,
			BudgetWindow:  time.Hour,
			CacheTTL:      15 * time.Minute,
		},
		Worker: WorkerConfig{
			Enabled:        true,
			RetryBaseDelay: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "afp",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "afp",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		TemplateTTL:    time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
