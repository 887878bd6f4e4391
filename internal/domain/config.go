package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Detection pipeline settings
	Detection DetectionConfig `json:"detection"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// NotifyThreshold controls when findings for a severity reach the sink:
// immediately, or once a receipt accumulates BatchSize findings.
type NotifyThreshold struct {
	Immediate bool `json:"immediate"`
	BatchSize int  `json:"batchSize"`
}

// DetectionConfig holds run-wide detection settings.
type DetectionConfig struct {
	// MinConfidence is the run-wide cutoff; findings below it are discarded.
	MinConfidence float64 `json:"minConfidence"`

	// LookbackDays bounds the historical window used for baselines.
	LookbackDays int `json:"lookbackDays"`

	// HistoryCap is the hard cap on historical receipts per context.
	HistoryCap int `json:"historyCap"`

	// BatchSize is the candidate-selection page size per run.
	BatchSize int `json:"batchSize"`

	// RuleTimeout bounds a single rule execution; exceeding it is treated
	// as a rule execution error, not a stalled batch.
	RuleTimeout time.Duration `json:"ruleTimeout"`

	// NotifyThresholds maps severity to its notification policy.
	NotifyThresholds map[Severity]NotifyThreshold `json:"notifyThresholds"`

	// EnableNotifications gates the sink entirely.
	EnableNotifications bool `json:"enableNotifications"`

	// Schedule settings for the recurring fast path.
	ScheduleEnabled  bool          `json:"scheduleEnabled"`
	ScheduleInterval time.Duration `json:"scheduleInterval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
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

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultNotifyThresholds returns the stock notification policy:
// critical and high findings notify immediately, medium and low batch up.
func DefaultNotifyThresholds() map[Severity]NotifyThreshold {
	return map[Severity]NotifyThreshold{
		SeverityCritical: {Immediate: true, BatchSize: 1},
		SeverityHigh:     {Immediate: true, BatchSize: 1},
		SeverityMedium:   {Immediate: false, BatchSize: 5},
		SeverityLow:      {Immediate: false, BatchSize: 10},
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			RecordTTL:    5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Detection: DetectionConfig{
			MinConfidence:       0,
			LookbackDays:        90,
			HistoryCap:          200,
			BatchSize:           100,
			RuleTimeout:         5 * time.Second,
			NotifyThresholds:    DefaultNotifyThresholds(),
			EnableNotifications: true,
			ScheduleEnabled:     false,
			ScheduleInterval:    time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
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
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
		RecordTTL:      5 * time.Minute,
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
