package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete Merlin configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Detection drives rule evaluation and scoring
	Detection DetectionConfig `json:"detection"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Worker     WorkerConfig     `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// AllowedOrigins lists CORS origins; empty allows any origin.
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `json:"maxBodyBytes"`
}

// WorkerConfig holds asynchronous evaluation settings.
type WorkerConfig struct {
	// Enabled starts the bus consumer for ingested transactions.
	Enabled bool `json:"enabled"`

	// BatchConcurrency bounds concurrent email groups in a batch.
	BatchConcurrency int `json:"batchConcurrency"`

	// RuleConcurrency bounds concurrent predicates per evaluation.
	RuleConcurrency int `json:"ruleConcurrency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings. Endpoint is an OTLP/gRPC
// collector host:port or URL; empty means localhost:4317.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"`
}

// DetectionConfig is the immutable rule and scoring configuration. It is
// built once per process and passed explicitly to the evaluator and scorer.
type DetectionConfig struct {
	VelocityWindow           time.Duration   `json:"velocityWindow"`
	VelocityMaxTransactions  int             `json:"velocityMaxTransactions"`
	DeclineWindow            time.Duration   `json:"declineWindow"`
	DeclineMinCount          int             `json:"declineMinCount"`
	HighValueThreshold       decimal.Decimal `json:"highValueThreshold"`
	UnusualQuantityThreshold int             `json:"unusualQuantityThreshold"`
	MonitoredCategories      []string        `json:"monitoredCategories"`
	Weights                  map[Label]int   `json:"ruleWeights"`
	AlertThreshold           int             `json:"alertScoreThreshold"`
	CustomRules              []CustomRule    `json:"customRules,omitempty"`
}

// DefaultDetectionConfig returns the stock rule thresholds and weights.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		VelocityWindow:           10 * time.Minute,
		VelocityMaxTransactions:  3,
		DeclineWindow:            time.Hour,
		DeclineMinCount:          3,
		HighValueThreshold:       decimal.NewFromInt(1000),
		UnusualQuantityThreshold: 5,
		MonitoredCategories:      []string{"LAPTOP", "SMARTPHONE", "CAMERA"},
		Weights: map[Label]int{
			LabelVelocity:               30,
			LabelHighValueFirstPurchase: 35,
			LabelGeographicMismatch:     20,
			LabelMultipleDeclines:       25,
			LabelUnusualQuantity:        15,
		},
		AlertThreshold: 20,
	}
}

// Monitored reports whether category is in the monitored set. Both sides are
// expected to be normalized.
func (c DetectionConfig) Monitored(category string) bool {
	for _, m := range c.MonitoredCategories {
		if m == category {
			return true
		}
	}
	return false
}

// Weight returns the configured weight for label, or 0 when unknown.
func (c DetectionConfig) Weight(label Label) int {
	if w, ok := c.Weights[label]; ok {
		return w
	}
	for _, r := range c.CustomRules {
		if r.Label == label {
			return r.Weight
		}
	}
	return 0
}

// Validate checks every recognized option. A nil return means the config is
// safe to evaluate transactions with.
func (c DetectionConfig) Validate() error {
	switch {
	case c.VelocityWindow <= 0:
		return &ConfigurationError{Option: "velocity_window_minutes", Reason: "must be > 0"}
	case c.VelocityMaxTransactions < 0:
		return &ConfigurationError{Option: "velocity_max_transactions", Reason: "must be >= 0"}
	case c.DeclineWindow <= 0:
		return &ConfigurationError{Option: "decline_window_hours", Reason: "must be > 0"}
	case c.DeclineMinCount < 1:
		return &ConfigurationError{Option: "decline_min_count", Reason: "must be >= 1"}
	case c.HighValueThreshold.IsNegative():
		return &ConfigurationError{Option: "high_value_threshold", Reason: "must be >= 0"}
	case c.UnusualQuantityThreshold < 0:
		return &ConfigurationError{Option: "unusual_quantity_threshold", Reason: "must be >= 0"}
	case c.AlertThreshold < 0 || c.AlertThreshold > 100:
		return &ConfigurationError{Option: "alert_score_threshold", Reason: "must be in [0,100]"}
	}

	for _, cat := range c.MonitoredCategories {
		if cat == "" {
			return &ConfigurationError{Option: "monitored_categories", Reason: "contains an empty category"}
		}
		if cat != strings.ToUpper(strings.TrimSpace(cat)) {
			return &ConfigurationError{Option: "monitored_categories", Reason: fmt.Sprintf("category %q must be trimmed upper case", cat)}
		}
	}

	for _, label := range BuiltinLabels {
		w, ok := c.Weights[label]
		if !ok {
			return &ConfigurationError{Option: "rule_weights", Reason: fmt.Sprintf("missing weight for %s", label)}
		}
		if w <= 0 {
			return &ConfigurationError{Option: "rule_weights", Reason: fmt.Sprintf("weight for %s must be > 0", label)}
		}
	}
	for label := range c.Weights {
		if !label.IsBuiltin() {
			return &ConfigurationError{Option: "rule_weights", Reason: fmt.Sprintf("unknown label %s", label)}
		}
	}

	seen := make(map[Label]bool, len(c.CustomRules))
	for _, r := range c.CustomRules {
		switch {
		case r.Label == "":
			return &ConfigurationError{Option: "custom_rules", Reason: "rule label is required"}
		case r.Label.IsBuiltin() || seen[r.Label]:
			return &ConfigurationError{Option: "custom_rules", Reason: fmt.Sprintf("duplicate label %s", r.Label)}
		case r.Expression == "":
			return &ConfigurationError{Option: "custom_rules", Reason: fmt.Sprintf("%s has no expression", r.Label)}
		case r.Weight <= 0:
			return &ConfigurationError{Option: "custom_rules", Reason: fmt.Sprintf("weight for %s must be > 0", r.Label)}
		}
		seen[r.Label] = true
	}
	return nil
}

// DefaultConfig returns a default single-node configuration:
// SQLite, in-memory cache and the channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			MaxBodyBytes: 8 << 20,
		},
		Detection: DefaultDetectionConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./merlin.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			BatchConcurrency: 10,
			RuleConcurrency:  10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "merlin",
		},
	}
}

// ClusterConfig returns a configuration for multi-instance deployments:
// PostgreSQL, Redis and NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "merlin",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
