// Package config builds the immutable process configuration from the
// environment, an optional .env file and an optional YAML rules file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Mode names.
const (
	ModeSingle  = "single"
	ModeCluster = "cluster"
)

// Load reads configuration for the process. A .env file in the working
// directory (or MERLIN_ENV_FILE) is applied first when present. The
// returned config has passed validation.
func Load() (*domain.Config, error) {
	envFile := getEnv("MERLIN_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv("MERLIN_MODE"), ModeCluster) {
		cfg = domain.ClusterConfig()
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if path := os.Getenv("MERLIN_RULES_FILE"); path != "" {
		if err := LoadRulesFile(path, &cfg.Detection); err != nil {
			return nil, err
		}
	}

	if err := applyDetectionEnv(&cfg.Detection); err != nil {
		return nil, err
	}

	if err := cfg.Detection.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config) error {
	e := &envReader{}

	cfg.Server.Host = getEnv("MERLIN_HOST", cfg.Server.Host)
	cfg.Server.Port = e.int("MERLIN_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = e.int("MERLIN_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = e.int("MERLIN_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.MaxBodyBytes = int64(e.int("MERLIN_MAX_BODY_BYTES", int(cfg.Server.MaxBodyBytes)))
	if v := os.Getenv("MERLIN_CORS_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, origin)
			}
		}
	}

	cfg.Repository.Driver = getEnv("MERLIN_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("MERLIN_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("MERLIN_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = e.int("MERLIN_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("MERLIN_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("MERLIN_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("MERLIN_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("MERLIN_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)
	cfg.Repository.MaxOpenConns = e.int("MERLIN_DB_MAX_OPEN_CONNS", cfg.Repository.MaxOpenConns)

	cfg.Cache.Type = getEnv("MERLIN_CACHE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = getEnv("MERLIN_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("MERLIN_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = e.int("MERLIN_REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.EnableTwoPhase = e.bool("MERLIN_CACHE_TWO_PHASE", cfg.Cache.EnableTwoPhase)

	cfg.EventBus.Type = getEnv("MERLIN_BUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("MERLIN_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("MERLIN_NATS_TOKEN", cfg.EventBus.NATSToken)

	cfg.Worker.Enabled = e.bool("MERLIN_ASYNC_WORKER", cfg.Worker.Enabled)
	cfg.Worker.BatchConcurrency = e.int("MERLIN_BATCH_CONCURRENCY", cfg.Worker.BatchConcurrency)
	cfg.Worker.RuleConcurrency = e.int("MERLIN_RULE_CONCURRENCY", cfg.Worker.RuleConcurrency)

	cfg.Logging.Level = getEnv("MERLIN_LOG_LEVEL", cfg.Logging.Level)
	if e.bool("MERLIN_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Enabled = e.bool("MERLIN_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = getEnv("OTEL_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)

	return e.err
}

// applyDetectionEnv applies the flat rule threshold variables.
func applyDetectionEnv(d *domain.DetectionConfig) error {
	e := &envReader{}

	if os.Getenv("VELOCITY_WINDOW_MINUTES") != "" {
		d.VelocityWindow = time.Duration(e.int("VELOCITY_WINDOW_MINUTES", 0)) * time.Minute
	}
	d.VelocityMaxTransactions = e.int("VELOCITY_MAX_TRANSACTIONS", d.VelocityMaxTransactions)
	if os.Getenv("DECLINE_WINDOW_HOURS") != "" {
		d.DeclineWindow = time.Duration(e.int("DECLINE_WINDOW_HOURS", 0)) * time.Hour
	}
	d.DeclineMinCount = e.int("DECLINE_MIN_COUNT", d.DeclineMinCount)
	d.UnusualQuantityThreshold = e.int("UNUSUAL_QUANTITY_THRESHOLD", d.UnusualQuantityThreshold)
	d.AlertThreshold = e.int("RISK_SCORE_THRESHOLD", d.AlertThreshold)

	if v := os.Getenv("HIGH_VALUE_THRESHOLD"); v != "" {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return &domain.ConfigurationError{Option: "high_value_threshold", Reason: "must be a decimal amount"}
		}
		d.HighValueThreshold = amount
	}
	if v := os.Getenv("MONITORED_CATEGORIES"); v != "" {
		categories, err := normalizeCategories(strings.Split(v, ","))
		if err != nil {
			return err
		}
		d.MonitoredCategories = categories
	}

	return e.err
}

// rulesFile is the YAML layout of the rules file. Absent keys keep their
// current value.
type rulesFile struct {
	VelocityWindowMinutes    *int                `yaml:"velocity_window_minutes"`
	VelocityMaxTransactions  *int                `yaml:"velocity_max_transactions"`
	DeclineWindowHours       *int                `yaml:"decline_window_hours"`
	DeclineMinCount          *int                `yaml:"decline_min_count"`
	HighValueThreshold       *string             `yaml:"high_value_threshold"`
	UnusualQuantityThreshold *int                `yaml:"unusual_quantity_threshold"`
	MonitoredCategories      []string            `yaml:"monitored_categories"`
	RuleWeights              map[string]int      `yaml:"rule_weights"`
	AlertScoreThreshold      *int                `yaml:"alert_score_threshold"`
	CustomRules              []domain.CustomRule `yaml:"custom_rules"`
}

// LoadRulesFile merges the YAML rules file at path into d.
func LoadRulesFile(path string, d *domain.DetectionConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data, d)
}

// ParseRules merges YAML rule settings into d.
func ParseRules(data []byte, d *domain.DetectionConfig) error {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return &domain.ConfigurationError{Option: "rules_file", Reason: err.Error()}
	}

	if f.VelocityWindowMinutes != nil {
		d.VelocityWindow = time.Duration(*f.VelocityWindowMinutes) * time.Minute
	}
	if f.VelocityMaxTransactions != nil {
		d.VelocityMaxTransactions = *f.VelocityMaxTransactions
	}
	if f.DeclineWindowHours != nil {
		d.DeclineWindow = time.Duration(*f.DeclineWindowHours) * time.Hour
	}
	if f.DeclineMinCount != nil {
		d.DeclineMinCount = *f.DeclineMinCount
	}
	if f.HighValueThreshold != nil {
		amount, err := decimal.NewFromString(*f.HighValueThreshold)
		if err != nil {
			return &domain.ConfigurationError{Option: "high_value_threshold", Reason: "must be a decimal amount"}
		}
		d.HighValueThreshold = amount
	}
	if f.UnusualQuantityThreshold != nil {
		d.UnusualQuantityThreshold = *f.UnusualQuantityThreshold
	}
	if f.MonitoredCategories != nil {
		categories, err := normalizeCategories(f.MonitoredCategories)
		if err != nil {
			return err
		}
		d.MonitoredCategories = categories
	}
	if len(f.RuleWeights) > 0 {
		weights := make(map[domain.Label]int, len(d.Weights)+len(f.RuleWeights))
		for label, w := range d.Weights {
			weights[label] = w
		}
		for label, w := range f.RuleWeights {
			weights[domain.Label(strings.ToUpper(strings.TrimSpace(label)))] = w
		}
		d.Weights = weights
	}
	if f.AlertScoreThreshold != nil {
		d.AlertThreshold = *f.AlertScoreThreshold
	}
	if f.CustomRules != nil {
		d.CustomRules = f.CustomRules
	}
	return nil
}

// normalizeCategories trims and upper-cases each entry. A blank entry is a
// configuration error rather than being skipped.
func normalizeCategories(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for i, c := range in {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			return nil, &domain.ConfigurationError{
				Option: "monitored_categories",
				Reason: fmt.Sprintf("entry %d is empty", i),
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed variables and keeps the first parse failure.
type envReader struct {
	err error
}

func (e *envReader) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		e.fail(key, "must be an integer")
		return defaultValue
	}
	return i
}

func (e *envReader) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		e.fail(key, "must be a boolean")
		return defaultValue
	}
	return b
}

func (e *envReader) fail(key, reason string) {
	if e.err == nil {
		e.err = &domain.ConfigurationError{Option: key, Reason: reason}
	}
}
