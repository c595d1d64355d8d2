package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/datalab/medsync/pkg/faults"
)

// ErrConfig is the root of all configuration failures; treated as Persistent
var ErrConfig = faults.Sentinel(faults.Persistent, "invalid configuration")

// AuthMethod selects how the source warehouse authenticates
type AuthMethod string

const (
	AuthPassword        AuthMethod = "password"
	AuthExternalBrowser AuthMethod = "externalbrowser"
	AuthOAuth           AuthMethod = "oauth"
)

// BudgetPolicy decides what happens once the AI cost threshold is exceeded
type BudgetPolicy string

const (
	// BudgetHardGate fails subsequent AI calls with AIBudgetExceeded
	BudgetHardGate BudgetPolicy = "hard_gate"
	// BudgetSoftDegrade skips enrichment and lets the ETL continue
	BudgetSoftDegrade BudgetPolicy = "soft_degrade"
)

// Source holds the warehouse connection settings
type Source struct {
	Account       string     `yaml:"account" validate:"required"`
	User          string     `yaml:"user" validate:"required"`
	Password      string     `yaml:"password"`
	Token         string     `yaml:"token"`
	Authenticator AuthMethod `yaml:"authenticator" validate:"oneof=password externalbrowser oauth"`
	Warehouse     string     `yaml:"warehouse" validate:"required"`
	Database      string     `yaml:"database" validate:"required"`
	Schema        string     `yaml:"schema" validate:"required"`
	Role          string     `yaml:"role"`
}

// Sink holds the operational store connection settings
type Sink struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password" validate:"required"`
	Database string `yaml:"database" validate:"required"`
	PoolSize int    `yaml:"pool_size" validate:"min=1"`
}

// DSN renders the pgx connection string
func (s Sink) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s pool_max_conns=%d",
		s.Host, s.Port, s.User, s.Password, s.Database, s.PoolSize)
}

// ETL holds the pipeline tuning knobs
type ETL struct {
	BatchSize         int      `yaml:"batch_size" validate:"min=1"`
	MaxRetries        int      `yaml:"max_retries" validate:"min=0"`
	RetryDelaySeconds int      `yaml:"retry_delay_seconds" validate:"min=1"`
	WatermarkTable    string   `yaml:"watermark_table" validate:"required"`
	Tables            []string `yaml:"tables" validate:"min=1"`
	RunSLOSeconds     int      `yaml:"run_slo_seconds"`
}

// RetryPolicy derives the retry policy used at every fallible boundary
func (e ETL) RetryPolicy() faults.RetryPolicy {
	return faults.RetryPolicy{
		MaxRetries:   e.MaxRetries,
		InitialDelay: time.Duration(e.RetryDelaySeconds) * time.Second,
		MaxDelay:     60 * time.Second,
		Jitter:       0.2,
	}
}

// Backfill holds the parallelism envelope for historical runs
type Backfill struct {
	EnableParallel     bool `yaml:"enable_parallel"`
	MaxWorkers         int  `yaml:"max_workers" validate:"min=1"`
	ConnectionPoolSize int  `yaml:"connection_pool_size" validate:"min=1"`
	MaxMemoryMB        int  `yaml:"max_memory_mb" validate:"min=16"`
}

// AI holds the enrichment endpoint settings and spend controls
type AI struct {
	Endpoint         string       `yaml:"endpoint" validate:"required"`
	APIKey           string       `yaml:"api_key"`
	ChatDeployment   string       `yaml:"chat_deployment" validate:"required"`
	EmbedDeployment  string       `yaml:"embed_deployment" validate:"required"`
	APIVersion       string       `yaml:"api_version"`
	ModelVersion     string       `yaml:"model_version" validate:"required"`
	RateLimitRPS     float64      `yaml:"rate_limit_rps" validate:"gt=0"`
	TimeoutMS        int          `yaml:"timeout_ms" validate:"min=1"`
	CostAlertUSD     float64      `yaml:"cost_alert_usd" validate:"gt=0"`
	BudgetPolicy     BudgetPolicy `yaml:"budget_policy" validate:"oneof=hard_gate soft_degrade"`
	EnablePrometheus bool         `yaml:"enable_prometheus"`
	MaxInFlight      int          `yaml:"max_in_flight" validate:"min=1"`
	CacheEntries     int          `yaml:"cache_entries" validate:"min=1"`
	CacheFile        string       `yaml:"cache_file"`
}

// Timeout returns the per-call deadline
func (a AI) Timeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// Log holds logging settings
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the immutable configuration bundle for one process
type Config struct {
	Source   Source   `yaml:"source"`
	Sink     Sink     `yaml:"sink"`
	ETL      ETL      `yaml:"etl"`
	Backfill Backfill `yaml:"backfill"`
	AI       AI       `yaml:"ai"`
	Log      Log      `yaml:"log"`
}

// Default returns the configuration with all tuning knobs at their defaults.
// Connection settings stay empty and must come from the environment or file.
func Default() *Config {
	return &Config{
		Source: Source{
			Authenticator: AuthPassword,
		},
		Sink: Sink{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "datalab",
			PoolSize: 10,
		},
		ETL: ETL{
			BatchSize:         1000,
			MaxRetries:        3,
			RetryDelaySeconds: 5,
			WatermarkTable:    "etl_metadata",
			Tables:            []string{"notification_text"},
			RunSLOSeconds:     3600,
		},
		Backfill: Backfill{
			EnableParallel:     true,
			MaxWorkers:         4,
			ConnectionPoolSize: 10,
			MaxMemoryMB:        512,
		},
		AI: AI{
			APIVersion:   "2024-02-01",
			ModelVersion: "gpt-4o-2024-08-06",
			RateLimitRPS: 10,
			TimeoutMS:    30000,
			CostAlertUSD: 10,
			BudgetPolicy: BudgetHardGate,
			MaxInFlight:  8,
			CacheEntries: 10000,
		},
		Log: Log{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load assembles the bundle: defaults, then the optional YAML file, then
// environment overrides, then validation. It fails fast with ErrConfig.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat("medsync.yaml"); err == nil {
			path = "medsync.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error

	setStr(&c.Source.Account, "SNOWFLAKE_ACCOUNT")
	setStr(&c.Source.User, "SNOWFLAKE_USER")
	setStr(&c.Source.Password, "SNOWFLAKE_PASSWORD")
	setStr(&c.Source.Token, "SNOWFLAKE_TOKEN")
	setStr((*string)(&c.Source.Authenticator), "SNOWFLAKE_AUTHENTICATOR")
	setStr(&c.Source.Warehouse, "SNOWFLAKE_WAREHOUSE")
	setStr(&c.Source.Database, "SNOWFLAKE_DATABASE")
	setStr(&c.Source.Schema, "SNOWFLAKE_SCHEMA")
	setStr(&c.Source.Role, "SNOWFLAKE_ROLE")

	setStr(&c.Sink.Host, "POSTGRES_HOST")
	err = firstErr(err, setInt(&c.Sink.Port, "POSTGRES_PORT"))
	setStr(&c.Sink.User, "POSTGRES_USER")
	setStr(&c.Sink.Password, "POSTGRES_PASSWORD")
	setStr(&c.Sink.Database, "POSTGRES_DATABASE")
	err = firstErr(err, setInt(&c.Sink.PoolSize, "POSTGRES_POOL_SIZE"))

	err = firstErr(err, setInt(&c.ETL.BatchSize, "ETL_BATCH_SIZE"))
	err = firstErr(err, setInt(&c.ETL.MaxRetries, "ETL_MAX_RETRIES"))
	err = firstErr(err, setInt(&c.ETL.RetryDelaySeconds, "ETL_RETRY_DELAY_SECONDS"))
	setStr(&c.ETL.WatermarkTable, "ETL_WATERMARK_TABLE")
	if v := os.Getenv("ETL_TABLES"); v != "" {
		c.ETL.Tables = splitCSV(v)
	}
	err = firstErr(err, setInt(&c.ETL.RunSLOSeconds, "ETL_RUN_SLO_SECONDS"))

	err = firstErr(err, setBool(&c.Backfill.EnableParallel, "BACKFILL_ENABLE_PARALLEL"))
	err = firstErr(err, setInt(&c.Backfill.MaxWorkers, "BACKFILL_MAX_WORKERS"))
	err = firstErr(err, setInt(&c.Backfill.ConnectionPoolSize, "BACKFILL_CONNECTION_POOL_SIZE"))
	err = firstErr(err, setInt(&c.Backfill.MaxMemoryMB, "BACKFILL_MAX_MEMORY_MB"))

	setStr(&c.AI.Endpoint, "AZURE_OPENAI_ENDPOINT")
	setStr(&c.AI.APIKey, "AZURE_OPENAI_API_KEY")
	setStr(&c.AI.ChatDeployment, "AZURE_OPENAI_DEPLOYMENT")
	setStr(&c.AI.EmbedDeployment, "AZURE_OPENAI_EMBEDDING_DEPLOYMENT")
	setStr(&c.AI.APIVersion, "AZURE_OPENAI_API_VERSION")
	setStr(&c.AI.ModelVersion, "AI_MODEL_VERSION")
	err = firstErr(err, setFloat(&c.AI.RateLimitRPS, "AI_RATE_LIMIT_RPS"))
	err = firstErr(err, setInt(&c.AI.TimeoutMS, "AI_TIMEOUT_MS"))
	err = firstErr(err, setFloat(&c.AI.CostAlertUSD, "AI_COST_ALERT_USD"))
	setStr((*string)(&c.AI.BudgetPolicy), "AI_BUDGET_POLICY")
	err = firstErr(err, setBool(&c.AI.EnablePrometheus, "AI_ENABLE_PROMETHEUS"))
	err = firstErr(err, setInt(&c.AI.MaxInFlight, "AI_MAX_IN_FLIGHT"))
	err = firstErr(err, setInt(&c.AI.CacheEntries, "AI_CACHE_ENTRIES"))
	setStr(&c.AI.CacheFile, "AI_CACHE_FILE")

	setStr(&c.Log.Level, "LOG_LEVEL")
	err = firstErr(err, setBool(&c.Log.JSON, "LOG_JSON"))

	return err
}

// Validate applies struct tags plus the cross-field rules the tags cannot
// express
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	switch c.Source.Authenticator {
	case AuthPassword:
		if c.Source.Password == "" {
			return fmt.Errorf("%w: authenticator %q requires SNOWFLAKE_PASSWORD", ErrConfig, c.Source.Authenticator)
		}
	case AuthOAuth:
		if c.Source.Token == "" {
			return fmt.Errorf("%w: authenticator %q requires SNOWFLAKE_TOKEN", ErrConfig, c.Source.Authenticator)
		}
	case AuthExternalBrowser:
		// Interactive SSO, no stored credential.
	}

	if c.AI.APIKey == "" {
		return fmt.Errorf("%w: AZURE_OPENAI_API_KEY must be set", ErrConfig)
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not numeric", ErrConfig, key, v)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not numeric", ErrConfig, key, v)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a boolean", ErrConfig, key, v)
	}
	*dst = b
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
