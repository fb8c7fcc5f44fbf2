package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultPath is the config file read by Load.
const DefaultPath = "config.yaml"

// Storage backends.
const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// LLM providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds all configuration for the ontology engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Badger   BadgerConfig   `yaml:"badger"`
	LLM      LLMConfig      `yaml:"llm"`
	Ontology OntologyConfig `yaml:"ontology"`
	Schedule ScheduleConfig `yaml:"schedule"`
	MCP      MCPConfig      `yaml:"mcp"`
}

// StorageConfig selects where the graphs and the heuristics version pointer live.
type StorageConfig struct {
	// GraphBackend is badger (embedded) or postgres.
	GraphBackend string `yaml:"graph_backend" env:"GRAPH_BACKEND" env-default:"badger"`
	// VersionBackend is badger, postgres or redis.
	VersionBackend string `yaml:"version_backend" env:"VERSION_BACKEND" env-default:"badger"`
	DataGraph      string `yaml:"data_graph" env:"DATA_GRAPH" env-default:"data"`
	OntologyGraph  string `yaml:"ontology_graph" env:"ONTOLOGY_GRAPH" env-default:"ontology"`
	// MigrationsPath is a directory of SQL migrations applied on startup for
	// postgres. Empty uses the migrations built into the binary.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:""`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ontology_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration for the version pointer.
type RedisConfig struct {
	Host      string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port      int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password  string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB        int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX" env-default:""`
}

// BadgerConfig holds embedded store configuration.
type BadgerConfig struct {
	Path              string `yaml:"path" env:"BADGER_PATH" env-default:"data/badger"`
	InMemory          bool   `yaml:"in_memory" env:"BADGER_IN_MEMORY" env-default:"false"`
	SyncWrites        bool   `yaml:"sync_writes" env:"BADGER_SYNC_WRITES" env-default:"true"`
	GCIntervalMinutes int    `yaml:"gc_interval_minutes" env:"BADGER_GC_INTERVAL_MINUTES" env-default:"5"`
}

// LLMConfig configures the model that judges relation candidates.
type LLMConfig struct {
	Provider       string  `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	BaseURL        string  `yaml:"base_url" env:"LLM_BASE_URL" env-default:""`
	Model          string  `yaml:"model" env:"LLM_MODEL" env-default:""`
	APIKey         string  `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML
	Temperature    float64 `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.2"`
	MaxTokens      int     `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"1024"`
	TimeoutSeconds int     `yaml:"timeout_seconds" env:"LLM_TIMEOUT_SECONDS" env-default:"120"`
	MaxRetries     int     `yaml:"max_retries" env:"LLM_MAX_RETRIES" env-default:"3"`
	// JSONMode requests response_format json_object from OpenAI-compatible endpoints.
	JSONMode bool `yaml:"json_mode" env:"LLM_JSON_MODE" env-default:"false"`
	// Circuit breaker: consecutive failures before opening, seconds before a probe.
	BreakerThreshold    int `yaml:"breaker_threshold" env:"LLM_BREAKER_THRESHOLD" env-default:"5"`
	BreakerResetSeconds int `yaml:"breaker_reset_seconds" env:"LLM_BREAKER_RESET_SECONDS" env-default:"30"`
}

// IsConfigured returns true if a judge model is available.
func (c *LLMConfig) IsConfigured() bool {
	return c.Model != ""
}

// OntologyConfig holds the discovery and evaluation tunables.
type OntologyConfig struct {
	AcceptanceThreshold       float64 `yaml:"acceptance_threshold" env:"ONTOLOGY_ACCEPTANCE_THRESHOLD" env-default:"0.75"`
	RejectionThreshold        float64 `yaml:"rejection_threshold" env:"ONTOLOGY_REJECTION_THRESHOLD" env-default:"0.3"`
	CountChangeThresholdRatio float64 `yaml:"count_change_threshold_ratio" env:"ONTOLOGY_COUNT_CHANGE_THRESHOLD_RATIO" env-default:"0.1"`
	MinCountForEval           int     `yaml:"min_count_for_eval" env:"ONTOLOGY_MIN_COUNT_FOR_EVAL" env-default:"1"`
	MaxConcurrentProcessing   int     `yaml:"max_concurrent_processing" env:"ONTOLOGY_MAX_CONCURRENT_PROCESSING" env-default:"8"`
	MaxConcurrentEvaluation   int     `yaml:"max_concurrent_evaluation" env:"ONTOLOGY_MAX_CONCURRENT_EVALUATION" env-default:"4"`
	MaxRelationExamples       int     `yaml:"max_relation_examples" env:"ONTOLOGY_MAX_RELATION_EXAMPLES" env-default:"5"`
	ExampleMatchCap           int     `yaml:"example_match_cap" env:"ONTOLOGY_EXAMPLE_MATCH_CAP" env-default:"10"`
	EntityPageSize            int     `yaml:"entity_page_size" env:"ONTOLOGY_ENTITY_PAGE_SIZE" env-default:"1000"`
	MaxKeyMappings            int     `yaml:"max_key_mappings" env:"ONTOLOGY_MAX_KEY_MAPPINGS" env-default:"64"`
	PropertySampleSize        int     `yaml:"property_sample_size" env:"ONTOLOGY_PROPERTY_SAMPLE_SIZE" env-default:"10"`
	FuzzyBoostWeight          float64 `yaml:"fuzzy_boost_weight" env:"ONTOLOGY_FUZZY_BOOST_WEIGHT" env-default:"10"`
	FuzzyMinSimilarity        float64 `yaml:"fuzzy_min_similarity" env:"ONTOLOGY_FUZZY_MIN_SIMILARITY" env-default:"0.85"`
	LockShards                int     `yaml:"lock_shards" env:"ONTOLOGY_LOCK_SHARDS" env-default:"256"`
	// StoreMaxRetries bounds retries of transient graph store reads during evaluation.
	StoreMaxRetries int `yaml:"store_max_retries" env:"ONTOLOGY_STORE_MAX_RETRIES" env-default:"3"`
}

// ScheduleConfig controls periodic discovery cycles in serve mode.
type ScheduleConfig struct {
	// Cron is a standard five-field cron expression; empty disables scheduling.
	Cron string `yaml:"cron" env:"ONTOLOGY_CYCLE_CRON" env-default:""`
}

// MCPConfig controls the MCP endpoint.
type MCPConfig struct {
	Enabled bool `yaml:"enabled" env:"MCP_ENABLED" env-default:"true"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFrom(DefaultPath, version)
}

// LoadFrom reads configuration from path. A missing file is not an error; the
// environment and defaults are used instead.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks backend names, threshold ordering and positive caps.
func (c *Config) Validate() error {
	switch c.Storage.GraphBackend {
	case BackendBadger, BackendPostgres:
	default:
		return fmt.Errorf("unknown graph_backend %q", c.Storage.GraphBackend)
	}
	switch c.Storage.VersionBackend {
	case BackendBadger, BackendPostgres:
	case BackendRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("version_backend redis requires redis.host")
		}
	default:
		return fmt.Errorf("unknown version_backend %q", c.Storage.VersionBackend)
	}
	if c.Storage.VersionBackend == BackendBadger && c.Storage.GraphBackend != BackendBadger && c.Badger.Path == "" {
		return fmt.Errorf("version_backend badger requires badger.path")
	}
	if c.Storage.DataGraph == c.Storage.OntologyGraph {
		return fmt.Errorf("data_graph and ontology_graph must differ")
	}

	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}

	o := c.Ontology
	if o.RejectionThreshold < 0 || o.AcceptanceThreshold > 1 || o.RejectionThreshold >= o.AcceptanceThreshold {
		return fmt.Errorf("thresholds must satisfy 0 <= rejection (%.2f) < acceptance (%.2f) <= 1",
			o.RejectionThreshold, o.AcceptanceThreshold)
	}
	if o.CountChangeThresholdRatio < 0 {
		return fmt.Errorf("count_change_threshold_ratio must not be negative")
	}
	if o.FuzzyMinSimilarity <= 0 || o.FuzzyMinSimilarity > 1 {
		return fmt.Errorf("fuzzy_min_similarity must be in (0, 1]")
	}
	for name, v := range map[string]int{
		"max_concurrent_processing": o.MaxConcurrentProcessing,
		"max_concurrent_evaluation": o.MaxConcurrentEvaluation,
		"max_relation_examples":     o.MaxRelationExamples,
		"example_match_cap":         o.ExampleMatchCap,
		"entity_page_size":          o.EntityPageSize,
		"max_key_mappings":          o.MaxKeyMappings,
		"property_sample_size":      o.PropertySampleSize,
		"lock_shards":               o.LockShards,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects.
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(ResolveHostForDocker(c.Host), strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// Addr returns the host:port of the Redis server.
func (c *RedisConfig) Addr() string {
	return net.JoinHostPort(ResolveHostForDocker(c.Host), strconv.Itoa(c.Port))
}

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether /.dockerenv exists. The result is cached.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker maps localhost to host.docker.internal inside a container
// so that services on the host machine stay reachable.
func ResolveHostForDocker(host string) string {
	if IsRunningInDocker() && (host == "localhost" || host == "127.0.0.1") {
		return "host.docker.internal"
	}
	return host
}
