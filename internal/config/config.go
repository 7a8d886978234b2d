package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Logging      LoggingConfig      `json:"logging"`
	Redis        RedisConfig        `json:"redis"`
	Collectors   CollectorsConfig   `json:"collectors"`
	Reconciler   ReconcilerConfig   `json:"reconciler"`
	Mapping      MappingConfig      `json:"mapping"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Artifacts    ArtifactsConfig    `json:"artifacts"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// DSN renders the lib/pq connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// SourceConfig holds the per-source polling knobs shared by the three
// collectors.
type SourceConfig struct {
	Interval         string `json:"interval"`     // e.g. "30s"
	FetchTimeout     string `json:"fetchTimeout"` // per-endpoint deadline
	Concurrency      int    `json:"concurrency"`  // bounded fan-out over endpoints
	FailureThreshold int    `json:"failureThreshold"`
}

type CollectorsConfig struct {
	Agent     SourceConfig `json:"agent"`
	HAProxy   SourceConfig `json:"haproxy"`
	Eureka    SourceConfig `json:"eureka"`
	BatchChan int          `json:"batchChanSize"`
}

type ReconcilerConfig struct {
	PurgeInterval       string `json:"purgeInterval"`
	SoftDeleteRetention string `json:"softDeleteRetention"`
	EventRetentionCount int    `json:"eventRetentionCount"`
}

type MappingConfig struct {
	StickyWindow string `json:"stickyWindow"`
}

type OrchestratorConfig struct {
	GlobalConcurrency    int    `json:"globalConcurrency"`
	PerServerConcurrency int    `json:"perServerConcurrency"`
	DrainWaitMaxMinutes  int    `json:"drainWaitMaxMinutes"`
	DispatchInterval     string `json:"dispatchInterval"`
	RunnerCommand        string `json:"runnerCommand"`
	RunnerURL            string `json:"runnerURL"`
	CallbackBaseURL      string `json:"callbackBaseURL"`
	HAProxyPlaybook      string `json:"haproxyPlaybook"`
}

type ArtifactsConfig struct {
	RepoURL   string `json:"repoURL"`
	ListLimit int    `json:"listLimit"`
	Timeout   string `json:"timeout"`
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := defaultConfig()

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			log.Err(err)
			return nil, err
		}
	}

	applyFallbacks(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "fleetd"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Collectors: CollectorsConfig{
			Agent: SourceConfig{
				Interval:         getEnv("AGENT_POLL_INTERVAL", "30s"),
				FetchTimeout:     getEnv("AGENT_FETCH_TIMEOUT", "10s"),
				Concurrency:      getEnvInt("AGENT_CONCURRENCY", 16),
				FailureThreshold: getEnvInt("AGENT_FAILURE_THRESHOLD", 3),
			},
			HAProxy: SourceConfig{
				Interval:         getEnv("HAPROXY_POLL_INTERVAL", "15s"),
				FetchTimeout:     getEnv("HAPROXY_FETCH_TIMEOUT", "10s"),
				Concurrency:      getEnvInt("HAPROXY_CONCURRENCY", 8),
				FailureThreshold: getEnvInt("HAPROXY_FAILURE_THRESHOLD", 3),
			},
			Eureka: SourceConfig{
				Interval:         getEnv("EUREKA_POLL_INTERVAL", "30s"),
				FetchTimeout:     getEnv("EUREKA_FETCH_TIMEOUT", "10s"),
				Concurrency:      getEnvInt("EUREKA_CONCURRENCY", 4),
				FailureThreshold: getEnvInt("EUREKA_FAILURE_THRESHOLD", 3),
			},
			BatchChan: getEnvInt("COLLECTOR_BATCH_CHAN_SIZE", 16),
		},
		Reconciler: ReconcilerConfig{
			PurgeInterval:       getEnv("PURGE_INTERVAL", "1h"),
			SoftDeleteRetention: getEnv("SOFT_DELETE_RETENTION", "720h"),
			EventRetentionCount: getEnvInt("EVENT_RETENTION_COUNT", 200),
		},
		Mapping: MappingConfig{
			StickyWindow: getEnv("MAPPING_STICKY_WINDOW", "24h"),
		},
		Orchestrator: OrchestratorConfig{
			GlobalConcurrency:    getEnvInt("TASK_GLOBAL_CONCURRENCY", 8),
			PerServerConcurrency: getEnvInt("TASK_PER_SERVER_CONCURRENCY", 1),
			DrainWaitMaxMinutes:  getEnvInt("DRAIN_WAIT_MAX_MINUTES", 60),
			DispatchInterval:     getEnv("TASK_DISPATCH_INTERVAL", "1s"),
			RunnerCommand:        getEnv("RUNNER_COMMAND", ""),
			RunnerURL:            getEnv("RUNNER_URL", ""),
			CallbackBaseURL:      getEnv("CALLBACK_BASE_URL", "http://localhost:8080"),
			HAProxyPlaybook:      getEnv("HAPROXY_STATE_PLAYBOOK", "haproxy_state"),
		},
		Artifacts: ArtifactsConfig{
			RepoURL:   getEnv("ARTIFACT_REPO_URL", ""),
			ListLimit: getEnvInt("ARTIFACT_LIST_LIMIT", 50),
			Timeout:   getEnv("ARTIFACT_TIMEOUT", "15s"),
		},
	}
}

// applyFallbacks fills reasonable defaults when fields are omitted in the
// config file and clamps operator-facing limits.
func applyFallbacks(cfg *Config) {
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Collectors.BatchChan <= 0 {
		cfg.Collectors.BatchChan = 16
	}
	if cfg.Orchestrator.GlobalConcurrency <= 0 {
		cfg.Orchestrator.GlobalConcurrency = 8
	}
	if cfg.Orchestrator.PerServerConcurrency <= 0 {
		cfg.Orchestrator.PerServerConcurrency = 1
	}
	if cfg.Orchestrator.DrainWaitMaxMinutes <= 0 || cfg.Orchestrator.DrainWaitMaxMinutes > 60 {
		cfg.Orchestrator.DrainWaitMaxMinutes = 60
	}
	if cfg.Orchestrator.DispatchInterval == "" {
		cfg.Orchestrator.DispatchInterval = "1s"
	}
	if cfg.Orchestrator.HAProxyPlaybook == "" {
		cfg.Orchestrator.HAProxyPlaybook = "haproxy_state"
	}
	if cfg.Artifacts.ListLimit <= 0 {
		cfg.Artifacts.ListLimit = 50
	}
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

// Duration parses a duration field, falling back when empty or unparseable.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		log.Warn().Str("value", s).Dur("fallback", fallback).Msg("invalid duration in config")
		return fallback
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
