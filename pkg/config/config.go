// Package config loads hyphamind's runtime configuration from a YAML file
// (searched in cwd, ~/.hyphamind, /etc/hyphamind) with every value
// overridable by a recognized environment variable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Auth          AuthConfig          `mapstructure:"auth"`
	RestAPI       RestAPIConfig       `mapstructure:"rest_api"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	WriteLane     WriteLaneConfig     `mapstructure:"write_lane"`
	IndexWorker   IndexWorkerConfig   `mapstructure:"index_worker"`
	SessionCache  SessionCacheConfig  `mapstructure:"session_cache"`
	FlushTracker  FlushTrackerConfig  `mapstructure:"flush_tracker"`
	Vitality      VitalityConfig      `mapstructure:"vitality"`
	Cleanup       CleanupConfig       `mapstructure:"cleanup"`
	Sleep         SleepConfig         `mapstructure:"sleep"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	Reranker      RerankerConfig      `mapstructure:"reranker"`
	GuardLLM      LLMConfig           `mapstructure:"guard_llm"`
	GistLLM       LLMConfig           `mapstructure:"gist_llm"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type DatabaseConfig struct {
	URL                  string        `mapstructure:"url"`
	MigrationLockFile    string        `mapstructure:"migration_lock_file"`
	MigrationLockTimeout time.Duration `mapstructure:"migration_lock_timeout"`
}

type AuthConfig struct {
	APIKey              string `mapstructure:"api_key"`
	AllowInsecureLocal  bool   `mapstructure:"allow_insecure_local"`
}

type RestAPIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	CORS    bool   `mapstructure:"cors"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type WriteLaneConfig struct {
	GlobalConcurrency int `mapstructure:"global_concurrency"`
}

type IndexWorkerConfig struct {
	QueueMaxSize int  `mapstructure:"queue_max_size"`
	RecentJobs   int  `mapstructure:"recent_jobs"`
	Enabled      bool `mapstructure:"enabled"`
}

type SessionCacheConfig struct {
	MaxHits          int           `mapstructure:"max_hits"`
	HalfLifeSeconds  time.Duration `mapstructure:"half_life_seconds"`
}

type FlushTrackerConfig struct {
	TriggerChars int `mapstructure:"trigger_chars"`
	MinEvents    int `mapstructure:"min_events"`
	MaxEvents    int `mapstructure:"max_events"`
}

type VitalityConfig struct {
	DecayCheckIntervalSeconds time.Duration `mapstructure:"decay_check_interval_seconds"`
}

type CleanupConfig struct {
	ReviewTTLSeconds time.Duration `mapstructure:"review_ttl_seconds"`
	ReviewMaxPending int           `mapstructure:"review_max_pending"`
}

type SleepConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	IntervalSeconds      time.Duration `mapstructure:"interval_seconds"`
	DedupApply           bool          `mapstructure:"dedup_apply"`
	FragmentRollupApply  bool          `mapstructure:"fragment_rollup_apply"`
}

type EmbeddingConfig struct {
	Backend string `mapstructure:"backend"` // none, hash, api
	APIBase string `mapstructure:"api_base"`
	Model   string `mapstructure:"model"`
	Dim     int    `mapstructure:"dim"`
}

type RerankerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIBase string `mapstructure:"api_base"`
	Model   string `mapstructure:"model"`
}

type LLMConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIBase string `mapstructure:"api_base"`
	Model   string `mapstructure:"model"`
}

type ObservabilityConfig struct {
	CleanupQuerySlowMS int `mapstructure:"cleanup_query_slow_ms"`
}

// boolEnv parses the loose boolean vocabulary accepted by every boolean
// environment variable.
func boolEnv(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "enabled":
		return true
	case "0", "false", "no", "off", "disabled":
		return false
	default:
		return fallback
	}
}

// Default returns the configuration with verified default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	configDir := filepath.Join(homeDir, ".hyphamind")

	return &Config{
		Database: DatabaseConfig{
			URL:                  filepath.Join(configDir, "memory.db"),
			MigrationLockFile:    filepath.Join(configDir, "migrate.lock"),
			MigrationLockTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			APIKey:             "",
			AllowInsecureLocal: false,
		},
		RestAPI: RestAPIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8420,
			CORS:    true,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		WriteLane: WriteLaneConfig{
			GlobalConcurrency: 1,
		},
		IndexWorker: IndexWorkerConfig{
			QueueMaxSize: 256,
			RecentJobs:   30,
			Enabled:      true,
		},
		SessionCache: SessionCacheConfig{
			MaxHits:         1000,
			HalfLifeSeconds: 21600 * time.Second,
		},
		FlushTracker: FlushTrackerConfig{
			TriggerChars: 4000,
			MinEvents:    1,
			MaxEvents:    50,
		},
		Vitality: VitalityConfig{
			DecayCheckIntervalSeconds: time.Hour,
		},
		Cleanup: CleanupConfig{
			ReviewTTLSeconds: 10 * time.Minute,
			ReviewMaxPending: 50,
		},
		Sleep: SleepConfig{
			Enabled:             true,
			IntervalSeconds:     6 * time.Hour,
			DedupApply:          false,
			FragmentRollupApply: false,
		},
		Embedding: EmbeddingConfig{
			Backend: "hash",
			Dim:     256,
		},
		Reranker: RerankerConfig{
			Enabled: false,
		},
		GuardLLM: LLMConfig{Enabled: false},
		GistLLM:  LLMConfig{Enabled: false},
		Observability: ObservabilityConfig{
			CleanupQuerySlowMS: 250,
		},
	}
}

// Load reads configuration from config.yaml (cwd, ~/.hyphamind, /etc/hyphamind)
// layered with defaults, then applies the recognized environment variables,
// which always win over file and default values. An explicit configPath
// (e.g. from the --config flag) overrides the search paths.
func Load(configPath ...string) (*Config, error) {
	v := viper.New()
	if len(configPath) > 0 && configPath[0] != "" {
		v.SetConfigFile(configPath[0])
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".hyphamind"))
		v.AddConfigPath("/etc/hyphamind")
	}

	def := Default()
	setDefaults(v, def)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("database.url", def.Database.URL)
	v.SetDefault("database.migration_lock_file", def.Database.MigrationLockFile)
	v.SetDefault("database.migration_lock_timeout", def.Database.MigrationLockTimeout)
	v.SetDefault("rest_api.enabled", def.RestAPI.Enabled)
	v.SetDefault("rest_api.host", def.RestAPI.Host)
	v.SetDefault("rest_api.port", def.RestAPI.Port)
	v.SetDefault("rest_api.cors", def.RestAPI.CORS)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("write_lane.global_concurrency", def.WriteLane.GlobalConcurrency)
	v.SetDefault("index_worker.queue_max_size", def.IndexWorker.QueueMaxSize)
	v.SetDefault("index_worker.recent_jobs", def.IndexWorker.RecentJobs)
	v.SetDefault("index_worker.enabled", def.IndexWorker.Enabled)
	v.SetDefault("session_cache.max_hits", def.SessionCache.MaxHits)
	v.SetDefault("session_cache.half_life_seconds", def.SessionCache.HalfLifeSeconds)
	v.SetDefault("flush_tracker.trigger_chars", def.FlushTracker.TriggerChars)
	v.SetDefault("flush_tracker.min_events", def.FlushTracker.MinEvents)
	v.SetDefault("flush_tracker.max_events", def.FlushTracker.MaxEvents)
	v.SetDefault("vitality.decay_check_interval_seconds", def.Vitality.DecayCheckIntervalSeconds)
	v.SetDefault("cleanup.review_ttl_seconds", def.Cleanup.ReviewTTLSeconds)
	v.SetDefault("cleanup.review_max_pending", def.Cleanup.ReviewMaxPending)
	v.SetDefault("sleep.enabled", def.Sleep.Enabled)
	v.SetDefault("sleep.interval_seconds", def.Sleep.IntervalSeconds)
	v.SetDefault("sleep.dedup_apply", def.Sleep.DedupApply)
	v.SetDefault("sleep.fragment_rollup_apply", def.Sleep.FragmentRollupApply)
	v.SetDefault("embedding.backend", def.Embedding.Backend)
	v.SetDefault("embedding.dim", def.Embedding.Dim)
	v.SetDefault("reranker.enabled", def.Reranker.Enabled)
	v.SetDefault("observability.cleanup_query_slow_ms", def.Observability.CleanupQuerySlowMS)
}

// applyEnv overlays the recognized environment variables on top of
// whatever the YAML file / defaults produced.
func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	b := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = boolEnv(v, *dst)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if secs, err := time.ParseDuration(v + "s"); err == nil {
				*dst = secs
			}
		}
	}
	intv := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				*dst = n
			}
		}
	}

	str("DATABASE_URL", &cfg.Database.URL)
	str("MCP_API_KEY", &cfg.Auth.APIKey)
	b("MCP_API_KEY_ALLOW_INSECURE_LOCAL", &cfg.Auth.AllowInsecureLocal)
	str("DB_MIGRATION_LOCK_FILE", &cfg.Database.MigrationLockFile)
	dur("DB_MIGRATION_LOCK_TIMEOUT_SEC", &cfg.Database.MigrationLockTimeout)

	intv("RUNTIME_WRITE_GLOBAL_CONCURRENCY", &cfg.WriteLane.GlobalConcurrency)
	intv("RUNTIME_INDEX_QUEUE_MAXSIZE", &cfg.IndexWorker.QueueMaxSize)
	intv("RUNTIME_INDEX_RECENT_JOBS", &cfg.IndexWorker.RecentJobs)
	b("RUNTIME_INDEX_WORKER_ENABLED", &cfg.IndexWorker.Enabled)

	intv("RUNTIME_SESSION_CACHE_MAX_HITS", &cfg.SessionCache.MaxHits)
	dur("RUNTIME_SESSION_CACHE_HALF_LIFE_SECONDS", &cfg.SessionCache.HalfLifeSeconds)

	intv("RUNTIME_FLUSH_TRIGGER_CHARS", &cfg.FlushTracker.TriggerChars)
	intv("RUNTIME_FLUSH_MIN_EVENTS", &cfg.FlushTracker.MinEvents)
	intv("RUNTIME_FLUSH_MAX_EVENTS", &cfg.FlushTracker.MaxEvents)

	dur("RUNTIME_VITALITY_DECAY_CHECK_INTERVAL_SECONDS", &cfg.Vitality.DecayCheckIntervalSeconds)

	dur("RUNTIME_CLEANUP_REVIEW_TTL_SECONDS", &cfg.Cleanup.ReviewTTLSeconds)
	intv("RUNTIME_CLEANUP_REVIEW_MAX_PENDING", &cfg.Cleanup.ReviewMaxPending)

	b("RUNTIME_SLEEP_CONSOLIDATION_ENABLED", &cfg.Sleep.Enabled)
	dur("RUNTIME_SLEEP_CONSOLIDATION_INTERVAL_SECONDS", &cfg.Sleep.IntervalSeconds)
	b("RUNTIME_SLEEP_DEDUP_APPLY", &cfg.Sleep.DedupApply)
	b("RUNTIME_SLEEP_FRAGMENT_ROLLUP_APPLY", &cfg.Sleep.FragmentRollupApply)

	str("RETRIEVAL_EMBEDDING_BACKEND", &cfg.Embedding.Backend)
	str("RETRIEVAL_EMBEDDING_API_BASE", &cfg.Embedding.APIBase)
	str("RETRIEVAL_EMBEDDING_MODEL", &cfg.Embedding.Model)
	intv("RETRIEVAL_EMBEDDING_DIM", &cfg.Embedding.Dim)

	b("RETRIEVAL_RERANKER_ENABLED", &cfg.Reranker.Enabled)
	str("RETRIEVAL_RERANKER_API_BASE", &cfg.Reranker.APIBase)
	str("RETRIEVAL_RERANKER_MODEL", &cfg.Reranker.Model)

	b("WRITE_GUARD_LLM_ENABLED", &cfg.GuardLLM.Enabled)
	str("WRITE_GUARD_LLM_API_BASE", &cfg.GuardLLM.APIBase)
	str("WRITE_GUARD_LLM_MODEL", &cfg.GuardLLM.Model)

	b("COMPACT_GIST_LLM_ENABLED", &cfg.GistLLM.Enabled)
	str("COMPACT_GIST_LLM_API_BASE", &cfg.GistLLM.APIBase)
	str("COMPACT_GIST_LLM_MODEL", &cfg.GistLLM.Model)

	intv("OBSERVABILITY_CLEANUP_QUERY_SLOW_MS", &cfg.Observability.CleanupQuerySlowMS)
}

// Validate checks invariants on the loaded configuration.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.RestAPI.Enabled {
		if c.RestAPI.Port < 1 || c.RestAPI.Port > 65535 {
			return fmt.Errorf("rest_api.port must be between 1 and 65535")
		}
		if c.RestAPI.Host == "" {
			return fmt.Errorf("rest_api.host is required when rest_api is enabled")
		}
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validBackends := map[string]bool{"none": true, "hash": true, "api": true}
	if !validBackends[c.Embedding.Backend] {
		return fmt.Errorf("embedding.backend must be one of: none, hash, api")
	}
	if c.WriteLane.GlobalConcurrency < 1 {
		return fmt.Errorf("write_lane.global_concurrency must be >= 1")
	}
	return nil
}

// EnsureConfigDir creates the directory holding the database file.
func (c *Config) EnsureConfigDir() error {
	if c.Database.URL == ":memory:" {
		return nil
	}
	dir := filepath.Dir(c.Database.URL)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// IsInMemory reports whether the configured database is a transient,
// process-local store (skips migration lock + cross-process concerns).
func (c *Config) IsInMemory() bool {
	return c.Database.URL == ":memory:" || c.Database.URL == ""
}
