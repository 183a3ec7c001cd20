package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// OpenAIConfig holds credentials and model selection for the LLM provider.
type OpenAIConfig struct {
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	Organization string `mapstructure:"organization"`
	BaseURL      string `mapstructure:"base_url"`
}

// ServerConfig holds the worker-channel HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MemoryConfig holds filesystem layout for the memory subsystems.
type MemoryConfig struct {
	DataDir   string `mapstructure:"data_dir"`
	BackupDir string `mapstructure:"backup_dir"`
	Capacity  int    `mapstructure:"capacity"`
}

// LoggingConfig selects log level and sink file.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// AIConfig holds coordinator tunables.
type AIConfig struct {
	DefaultTemperature         float64       `mapstructure:"default_temperature"`
	DefaultMaxTokens           int           `mapstructure:"default_max_tokens"`
	ContextLimit               int           `mapstructure:"context_limit"`
	CacheLimit                 int           `mapstructure:"cache_limit"`
	MaxSourcesPerQuery         int           `mapstructure:"max_sources_per_query"`
	SourceTimeout              time.Duration `mapstructure:"source_timeout"`
	EnableContextPersistence   bool          `mapstructure:"enable_context_persistence"`
	ContextPersistenceInterval time.Duration `mapstructure:"context_persistence_interval"`
	EnableContextValidation    bool          `mapstructure:"enable_context_validation"`
	ContextValidationInterval  time.Duration `mapstructure:"context_validation_interval"`
	AutoFixValidationIssues    bool          `mapstructure:"auto_fix_validation_issues"`
	StrictValidationMode       bool          `mapstructure:"strict_validation_mode"`
}

// TaskConfig holds priority-model weights for the task manager.
type TaskConfig struct {
	BaseFactor       float64       `mapstructure:"base_factor"`
	UserFactor       float64       `mapstructure:"user_factor"`
	AgingFactor      float64       `mapstructure:"aging_factor"`
	UrgencyFactor    float64       `mapstructure:"urgency_factor"`
	ResourceFactor   float64       `mapstructure:"resource_factor"`
	DependencyFactor float64       `mapstructure:"dependency_factor"`
	FailurePenalty   float64       `mapstructure:"failure_penalty"`
	StalledBoost     float64       `mapstructure:"stalled_boost"`
	ContextBoost     float64       `mapstructure:"context_boost"`
	DecayRate        float64       `mapstructure:"decay_rate"`
	StalledThreshold time.Duration `mapstructure:"stalled_threshold"`
}

// HealthConfig holds health-monitor tunables.
type HealthConfig struct {
	ResourceInterval      time.Duration `mapstructure:"resource_interval"`
	CheckInterval         time.Duration `mapstructure:"check_interval"`
	AlertCooldown         time.Duration `mapstructure:"alert_cooldown"`
	ResponseTimeThreshold time.Duration `mapstructure:"response_time_threshold"`
}

// Config is the root configuration record. All recognized options are listed
// explicitly; there is no free-form option bag.
type Config struct {
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	Server  ServerConfig  `mapstructure:"server"`
	Memory  MemoryConfig  `mapstructure:"memory"`
	Logging LoggingConfig `mapstructure:"logging"`
	AI      AIConfig      `mapstructure:"ai"`
	Task    TaskConfig    `mapstructure:"task"`
	Health  HealthConfig  `mapstructure:"health"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("openai.model", "gpt-4-1106-preview")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("memory.data_dir", "./data/memory")
	v.SetDefault("memory.backup_dir", "./data/backups")
	v.SetDefault("memory.capacity", 1000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "./logs/marduk.log")
	v.SetDefault("ai.default_temperature", 0.7)
	v.SetDefault("ai.default_max_tokens", 1024)
	v.SetDefault("ai.context_limit", 10)
	v.SetDefault("ai.cache_limit", 200)
	v.SetDefault("ai.max_sources_per_query", 5)
	v.SetDefault("ai.source_timeout", 2*time.Second)
	v.SetDefault("ai.enable_context_persistence", true)
	v.SetDefault("ai.context_persistence_interval", 5*time.Minute)
	v.SetDefault("ai.enable_context_validation", true)
	v.SetDefault("ai.context_validation_interval", 15*time.Minute)
	v.SetDefault("ai.auto_fix_validation_issues", true)
	v.SetDefault("ai.strict_validation_mode", false)
	v.SetDefault("task.base_factor", 1.0)
	v.SetDefault("task.user_factor", 1.0)
	v.SetDefault("task.aging_factor", 2.0)
	v.SetDefault("task.urgency_factor", 1.0)
	v.SetDefault("task.resource_factor", 1.0)
	v.SetDefault("task.dependency_factor", 1.0)
	v.SetDefault("task.failure_penalty", 0.5)
	v.SetDefault("task.stalled_boost", 1.5)
	v.SetDefault("task.context_boost", 1.0)
	v.SetDefault("task.decay_rate", 0.1)
	v.SetDefault("task.stalled_threshold", 5*time.Minute)
	v.SetDefault("health.resource_interval", 5*time.Second)
	v.SetDefault("health.check_interval", time.Minute)
	v.SetDefault("health.alert_cooldown", 5*time.Minute)
	v.SetDefault("health.response_time_threshold", 2*time.Second)
}

// Load reads configuration from defaults, an optional marduk.yaml, and the
// environment (MARDUK_* plus OPENAI_API_KEY). The API key is mandatory.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("marduk")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.marduk")
	}

	v.SetEnvPrefix("MARDUK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("openai.api_key", "OPENAI_API_KEY", "MARDUK_OPENAI_API_KEY")
	_ = v.BindEnv("openai.organization", "OPENAI_ORGANIZATION")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing default config file is fine; an explicit path must exist.
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the rest of the core relies on.
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.AI.ContextLimit <= 0 {
		return fmt.Errorf("ai.context_limit must be positive")
	}
	if c.AI.CacheLimit <= 0 {
		return fmt.Errorf("ai.cache_limit must be positive")
	}
	if c.Memory.Capacity <= 0 {
		return fmt.Errorf("memory.capacity must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}
