// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Caldera() CalderaConfig
	LLM() LLMConfig
	Retry() RetryConfig
	Storage() StorageConfig
	Database() DatabaseConfig
	Hooks() HooksConfig
	Pipeline() PipelineConfig
	Run() RunConfig
	SetRunConfig(rc RunConfig)

	// Retry Setters
	SetRetryMaxRetries(int)
	SetRetryAutoExecute(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	CalderaCfg  CalderaConfig  `mapstructure:"caldera" yaml:"caldera"`
	LLMCfg      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	RetryCfg    RetryConfig    `mapstructure:"retry" yaml:"retry"`
	StorageCfg  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	HooksCfg    HooksConfig    `mapstructure:"hooks" yaml:"hooks"`
	PipelineCfg PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	// RunCfg gets its marching orders from CLI flags, not the config file.
	RunCfg RunConfig `mapstructure:"-" yaml:"-"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Caldera() CalderaConfig   { return c.CalderaCfg }
func (c *Config) LLM() LLMConfig           { return c.LLMCfg }
func (c *Config) Retry() RetryConfig       { return c.RetryCfg }
func (c *Config) Storage() StorageConfig   { return c.StorageCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Hooks() HooksConfig       { return c.HooksCfg }
func (c *Config) Pipeline() PipelineConfig { return c.PipelineCfg }
func (c *Config) Run() RunConfig           { return c.RunCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetRunConfig(rc RunConfig)  { c.RunCfg = rc }
func (c *Config) SetRetryMaxRetries(n int)   { c.RetryCfg.MaxRetries = n }
func (c *Config) SetRetryAutoExecute(b bool) { c.RetryCfg.AutoExecute = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// CalderaConfig configures access to the emulation platform.
type CalderaConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	APIKey           string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	Planner          string        `mapstructure:"planner" yaml:"planner"`
	Source           string        `mapstructure:"source" yaml:"source"`
	Jitter           string        `mapstructure:"jitter" yaml:"jitter"`
	Group            string        `mapstructure:"group" yaml:"group"`
	// RequestsPerSecond paces API calls; 0 disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
	// AdversaryPrefix is the id prefix the generator gives adversary profiles.
	AdversaryPrefix string `mapstructure:"adversary_prefix" yaml:"adversary_prefix"`
}

// LLMProvider names a text-generation backend.
type LLMProvider string

const (
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderGemini    LLMProvider = "gemini"
	ProviderOpenAI    LLMProvider = "openai"
)

// LLMConfig configures the model used to repair failed commands.
type LLMConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// MaxElapsed bounds the total time spent retrying a single request.
	MaxElapsed time.Duration `mapstructure:"max_elapsed" yaml:"max_elapsed"`
}

// RetryConfig controls the self-correction loop.
type RetryConfig struct {
	MaxRetries  int  `mapstructure:"max_retries" yaml:"max_retries"`
	AutoExecute bool `mapstructure:"auto_execute" yaml:"auto_execute"`
	// HistoryLimit caps the past attempts shown to the fixer per ability; 0 means all.
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`
	// MaxOutputChars truncates stdout and stderr in repair prompts.
	MaxOutputChars int `mapstructure:"max_output_chars" yaml:"max_output_chars"`
	// KillAgents deletes every registered agent before a re-execution, for
	// setups whose pre-round hooks bring up fresh agents.
	KillAgents bool `mapstructure:"kill_agents" yaml:"kill_agents"`
}

// StorageConfig selects where correction reports are kept.
type StorageConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// HooksConfig lists external commands run before every execution, such as a
// VM snapshot restore.
type HooksConfig struct {
	PreRound []string      `mapstructure:"pre_round" yaml:"pre_round"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PipelineConfig describes the upstream generator that produces abilities.
type PipelineConfig struct {
	GeneratorCommand []string `mapstructure:"generator_command" yaml:"generator_command"`
	DataDir          string   `mapstructure:"data_dir" yaml:"data_dir"`
}

// RunConfig holds the options of a single invocation, set from CLI flags.
type RunConfig struct {
	Steps           []int
	VersionID       string
	EnvPath         string
	AbilitiesPath   string
	AdversariesPath string
	OperationName   string
	SkipUpload      bool
	SkipExecution   bool
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "emulate-cli")
	v.SetDefault("logger.log_file", "emulate.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Caldera --
	v.SetDefault("caldera.url", "http://localhost:8888")
	v.SetDefault("caldera.timeout", "30s")
	v.SetDefault("caldera.poll_interval", "5s")
	v.SetDefault("caldera.operation_timeout", "0s")
	v.SetDefault("caldera.planner", "atomic")
	v.SetDefault("caldera.source", "basic")
	v.SetDefault("caldera.jitter", "1/1")
	v.SetDefault("caldera.group", "")
	v.SetDefault("caldera.requests_per_second", 10.0)
	v.SetDefault("caldera.burst", 5)
	v.SetDefault("caldera.adversary_prefix", "kisa-ttp-adversary")

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderAnthropic))
	v.SetDefault("llm.model", "claude-sonnet-4-5")
	v.SetDefault("llm.api_timeout", "120s")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.max_elapsed", "3m")

	// -- Retry --
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.auto_execute", true)
	v.SetDefault("retry.history_limit", 5)
	v.SetDefault("retry.max_output_chars", 1000)
	v.SetDefault("retry.kill_agents", false)

	// -- Storage --
	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.dir", "")

	// -- Hooks --
	v.SetDefault("hooks.timeout", "5m")

	// -- Pipeline --
	v.SetDefault("pipeline.data_dir", "data/processed")
}

// providerKeyEnv maps a provider to the conventional variable holding its key.
var providerKeyEnv = map[LLMProvider]string{
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderGemini:    "GOOGLE_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("caldera.api_key", "EMULATE_CALDERA_API_KEY", "CALDERA_API_KEY")
	_ = v.BindEnv("caldera.url", "EMULATE_CALDERA_URL", "CALDERA_URL")
	_ = v.BindEnv("llm.api_key", "EMULATE_LLM_API_KEY")
	_ = v.BindEnv("database.url", "EMULATE_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Fall back to the provider's own key variable.
	if cfg.LLMCfg.APIKey == "" {
		if name, ok := providerKeyEnv[cfg.LLMCfg.Provider]; ok {
			cfg.LLMCfg.APIKey = os.Getenv(name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values the engine cannot work with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.CalderaCfg.URL) == "" {
		return fmt.Errorf("caldera.url is a required configuration field")
	}
	if c.CalderaCfg.PollInterval <= 0 {
		return fmt.Errorf("caldera.poll_interval must be a positive duration")
	}
	if c.CalderaCfg.OperationTimeout < 0 {
		return fmt.Errorf("caldera.operation_timeout must not be negative")
	}
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if err := c.RetryCfg.Validate(); err != nil {
		return fmt.Errorf("retry configuration invalid: %w", err)
	}
	switch c.StorageCfg.Backend {
	case "file":
	case "postgres":
		if c.DatabaseCfg.URL == "" {
			return fmt.Errorf("database.url is required when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("storage.backend must be one of file, postgres; got %q", c.StorageCfg.Backend)
	}
	return nil
}

// Validate checks the LLM settings.
func (l *LLMConfig) Validate() error {
	switch l.Provider {
	case ProviderAnthropic, ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("unsupported llm.provider %q", l.Provider)
	}
	if l.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0.0 and 2.0")
	}
	if l.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be a positive integer")
	}
	return nil
}

// Validate checks the retry loop settings.
func (r *RetryConfig) Validate() error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if r.HistoryLimit < 0 {
		return fmt.Errorf("retry.history_limit must not be negative")
	}
	if r.MaxOutputChars <= 0 {
		return fmt.Errorf("retry.max_output_chars must be a positive integer")
	}
	return nil
}
