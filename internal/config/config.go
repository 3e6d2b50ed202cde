// Package config loads the agent configuration from defaults, an optional
// config file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "AGENT"

// Backend names.
const (
	BackendServer  = "server"
	BackendBrowser = "browser"
)

// MaxServerGridSize is the largest grid the automation server renders.
const MaxServerGridSize = 10

type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Automation AutomationConfig `mapstructure:"automation"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Server     ServerConfig     `mapstructure:"server"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// LogFile enables a rotated file sink next to stderr when set.
	LogFile    string `mapstructure:"log_file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type LLMConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type OracleConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	// RequestsPerSecond throttles model calls. Zero disables throttling.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type AgentConfig struct {
	MaxSteps               int           `mapstructure:"max_steps"`
	MaxRetries             int           `mapstructure:"max_retries"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	GridSize               int           `mapstructure:"grid_size"`
	SettleDelay            time.Duration `mapstructure:"settle_delay"`
	ActionSettleDelay      time.Duration `mapstructure:"action_settle_delay"`
	StepDelay              time.Duration `mapstructure:"step_delay"`
	SnapshotTimeout        time.Duration `mapstructure:"snapshot_timeout"`
}

type AutomationConfig struct {
	Backend     string        `mapstructure:"backend"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ScaleFactor float64       `mapstructure:"scale_factor"`
}

type BrowserConfig struct {
	Headless  bool   `mapstructure:"headless"`
	StartURL  string `mapstructure:"start_url"`
	Storage   string `mapstructure:"storage"`
	SaveState string `mapstructure:"save_state"`
	Width     int    `mapstructure:"width"`
	Height    int    `mapstructure:"height"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- LLM --
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.max_tokens", 2048)

	// -- Oracle --
	v.SetDefault("oracle.temperature", 0.1)
	v.SetDefault("oracle.requests_per_second", 0)
	v.SetDefault("oracle.burst", 1)

	// -- Agent --
	v.SetDefault("agent.max_steps", 20)
	v.SetDefault("agent.max_retries", 3)
	v.SetDefault("agent.max_consecutive_failures", 5)
	v.SetDefault("agent.grid_size", 6)
	v.SetDefault("agent.settle_delay", "1s")
	v.SetDefault("agent.action_settle_delay", "300ms")
	v.SetDefault("agent.step_delay", "500ms")
	v.SetDefault("agent.snapshot_timeout", "30s")

	// -- Automation --
	v.SetDefault("automation.backend", BackendServer)
	v.SetDefault("automation.base_url", "http://127.0.0.1:8000")
	v.SetDefault("automation.timeout", "30s")
	v.SetDefault("automation.scale_factor", 1.0)

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.start_url", "")
	v.SetDefault("browser.width", 1280)
	v.SetDefault("browser.height", 800)

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// bindEnv keeps the unprefixed variable names users already export.
func bindEnv(v *viper.Viper) error {
	binds := map[string][]string{
		"llm.provider":     {"LLM_PROVIDER"},
		"llm.base_url":     {"LLM_BASE_URL"},
		"browser.headless": {"AGENT_HEADLESS"},
	}
	for key, envs := range binds {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// providerEnv lists the key and model variables read for each provider.
var providerEnv = map[string][2]string{
	"anthropic": {"ANTHROPIC_API_KEY", "ANTHROPIC_MODEL"},
	"openai":    {"OPENAI_API_KEY", "OPENAI_MODEL"},
	"gemini":    {"GEMINI_API_KEY", "GEMINI_MODEL"},
}

// New builds a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile loads path into v. An empty path searches ./config.yaml and is not
// an error when nothing is found.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// Load unmarshals v, fills provider credentials from their environment
// variables and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	if err := bindEnv(v); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if names, ok := providerEnv[cfg.LLM.Provider]; ok {
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = strings.TrimSpace(os.Getenv(names[0]))
		}
		if cfg.LLM.Model == "" {
			cfg.LLM.Model = strings.TrimSpace(os.Getenv(names[1]))
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if _, ok := providerEnv[c.LLM.Provider]; !ok {
		return fmt.Errorf("llm.provider must be one of anthropic, openai, gemini (got %q)", c.LLM.Provider)
	}
	if c.Agent.MaxSteps <= 0 {
		return errors.New("agent.max_steps must be a positive integer")
	}
	if c.Agent.MaxConsecutiveFailures <= 0 {
		return errors.New("agent.max_consecutive_failures must be a positive integer")
	}
	if c.Agent.MaxRetries < 0 {
		return errors.New("agent.max_retries must not be negative")
	}
	if c.Agent.GridSize < 2 {
		return errors.New("agent.grid_size must be at least 2")
	}
	if c.Oracle.RequestsPerSecond < 0 {
		return errors.New("oracle.requests_per_second must not be negative")
	}
	switch c.Automation.Backend {
	case BackendServer, BackendBrowser:
	default:
		return fmt.Errorf("automation.backend must be %q or %q (got %q)", BackendServer, BackendBrowser, c.Automation.Backend)
	}
	if c.Automation.ScaleFactor <= 0 {
		return errors.New("automation.scale_factor must be positive")
	}
	if c.Automation.Backend == BackendServer && c.Agent.GridSize > MaxServerGridSize {
		return fmt.Errorf("agent.grid_size must be at most %d with the %s backend", MaxServerGridSize, BackendServer)
	}
	return nil
}
