// Package config loads and hot-reloads service configuration. Values come
// from a YAML config file and the environment; API keys in files use
// ${ENV_VAR} references so secrets stay out of config files.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Config is the validated service configuration.
type Config struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`

	// Model gateway
	DeepInfraAPIKey  string `mapstructure:"deepinfra_api_key" yaml:"deepinfra_api_key"`
	DeepInfraBaseURL string `mapstructure:"deepinfra_base_url" yaml:"deepinfra_base_url"`
	ModelName        string `mapstructure:"model_name" yaml:"model_name"`

	// Token budget
	ModelMaxTokens         int     `mapstructure:"model_max_tokens" yaml:"model_max_tokens"`
	ContentTokenProportion float64 `mapstructure:"content_token_proportion" yaml:"content_token_proportion"`

	// Chunk engine
	MaxRetriesPerPI    int `mapstructure:"max_retries_per_pi" yaml:"max_retries_per_pi"`
	MaxCallbackRetries int `mapstructure:"max_callback_retries" yaml:"max_callback_retries"`
	AlarmIntervalMs    int `mapstructure:"alarm_interval_ms" yaml:"alarm_interval_ms"`

	// Collaborators
	ArkeAPIURL      string `mapstructure:"arke_api_url" yaml:"arke_api_url"`
	OrchestratorURL string `mapstructure:"orchestrator_url" yaml:"orchestrator_url"`

	// Durable state
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// AlarmInterval returns the pass cadence as a duration.
func (c *Config) AlarmInterval() time.Duration {
	return time.Duration(c.AlarmIntervalMs) * time.Millisecond
}

// Validate checks that the fields without usable defaults are set.
func (c *Config) Validate() error {
	if c.DeepInfraAPIKey == "" {
		return errors.New("deepinfra_api_key is required (set DEEPINFRA_API_KEY)")
	}
	if c.ArkeAPIURL == "" {
		return errors.New("arke_api_url is required (set ARKE_API_URL)")
	}
	if c.OrchestratorURL == "" {
		return errors.New("orchestrator_url is required (set ORCHESTRATOR_URL)")
	}
	if c.ContentTokenProportion <= 0 || c.ContentTokenProportion > 1 {
		return fmt.Errorf("content_token_proportion %f out of range (0,1]", c.ContentTokenProportion)
	}
	return nil
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:                   "127.0.0.1",
		Port:                   "8080",
		DeepInfraAPIKey:        "${DEEPINFRA_API_KEY}",
		DeepInfraBaseURL:       "https://api.deepinfra.com/v1/openai",
		ModelName:              "meta-llama/Meta-Llama-3.1-70B-Instruct",
		ModelMaxTokens:         128000,
		ContentTokenProportion: 0.5,
		MaxRetriesPerPI:        3,
		MaxCallbackRetries:     3,
		AlarmIntervalMs:        100,
		DBPath:                 "pinax.db",
	}
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults, environment, and config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	viper.SetDefault("host", defaults.Host)
	viper.SetDefault("port", defaults.Port)
	viper.SetDefault("deepinfra_api_key", defaults.DeepInfraAPIKey)
	viper.SetDefault("deepinfra_base_url", defaults.DeepInfraBaseURL)
	viper.SetDefault("model_name", defaults.ModelName)
	viper.SetDefault("model_max_tokens", defaults.ModelMaxTokens)
	viper.SetDefault("content_token_proportion", defaults.ContentTokenProportion)
	viper.SetDefault("max_retries_per_pi", defaults.MaxRetriesPerPI)
	viper.SetDefault("max_callback_retries", defaults.MaxCallbackRetries)
	viper.SetDefault("alarm_interval_ms", defaults.AlarmIntervalMs)
	viper.SetDefault("arke_api_url", "")
	viper.SetDefault("orchestrator_url", "")
	viper.SetDefault("db_path", defaults.DBPath)

	// Environment variables use the bare key names: DEEPINFRA_API_KEY,
	// MODEL_MAX_TOKENS, ARKE_API_URL, ...
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.pinax")
	}

	// Config file is optional; env and defaults are enough to run.
	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.DeepInfraAPIKey = ResolveEnvVars(cfg.DeepInfraAPIKey)
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# PINAX metadata service configuration
# The API key uses ${ENV_VAR} syntax to reference an environment variable
# Set it in your shell: export DEEPINFRA_API_KEY=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
