package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir    string   `yaml:"data_dir"`
	DBPath     string   `yaml:"db_path"`
	PresetDirs []string `yaml:"preset_dirs"`

	Loop    LoopConfig    `yaml:"loop"`
	Gateway GatewayConfig `yaml:"gateway"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Notify  NotifyConfig  `yaml:"notify"`
	Log     LogConfig     `yaml:"log"`
}

type LoopConfig struct {
	MaxIterations  int           `yaml:"max_iterations"`
	IterationDelay time.Duration `yaml:"iteration_delay"`
	ExecTimeout    time.Duration `yaml:"execution_timeout"`
	StartTimeout   time.Duration `yaml:"start_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

type GatewayConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Temperature       float64       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
	SystemPrompt      string        `yaml:"system_prompt"`
}

type SandboxConfig struct {
	Language string `yaml:"language"`
}

type NotifyConfig struct {
	Recipient string     `yaml:"recipient"`
	Outbox    string     `yaml:"outbox"`
	SMTP      SMTPConfig `yaml:"smtp"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// Enabled reports whether enough SMTP settings are present to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.Username != ""
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:    dataDir,
		DBPath:     filepath.Join(dataDir, "lab.db"),
		PresetDirs: []string{filepath.Join(".lab", "presets"), filepath.Join(dataDir, "presets")},
		Loop: LoopConfig{
			MaxIterations:  10,
			IterationDelay: time.Second,
			ExecTimeout:    30 * time.Second,
			StartTimeout:   10 * time.Second,
			MaxOutputBytes: 16 << 10,
		},
		Gateway: GatewayConfig{
			MaxAttempts:       3,
			BaseDelay:         2 * time.Second,
			BackoffMultiplier: 1.0,
			MaxDelay:          30 * time.Second,
			Temperature:       0.7,
			MaxTokens:         4096,
		},
		Sandbox: SandboxConfig{Language: "starlark"},
		Notify: NotifyConfig{
			SMTP: SMTPConfig{Port: 587, UseTLS: true},
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// New loads the configuration from the default location.
func New() (*Config, error) {
	return Load("")
}

// Load applies defaults, then the YAML file at path (or
// $LAB_DATA_DIR/config.yaml when path is empty; a missing default file is
// not an error), then LAB_* environment overrides.
func Load(path string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("LAB_DATA_DIR", filepath.Join(homeDir, ".lab"))
	c := Default(dataDir)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(dataDir, "config.yaml")
	}
	if err := c.loadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "lab.db")
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dataDir := c.DataDir
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	// A file that moves data_dir without naming db_path gets the derived path.
	if c.DataDir != dataDir && c.DBPath == filepath.Join(dataDir, "lab.db") {
		c.DBPath = filepath.Join(c.DataDir, "lab.db")
	}
	return nil
}

// applyEnv overrides settings from LAB_* variables. A value that does not
// parse is an error rather than a silent fallback.
func (c *Config) applyEnv() error {
	c.DBPath = getEnv("LAB_DB_PATH", c.DBPath)
	c.Sandbox.Language = getEnv("LAB_SANDBOX_LANGUAGE", c.Sandbox.Language)
	c.Gateway.SystemPrompt = getEnv("LAB_SYSTEM_PROMPT", c.Gateway.SystemPrompt)
	c.Log.Level = getEnv("LAB_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LAB_LOG_FORMAT", c.Log.Format)

	c.Notify.Recipient = getEnv("LAB_NOTIFY_RECIPIENT", c.Notify.Recipient)
	c.Notify.Outbox = getEnv("LAB_NOTIFY_OUTBOX", c.Notify.Outbox)
	c.Notify.SMTP.Host = getEnv("LAB_SMTP_HOST", c.Notify.SMTP.Host)
	c.Notify.SMTP.Username = getEnv("LAB_SMTP_USERNAME", c.Notify.SMTP.Username)
	c.Notify.SMTP.Password = getEnv("LAB_SMTP_PASSWORD", c.Notify.SMTP.Password)

	return errors.Join(
		envInt("LAB_MAX_ITERATIONS", &c.Loop.MaxIterations),
		envInt("LAB_MAX_OUTPUT_BYTES", &c.Loop.MaxOutputBytes),
		envDuration("LAB_ITERATION_DELAY", &c.Loop.IterationDelay),
		envDuration("LAB_EXECUTION_TIMEOUT", &c.Loop.ExecTimeout),
		envDuration("LAB_START_TIMEOUT", &c.Loop.StartTimeout),
		envInt("LAB_GATEWAY_MAX_ATTEMPTS", &c.Gateway.MaxAttempts),
		envInt("LAB_SMTP_PORT", &c.Notify.SMTP.Port),
		envBool("LAB_SMTP_USE_TLS", &c.Notify.SMTP.UseTLS),
	)
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Loop.MaxIterations <= 0 {
		return errors.New("loop.max_iterations must be positive")
	}
	if c.Loop.ExecTimeout <= 0 || c.Loop.StartTimeout <= 0 {
		return errors.New("loop timeouts must be positive")
	}
	if c.Loop.MaxOutputBytes <= 0 {
		return errors.New("loop.max_output_bytes must be positive")
	}
	if c.Loop.IterationDelay < 0 {
		return errors.New("loop.iteration_delay must not be negative")
	}
	if c.Gateway.MaxAttempts <= 0 {
		return errors.New("gateway.max_attempts must be positive")
	}
	switch c.Sandbox.Language {
	case "starlark", "lua":
	default:
		return fmt.Errorf("sandbox.language %q is not supported", c.Sandbox.Language)
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.ExperimentsDir(), 0755); err != nil {
		return err
	}
	return nil
}

// ExperimentsDir holds the per-experiment artifact directories.
func (c *Config) ExperimentsDir() string {
	return filepath.Join(c.DataDir, "experiments")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func envInt(key string, dst *int) error {
	value, exists := os.LookupEnv(key)
	if !exists {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, value)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	value, exists := os.LookupEnv(key)
	if !exists {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, value)
	}
	*dst = d
	return nil
}

func envBool(key string, dst *bool) error {
	value, exists := os.LookupEnv(key)
	if !exists {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	*dst = b
	return nil
}
