// Package config はintelkit CLIの設定ファイルを扱う
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/y-oga-819/go-intelkit/intelkit"
)

const (
	dirName        = ".intelkit"
	configFileName = "config.yaml"
	dbFileName     = "gems.db"
)

// Config はCLI全体の設定
type Config struct {
	Sidecar SidecarConfig `yaml:"sidecar"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
}

// SidecarConfig はサイドカーとクライアントの設定
type SidecarConfig struct {
	Provider        string   `yaml:"provider"`
	BinaryPath      string   `yaml:"binary_path"`
	Args            []string `yaml:"args,omitempty"`
	Instructions    string   `yaml:"instructions"`
	CommandTimeout  string   `yaml:"command_timeout"`
	ShutdownGrace   string   `yaml:"shutdown_grace"`
	MaxContentChars int      `yaml:"max_content_chars"`
	SkipPriming     bool     `yaml:"skip_priming"`
}

// StoreConfig は保存先の設定
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig はログ出力の設定
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		Sidecar: SidecarConfig{
			Provider:        intelkit.ProviderIntelligenceKit,
			Instructions:    intelkit.DefaultInstructions,
			CommandTimeout:  intelkit.DefaultCommandTimeout.String(),
			ShutdownGrace:   intelkit.DefaultShutdownGrace.String(),
			MaxContentChars: intelkit.DefaultMaxContentChars,
		},
		Store: StoreConfig{
			Path: filepath.Join(homeDir(), dirName, dbFileName),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath は設定ファイルの既定の場所を返す
func DefaultPath() string {
	return filepath.Join(homeDir(), dirName, configFileName)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// Load はYAMLファイルから設定を読み込み、環境変数で上書きする。
// ファイルが存在しない場合はデフォルト設定を使う。
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save は設定をYAMLファイルに書き出す
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("INTELKIT_BINARY"); path != "" {
		c.Sidecar.BinaryPath = path
	}
	if provider := os.Getenv("INTELKIT_PROVIDER"); provider != "" {
		c.Sidecar.Provider = provider
	}
	if path := os.Getenv("INTELKIT_DB"); path != "" {
		c.Store.Path = path
	}
	if level := os.Getenv("INTELKIT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// GetCommandTimeout は1コマンドの期限を返す
func (c *Config) GetCommandTimeout() time.Duration {
	return parseDuration(c.Sidecar.CommandTimeout, intelkit.DefaultCommandTimeout)
}

// GetShutdownGrace はshutdown後の待ち時間を返す
func (c *Config) GetShutdownGrace() time.Duration {
	return parseDuration(c.Sidecar.ShutdownGrace, intelkit.DefaultShutdownGrace)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ValidProviders は設定できるプロバイダ名
var ValidProviders = []string{intelkit.ProviderIntelligenceKit, intelkit.ProviderNone}

// Validate は設定値を検証する
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.Sidecar.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid provider: %s (valid: %v)", c.Sidecar.Provider, ValidProviders)
	}

	for name, value := range map[string]string{
		"command_timeout": c.Sidecar.CommandTimeout,
		"shutdown_grace":  c.Sidecar.ShutdownGrace,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive: %s", name, value)
		}
	}

	if c.Sidecar.MaxContentChars <= 0 {
		return fmt.Errorf("max_content_chars must be positive: %d", c.Sidecar.MaxContentChars)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path not configured (set store.path or INTELKIT_DB)")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// LogLevel はログレベルを返す（不正な値はinfo）
func (c *Config) LogLevel() zapcore.Level {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// ClientOptions はintelkitクライアントの設定に変換する
func (c *Config) ClientOptions(logger *zap.Logger) *intelkit.Options {
	return &intelkit.Options{
		BinaryPath:      c.Sidecar.BinaryPath,
		BinaryArgs:      c.Sidecar.Args,
		Instructions:    c.Sidecar.Instructions,
		SkipPriming:     c.Sidecar.SkipPriming,
		CommandTimeout:  c.GetCommandTimeout(),
		ShutdownGrace:   c.GetShutdownGrace(),
		MaxContentChars: c.Sidecar.MaxContentChars,
		Provider:        c.Sidecar.Provider,
		Logger:          logger,
	}
}
