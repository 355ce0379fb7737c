package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the top-level application configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	Workspace WorkspaceConfig           `yaml:"workspace"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	// Routes maps a stage name onto its ordered "provider/model" fallback
	// chain. Stages absent here use DefaultRoutes.
	Routes    map[string][]string `yaml:"routes"`
	Git       GitConfig           `yaml:"git"`
	Notify    NotifyConfig        `yaml:"notify"`
	Retention RetentionConfig     `yaml:"retention"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds database connection settings. An empty URL selects
// the in-memory build store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// WorkspaceConfig holds the artifact store root.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// ProviderConfig holds AI provider settings.
type ProviderConfig struct {
	Type   string `yaml:"type"`    // "openai" or "gemini"
	URL    string `yaml:"url"`     // base URL, openai-compatible providers only
	APIKey string `yaml:"api_key"` // API key; ${VAR} expands from the environment
}

// GitConfig holds repository publishing settings.
type GitConfig struct {
	Owner     string `yaml:"owner"`      // account repos are created under
	RemoteURL string `yaml:"remote_url"` // base URL, e.g. https://github.com
	Token     string `yaml:"token"`      // push token; ${VAR} expands from the environment
	Workspace string `yaml:"workspace"`  // local clone/init root
}

// NotifyConfig holds notification delivery settings. Empty fields disable
// the corresponding channel.
type NotifyConfig struct {
	WebhookURL string     `yaml:"webhook_url"`
	SMTP       SMTPConfig `yaml:"smtp"`
}

// SMTPConfig holds mail relay settings. From doubles as the auth user.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// RetentionConfig bounds how long terminal builds stay queryable in memory.
type RetentionConfig struct {
	Window time.Duration `yaml:"window"`
	// Sweep is a cron expression; empty disables the sweeper.
	Sweep string `yaml:"sweep"`
}

// DefaultRoutes is the fallback chain applied to every AI stage not listed
// in Routes.
var DefaultRoutes = []string{"openai/gpt-4o", "gemini/gemini-2.5-flash"}

// defaults returns a Config populated with sensible default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Workspace: WorkspaceConfig{Root: "workspace"},
		Providers: map[string]ProviderConfig{},
		Routes:    map[string][]string{},
		Retention: RetentionConfig{
			Window: 24 * time.Hour,
			Sweep:  "0 * * * *",
		},
	}
}

// Load reads a YAML configuration file at path and returns a Config.
// ${VAR} references in api_key and token fields are expanded from the
// environment after parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	if cfg.Routes == nil {
		cfg.Routes = map[string][]string{}
	}
	for name, p := range cfg.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		cfg.Providers[name] = p
	}
	cfg.Git.Token = os.ExpandEnv(cfg.Git.Token)
	cfg.Notify.SMTP.Password = os.ExpandEnv(cfg.Notify.SMTP.Password)

	return cfg, nil
}

// LoadDefault tries to load "config.yaml" from the current directory.
// If the file does not exist, it returns sensible defaults.
// Any other error (e.g. permission denied, malformed YAML) is returned.
func LoadDefault() (*Config, error) {
	cfg, err := Load("config.yaml")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaults(), nil
		}
		return nil, err
	}
	return cfg, nil
}
