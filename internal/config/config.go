// Package config loads stepflow settings from a YAML file, STEPFLOW_* environment
// variables and flags through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"stepflow/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g. STEPFLOW_HTTP_BIND.
const EnvPrefix = "STEPFLOW"

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Events    EventsConfig    `mapstructure:"events"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Bind   string   `mapstructure:"bind"`
	Tokens []string `mapstructure:"tokens"`
}

// DatabaseConfig selects the step and task store backend.
type DatabaseConfig struct {
	// Driver is one of memory, sqlite or postgres.
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// EventsConfig tunes the in-process event bus.
type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// NATSConfig enables the cross-instance event relay.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	// Embedded starts an in-process NATS server instead of dialing URL.
	Embedded bool `mapstructure:"embedded"`
}

// TemplatesConfig locates user-defined run templates.
type TemplatesConfig struct {
	Dir string `mapstructure:"dir"`
}

// NotifyConfig lists where review notifications are sent.
type NotifyConfig struct {
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
	// Hook is a script run with each notification as JSON on stdin.
	Hook string `mapstructure:"hook"`
}

// WebhookConfig is one notification webhook.
type WebhookConfig struct {
	URL    string            `mapstructure:"url"`
	Format string            `mapstructure:"format"`
	Extra  map[string]string `mapstructure:"extra"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Dir returns ~/.stepflow, or .stepflow when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

// File returns the default config file path.
func File() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Bind: ":3456"},
		Database: DatabaseConfig{
			Driver:   "sqlite",
			DSN:      filepath.Join(Dir(), "stepflow.db"),
			MaxConns: 10,
		},
		Events: EventsConfig{Buffer: 64},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "stepflow",
		},
		Templates: TemplatesConfig{Dir: filepath.Join(Dir(), "templates")},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// SetDefaults registers every default with v so that env overrides and
// Unmarshal see the full key set.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("http.bind", d.HTTP.Bind)
	v.SetDefault("http.tokens", []string{})

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_conns", d.Database.MaxConns)

	v.SetDefault("events.buffer", d.Events.Buffer)

	v.SetDefault("nats.enabled", d.NATS.Enabled)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)
	v.SetDefault("nats.embedded", d.NATS.Embedded)

	v.SetDefault("templates.dir", d.Templates.Dir)

	v.SetDefault("notify.hook", "")

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// New returns a viper instance with defaults and env overrides wired. When
// path is empty the default locations are searched; a missing file is fine.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// STEPFLOW_HTTP_TOKENS arrives as one comma-separated string.
	if len(cfg.HTTP.Tokens) == 1 && strings.Contains(cfg.HTTP.Tokens[0], ",") {
		cfg.HTTP.Tokens = splitList(cfg.HTTP.Tokens[0])
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// SaveTokens persists generated API tokens to the config file v was read
// from, or to the default file.
func SaveTokens(v *viper.Viper, tokens []string) (string, error) {
	path := v.ConfigFileUsed()
	if path == "" {
		path = File()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	v.Set("http.tokens", tokens)
	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every invalid setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate returns every problem with c.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(c.HTTP.Bind) == "" {
		errs = append(errs, ValidationError{"http.bind", "must not be empty"})
	}

	switch c.Database.Driver {
	case "memory":
	case "sqlite", "sqlite3", "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, ValidationError{"database.dsn", "is required for " + c.Database.Driver})
		}
	default:
		errs = append(errs, ValidationError{"database.driver", fmt.Sprintf("unknown driver %q (memory, sqlite or postgres)", c.Database.Driver)})
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, ValidationError{"database.max_conns", "must be at least 1"})
	}

	if c.Events.Buffer < 1 {
		errs = append(errs, ValidationError{"events.buffer", "must be at least 1"})
	}

	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		errs = append(errs, ValidationError{"nats.url", "is required when the relay is enabled"})
	}
	if c.NATS.Enabled && strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
		errs = append(errs, ValidationError{"nats.subject_prefix", "must not contain spaces or wildcards"})
	}

	for i, wh := range c.Notify.Webhooks {
		field := fmt.Sprintf("notify.webhooks[%d]", i)
		if wh.URL == "" {
			errs = append(errs, ValidationError{field + ".url", "must not be empty"})
		}
		if !webhookFormats[wh.Format] {
			errs = append(errs, ValidationError{field + ".format", fmt.Sprintf("unknown format %q", wh.Format)})
		}
		if wh.Format == "custom" && wh.Extra["template"] == "" {
			errs = append(errs, ValidationError{field + ".extra.template", "is required for the custom format"})
		}
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, ValidationError{"log.level", err.Error()})
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, ValidationError{"log.format", "must be text or json"})
	}

	return errs
}

var webhookFormats = map[string]bool{
	"": true, "slack": true, "feishu": true, "dingtalk": true, "telegram": true, "json": true, "custom": true,
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
