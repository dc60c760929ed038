package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"signflow/internal/domain"
)

const FileName = "signflow.yml"

// Config models signflow.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr" json:"addr"`
		BasePath  string `yaml:"base_path" json:"base_path"`
		JWTSecret string `yaml:"jwt_secret" json:"-"`
	} `yaml:"server" json:"server"`
	Database struct {
		Driver    string `yaml:"driver" json:"driver"`
		Workspace string `yaml:"workspace" json:"workspace"`
		DSN       string `yaml:"dsn" json:"-"`
	} `yaml:"database" json:"database"`
	Provider struct {
		Timeout time.Duration `yaml:"timeout" json:"timeout"`
	} `yaml:"provider" json:"provider"`
	Log struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`
	// Signature seeds the settings store on first start. Later changes go
	// through the settings API, not this file.
	Signature struct {
		Provider    string            `yaml:"provider" json:"provider"`
		Credentials map[string]string `yaml:"credentials" json:"-"`
		WebhookURL  string            `yaml:"webhook_url" json:"webhook_url,omitempty"`
	} `yaml:"signature" json:"signature"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("config.database.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("config.provider.timeout must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format %q is not one of text, json", c.Log.Format)
	}
	if c.Signature.Provider != "" {
		if _, err := domain.ParseProvider(c.Signature.Provider); err != nil {
			return fmt.Errorf("config.signature.provider: %w", err)
		}
	}
	return nil
}

// SeedSettings returns the settings the store starts from when empty.
func (c *Config) SeedSettings() (domain.SignatureSettings, error) {
	p := domain.ProviderLocal
	if c.Signature.Provider != "" {
		parsed, err := domain.ParseProvider(c.Signature.Provider)
		if err != nil {
			return domain.SignatureSettings{}, err
		}
		p = parsed
	}
	s := domain.SignatureSettings{Provider: p, WebhookURL: c.Signature.WebhookURL}
	if len(c.Signature.Credentials) > 0 {
		s.Credentials = make(map[string]string, len(c.Signature.Credentials))
		for k, v := range c.Signature.Credentials {
			s.Credentials[k] = v
		}
	}
	return s, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Database.Workspace = workspace
			return cfg, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Missing fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	applyDefaults(&cfg)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8080"
	}
	if cfg.Server.BasePath == "" {
		cfg.Server.BasePath = "/v1"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.Workspace == "" {
		cfg.Database.Workspace = "."
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  # jwt_secret: change-me   # or SIGNFLOW_JWT_SECRET

database:
  driver: sqlite
  workspace: .

provider:
  timeout: 10s

log:
  level: info
  format: text

signature:
  provider: local
`
