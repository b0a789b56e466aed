// Package config loads scopebridge settings from a config file, environment
// variables and key=value parameters, in that order of precedence (later
// sources win).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kamilpajak/scopebridge/internal/report"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment variables that override settings, e.g.
// SCOPEBRIDGE_ORANGEBEARD_ACCESSTOKEN for orangebeard.accessToken.
const EnvPrefix = "SCOPEBRIDGE_"

// DefaultFile is looked up in the working directory when no file is given.
const DefaultFile = "scopebridge.yaml"

// Sink names.
const (
	SinkOrangebeard = "orangebeard"
	SinkPostgres    = "postgres"
	SinkConsole     = "console"
)

// ErrUnknownKey is returned by Set for a key that is not a setting.
var ErrUnknownKey = errors.New("unknown configuration key")

// Config holds all settings.
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Sink           string            `yaml:"sink"`
	Orangebeard    OrangebeardConfig `yaml:"orangebeard"`
	Run            RunConfig         `yaml:"run"`
	RootNamespaces []string          `yaml:"rootNamespaces"`
	Prefixes       []string          `yaml:"prefixes"`
	Database       DatabaseConfig    `yaml:"database"`
	Log            LogConfig         `yaml:"log"`
	Server         ServerConfig      `yaml:"server"`
	Attachments    AttachmentsConfig `yaml:"attachments"`
}

// OrangebeardConfig configures the remote reporting service.
type OrangebeardConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	AccessToken       string        `yaml:"accessToken"`
	Project           string        `yaml:"project"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Timeout           time.Duration `yaml:"timeout"`
}

// RunConfig describes the run as shown in the report.
type RunConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Attributes is "key:value;value;key2:value2".
	Attributes string `yaml:"attributes"`
}

// DatabaseConfig configures the postgres archive sink.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// LogConfig configures diagnostic logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ServerConfig configures the ingest server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// AttachmentsConfig limits attachment uploads.
type AttachmentsConfig struct {
	MaxBytes int64 `yaml:"maxBytes"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Enabled: true,
		Sink:    SinkOrangebeard,
		Orangebeard: OrangebeardConfig{
			RequestsPerSecond: 20,
			Timeout:           30 * time.Second,
		},
		Run:      RunConfig{Name: "Test run"},
		Prefixes: []string{"-> "},
		Log:      LogConfig{Level: "info", Format: "text"},
		Server:   ServerConfig{Addr: ":8080"},
	}
}

// Load builds the configuration. path may be empty, in which case
// DefaultFile is read if present. environ is a list of KEY=value pairs as
// returned by os.Environ; params are explicit overrides.
func Load(path string, environ []string, params map[string]string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		key := strings.ReplaceAll(strings.TrimPrefix(name, EnvPrefix), "_", ".")
		if err := cfg.Set(key, value); err != nil && !errors.Is(err, ErrUnknownKey) {
			return nil, fmt.Errorf("environment %s: %w", name, err)
		}
	}

	for key, value := range params {
		if err := cfg.Set(key, value); err != nil {
			return nil, fmt.Errorf("parameter %s: %w", key, err)
		}
	}

	return cfg, nil
}

// ParseParams parses "key=value" arguments.
func ParseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", arg)
		}
		params[strings.TrimSpace(key)] = value
	}
	return params, nil
}

// Set applies one setting. Keys are case-insensitive and dotted, e.g.
// "orangebeard.accessToken" or "run.attributes". Commas in run attributes
// are read as semicolons, since some hosts cannot pass semicolons in
// parameters.
func (c *Config) Set(key, value string) error {
	switch strings.ToLower(key) {
	case "enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("enabled: %w", err)
		}
		c.Enabled = b
	case "sink":
		c.Sink = strings.ToLower(value)
	case "orangebeard.endpoint":
		c.Orangebeard.Endpoint = value
	case "orangebeard.accesstoken":
		c.Orangebeard.AccessToken = value
	case "orangebeard.project":
		c.Orangebeard.Project = value
	case "orangebeard.requestspersecond":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("requestsPerSecond: %w", err)
		}
		c.Orangebeard.RequestsPerSecond = f
	case "orangebeard.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		c.Orangebeard.Timeout = d
	case "run.name", "testsetname":
		c.Run.Name = value
	case "run.description", "description":
		c.Run.Description = value
	case "run.attributes", "attributes":
		c.Run.Attributes = strings.ReplaceAll(value, ",", ";")
	case "rootnamespaces":
		c.RootNamespaces = splitList(value)
	case "prefixes":
		// Prefixes keep their surrounding spaces.
		c.Prefixes = strings.Split(value, ";")
	case "database.url":
		c.Database.URL = value
	case "log.level":
		c.Log.Level = value
	case "log.format":
		c.Log.Format = value
	case "log.file":
		c.Log.File = value
	case "server.addr":
		c.Server.Addr = value
	case "attachments.maxbytes":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("maxBytes: %w", err)
		}
		c.Attachments.MaxBytes = n
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return nil
}

// Validate checks that the selected sink has what it needs. A disabled
// configuration is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Sink {
	case SinkOrangebeard:
		var missing []string
		if c.Orangebeard.Endpoint == "" {
			missing = append(missing, "orangebeard.endpoint")
		}
		if c.Orangebeard.AccessToken == "" {
			missing = append(missing, "orangebeard.accessToken")
		}
		if c.Orangebeard.Project == "" {
			missing = append(missing, "orangebeard.project")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
		}
	case SinkPostgres:
		if c.Database.URL == "" {
			return errors.New("missing required setting: database.url")
		}
	case SinkConsole:
	default:
		return fmt.Errorf("unknown sink %q", c.Sink)
	}
	return nil
}

// Attributes parses Run.Attributes. "key:value" becomes a keyed attribute,
// a bare "value" an attribute without key; empty entries are skipped.
func (c *Config) Attributes() []report.Attribute {
	return ParseAttributes(c.Run.Attributes)
}

// ParseAttributes parses "key:value;value" attribute lists.
func ParseAttributes(s string) []report.Attribute {
	var attrs []report.Attribute
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if key, value, ok := strings.Cut(part, ":"); ok {
			attrs = append(attrs, report.Attribute{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
			continue
		}
		attrs = append(attrs, report.Attribute{Value: part})
	}
	return attrs
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
