package statestore

import (
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"

	"github.com/tidewave/statestore/internal/backend"
	"github.com/tidewave/statestore/internal/meta"
)

// Config is the YAML configuration of the statestore command
type Config struct {
	// Backend is the URL of the shared storage, see backend.Open
	Backend string               `yaml:"backend"`
	Retry   backend.RetryOptions `yaml:"retry"`
	Log     LogConfig            `yaml:"log"`
	Meta    MetaConfig           `yaml:"meta"`
	Client  Options              `yaml:"client"`
}

type LogConfig struct {
	// Level is one of debug, info, warn or error
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type MetaConfig struct {
	// Listen is the address the meta service serves RPC on
	Listen string `yaml:"listen"`
	// Remote is the URL of a meta service, when empty the meta service runs
	// in process
	Remote  string       `yaml:"remote"`
	Service meta.Options `yaml:"service"`
}

func DefaultConfig() Config {
	return Config{
		Backend: "mem://statestore",
		Log:     LogConfig{Level: "info"},
		Meta: MetaConfig{
			Listen:  "localhost:7070",
			Service: meta.DefaultOptions(),
		},
		Client: DefaultOptions(),
	}
}

// LoadConfig reads the YAML file at path on top of DefaultConfig. A missing
// file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config '%s'", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config '%s'", path)
	}
	return cfg, nil
}

// Logger returns a slog.Logger writing to stderr at the configured level
func (c LogConfig) Logger() (*slog.Logger, error) {
	var level slog.Level
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(c.Level))); err != nil {
			return nil, errors.Wrapf(err, "log level '%s'", c.Level)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
