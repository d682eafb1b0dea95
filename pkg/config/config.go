// Package config provides typed, validated access to chronotape's
// tunables, loaded from a YAML document.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chronotape/chronotape/cherr"
)

// Mode is the per-cassette recording mode.
type Mode string

const (
	ModeNone        Mode = "none"
	ModeOnce        Mode = "once"
	ModeNewEpisodes Mode = "new_episodes"
	ModeAll         Mode = "all"
)

// ModeEnvVar is the environment variable that overrides Config.Mode.
const ModeEnvVar = "CHRONOTAPE_MODE"

// Config holds chronotape's runtime tunables.
type Config struct {
	CassetteDir     string        `yaml:"cassette_dir"`
	ObjectDir       string        `yaml:"object_dir"`
	AuthParams      []string      `yaml:"auth_params"`
	AuthHeaders     []string      `yaml:"auth_headers"`
	VolatileHeaders []string      `yaml:"volatile_headers"`
	Mode            Mode          `yaml:"mode"`
	BatchSize       int           `yaml:"batch_size"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	MaxInlineSize   int64         `yaml:"max_inline_size"`
	StreamSpeed     float64       `yaml:"stream_speed"`
	StorageBackend  string        `yaml:"storage_backend"`
	Codec           string        `yaml:"codec"`
	CassetteExt     string        `yaml:"cassette_ext"`

	// Matchers is the ordered matcher-name list applied by default; see
	// pkg/matcher. Not exposed via YAML since names must resolve against
	// the matcher engine's registry, which is assembled in code.
	Matchers []string `yaml:"-"`
}

func defaults() Config {
	return Config{
		CassetteDir:     "fixtures/cassettes",
		ObjectDir:       "fixtures/objects",
		AuthParams:      []string{"token", "api_key", "apikey", "access_token", "signature"},
		AuthHeaders:     []string{"authorization", "x-api-key", "proxy-authorization", "cookie"},
		VolatileHeaders: []string{"date", "server", "set-cookie", "request-id", "x-request-id", "x-amzn-trace-id"},
		Mode:            ModeNone,
		BatchSize:       20,
		BatchTimeout:    250 * time.Millisecond,
		MaxInlineSize:   64 * 1024,
		StreamSpeed:     1.0,
		StorageBackend:  "filesystem",
		Codec:           "json",
		CassetteExt:     ".jsonl",
	}
}

// Load reads and validates a YAML config document at path. Defaults are
// applied before unmarshalling so a partial or empty document still
// produces a valid Config. ModeEnvVar, if set, overrides whatever the
// file specifies.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, &cherr.ConfigError{Field: "path", Reason: err.Error()}
	}
	if err == nil {
		if uerr := yaml.Unmarshal(data, &cfg); uerr != nil {
			return nil, &cherr.ConfigError{Field: "yaml", Reason: uerr.Error()}
		}
	}

	if env := os.Getenv(ModeEnvVar); env != "" {
		cfg.Mode = Mode(env)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants a Config must satisfy at boot:
// a known mode, sane batching/size parameters, a supported codec, and
// writable cassette/object directories.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeNone, ModeOnce, ModeNewEpisodes, ModeAll:
	default:
		return &cherr.ConfigError{Field: "mode", Reason: "unknown mode " + string(c.Mode)}
	}

	if c.BatchSize <= 0 {
		return &cherr.ConfigError{Field: "batch_size", Reason: "must be positive"}
	}
	if c.BatchTimeout <= 0 {
		return &cherr.ConfigError{Field: "batch_timeout", Reason: "must be positive"}
	}
	if c.MaxInlineSize < 0 {
		return &cherr.ConfigError{Field: "max_inline_size", Reason: "must not be negative"}
	}

	switch c.Codec {
	case "json":
	default:
		return &cherr.ConfigError{Field: "codec", Reason: "unsupported codec " + c.Codec}
	}

	if err := ensureWritable(c.CassetteDir); err != nil {
		return &cherr.ConfigError{Field: "cassette_dir", Reason: err.Error()}
	}
	if err := ensureWritable(c.ObjectDir); err != nil {
		return &cherr.ConfigError{Field: "object_dir", Reason: err.Error()}
	}
	return nil
}

func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".chronotape-writable-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}
