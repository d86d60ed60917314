// Package config loads the description of a namespace: the credential
// it runs as and the filesystems mounted in it.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// Mount types.
const (
	TypeMemory   = "memory"
	TypeSnapshot = "snapshot"
	TypeBolt     = "bolt"
	TypeS3       = "s3"
	TypePostgres = "postgres"
	TypeOverlay  = "overlay"
)

type Config struct {
	LogLevel string        `yaml:"log_level" env:"LAYERFS_LOG_LEVEL" env-default:"warn" env-description:"debug, info, warn or error"`
	Cred     CredConfig    `yaml:"cred"`
	Mounts   []MountConfig `yaml:"mounts"`
}

type CredConfig struct {
	UID int `yaml:"uid" env:"LAYERFS_UID" env-description:"user id of the session"`
	GID int `yaml:"gid" env:"LAYERFS_GID" env-description:"group id of the session"`
}

// MountConfig describes one filesystem. Which fields apply depends on
// Type; overlays nest their two layers.
type MountConfig struct {
	Path     string `yaml:"path"`
	Type     string `yaml:"type"`
	ReadOnly bool   `yaml:"read_only"`
	Locked   bool   `yaml:"locked"`

	// snapshot and bolt
	File string `yaml:"file"`
	// bolt bucket or s3 bucket
	Bucket string `yaml:"bucket"`

	// s3
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	PathStyle       bool   `yaml:"path_style"`

	// postgres
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`

	// s3 and postgres
	CacheSize int `yaml:"cache_size"`

	// overlay
	Writable *MountConfig `yaml:"writable"`
	Readable *MountConfig `yaml:"readable"`
}

// Default is a single in-memory filesystem at the root.
func Default() *Config {
	return &Config{
		LogLevel: "warn",
		Mounts:   []MountConfig{{Path: "/", Type: TypeMemory}},
	}
}

// MustLoad is Load that panics on error.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic("cannot read config: " + err.Error())
	}
	return cfg
}

// Load reads the YAML file at configPath. ${VAR} references in the file
// are expanded and LAYERFS_* variables override the matching settings.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(expandEnvVars(data))
}

// Parse reads a YAML config from data and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := cleanenv.ParseYAML(bytes.NewReader(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Describe lists the environment variables the config reads.
func Describe() string {
	header := "Environment variables:"
	desc, err := cleanenv.GetDescription(&Config{}, &header)
	if err != nil {
		return ""
	}
	return desc
}

func expandEnvVars(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}

func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if len(c.Mounts) == 0 {
		return fmt.Errorf("no mounts configured")
	}
	seen := make(map[string]bool)
	for i := range c.Mounts {
		m := &c.Mounts[i]
		if m.Path == "" {
			return fmt.Errorf("mount %d: path is empty", i)
		}
		p := path.Clean("/" + m.Path)
		if seen[p] {
			return fmt.Errorf("mount %s: path mounted twice", p)
		}
		seen[p] = true
		if err := m.validate(); err != nil {
			return fmt.Errorf("mount %s: %w", p, err)
		}
	}
	return nil
}

func (m *MountConfig) validate() error {
	switch m.Type {
	case TypeMemory:
	case TypeSnapshot, TypeBolt:
		if m.File == "" {
			return fmt.Errorf("%s mount needs a file", m.Type)
		}
	case TypeS3:
		if m.Bucket == "" {
			return fmt.Errorf("s3 mount needs a bucket")
		}
	case TypePostgres:
		if m.DSN == "" {
			return fmt.Errorf("postgres mount needs a dsn")
		}
	case TypeOverlay:
		if m.Writable == nil || m.Readable == nil {
			return fmt.Errorf("overlay mount needs writable and readable layers")
		}
		if err := m.Writable.validate(); err != nil {
			return fmt.Errorf("writable layer: %w", err)
		}
		if m.Writable.ReadOnly {
			return fmt.Errorf("writable layer is read-only")
		}
		if err := m.Readable.validate(); err != nil {
			return fmt.Errorf("readable layer: %w", err)
		}
	case "":
		return fmt.Errorf("type is empty")
	default:
		return fmt.Errorf("unknown type %q", m.Type)
	}
	return nil
}

// Level is the parsed LogLevel.
func (c *Config) Level() (slog.Level, error) {
	if c.LogLevel == "" {
		return slog.LevelWarn, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
