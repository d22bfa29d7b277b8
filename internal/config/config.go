// Package config loads the engine's YAML configuration with environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Servers    []ServerConfig   `mapstructure:"servers" yaml:"servers"`
	Download   DownloadConfig   `mapstructure:"download" yaml:"download"`
	Processing ProcessingConfig `mapstructure:"processing" yaml:"processing"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Control    ControlConfig    `mapstructure:"control" yaml:"control"`

	// SpeedLimitBps is the process-wide token bucket size, in bytes/sec.
	// Zero/unset means unlimited. Runtime-mutable via the control surface.
	SpeedLimitBps int64 `mapstructure:"speed_limit_bps" yaml:"speed_limit_bps"`
}

type ServerConfig struct {
	ID            string `mapstructure:"id" yaml:"id"`
	Host          string `mapstructure:"host" yaml:"host"`
	Port          int    `mapstructure:"port" yaml:"port"`
	Username      string `mapstructure:"username" yaml:"username"`
	Password      string `mapstructure:"password" yaml:"password"`
	TLS           bool   `mapstructure:"tls" yaml:"tls"`
	Connections   int    `mapstructure:"connections" yaml:"connections"`
	Priority      int    `mapstructure:"priority" yaml:"priority"`
	PipelineDepth int    `mapstructure:"pipeline_depth" yaml:"pipeline_depth"`
}

type DownloadConfig struct {
	DownloadDir       string `mapstructure:"download_dir" yaml:"download_dir"`
	TempDir           string `mapstructure:"temp_dir" yaml:"temp_dir"`
	MaxConcurrent     int    `mapstructure:"max_concurrent_downloads" yaml:"max_concurrent_downloads"`
	FileCollision     string `mapstructure:"file_collision" yaml:"file_collision"`
	ArticleTimeoutSec int    `mapstructure:"article_timeout_seconds" yaml:"article_timeout_seconds"`
}

type DuplicateConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Action  string   `mapstructure:"action" yaml:"action"`
	Methods []string `mapstructure:"methods" yaml:"methods"`
}

type CleanupConfig struct {
	Enabled       bool `mapstructure:"enabled" yaml:"enabled"`
	DeleteSamples bool `mapstructure:"delete_samples" yaml:"delete_samples"`
}

type ProcessingConfig struct {
	Duplicate DuplicateConfig `mapstructure:"duplicate" yaml:"duplicate"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup" yaml:"cleanup"`
}

type PersistenceConfig struct {
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	BlobDir      string `mapstructure:"blob_dir" yaml:"blob_dir"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type ControlConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// defaultConfigPaths are searched in order when no explicit path is
// given; /config covers container deployments with a mounted volume.
var defaultConfigPaths = []string{"config.yaml", "/config/config.yaml"}

// resolveConfigPath decides which file Load reads. An explicit path must
// exist as given; otherwise the default locations are searched, with a
// hint when only the shipped example file is present.
func resolveConfigPath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file not found: %s", path)
		}
		return path, nil
	}

	for _, candidate := range defaultConfigPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	if _, err := os.Stat("config.yaml.example"); err == nil {
		return "", errors.New("no config.yaml found; copy config.yaml.example to config.yaml and fill in your news server credentials")
	}
	return "", fmt.Errorf("no config file found in %s", strings.Join(defaultConfigPaths, " or "))
}

func Load(path string) (*Config, error) {
	path, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetDefault("download.download_dir", "./downloads")
	v.SetDefault("download.temp_dir", "./downloads/.tmp")
	v.SetDefault("download.max_concurrent_downloads", 3)
	v.SetDefault("download.file_collision", "Rename")
	v.SetDefault("download.article_timeout_seconds", 60)
	v.SetDefault("processing.duplicate.enabled", true)
	v.SetDefault("processing.duplicate.action", "Block")
	v.SetDefault("processing.duplicate.methods", []string{"NzbHash"})
	v.SetDefault("processing.cleanup.enabled", true)
	v.SetDefault("processing.cleanup.delete_samples", true)
	v.SetDefault("persistence.database_path", "./data/gonzb.db")
	v.SetDefault("persistence.blob_dir", "./data/nzbs")
	v.SetDefault("log.path", "gonzb.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("control.listen_addr", ":8080")

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	v.SetEnvPrefix("GONZB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New("at least one server must be configured")
	}

	for i, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("server[%d] requires a unique ID", i)
		}
		if s.Host == "" {
			return fmt.Errorf("server %s: host is required", s.ID)
		}
		if s.Port == 0 {
			return fmt.Errorf("server %s: port is required", s.ID)
		}
		if s.Connections <= 0 {
			c.Servers[i].Connections = 10
		}
		if s.Priority < 0 {
			c.Servers[i].Priority = 0
		}
		if s.PipelineDepth <= 0 {
			c.Servers[i].PipelineDepth = 1
		}
	}

	switch c.Download.FileCollision {
	case "Rename", "Overwrite", "Skip":
	default:
		c.Download.FileCollision = "Rename"
	}

	switch c.Processing.Duplicate.Action {
	case "Allow", "Warn", "Block":
	default:
		c.Processing.Duplicate.Action = "Block"
	}

	return nil
}

// TotalConnections sums connections across every configured server — the
// fetch fan-out width for a single download.
func (c *Config) TotalConnections() int {
	total := 0
	for _, s := range c.Servers {
		total += s.Connections
	}
	return total
}
