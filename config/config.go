// Package config loads engine configuration from an optional TOML file
// layered over defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultDataDir is where the metadata and blob databases live.
	DefaultDataDir = "/var/lib/cluebox"

	// DefaultAddr is the admin server listen address.
	DefaultAddr = "127.0.0.1:7419"

	configPathEnvKey = "CLUEBOX_CONFIG"
)

// CacheConfig tunes the image lifecycle cache.
type CacheConfig struct {
	// MaxResident is the capacity limit on resident images.
	MaxResident int `toml:"max_resident"`

	// StaleAfterSeconds is how long an untouched image survives.
	StaleAfterSeconds int `toml:"stale_after_seconds"`

	// SweepIntervalSeconds is the staleness sweep period.
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

// S3Config selects and tunes the S3 blob backend.
type S3Config struct {
	// Enabled switches blob storage from the local bbolt file to S3.
	Enabled bool   `toml:"enabled"`
	Region  string `toml:"region"`
	Bucket  string `toml:"bucket"`
	Prefix  string `toml:"prefix"`
}

// ServerConfig tunes the admin server.
type ServerConfig struct {
	Addr string `toml:"addr"`

	// PasswordHash is the bcrypt hash of the shared instructor
	// password. Empty disables the gate (local development only).
	PasswordHash string `toml:"password_hash"`
}

// Config is the full engine configuration.
type Config struct {
	DataDir  string       `toml:"data_dir"`
	LogLevel string       `toml:"log_level"`
	Cache    CacheConfig  `toml:"cache"`
	S3       S3Config     `toml:"s3"`
	Server   ServerConfig `toml:"server"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		DataDir:  DefaultDataDir,
		LogLevel: "info",
		Cache: CacheConfig{
			MaxResident:          3,
			StaleAfterSeconds:    30,
			SweepIntervalSeconds: 5,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Server: ServerConfig{
			Addr: DefaultAddr,
		},
	}
}

// Load returns the defaults overlaid with the TOML file at path. An
// empty path falls back to the CLUEBOX_CONFIG environment variable; a
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(configPathEnvKey)
	}
	if path == "" {
		return cfg, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if info.IsDir() {
		return cfg, fmt.Errorf("config path %s is a directory", path)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// MetaDBPath returns the metadata store location under the data dir.
func (c Config) MetaDBPath() string {
	return filepath.Join(c.DataDir, "metadata.db")
}

// BlobDBPath returns the local blob store location under the data dir.
func (c Config) BlobDBPath() string {
	return filepath.Join(c.DataDir, "images.bolt")
}

// StaleAfter returns the cache staleness threshold as a duration.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Cache.StaleAfterSeconds) * time.Second
}

// SweepInterval returns the cache sweep period as a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepIntervalSeconds) * time.Second
}
