package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openmirror/syncbox/internal/utils"
)

const (
	DefaultPort          = 8888
	DefaultChunkSize     = 64 * 1024
	DefaultTimeout       = 30 * time.Second
	DefaultMaxConns      = 10
	DefaultConflictStrat = "ask"
)

// ConflictStrategy selects how a session treats detected conflicts.
type ConflictStrategy string

const (
	ConflictAsk    ConflictStrategy = "ask"
	ConflictLocal  ConflictStrategy = "local"
	ConflictRemote ConflictStrategy = "remote"
	ConflictSkip   ConflictStrategy = "skip"
)

func (s ConflictStrategy) Valid() bool {
	switch s {
	case ConflictAsk, ConflictLocal, ConflictRemote, ConflictSkip:
		return true
	}
	return false
}

type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	BindAddress    string `mapstructure:"bind_address"`
	DataRoot       string `mapstructure:"data_root"`
	MaxConnections int    `mapstructure:"max_connections"`
	StatusAddr     string `mapstructure:"status_addr"`
}

type ClientConfig struct {
	RemoteHost string        `mapstructure:"remote_host"`
	RemotePort int           `mapstructure:"remote_port"`
	LocalRoot  string        `mapstructure:"local_root"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	IgnorePatterns   []string         `mapstructure:"ignore_patterns"`
	Compression      bool             `mapstructure:"compression"`
	ChunkSize        int              `mapstructure:"chunk_size"`
	ConflictStrategy ConflictStrategy `mapstructure:"conflict_strategy"`
}

type EncryptionConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	KeyFile string `mapstructure:"key_file"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Client     ClientConfig     `mapstructure:"client"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Encryption EncryptionConfig `mapstructure:"encryption"`

	// Path of the config file actually loaded, empty when defaults only.
	Path string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.data_root", "./server_files")
	v.SetDefault("server.max_connections", DefaultMaxConns)
	v.SetDefault("client.remote_host", "127.0.0.1")
	v.SetDefault("client.remote_port", DefaultPort)
	v.SetDefault("client.local_root", "./client_files")
	v.SetDefault("client.timeout", DefaultTimeout)
	v.SetDefault("sync.chunk_size", DefaultChunkSize)
	v.SetDefault("sync.compression", false)
	v.SetDefault("sync.conflict_strategy", DefaultConflictStrat)
	v.SetDefault("encryption.enabled", false)
}

// Load reads the config file at path (optional, defaults apply when
// empty) plus SYNCBOX_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SYNCBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	return &cfg, nil
}

// Validate checks the subset of the config a process actually uses.
// forServer selects the server-side checks.
func (c *Config) Validate(forServer bool) error {
	if !c.Sync.ConflictStrategy.Valid() {
		return fmt.Errorf("invalid conflict strategy %q", c.Sync.ConflictStrategy)
	}
	if c.Sync.ChunkSize <= 0 {
		return errors.New("sync.chunk_size must be positive")
	}

	if c.Encryption.Enabled {
		if c.Encryption.KeyFile == "" {
			return errors.New("encryption enabled but encryption.key_file not set")
		}
		if !utils.FileExists(c.Encryption.KeyFile) {
			return fmt.Errorf("encryption key file not found: %s", c.Encryption.KeyFile)
		}
	}

	if forServer {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return fmt.Errorf("invalid server port %d", c.Server.Port)
		}
		if c.Server.DataRoot == "" {
			return errors.New("server.data_root not set")
		}
		return nil
	}

	if c.Client.RemoteHost == "" {
		return errors.New("client.remote_host not set")
	}
	if c.Client.RemotePort <= 0 || c.Client.RemotePort > 65535 {
		return fmt.Errorf("invalid remote port %d", c.Client.RemotePort)
	}
	if c.Client.LocalRoot == "" {
		return errors.New("client.local_root not set")
	}
	return nil
}

// BindAddr returns the address the server listens on. bind_address wins
// over host when both are set.
func (c *Config) BindAddr() string {
	host := c.Server.BindAddress
	if host == "" {
		host = c.Server.Host
	}
	return fmt.Sprintf("%s:%d", host, c.Server.Port)
}

// RemoteAddr returns the server address the client dials.
func (c *Config) RemoteAddr() string {
	return fmt.Sprintf("%s:%d", c.Client.RemoteHost, c.Client.RemotePort)
}

// ReadKey loads the symmetric key from the configured key file. The key
// file holds a single urlsafe-base64 line.
func (c *Config) ReadKey() (string, error) {
	raw, err := os.ReadFile(c.Encryption.KeyFile)
	if err != nil {
		return "", fmt.Errorf("read key file: %w", err)
	}
	key := string(raw)
	for len(key) > 0 && (key[len(key)-1] == '\n' || key[len(key)-1] == '\r') {
		key = key[:len(key)-1]
	}
	if key == "" {
		return "", fmt.Errorf("key file %s is empty", c.Encryption.KeyFile)
	}
	return key, nil
}
