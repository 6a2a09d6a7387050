// Package config loads the server configuration from a TOML file with
// ADATP_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Authorization backends selectable via auth.mode.
const (
	AuthModeNone    = "none"
	AuthModeFile    = "file"
	AuthModeWebhook = "webhook"
)

// Config is the full server configuration tree.
type Config struct {
	Listen   ListenConfig   `mapstructure:"listen"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Keystore KeystoreConfig `mapstructure:"keystore"`
	Rooms    RoomsConfig    `mapstructure:"rooms"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Log      LogConfig      `mapstructure:"log"`
}

// ListenConfig holds the two listener addresses.
type ListenConfig struct {
	// TCP is the protocol listener address.
	TCP string `mapstructure:"tcp"`
	// HTTP is the admin API listener address.
	HTTP string `mapstructure:"http"`
}

// ServerConfig tunes the connection actors.
type ServerConfig struct {
	MaxConnections   int           `mapstructure:"max_connections"`
	QueueSize        int           `mapstructure:"queue_size"`
	DropPolicy       string        `mapstructure:"drop_policy"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	AnomalyThreshold uint32        `mapstructure:"anomaly_threshold"`
}

// AuthConfig selects and parameterizes the authorization backend.
type AuthConfig struct {
	Mode           string        `mapstructure:"mode"`
	AllowAnonymous bool          `mapstructure:"allow_anonymous"`
	UsersFile      string        `mapstructure:"users_file"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

// KeystoreConfig locates the admin API key database.
type KeystoreConfig struct {
	Path string `mapstructure:"path"`
}

// RoomsConfig names rooms created at boot that persist while empty.
type RoomsConfig struct {
	Persistent []string `mapstructure:"persistent"`
}

// TransferConfig bounds the file-transfer coordinator.
type TransferConfig struct {
	MaxFileSize   uint64        `mapstructure:"max_file_size"`
	MaxChunkSize  uint32        `mapstructure:"max_chunk_size"`
	MaxPerSender  int           `mapstructure:"max_per_sender"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LogConfig selects logging verbosity and output shape.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the configuration. An explicit path must exist; with an
// empty path the file adatpd.toml is searched in the working directory
// and /etc/adatp, and a missing file leaves the defaults in force.
// Environment variables such as ADATP_LISTEN_TCP override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("ADATP")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/adatp")
		v.SetConfigName("adatpd")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if path != "" || !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Auth.UsersFile = expandPath(cfg.Auth.UsersFile)
	cfg.Keystore.Path = expandPath(cfg.Keystore.Path)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.tcp", ":8444")
	v.SetDefault("listen.http", ":3000")

	v.SetDefault("server.max_connections", 1024)
	v.SetDefault("server.queue_size", 256)
	v.SetDefault("server.drop_policy", "oldest")
	v.SetDefault("server.handshake_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.anomaly_threshold", 8)

	v.SetDefault("auth.mode", AuthModeNone)
	v.SetDefault("auth.allow_anonymous", true)
	v.SetDefault("auth.users_file", "users.json")
	v.SetDefault("auth.webhook_timeout", 5*time.Second)

	v.SetDefault("keystore.path", "adatp_keys.db")

	v.SetDefault("rooms.persistent", []string{"global"})

	v.SetDefault("transfer.max_file_size", uint64(4)<<30)
	v.SetDefault("transfer.max_chunk_size", uint32(256)<<10)
	v.SetDefault("transfer.max_per_sender", 8)
	v.SetDefault("transfer.idle_timeout", 30*time.Second)
	v.SetDefault("transfer.sweep_interval", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c *Config) validate() error {
	switch c.Auth.Mode {
	case AuthModeNone, AuthModeFile, AuthModeWebhook:
	default:
		return fmt.Errorf("config: unknown auth mode %q", c.Auth.Mode)
	}
	if c.Auth.Mode == AuthModeFile && c.Auth.UsersFile == "" {
		return fmt.Errorf("config: auth mode %q requires auth.users_file", AuthModeFile)
	}
	if c.Auth.Mode == AuthModeWebhook && c.Auth.WebhookURL == "" {
		return fmt.Errorf("config: auth mode %q requires auth.webhook_url", AuthModeWebhook)
	}

	switch c.Server.DropPolicy {
	case "oldest", "newest":
	default:
		return fmt.Errorf("config: unknown drop policy %q", c.Server.DropPolicy)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// Apply configures the global logger from the log section.
func (l LogConfig) Apply() error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logrus.SetLevel(level)
	if l.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
