package main

import (
	"fmt"
	"os"
	"time"

	"github.com/matst80/wsrelay/internal/relay"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration derived from flags and an optional YAML file.
type Config struct {
	ListenAddr     string        `yaml:"listen"`
	MetricsAddr    string        `yaml:"metrics"`
	ConnectTimeout time.Duration `yaml:"connect-timeout"`
	ReadBufferSize int           `yaml:"read-buffer"`
	CloseGrace     time.Duration `yaml:"close-grace"`
	ShutdownGrace  time.Duration `yaml:"shutdown-grace"`
	Debug          bool          `yaml:"debug"`
	// Redis makes sessions visible across relay instances; empty means in-memory.
	RedisAddr     string `yaml:"redis-addr"`
	RedisPassword string `yaml:"redis-password"`
	RedisDB       int    `yaml:"redis-db"`
	// TLS serves wss:// directly instead of behind a terminating proxy.
	TLSCertFile string `yaml:"tls-cert"`
	TLSKeyFile  string `yaml:"tls-key"`
}

func registerFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.ListenAddr, "listen", ":8080", "address for WebSocket upgrade requests")
	fs.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", relay.DefaultConnectTimeout, "time limit for connecting to a target")
	fs.IntVar(&cfg.ReadBufferSize, "read-buffer", relay.DefaultReadBufferSize, "largest chunk read from a target per binary message")
	fs.DurationVar(&cfg.CloseGrace, "close-grace", relay.DefaultCloseGrace, "how long to wait for a caller to answer a close frame")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", 10*time.Second, "time allowed for draining sessions on shutdown")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for the shared session registry (empty = in-memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file path")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file path")
}

// applyConfigFile loads path over the defaults; flags given on the command line win.
func applyConfigFile(path string, fs *pflag.FlagSet, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	explicit := map[string]string{}
	fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = f.Value.String() })

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("reapply flag --%s: %w", name, err)
		}
	}
	return cfg.validate()
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect-timeout must be positive, got %s", c.ConnectTimeout)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls-cert and tls-key must be set together")
	}
	return nil
}
