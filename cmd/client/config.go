package main

import (
	"fmt"
	"time"

	"github.com/matst80/wsrelay/internal/client"
	"github.com/spf13/pflag"
)

// Config holds client runtime configuration.
type Config struct {
	RelayURL    string
	ListenAddr  string
	Target      string
	AckTimeout  time.Duration
	RetryMax    time.Duration
	GracePeriod time.Duration
	Debug       bool
}

func registerFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.RelayURL, "relay", "ws://127.0.0.1:8080/", "relay endpoint (ws, wss, http or https)")
	fs.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:2222", "local address accepting connections to tunnel")
	fs.StringVar(&cfg.Target, "target", "", "host:port the relay should connect to")
	fs.DurationVar(&cfg.AckTimeout, "ack-timeout", client.DefaultAckTimeout, "time to wait for the relay to confirm the target connection")
	fs.DurationVar(&cfg.RetryMax, "retry-max", 30*time.Second, "give up redialing an unreachable relay after this long (0 = never)")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", 0, "time to wait for active tunnels to drain after shutdown signal (0 = immediate)")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

// validate rejects a bad relay URL or target before anything listens.
func (c *Config) validate() error {
	if c.Target == "" {
		return fmt.Errorf("--target is required")
	}
	if _, err := client.BuildURL(c.RelayURL, c.Target); err != nil {
		return err
	}
	return nil
}
