package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/matst80/wsrelay/internal/client"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg Config
	cmd := &cobra.Command{
		Use:          "wsrelay-client",
		Short:        "Expose a TCP target on a local port through a wsrelay endpoint",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	registerFlags(cmd.Flags(), &cfg)
	return cmd
}

func run(parent context.Context, cfg Config) error {
	obs.EnableDebug(cfg.Debug)
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	obs.Info("client.start", obs.Fields{"listen": ln.Addr().String(), "relay": cfg.RelayURL, "target": cfg.Target})
	return serveLocal(ctx, ln, cfg)
}

// serveLocal accepts on ln until ctx ends, opening one relay tunnel per connection.
func serveLocal(ctx context.Context, ln net.Listener, cfg Config) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("accept.local.temp", obs.Fields{"err": err.Error()})
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleLocal(ctx, c, cfg)
		}()
	}

	obs.Info("client.shutdown.signal", obs.Fields{"grace": cfg.GracePeriod.String()})
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	if cfg.GracePeriod > 0 {
		select {
		case <-drained:
		case <-time.After(cfg.GracePeriod):
			obs.Warn("client.shutdown.grace_expired", obs.Fields{})
		}
	}
	obs.Info("client.shutdown.complete", obs.Fields{})
	return nil
}

func handleLocal(ctx context.Context, local net.Conn, cfg Config) {
	fields := obs.Fields{"local": local.RemoteAddr().String(), "target": cfg.Target}
	tunnel, err := client.DialWithRetry(ctx, cfg.RelayURL, cfg.Target,
		client.Options{AckTimeout: cfg.AckTimeout}, client.NewBackOff(cfg.RetryMax))
	if err != nil {
		fields["err"] = err.Error()
		obs.Error("tunnel.dial", fields)
		_ = local.Close()
		return
	}
	obs.Info("tunnel.open", fields)
	start := time.Now()
	up, down := pipe(ctx, local, tunnel)
	fields["bytes_up"] = up
	fields["bytes_down"] = down
	fields["duration_ms"] = time.Since(start).Milliseconds()
	obs.Info("tunnel.closed", fields)
}

// pipe copies in both directions until either side ends or ctx is done, then
// closes both.
func pipe(ctx context.Context, local, tunnel net.Conn) (up, down int64) {
	var once sync.Once
	closeBoth := func() {
		_ = local.Close()
		_ = tunnel.Close()
	}
	stop := context.AfterFunc(ctx, func() { once.Do(closeBoth) })
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		up, _ = io.Copy(tunnel, local)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		down, _ = io.Copy(local, tunnel)
		once.Do(closeBoth)
	}()
	wg.Wait()
	return up, down
}
