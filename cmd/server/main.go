package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/registry"
	"github.com/matst80/wsrelay/internal/relay"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg Config
	var configPath string
	cmd := &cobra.Command{
		Use:          "wsrelay",
		Short:        "Relay WebSocket connections to TCP targets named in the upgrade request",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath != "" {
				if err := applyConfigFile(configPath, cmd.Flags(), &cfg); err != nil {
					return err
				}
			} else if err := cfg.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	registerFlags(cmd.Flags(), &cfg)
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file; explicit flags override its values")
	return cmd
}

func run(parent context.Context, cfg Config) error {
	obs.EnableDebug(cfg.Debug)
	obs.Info("server.start", obs.Fields{"listen": cfg.ListenAddr, "metrics": cfg.MetricsAddr, "tls": cfg.TLSCertFile != ""})

	state, err := registry.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("registry.init", obs.Fields{"err": err.Error()})
		return fmt.Errorf("init registry: %w", err)
	}
	defer func() {
		if err := state.Close(); err != nil {
			obs.Error("registry.close", obs.Fields{"err": err.Error()})
		}
	}()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		obs.Error("listen.relay", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	relaySrv := relay.New(relay.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		ReadBufferSize: cfg.ReadBufferSize,
		CloseGrace:     cfg.CloseGrace,
		Registry:       state,
	})
	httpSrv := &http.Server{Handler: relaySrv, ReadHeaderTimeout: 10 * time.Second}
	metricsSrv := newMetricsServer(cfg.MetricsAddr, state)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.TLSCertFile != "" {
			err = httpSrv.ServeTLS(ln, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = httpSrv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		obs.Error("serve.relay", obs.Fields{"err": err.Error()})
		return fmt.Errorf("relay listener: %w", err)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			obs.Info("metrics.listen", obs.Fields{"addr": cfg.MetricsAddr})
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				obs.Error("metrics.listen", obs.Fields{"err": err.Error()})
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
	}
	if m, ok := state.(registry.Maintainer); ok {
		g.Go(func() error {
			m.StartMaintenance(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("server.shutdown.signal", obs.Fields{})
		state.SetClosing(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		// Hijacked connections are not tracked by http.Server; the relay drains them.
		_ = httpSrv.Shutdown(shutdownCtx)
		if err := relaySrv.Shutdown(shutdownCtx); err != nil {
			obs.Warn("relay.drain.incomplete", obs.Fields{"err": err.Error(), "active": relaySrv.Active()})
		}
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	})

	state.SetReady(true)
	obs.Info("server.ready", obs.Fields{})

	err = g.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
	return err
}
