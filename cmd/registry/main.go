package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mercadocoro/corofiber/internal/config"
	"github.com/mercadocoro/corofiber/internal/logger"
	"github.com/mercadocoro/corofiber/internal/rpc/admin"
	"github.com/mercadocoro/corofiber/internal/rpc/registry"
	"github.com/mercadocoro/corofiber/internal/scheduler"
)

func main() {
	var listenAddr string
	var adminEnabled bool
	var adminAddr string

	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Run the RPC service registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(listenAddr, adminEnabled, adminAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "addr", ":9000", "address to accept provider and consumer connections on")
	cmd.Flags().BoolVar(&adminEnabled, "admin", false, "serve the debug admin WebSocket endpoint")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "address for the admin endpoint (defaults to config)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(listenAddr string, adminEnabled bool, adminAddr string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.WithComponent("cmd-registry")

	if adminEnabled {
		cfg.RPC.Admin.Enabled = true
	}
	if adminAddr != "" {
		cfg.RPC.Admin.Addr = adminAddr
	}

	poller, err := scheduler.NewPoller(cfg.Scheduler.Name, cfg.Scheduler.Threads, cfg.Poller.MaxEvents, cfg.Poller.MaxWaitMillis)
	if err != nil {
		return fmt.Errorf("create poller: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer poller.Stop()

	reg := registry.New(poller.Scheduler, poller.TimerWheel, cfg.RPC.Registry.HeartbeatTimeout, cfg.RPC.Registry.PruneInterval)

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	defer ln.Close()

	go func() {
		log.Info().Str("addr", listenAddr).Msg("registry listening")
		if err := reg.Serve(ctx, ln); err != nil {
			log.Error().Err(err).Msg("registry serve stopped")
		}
	}()

	var httpServer *http.Server
	var hub *admin.Hub
	if cfg.RPC.Admin.Enabled {
		hub = admin.NewHub(reg)
		hub.Run(ctx)

		mux := http.NewServeMux()
		mux.Handle("/admin/ws", admin.NewHandler(hub))
		if cfg.Metrics.Enabled {
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		}
		httpServer = &http.Server{Addr: cfg.RPC.Admin.Addr, Handler: mux}
		go func() {
			log.Info().Str("addr", cfg.RPC.Admin.Addr).Msg("admin endpoint listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("admin http server error")
			}
		}()
	} else if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		httpServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			log.Info().Str("addr", httpServer.Addr).Msg("metrics endpoint listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics http server error")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down registry")
	cancel()
	if hub != nil {
		hub.Stop()
	}
	if httpServer != nil {
		_ = httpServer.Shutdown(context.Background())
	}
	return nil
}
