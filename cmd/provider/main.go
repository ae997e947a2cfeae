package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mercadocoro/corofiber/internal/config"
	"github.com/mercadocoro/corofiber/internal/logger"
	"github.com/mercadocoro/corofiber/internal/rpc/server"
	"github.com/mercadocoro/corofiber/internal/scheduler"
)

func main() {
	var listenAddr, publicAddr, registryAddr string

	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Run an RPC provider exposing echo/add, registered with a service registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(listenAddr, publicAddr, registryAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "addr", ":9100", "address to accept consumer connections on")
	cmd.Flags().StringVar(&publicAddr, "public-addr", "127.0.0.1:9100", "address consumers should dial to reach this provider")
	cmd.Flags().StringVar(&registryAddr, "registry", "127.0.0.1:9000", "service registry address")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(listenAddr, publicAddr, registryAddr string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.WithComponent("cmd-provider")

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

	srv := server.New(poller.Scheduler, poller.TimerWheel, cfg.RPC.KillTimer)

	if err := srv.RegisterMethod("echo", func(msg string) (string, error) {
		return msg, nil
	}); err != nil {
		return err
	}
	if err := srv.RegisterMethod("add", func(a, b int64) (int64, error) {
		return a + b, nil
	}); err != nil {
		return err
	}

	_, publicPortStr, err := net.SplitHostPort(publicAddr)
	if err != nil {
		return fmt.Errorf("parse public address: %w", err)
	}
	publicPort, err := strconv.Atoi(publicPortStr)
	if err != nil {
		return fmt.Errorf("parse public port: %w", err)
	}

	if err := srv.ConnectRegistry(ctx, registryAddr, publicPort, cfg.RPC.Client.HeartbeatInterval); err != nil {
		return fmt.Errorf("connect to registry: %w", err)
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	defer ln.Close()

	go func() {
		log.Info().Str("addr", listenAddr).Str("registry", registryAddr).Msg("provider listening")
		if err := srv.Serve(ctx, ln); err != nil {
			log.Error().Err(err).Msg("provider serve stopped")
		}
	}()

	var httpServer *http.Server
	if cfg.Metrics.Enabled {
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

	log.Info().Msg("shutting down provider")
	cancel()
	if httpServer != nil {
		_ = httpServer.Shutdown(context.Background())
	}
	return nil
}
