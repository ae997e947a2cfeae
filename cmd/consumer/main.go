package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mercadocoro/corofiber/internal/config"
	"github.com/mercadocoro/corofiber/internal/logger"
	"github.com/mercadocoro/corofiber/internal/rpc/client"
	"github.com/mercadocoro/corofiber/internal/rpc/protocol"
	"github.com/mercadocoro/corofiber/internal/scheduler"
)

func main() {
	var registryAddr, strategyName string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Call echo on providers discovered through a service registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(registryAddr, strategyName, interval)
		},
	}
	cmd.Flags().StringVar(&registryAddr, "registry", "127.0.0.1:9000", "service registry address")
	cmd.Flags().StringVar(&strategyName, "strategy", "random", "routing strategy: random, roundrobin, haship")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "delay between demo calls")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func routeStrategy(name string) (client.RouteStrategy, error) {
	switch name {
	case "random":
		return client.RandomStrategy{}, nil
	case "roundrobin":
		return &client.RoundRobinStrategy{}, nil
	case "haship":
		return client.HashIPStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", name)
	}
}

func run(registryAddr, strategyName string, interval time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.WithComponent("cmd-consumer")

	strategy, err := routeStrategy(strategyName)
	if err != nil {
		return err
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

	opts := client.Options{
		CallTimeout:       cfg.RPC.Client.CallTimeout,
		AutoHeartbeat:     true,
		HeartbeatInterval: cfg.RPC.Client.HeartbeatInterval,
		DialTimeout:       cfg.RPC.Client.DialTimeout,
	}
	pool, err := client.NewPool(ctx, poller.Scheduler, poller.TimerWheel, registryAddr, strategy, "consumer-cli", opts)
	if err != nil {
		return fmt.Errorf("connect to registry: %w", err)
	}
	defer pool.Close()

	var httpServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		httpServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics http server error")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var tick int64
	var want string
	for {
		select {
		case <-quit:
			log.Info().Msg("shutting down consumer")
			if httpServer != nil {
				_ = httpServer.Shutdown(context.Background())
			}
			return nil
		case <-ticker.C:
			tick++
			result, err := pool.Call(ctx, "echo", []any{fmt.Sprintf("tick-%d", tick)}, reflect.TypeOf(want))
			if err != nil {
				log.Error().Err(err).Msg("pool call failed")
				continue
			}
			if result.Code != protocol.Success {
				log.Warn().Stringer("code", result.Code).Str("msg", result.Msg).Msg("echo call did not succeed")
				continue
			}
			log.Info().Interface("result", result.Value).Msg("echo")
		}
	}
}
