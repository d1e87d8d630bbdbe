package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ttstack/tt/internal/clusterstore"
	"github.com/ttstack/tt/internal/config"
	"github.com/ttstack/tt/internal/env"
	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/metrics"
	"github.com/ttstack/tt/internal/observability"
	"github.com/ttstack/tt/internal/proxy"
)

func serveCmd() *cobra.Command {
	var (
		clientAddr string
		slaveAddrs string
		clusterDSN string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fan-out proxy daemon",
		Long:  "Poll a configured pool of slave hosts, place add_env requests across them, and route follow-up opcodes only to the slaves hosting each Env",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("client-addr") {
				cfg.Proxy.ClientAddr = clientAddr
			}
			if cmd.Flags().Changed("slaves") {
				cfg.Proxy.SlaveAddrs = strings.Split(slaveAddrs, ",")
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}
			if len(cfg.Proxy.SlaveAddrs) == 0 {
				return fmt.Errorf("ttproxy: at least one --slaves address is required")
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: "ttproxy",
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			return runServe(cfg, clusterDSN)
		},
	}

	cmd.Flags().StringVar(&clientAddr, "client-addr", "", "UDP address clients connect to")
	cmd.Flags().StringVar(&slaveAddrs, "slaves", "", "comma-separated slave (ttserv) addresses")
	cmd.Flags().StringVar(&clusterDSN, "cluster-dsn", "", "Postgres DSN for the durable slave-pool warm-start cache (optional)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

func runServe(cfg *config.Config, clusterDSN string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := proxy.NewInflightTable()
	fwd, err := proxy.NewForwarder(table)
	if err != nil {
		return fmt.Errorf("build forwarder: %w", err)
	}
	defer fwd.Close()

	var store *clusterstore.Store
	if clusterDSN != "" {
		store, err = clusterstore.New(ctx, clusterDSN)
		if err != nil {
			return fmt.Errorf("open cluster store: %w", err)
		}
		defer store.Close()
	}

	reg := proxy.NewRegistry(cfg.Proxy.SlaveAddrs, fwd, table, store)
	if err := reg.SeedFromStore(ctx); err != nil {
		logging.Op().Warn("proxy: seed from cluster store failed", "error", err)
	}

	router := &proxy.Router{Registry: reg, Forward: fwd, Table: table}

	listener, err := proxy.ListenClients(cfg.Proxy.ClientAddr, router)
	if err != nil {
		return fmt.Errorf("listen client address: %w", err)
	}
	defer listener.Close()

	go fwd.Run(ctx)
	go reg.Run(ctx)
	go listener.Serve(ctx)
	go sweepInflight(ctx, table)

	logging.Op().Info("ttproxy started", "client_addr", cfg.Proxy.ClientAddr, "slaves", cfg.Proxy.SlaveAddrs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Op().Info("shutdown signal received")
	cancel()
	time.Sleep(200 * time.Millisecond)
	return nil
}

// sweepInflight forces a timeout finish on every inflight request whose
// TimeoutSecs window has elapsed, once per second, matching the
// original's clean_timeout cron tick.
func sweepInflight(ctx context.Context, table *proxy.InflightTable) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			table.Sweep(int(env.Now()))
		}
	}
}
