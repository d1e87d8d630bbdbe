package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/ttstack/tt/internal/cfgdb"
	"github.com/ttstack/tt/internal/config"
	"github.com/ttstack/tt/internal/dispatch"
	"github.com/ttstack/tt/internal/driver/hypervisor"
	"github.com/ttstack/tt/internal/driver/network"
	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/metrics"
	"github.com/ttstack/tt/internal/observability"
	"github.com/ttstack/tt/internal/ratelimit"
	"github.com/ttstack/tt/internal/resource"
	"github.com/ttstack/tt/internal/serv"
	"github.com/ttstack/tt/internal/templatecatalog"
	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

func serveCmd() *cobra.Command {
	var (
		udpAddr    string
		httpAddr   string
		serverAddr string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host daemon",
		Long:  "Build a Serv registry for this host, restore any Envs persisted from a previous run, and start accepting client requests",
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

			if cmd.Flags().Changed("udp") {
				cfg.Listen.UDPAddr = udpAddr
			}
			if cmd.Flags().Changed("http") {
				cfg.Listen.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("server-addr") {
				cfg.Listen.ServerAddr = serverAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&udpAddr, "udp", "", "UDP listen address")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP convenience-mode listen address (empty disables it)")
	cmd.Flags().StringVar(&serverAddr, "server-addr", "", "address reported back to clients as this server's identity")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

func buildHyperDriver(cfg *config.Config) (hypervisor.Driver, error) {
	switch cfg.Hypervisor.Kind {
	case "firecracker":
		return hypervisor.NewFirecracker(cfg.Hypervisor.Firecracker), nil
	case "qemu":
		return hypervisor.NewQemu(cfg.Hypervisor.Qemu), nil
	case "bhyve":
		return hypervisor.NewBhyve(cfg.Hypervisor.Bhyve), nil
	case "docker":
		return hypervisor.NewDocker(cfg.Hypervisor.Docker), nil
	default:
		return nil, fmt.Errorf("%w: unknown hypervisor kind %q", ttdef.ErrDriverUnavailable, cfg.Hypervisor.Kind)
	}
}

func vmKindFor(kind string) ttdef.VmKind {
	switch kind {
	case "firecracker":
		return ttdef.VmKindFirecracker
	case "qemu":
		return ttdef.VmKindQemu
	case "bhyve":
		return ttdef.VmKindBhyve
	case "docker":
		return ttdef.VmKindDocker
	default:
		return ttdef.VmKindQemu
	}
}

func buildNetworkDriver(cfg *config.Config) (network.Driver, error) {
	switch cfg.Network.Driver {
	case "nftables":
		if runtime.GOOS != "linux" {
			return nil, fmt.Errorf("%w: nftables driver requires linux", ttdef.ErrDriverUnavailable)
		}
		return network.NewNFTables(cfg.Network.ServIP)
	case "ipfw":
		if runtime.GOOS != "freebsd" {
			return nil, fmt.Errorf("%w: ipfw driver requires freebsd", ttdef.ErrDriverUnavailable)
		}
		return network.NewIPFW(cfg.Network.ServIP)
	default:
		return nil, fmt.Errorf("%w: unknown network driver %q", ttdef.ErrDriverUnavailable, cfg.Network.Driver)
	}
}

func runServe(cfg *config.Config) error {
	hyperDrv, err := buildHyperDriver(cfg)
	if err != nil {
		return fmt.Errorf("build hypervisor driver: %w", err)
	}
	netDrv, err := buildNetworkDriver(cfg)
	if err != nil {
		return fmt.Errorf("build network driver: %w", err)
	}

	router := hypervisor.Router{Set: hypervisor.Set{vmKindFor(cfg.Hypervisor.Kind): hyperDrv}}
	rsc := resource.New(cfg.Resource.VmSlots, cfg.Resource.CPU, cfg.Resource.MemMB, cfg.Resource.DiskMB)
	s := serv.New(rsc, cfg.Ports.Low, cfg.Ports.High, serv.Drivers{NAT: netDrv, Hyper: router, Filter: netDrv})

	store, err := cfgdb.New(cfg.CfgDB.Dir)
	if err != nil {
		return fmt.Errorf("open cfgdb: %w", err)
	}

	loaded, remnants, err := store.ReadAll()
	if err != nil {
		return fmt.Errorf("read cfgdb: %w", err)
	}
	for _, l := range loaded {
		if err := s.RestoreEnv(context.Background(), l.Cli, l.Env); err != nil {
			logging.Op().Error("failed to restore env from cfgdb", "client", l.Cli, "env", l.Env.Id, "error", err)
		}
	}
	for _, snap := range remnants {
		for _, vmSnap := range snap.Vms {
			router.PostClean(vm.FromSnapshot(vmSnap))
		}
	}
	logging.Op().Info("cfgdb restore complete", "restored_envs", len(loaded), "crash_remnants", len(remnants))

	catalogCtx, cancelCatalog := context.WithCancel(context.Background())
	defer cancelCatalog()
	catalog, err := templatecatalog.New(catalogCtx, templatecatalog.Config{
		Bucket:          cfg.Catalog.Bucket,
		Prefix:          cfg.Catalog.Prefix,
		Region:          cfg.Catalog.Region,
		MirrorDir:       cfg.Catalog.MirrorDir,
		RefreshInterval: cfg.Catalog.RefreshInterval,
	})
	if err != nil {
		return fmt.Errorf("build template catalog: %w", err)
	}
	go catalog.Run(catalogCtx)

	dsp := &dispatch.Dispatcher{
		Serv:     s,
		CfgDB:    store,
		Images:   catalog,
		ServAddr: cfg.Listen.ServerAddr,
		ServIP:   cfg.Network.ServIP,
	}
	if cfg.RateLimit.Enabled {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		dsp.RateLimit = ratelimit.New(rc, nil, ratelimit.TierConfig{
			RequestsPerSecond: cfg.RateLimit.Default.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.Default.BurstSize,
		})
	}

	pool := dispatch.NewWorkerPool(dsp, 0)
	pool.Start()
	defer pool.Stop()

	udpSrv, err := dispatch.ListenUDP(cfg.Listen.UDPAddr, pool)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer udpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go udpSrv.Serve(ctx)
	logging.Op().Info("udp listener started", "addr", cfg.Listen.UDPAddr)

	sweeper := dispatch.NewSweeper(dsp, cfg.Sweep.Interval)
	go sweeper.Run(ctx)

	if cfg.Listen.HTTPAddr != "" {
		dispatch.ServeHTTP(ctx, cfg.Listen.HTTPAddr, dsp)
		logging.Op().Info("http convenience listener started", "addr", cfg.Listen.HTTPAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Op().Info("shutdown signal received")
	cancel()
	time.Sleep(200 * time.Millisecond) // let in-flight udp handlers and the http server's goroutine close
	return nil
}
