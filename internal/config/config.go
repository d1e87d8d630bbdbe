// Package config is TT's central configuration surface: one Config
// struct assembled from defaults, an optional JSON file, and TT_*
// environment variable overrides, in that order of increasing
// precedence — the same three-layer shape the teacher's config package
// used, generalized from nova's serverless-function settings to TT's
// fleet-manager settings (hypervisor selection, port windows, resource
// budgets, cfgdb location, image catalog).
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ttstack/tt/internal/driver/hypervisor"
)

// ResourceConfig holds the host-wide resource budget handed to
// resource.New at startup.
type ResourceConfig struct {
	VmSlots int32 `json:"vm_slots"`
	CPU     int32 `json:"cpu"`    // vCPUs, same unit as a Vm's cpu_num
	MemMB   int32 `json:"mem_mb"`
	DiskMB  int32 `json:"disk_mb"`
}

// PortConfig holds the public-port (PubPort) allocation window handed to
// resource.NewPortAllocator.
type PortConfig struct {
	Low  uint16 `json:"low"`
	High uint16 `json:"high"`
}

// HypervisorConfig selects and configures the one HyperDriver this host
// runs, mirroring driver.Detect's VmKind enumeration.
type HypervisorConfig struct {
	Kind        string                       `json:"kind"` // firecracker, qemu, bhyve, docker
	Firecracker hypervisor.FirecrackerConfig `json:"firecracker"`
	Qemu        hypervisor.QemuConfig        `json:"qemu"`
	Bhyve       hypervisor.BhyveConfig       `json:"bhyve"`
	Docker      hypervisor.DockerConfig      `json:"docker"`
}

// NetworkConfig selects the NAT/firewall driver and the address it
// should believe this host answers on for DNAT rule generation.
type NetworkConfig struct {
	Driver string `json:"driver"` // nftables, ipfw
	ServIP string `json:"serv_ip"`
}

// CfgDBConfig points at the durable per-client Env catalog.
type CfgDBConfig struct {
	Dir string `json:"dir"`
}

// CatalogConfig configures the S3-backed OS template catalog.
type CatalogConfig struct {
	Bucket          string        `json:"bucket"`
	Prefix          string        `json:"prefix"`
	Region          string        `json:"region"`
	MirrorDir       string        `json:"mirror_dir"`
	RefreshInterval time.Duration `json:"refresh_interval"` // default 15s
}

// ListenConfig holds every address TT's host daemon binds.
type ListenConfig struct {
	UDPAddr    string `json:"udp_addr"`    // client wire protocol
	HTTPAddr   string `json:"http_addr"`   // convenience HTTP mode, "" disables it
	ServerAddr string `json:"server_addr"` // address reported back to clients as this server's identity
}

// SweepConfig configures the expired-Env reaper.
type SweepConfig struct {
	Interval time.Duration `json:"interval"` // default 1m
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`
	Namespace        string    `json:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"` // otlp-http, otlp-grpc, stdout
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// ObservabilityConfig groups every ambient telemetry setting.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// GRPCConfig holds the admin gRPC surface's settings.
type GRPCConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// RateLimitConfig holds per-client-id rate limiting settings, applied
// by ttserv in front of the UDP/HTTP wire; ttproxy does not use them.
type RateLimitConfig struct {
	Enabled   bool            `json:"enabled"`
	RedisAddr string          `json:"redis_addr"`
	Default   TierLimitConfig `json:"default"`
}

// TierLimitConfig holds rate limit settings for a single tier.
type TierLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	BurstSize         int     `json:"burst_size"`
}

// ProxyConfig configures cmd/ttproxy: the client-facing address it
// accepts requests on and the fixed pool of slave (ttserv) addresses it
// places Envs across and polls for capacity/env state.
type ProxyConfig struct {
	ClientAddr string   `json:"client_addr"`
	SlaveAddrs []string `json:"slave_addrs"`
}

// Config is the central configuration struct embedding every
// component's settings.
type Config struct {
	Resource      ResourceConfig      `json:"resource"`
	Ports         PortConfig          `json:"ports"`
	Hypervisor    HypervisorConfig    `json:"hypervisor"`
	Network       NetworkConfig       `json:"network"`
	CfgDB         CfgDBConfig         `json:"cfgdb"`
	Catalog       CatalogConfig       `json:"catalog"`
	Listen        ListenConfig        `json:"listen"`
	Sweep         SweepConfig         `json:"sweep"`
	Observability ObservabilityConfig `json:"observability"`
	GRPC          GRPCConfig          `json:"grpc"`
	RateLimit     RateLimitConfig     `json:"rate_limit"`
	Proxy         ProxyConfig         `json:"proxy"`
}

// DefaultConfig returns a Config with sensible defaults for a
// single-host development deployment.
func DefaultConfig() *Config {
	return &Config{
		Resource: ResourceConfig{
			VmSlots: 64,
			CPU:     16000,
			MemMB:   65536,
			DiskMB:  655360,
		},
		Ports: PortConfig{
			Low:  20000,
			High: 30000,
		},
		Hypervisor: HypervisorConfig{
			Kind: "qemu",
			Firecracker: hypervisor.FirecrackerConfig{
				BinaryPath: "/usr/bin/firecracker",
				WorkDir:    "/var/lib/tt/firecracker",
				KernelPath: "/var/lib/tt/vmlinux",
			},
			Qemu: hypervisor.QemuConfig{
				BinaryPath: "/usr/bin/qemu-system-x86_64",
				WorkDir:    "/var/lib/tt/qemu",
			},
			Bhyve: hypervisor.BhyveConfig{
				ZFSRoot:       "zroot/tt",
				CloneMark:     "vm",
				CheckpointDir: "/var/lib/tt/bhyve/checkpoints",
			},
			Docker: hypervisor.DockerConfig{
				ImagePrefix: "tt/",
				Network:     "bridge",
			},
		},
		Network: NetworkConfig{
			Driver: "nftables",
			ServIP: "203.0.113.1",
		},
		CfgDB: CfgDBConfig{
			Dir: "/var/lib/tt/cfgdb",
		},
		Catalog: CatalogConfig{
			Bucket:          "tt-images",
			Prefix:          "templates/",
			Region:          "us-east-1",
			MirrorDir:       "/var/lib/tt/templates",
			RefreshInterval: 15 * time.Second,
		},
		Listen: ListenConfig{
			UDPAddr:    ":9000",
			HTTPAddr:   "",
			ServerAddr: "127.0.0.1:9000",
		},
		Sweep: SweepConfig{
			Interval: time.Minute,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "tt",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "tt",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
		GRPC: GRPCConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		RateLimit: RateLimitConfig{
			Enabled:   false,
			RedisAddr: "localhost:6379",
			Default: TierLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		Proxy: ProxyConfig{
			ClientAddr: ":9100",
			SlaveAddrs: nil,
		},
	}
}

// LoadFromFile loads configuration from a JSON file, layered on top of
// DefaultConfig so an omitted field keeps its default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies TT_* environment variable overrides to cfg,
// mirroring the teacher's LoadFromEnv precedence (env beats file beats
// default).
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TT_UDP_ADDR"); v != "" {
		cfg.Listen.UDPAddr = v
	}
	if v := os.Getenv("TT_HTTP_ADDR"); v != "" {
		cfg.Listen.HTTPAddr = v
	}
	if v := os.Getenv("TT_SERVER_ADDR"); v != "" {
		cfg.Listen.ServerAddr = v
	}
	if v := os.Getenv("TT_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("TT_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}

	if v := os.Getenv("TT_HYPERVISOR_KIND"); v != "" {
		cfg.Hypervisor.Kind = v
	}
	if v := os.Getenv("TT_FIRECRACKER_BIN"); v != "" {
		cfg.Hypervisor.Firecracker.BinaryPath = v
	}
	if v := os.Getenv("TT_FIRECRACKER_KERNEL"); v != "" {
		cfg.Hypervisor.Firecracker.KernelPath = v
	}
	if v := os.Getenv("TT_FIRECRACKER_WORKDIR"); v != "" {
		cfg.Hypervisor.Firecracker.WorkDir = v
	}
	if v := os.Getenv("TT_QEMU_BIN"); v != "" {
		cfg.Hypervisor.Qemu.BinaryPath = v
	}
	if v := os.Getenv("TT_QEMU_WORKDIR"); v != "" {
		cfg.Hypervisor.Qemu.WorkDir = v
	}
	if v := os.Getenv("TT_BHYVE_ZFS_ROOT"); v != "" {
		cfg.Hypervisor.Bhyve.ZFSRoot = v
	}
	if v := os.Getenv("TT_DOCKER_IMAGE_PREFIX"); v != "" {
		cfg.Hypervisor.Docker.ImagePrefix = v
	}

	if v := os.Getenv("TT_NETWORK_DRIVER"); v != "" {
		cfg.Network.Driver = v
	}
	if v := os.Getenv("TT_SERV_IP"); v != "" {
		cfg.Network.ServIP = v
	}

	if v := os.Getenv("TT_CFGDB_DIR"); v != "" {
		cfg.CfgDB.Dir = v
	}

	if v := os.Getenv("TT_CATALOG_BUCKET"); v != "" {
		cfg.Catalog.Bucket = v
	}
	if v := os.Getenv("TT_CATALOG_PREFIX"); v != "" {
		cfg.Catalog.Prefix = v
	}
	if v := os.Getenv("TT_CATALOG_REGION"); v != "" {
		cfg.Catalog.Region = v
	}
	if v := os.Getenv("TT_CATALOG_MIRROR_DIR"); v != "" {
		cfg.Catalog.MirrorDir = v
	}
	if v := os.Getenv("TT_CATALOG_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Catalog.RefreshInterval = d
		}
	}

	if v := os.Getenv("TT_PORT_LOW"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Ports.Low = uint16(n)
		}
	}
	if v := os.Getenv("TT_PORT_HIGH"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Ports.High = uint16(n)
		}
	}

	if v := os.Getenv("TT_RESOURCE_VM_SLOTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Resource.VmSlots = int32(n)
		}
	}
	if v := os.Getenv("TT_RESOURCE_CPU"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Resource.CPU = int32(n)
		}
	}
	if v := os.Getenv("TT_RESOURCE_MEM_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Resource.MemMB = int32(n)
		}
	}
	if v := os.Getenv("TT_RESOURCE_DISK_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Resource.DiskMB = int32(n)
		}
	}

	if v := os.Getenv("TT_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweep.Interval = d
		}
	}

	if v := os.Getenv("TT_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("TT_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("TT_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("TT_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("TT_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}

	if v := os.Getenv("TT_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = parseBool(v)
	}
	if v := os.Getenv("TT_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}

	if v := os.Getenv("TT_RATELIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = parseBool(v)
	}
	if v := os.Getenv("TT_RATELIMIT_REDIS_ADDR"); v != "" {
		cfg.RateLimit.RedisAddr = v
	}
	if v := os.Getenv("TT_RATELIMIT_DEFAULT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.Default.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("TT_RATELIMIT_DEFAULT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.Default.BurstSize = n
		}
	}

	if v := os.Getenv("TT_PROXY_CLIENT_ADDR"); v != "" {
		cfg.Proxy.ClientAddr = v
	}
	if v := os.Getenv("TT_PROXY_SLAVE_ADDRS"); v != "" {
		cfg.Proxy.SlaveAddrs = strings.Split(v, ",")
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
