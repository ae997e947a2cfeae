package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Fiber     FiberConfig
	Scheduler SchedulerConfig
	Poller    PollerConfig
	TCPServer TCPServerConfig
	RPC       RPCConfig
	Metrics   MetricsConfig
	LogLevel  string
}

// FiberConfig controls task stack sizing.
type FiberConfig struct {
	StackSize int // informational: retained from the source API, unused by the goroutine-backed Task
}

type SchedulerConfig struct {
	Threads int
	Name    string
}

type PollerConfig struct {
	MaxWaitMillis int
	MaxEvents     int
}

type TCPServerConfig struct {
	RecvTimeout time.Duration
	SendTimeout time.Duration
	MaxConns    int
}

type RPCConfig struct {
	Registry  RegistryConfig
	Client    ClientConfig
	Admin     AdminConfig
	KillTimer time.Duration
}

type RegistryConfig struct {
	HeartbeatTimeout time.Duration
	PruneInterval    time.Duration
}

// AdminConfig controls the registry's read-only debug WebSocket
// endpoint. Disabled by default; has no effect outside cmd/registry.
type AdminConfig struct {
	Enabled bool
	Addr    string
}

type ClientConfig struct {
	CallTimeout       time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
}

type MetricsConfig struct {
	Enabled bool
	Path    string
	Addr    string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/corofiber")

	setDefaults()

	viper.SetEnvPrefix("COROFIBER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	// Fiber defaults
	viper.SetDefault("fiber.stacksize", 131072)

	// Scheduler defaults
	viper.SetDefault("scheduler.threads", 4)
	viper.SetDefault("scheduler.name", "main")

	// Poller defaults
	viper.SetDefault("poller.maxwaitmillis", 3000)
	viper.SetDefault("poller.maxevents", 256)

	// TCP server defaults
	viper.SetDefault("tcpserver.recvtimeout", 120*time.Second)
	viper.SetDefault("tcpserver.sendtimeout", 120*time.Second)
	viper.SetDefault("tcpserver.maxconns", 10000)

	// RPC defaults
	viper.SetDefault("rpc.registry.heartbeattimeout", 40*time.Second)
	viper.SetDefault("rpc.registry.pruneinterval", 5*time.Second)
	viper.SetDefault("rpc.client.calltimeout", 5*time.Second)
	viper.SetDefault("rpc.client.heartbeatinterval", 10*time.Second)
	viper.SetDefault("rpc.client.dialtimeout", 3*time.Second)
	viper.SetDefault("rpc.killtimer", 40*time.Second)
	viper.SetDefault("rpc.admin.enabled", false)
	viper.SetDefault("rpc.admin.addr", ":9090")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.addr", ":2112")

	// Logging defaults
	viper.SetDefault("loglevel", "info")
}
