package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds configuration for the infrcd daemon.
type ServerConfig struct {
	Locator           string
	Device            string
	LogLevel          string
	MaxWorkers        int
	PollMicros        int
	MetricsListenAddr string
	OtelCollectorAddr string

	Transport TransportConfig
}

// TransportConfig carries the transport tunables shared by server and
// client configs. Zero values select the transport's built-in defaults.
type TransportConfig struct {
	MaxSharedRxQueueDepth uint32
	MaxTxQueueDepth       uint32
	MaxRPCSize            uint32
	QPExchangeTimeoutUS   uint32
	QPExchangeMaxTimeouts int
}

// QPExchangeTimeout returns the per-cycle handshake budget as a Duration.
func (c *TransportConfig) QPExchangeTimeout() time.Duration {
	return time.Duration(c.QPExchangeTimeoutUS) * time.Microsecond
}

func setTransportDefaults(v *viper.Viper) {
	v.SetDefault("max_shared_rx_queue_depth", 32)
	v.SetDefault("max_tx_queue_depth", 64)
	v.SetDefault("max_rpc_size", (1<<23)+4096)
	v.SetDefault("qp_exchange_timeout_us", 50000)
	v.SetDefault("qp_exchange_max_timeouts", 10)
}

func transportFromViper(v *viper.Viper) TransportConfig {
	return TransportConfig{
		MaxSharedRxQueueDepth: v.GetUint32("max_shared_rx_queue_depth"),
		MaxTxQueueDepth:       v.GetUint32("max_tx_queue_depth"),
		MaxRPCSize:            v.GetUint32("max_rpc_size"),
		QPExchangeTimeoutUS:   v.GetUint32("qp_exchange_timeout_us"),
		QPExchangeMaxTimeouts: v.GetInt("qp_exchange_max_timeouts"),
	}
}

// LoadServerConfig loads the daemon configuration from a file or environment
// variables.
func LoadServerConfig(configPath string) (*ServerConfig, error) {
	v := viper.New()

	v.SetDefault("locator", "infrc:host=0.0.0.0,port=1100")
	v.SetDefault("device", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("max_workers", 0) // 0 = one per processor
	v.SetDefault("poll_micros", 10000)
	v.SetDefault("metrics_listen_addr", "")
	v.SetDefault("otel_collector_addr", "")
	setTransportDefaults(v)

	v.SetEnvPrefix("INFRC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("infrcd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.infrc")
		v.AddConfigPath("/etc/infrc")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return &ServerConfig{
		Locator:           v.GetString("locator"),
		Device:            v.GetString("device"),
		LogLevel:          v.GetString("log_level"),
		MaxWorkers:        v.GetInt("max_workers"),
		PollMicros:        v.GetInt("poll_micros"),
		MetricsListenAddr: v.GetString("metrics_listen_addr"),
		OtelCollectorAddr: v.GetString("otel_collector_addr"),
		Transport:         transportFromViper(v),
	}, nil
}

// WriteDefaultServerConfig creates a default configuration file for infrcd.
func WriteDefaultServerConfig(path string) error {
	configContent := `# infrcd configuration
locator: "infrc:host=0.0.0.0,port=1100"
device: "" # empty selects the first HCA
log_level: "info" # debug, info, warn, error
max_workers: 0 # 0 = one per processor
poll_micros: 10000
metrics_listen_addr: "" # e.g. ":9155" to expose Prometheus metrics
otel_collector_addr: "" # e.g. "grpc://localhost:4317"
max_shared_rx_queue_depth: 32
max_tx_queue_depth: 64
max_rpc_size: 8392704 # one 8 MiB segment plus slack
qp_exchange_timeout_us: 50000
qp_exchange_max_timeouts: 10
`
	return writeConfigFile(path, configContent)
}
