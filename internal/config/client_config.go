package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ClientConfig holds configuration for the infrcping load tool.
type ClientConfig struct {
	Target            string
	Device            string
	LogLevel          string
	RatePerSec        int
	Count             int
	PayloadLen        int
	OtelCollectorAddr string

	Transport TransportConfig
}

// LoadClientConfig loads the infrcping configuration from a file or
// environment variables.
func LoadClientConfig(configPath string) (*ClientConfig, error) {
	v := viper.New()

	v.SetDefault("target", "infrc:host=127.0.0.1,port=1100")
	v.SetDefault("device", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("rate_per_sec", 1000)
	v.SetDefault("count", 10000)
	v.SetDefault("payload_len", 100)
	v.SetDefault("otel_collector_addr", "")
	setTransportDefaults(v)

	v.SetEnvPrefix("INFRC_PING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("infrcping")
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

	return &ClientConfig{
		Target:            v.GetString("target"),
		Device:            v.GetString("device"),
		LogLevel:          v.GetString("log_level"),
		RatePerSec:        v.GetInt("rate_per_sec"),
		Count:             v.GetInt("count"),
		PayloadLen:        v.GetInt("payload_len"),
		OtelCollectorAddr: v.GetString("otel_collector_addr"),
		Transport:         transportFromViper(v),
	}, nil
}
