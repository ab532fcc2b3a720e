// Package config loads and holds the application configuration for the
// RTSP/RTP-JPEG streaming core.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Config represents the application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server" json:"server"`
	Client  ClientConfig  `toml:"client" json:"client"`
	RTP     RTPConfig     `toml:"rtp" json:"rtp"`
	FEC     FECConfig     `toml:"fec" json:"fec"`
	Channel ChannelConfig `toml:"channel" json:"channel"`
	Status  StatusConfig  `toml:"status" json:"status"`
	Logging LoggingConfig `toml:"logging" json:"logging"`
}

// ServerConfig holds RTSP server settings.
type ServerConfig struct {
	BindAddress     string `toml:"bind_address" json:"bind_address"`
	Port            int    `toml:"port" json:"port"`
	UDPEnabled      bool   `toml:"udp_enabled" json:"udp_enabled"`
	ResourceRoot    string `toml:"resource_root" json:"resource_root"`
	IdleTimeoutSecs int    `toml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
}

// ClientConfig holds RTSP client settings.
type ClientConfig struct {
	RequestTimeoutSecs int `toml:"request_timeout_seconds" json:"request_timeout_seconds"`
}

// RTPConfig holds RTP transport defaults.
type RTPConfig struct {
	MTU             int `toml:"mtu" json:"mtu"`
	FramePeriodMs   int `toml:"frame_period_ms" json:"frame_period_ms"`
	MinClientPort   int `toml:"min_client_port" json:"min_client_port"`
	MaxClientPort   int `toml:"max_client_port" json:"max_client_port"`
	DelayBufferSize int `toml:"delay_buffer_size" json:"delay_buffer_size"`
}

// FECConfig holds default forward-error-correction parameters.
type FECConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	K       uint16 `toml:"k" json:"k"`
	P       uint16 `toml:"p" json:"p"`
}

// ChannelConfig holds the simulated lossy-channel settings used for testing
// and demos.
type ChannelConfig struct {
	BernoulliDropProbability float64 `toml:"bernoulli_drop_probability" json:"bernoulli_drop_probability"`
}

// StatusConfig holds the monitoring HTTP/WebSocket surface settings.
type StatusConfig struct {
	Enabled     bool   `toml:"enabled" json:"enabled"`
	BindAddress string `toml:"bind_address" json:"bind_address"`
	Port        int    `toml:"port" json:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level       string `toml:"level" json:"level"`
	Directory   string `toml:"directory" json:"directory"`
	MaxLogFiles int    `toml:"max_log_files" json:"max_log_files"`
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
// for any file that doesn't exist.
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := &Config{
		Server: ServerConfig{
			BindAddress:     "0.0.0.0",
			Port:            554,
			UDPEnabled:      true,
			ResourceRoot:    ".",
			IdleTimeoutSecs: 240,
		},
		Client: ClientConfig{
			RequestTimeoutSecs: 10,
		},
		RTP: RTPConfig{
			MTU:             1400,
			FramePeriodMs:   40,
			MinClientPort:   49152,
			MaxClientPort:   65525,
			DelayBufferSize: 50,
		},
		FEC: FECConfig{
			Enabled: false,
			K:       4,
			P:       1,
		},
		Channel: ChannelConfig{
			BernoulliDropProbability: 0,
		},
		Status: StatusConfig{
			Enabled:     true,
			BindAddress: "0.0.0.0",
			Port:        8080,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Directory:   "logs",
			MaxLogFiles: 20,
		},
	}

	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("config file not found, using defaults", zap.String("path", configPath))
	}

	if root := os.Getenv("RTSP_RESOURCE_ROOT"); root != "" {
		cfg.Server.ResourceRoot = root
		logger.Info("resource root overridden from environment", zap.String("path", root))
	}
	if addr := os.Getenv("RTSP_BIND_ADDRESS"); addr != "" {
		cfg.Server.BindAddress = addr
		logger.Info("bind address overridden from environment", zap.String("address", addr))
	}

	return cfg, nil
}

// SaveConfig saves the current configuration to a file.
func SaveConfig(cfg *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
