package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Node     NodeConfig     `yaml:"node"`
	Hold     HoldConfig     `yaml:"hold"`
}

type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

type DatabaseConfig struct {
	// Path is the bbolt file used by default.
	Path string `yaml:"path"`

	// PostgresDSN switches storage to a shared Postgres database.
	PostgresDSN string `yaml:"postgres_dsn"`
}

type NodeConfig struct {
	GRPCHost     string `yaml:"grpc_host"`
	TLSCertPath  string `yaml:"tls_cert_path"`
	MacaroonPath string `yaml:"macaroon_path"`
	Network      string `yaml:"network"`
}

type HoldConfig struct {
	// ExpiryDeadlineBlocks is how close to its CLTV expiry a held HTLC may
	// come before it is failed. Zero disables the watchdog.
	ExpiryDeadlineBlocks uint32 `yaml:"expiry_deadline_blocks"`

	// MppTimeoutSeconds is how long a partial payment may wait for the
	// remaining parts. Zero disables the timeout.
	MppTimeoutSeconds uint64 `yaml:"mpp_timeout_seconds"`

	// OverpaymentFactor bounds the accepted total at factor times the
	// invoice amount.
	OverpaymentFactor uint64 `yaml:"overpayment_factor"`
}

func (h HoldConfig) MppTimeout() time.Duration {
	return time.Duration(h.MppTimeoutSeconds) * time.Second
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9292
	}
	if cfg.Database.Path == "" && cfg.Database.PostgresDSN == "" {
		cfg.Database.Path = "/var/lib/holdd/hold.db"
	}
	if cfg.Node.GRPCHost == "" {
		cfg.Node.GRPCHost = "127.0.0.1:10009"
	}
	if cfg.Node.Network == "" {
		cfg.Node.Network = "bitcoin"
	}
	if cfg.Hold.ExpiryDeadlineBlocks == 0 {
		cfg.Hold.ExpiryDeadlineBlocks = 3
	}
	if cfg.Hold.OverpaymentFactor == 0 {
		cfg.Hold.OverpaymentFactor = 2
	}

	if cfg.Node.TLSCertPath == "" || cfg.Node.MacaroonPath == "" {
		return nil, fmt.Errorf("node TLS cert and macaroon paths required")
	}

	return &cfg, nil
}
