// Package config loads the environment defaults of the worker and host binaries.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Worker configures cmd/worker. Flags override these values.
type Worker struct {
	LogLevel         string        `env:"WORKERRPC_LOG_LEVEL"         envDefault:"info"`
	ListenAddr       string        `env:"WORKERRPC_LISTEN_ADDR"       envDefault:"0.0.0.0:8080"`
	CertDir          string        `env:"WORKERRPC_CERT_DIR"          envDefault:"certs"`
	HeartbeatTimeout time.Duration `env:"WORKERRPC_HEARTBEAT_TIMEOUT" envDefault:"1m"`
	TickInterval     time.Duration `env:"WORKERRPC_TICK_INTERVAL"     envDefault:"1s"`
	ReplayWindow     int           `env:"WORKERRPC_REPLAY_WINDOW"     envDefault:"256"`
}

// Host configures cmd/host. Flags override these values.
type Host struct {
	LogLevel     string        `env:"WORKERRPC_LOG_LEVEL"     envDefault:"info"`
	WorkerBinary string        `env:"WORKERRPC_WORKER_BINARY"`
	AgentAddr    string        `env:"WORKERRPC_AGENT_ADDR"`
	CertDir      string        `env:"WORKERRPC_CERT_DIR"      envDefault:"certs"`
	Timeout      time.Duration `env:"WORKERRPC_TIMEOUT"       envDefault:"30s"`
}

func LoadWorker() (Worker, error) {
	var cfg Worker
	err := ParseEnv(&cfg)
	return cfg, err
}

func LoadHost() (Host, error) {
	var cfg Host
	err := ParseEnv(&cfg)
	return cfg, err
}

// NewLogger builds a development logger at the given level. It writes to stderr, which keeps stdout free for
// the stdio transport.
func NewLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}
