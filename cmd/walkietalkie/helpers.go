package main

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	walkietalkie "github.com/LuminPulse-AI/walkietalkie"
	"github.com/LuminPulse-AI/walkietalkie/bus"
)

// newBus creates the transport selected in [broker].
func newBus(cfg *Config) (bus.Bus, error) {
	switch cfg.Broker.Transport {
	case "websocket", "":
		return bus.NewWebSocket(cfg.Broker.URL), nil
	case "redis":
		return bus.NewRedis(&redis.Options{
			Addr:        cfg.Broker.Address,
			Username:    cfg.Broker.Username,
			Password:    cfg.Broker.Password,
			DialTimeout: time.Duration(cfg.Broker.Timeout) * time.Second,
		}), nil
	case "memory":
		return bus.NewMemory(bus.NewBroker()), nil
	}
	return nil, fmt.Errorf("unknown transport %q (valid: websocket, redis, memory)", cfg.Broker.Transport)
}

// newLogger builds a zap logger from [log]. With toFile the output goes to
// the log file so it does not interleave with the console.
func newLogger(cfg *Config, toFile bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Default.Debug {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	zcfg.Level = level

	if toFile {
		path := cfg.Log.File
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "walkietalkie.log")
		}
		zcfg.OutputPaths = []string{path}
		zcfg.ErrorOutputPaths = []string{path}
	}
	return zcfg.Build()
}

// clientOptions maps [broker] settings onto client options.
func clientOptions(cfg *Config) []walkietalkie.ClientOption {
	opts := []walkietalkie.ClientOption{
		walkietalkie.WithQoS(bus.QoS(cfg.Broker.QoS)),
		walkietalkie.WithKeepAlive(time.Duration(cfg.Broker.KeepAlive) * time.Second),
		walkietalkie.WithHandlerTimeout(time.Duration(cfg.Broker.Timeout) * time.Second),
	}
	if cfg.Broker.Username != "" {
		opts = append(opts, walkietalkie.WithBrokerUsername(cfg.Broker.Username))
	}
	if cfg.Broker.Password != "" {
		opts = append(opts, walkietalkie.WithPassword(cfg.Broker.Password))
	}
	return opts
}

// healthURL derives the broker's /health endpoint from its websocket URL.
func healthURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("not a websocket url: %s", wsURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws") + "/health"
	return u.String(), nil
}

// maskSecret shows the first and last 2 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 6 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + "..." + s[len(s)-2:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
