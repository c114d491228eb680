package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.walkietalkie/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Broker  ConfigBroker  `toml:"broker"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds the identity used by the chat console.
type ConfigDefault struct {
	Username string `toml:"username"`
	Debug    bool   `toml:"debug"`
}

// ConfigBroker selects and configures the bus transport.
type ConfigBroker struct {
	Transport string `toml:"transport"`
	URL       string `toml:"url"`
	Address   string `toml:"address"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	QoS       int    `toml:"qos"`
	Timeout   int    `toml:"timeout"`
	KeepAlive int    `toml:"keep_alive"`
}

// ConfigLog configures the zap logger.
type ConfigLog struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

const (
	defaultTransport = "websocket"
	defaultURL       = "ws://localhost:1883/ws"
	defaultAddress   = "localhost:6379"
	defaultTimeout   = 10
	defaultKeepAlive = 30
)

// withDefaults fills unset fields.
func (c *Config) withDefaults() *Config {
	if c.Broker.Transport == "" {
		c.Broker.Transport = defaultTransport
	}
	if c.Broker.URL == "" {
		c.Broker.URL = defaultURL
	}
	if c.Broker.Address == "" {
		c.Broker.Address = defaultAddress
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = defaultTimeout
	}
	if c.Broker.KeepAlive == 0 {
		c.Broker.KeepAlive = defaultKeepAlive
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return c
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.walkietalkie (or $WALKIETALKIE_HOME),
// creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("WALKIETALKIE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".walkietalkie")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "broker.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. broker.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "username":
			cfg.Default.Username = value
		case "debug":
			return setBool(&cfg.Default.Debug, key, value)
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "broker":
		switch field {
		case "transport":
			switch value {
			case "websocket", "redis", "memory":
				cfg.Broker.Transport = value
			default:
				return fmt.Errorf("unknown transport %q (valid: websocket, redis, memory)", value)
			}
		case "url":
			cfg.Broker.URL = value
		case "address":
			cfg.Broker.Address = value
		case "username":
			cfg.Broker.Username = value
		case "password":
			cfg.Broker.Password = value
		case "qos":
			if err := setInt(&cfg.Broker.QoS, key, value); err != nil {
				return err
			}
			if cfg.Broker.QoS < 0 || cfg.Broker.QoS > 2 {
				return fmt.Errorf("%s must be 0, 1 or 2", key)
			}
		case "timeout":
			return setInt(&cfg.Broker.Timeout, key, value)
		case "keep_alive":
			return setInt(&cfg.Broker.KeepAlive, key, value)
		default:
			return fmt.Errorf("unknown field %q in section [broker]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "file":
			cfg.Log.File = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, broker, log)", section)
	}
	return nil
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s must be true or false: %w", key, err)
	}
	*dst = b
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "walkietalkie",
	Short: "Presence and chat over a pub/sub broker",
	Long:  "Command-line interface for walkietalkie.\nManage configuration, run a broker, and chat with peers.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
