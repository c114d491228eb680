package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage walkietalkie configuration",
	Long:  "View or modify the walkietalkie configuration stored in ~/.walkietalkie/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration with defaults applied and the broker password masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		out := cmd.OutOrStdout()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(out, "# no config file yet, showing defaults. Run 'walkietalkie init <username>' to create one.")
		} else {
			fmt.Fprintf(out, "# %s\n", path)
		}

		text, err := renderConfig(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(out, text)
		return nil
	},
}

// renderConfig encodes cfg as TOML with defaults filled in and secrets
// masked. cfg itself is left untouched.
func renderConfig(cfg *Config) (string, error) {
	shown := *cfg
	shown.withDefaults()
	if shown.Broker.Password != "" {
		shown.Broker.Password = maskSecret(shown.Broker.Password)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return "", fmt.Errorf("cannot encode config: %w", err)
	}
	return string(data), nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: walkietalkie config set broker.url ws://localhost:1883/ws",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := value
		if key == "broker.password" {
			shown = maskSecret(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", key, shown)
		return nil
	},
}
