package main

import (
	"fmt"

	"github.com/spf13/cobra"

	walkietalkie "github.com/LuminPulse-AI/walkietalkie"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <username>",
	Short: "Store username in ~/.walkietalkie/config.toml",
	Long:  "Initialize walkietalkie by storing your username and broker defaults in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		if !walkietalkie.ValidUsername(username) {
			return fmt.Errorf("%w: usernames are letters and digits only", walkietalkie.ErrInvalidName)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Username = username
		if cfg.Broker.Transport == "" {
			cfg.Broker.QoS = 1
		}
		cfg.withDefaults()

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Username saved to %s\n", path)
		return nil
	},
}
