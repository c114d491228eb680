package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and broker status",
	Long:  "Display the current configuration and probe the configured broker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.withDefaults()
		out := cmd.OutOrStdout()

		// Print config summary.
		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Username:  %s\n", valueOrDefault(cfg.Default.Username, "(not set)"))
		fmt.Fprintf(out, "  Debug:     %v\n", cfg.Default.Debug)
		fmt.Fprintf(out, "  Transport: %s\n", cfg.Broker.Transport)
		switch cfg.Broker.Transport {
		case "websocket":
			fmt.Fprintf(out, "  URL:       %s\n", cfg.Broker.URL)
		case "redis":
			fmt.Fprintf(out, "  Address:   %s\n", cfg.Broker.Address)
		}
		if cfg.Broker.Password != "" {
			fmt.Fprintf(out, "  Password:  %s\n", maskSecret(cfg.Broker.Password))
		}
		fmt.Fprintf(out, "  QoS:       %d\n", cfg.Broker.QoS)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Broker:")

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Broker.Timeout)*time.Second)
		defer cancel()

		switch cfg.Broker.Transport {
		case "websocket":
			sessions, err := probeWebSocket(ctx, cfg.Broker.URL)
			if err != nil {
				fmt.Fprintf(out, "  Unreachable: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "  Status:    ok (%d sessions)\n", sessions)
		case "redis":
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Broker.Address,
				Username: cfg.Broker.Username,
				Password: cfg.Broker.Password,
			})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				fmt.Fprintf(out, "  Unreachable: %v\n", err)
				return nil
			}
			fmt.Fprintln(out, "  Status:    ok")
		default:
			fmt.Fprintln(out, "  In-process broker, nothing to probe.")
		}
		return nil
	},
}

// probeWebSocket queries the broker's /health endpoint.
func probeWebSocket(ctx context.Context, wsURL string) (int, error) {
	u, err := healthURL(wsURL)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}
	var health struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return 0, fmt.Errorf("failed to decode health: %w", err)
	}
	return health.Sessions, nil
}
