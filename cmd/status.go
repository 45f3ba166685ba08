package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/markb/tableside/internal/server"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection health of a running watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		var resp server.HealthResponse
		body, err := callServer(http.MethodGet, "/health", &resp)
		if err != nil {
			return err
		}
		if asJSON {
			_, err := os.Stdout.Write(body)
			return err
		}

		h := resp.Health
		state := "healthy"
		if !h.IsHealthy {
			state = "UNHEALTHY"
		}
		fmt.Printf("Connection:     %s (%s)\n", state, h.ConnectionState)
		fmt.Printf("Channels:       %d\n", h.ChannelCount)
		if !h.LastActivity.IsZero() {
			fmt.Printf("Last activity:  %s ago\n", time.Since(h.LastActivity).Round(time.Second))
		}
		fmt.Printf("Reconnects:     %d\n", h.ReconnectAttempts)
		fmt.Printf("Subscriptions:  %d/%d active\n", resp.ActiveSubscriptions, resp.TotalSubscriptions)
		if resp.Aggressive {
			fmt.Println("Polling:        aggressive")
		}
		return nil
	},
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Force a running watcher to rebuild every subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Started bool `json:"started"`
		}
		if _, err := callServer(http.MethodPost, "/reconnect", &resp); err != nil {
			return err
		}
		if resp.Started {
			fmt.Println("Reconnect started")
		} else {
			fmt.Println("A reconnect is already in progress")
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print the raw JSON response")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reconnectCmd)
}

// callServer sends a request to the watcher's status server and decodes the
// JSON reply into out. 409 is a valid reply for POST /reconnect.
func callServer(method, path string, out any) ([]byte, error) {
	addr := cfg.Server.Addr
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	req, err := http.NewRequest(method, strings.TrimSuffix(addr, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("watcher not reachable at %s: %w", cfg.Server.Addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict {
		var e server.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			return nil, fmt.Errorf("%s: %s", e.Error, e.Message)
		}
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return body, nil
}
