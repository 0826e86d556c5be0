package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemokit/mnemo/internal/config"
	"github.com/mnemokit/mnemo/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the Mnemo daemon service.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if !daemon.ProcessRunning(pidFile) {
		cmd.Println("Status: stopped")
		return nil
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	cmd.Println("Status: running")
	cmd.Printf("PID: %d\n", pid)

	// The PID file is written at startup, so its age is the uptime.
	if fileInfo, err := os.Stat(pidFile); err == nil {
		cmd.Printf("Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	if cfg.Gateway.Enabled {
		printGatewayStatus(cmd, cfg)
	}

	return nil
}

// printGatewayStatus enriches the output over the gateway's RPC endpoint.
// An unreachable gateway degrades to the PID-based lines above.
func printGatewayStatus(cmd *cobra.Command, cfg *config.Config) {
	status, err := queryGatewayStatus(cfg)
	if err != nil {
		cmd.Printf("Gateway: unreachable (%v)\n", err)
		return
	}

	cmd.Printf("Gateway: listening on port %d\n", cfg.Gateway.Port)
	if clients, ok := status["clients"].(float64); ok {
		cmd.Printf("Clients: %d\n", int(clients))
	}
	if enabled, ok := status["sessionMemory"].(bool); ok {
		if enabled {
			cmd.Println("Session memory: on")
		} else {
			cmd.Println("Session memory: off")
		}
	}
}

// queryGatewayStatus calls the status method on the daemon's RPC endpoint.
func queryGatewayStatus(cfg *config.Config) (map[string]interface{}, error) {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	body, err := json.Marshal(map[string]interface{}{
		"id":     "cli-status",
		"method": "status",
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s:%d/rpc", host, cfg.Gateway.Port)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mnemo-Secret", cfg.Gateway.SharedSecret)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}

	var rpcResp struct {
		Result map[string]interface{} `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%s", rpcResp.Error.Message)
	}

	return rpcResp.Result, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
