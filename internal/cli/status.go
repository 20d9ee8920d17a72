package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/storage"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ VoxGate Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 VoxGate Status")
		fmt.Printf("Version: %s\n", version)

		// Check config
		path, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + path + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults will be used)")
			}
		}

		cfg, err := config.Load(path)
		if err != nil {
			fmt.Println("Config:  ? Unable to load:", err)
			return
		}
		if cfg.Model.APIKey != "" {
			fmt.Println("API Key: ✓ Found")
		} else {
			fmt.Println("API Key: ✗ Not found")
		}
		if cfg.Call.AuthPassphrase != "" {
			fmt.Println("Auth:    ✓ Passphrase gate enabled")
		} else {
			fmt.Println("Auth:    ✗ No passphrase configured")
		}

		// Probe the running gateway
		client := &http.Client{Timeout: 3 * time.Second}
		url := fmt.Sprintf("http://%s:%d/api/status", cfg.Gateway.Host, cfg.Gateway.Port)
		resp, err := client.Get(url)
		if err != nil {
			fmt.Println("Gateway: ✗ Not reachable (" + url + ")")
			return
		}
		defer resp.Body.Close()

		var status struct {
			Version        string `json:"version"`
			UptimeSeconds  int    `json:"uptime_seconds"`
			ActiveSessions int    `json:"active_sessions"`
			AgentCount     int    `json:"agent_count"`
			CallCount      int64  `json:"call_count"`
			ErrorCount     int64  `json:"error_count"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			fmt.Println("Gateway: ? Unexpected response:", err)
			return
		}
		fmt.Println("Gateway: " + color.GreenString("✓ Running"))
		fmt.Printf("Uptime:  %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
		fmt.Printf("Active sessions: %d\n", status.ActiveSessions)
		fmt.Printf("Operators: %d\n", status.AgentCount)
		fmt.Printf("Turns handled: %d (errors: %d)\n", status.CallCount, status.ErrorCount)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent call sessions from the local store",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📞 Recent Sessions")

		path, _ := config.ConfigPath()
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Println("Config error:", err)
			return
		}
		store, err := storage.Open(filepath.Join(cfg.Gateway.DataDir, "voxgate.db"))
		if err != nil {
			fmt.Println("Store error:", err)
			return
		}
		defer store.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		sessions, err := store.ListSessions(limit)
		if err != nil {
			fmt.Println("Query error:", err)
			return
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions recorded yet.")
			return
		}
		for _, s := range sessions {
			state := color.GreenString("active")
			if s.EndedAt != nil {
				state = color.YellowString("ended " + s.EndedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Printf("%s  %s  %s\n", s.SessionID, s.CreatedAt.Format("2006-01-02 15:04:05"), state)
		}
	},
}

func init() {
	sessionsCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
}
