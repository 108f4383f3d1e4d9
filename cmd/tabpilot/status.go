package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabpilot/tabpilot/internal/browser"
)

// StatusCmd queries a running relay server.
func StatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay server status",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := browser.ResolveConfig(loadConfig())
			target := addr
			if target == "" {
				target = cfg.Listen
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/status", target))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: relay unreachable at %s: %v\n", target, err)
				os.Exit(1)
			}
			defer resp.Body.Close()

			var status struct {
				ExtensionConnected bool `json:"extension_connected"`
				Sessions           int  `json:"sessions"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				fmt.Fprintf(os.Stderr, "Error: bad status response: %v\n", err)
				os.Exit(1)
			}

			fmt.Printf("Relay:     http://%s\n", target)
			if status.ExtensionConnected {
				fmt.Println("Extension: connected")
			} else {
				fmt.Println("Extension: not connected")
			}
			fmt.Printf("Sessions:  %d\n", status.Sessions)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "relay address (overrides config)")
	return cmd
}
