package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tabpilot/tabpilot/internal/browser"
	"github.com/tabpilot/tabpilot/internal/logging"
)

// ServeCmd runs the relay server until interrupted.
func ServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Run: func(cmd *cobra.Command, args []string) {
			logging.Enable()
			cfg := loadConfig()
			if listen != "" {
				cfg.Listen = listen
			}

			mgr := browser.GetManager()
			if err := mgr.Start(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if _, err := mgr.StartRelay(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Relay listening on %s\n", mgr.Config().Listen)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nReceived %v, shutting down\n", sig)

			if err := mgr.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "bind address (overrides config)")
	return cmd
}
