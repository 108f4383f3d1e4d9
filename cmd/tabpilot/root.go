package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tabpilot/tabpilot/internal/browser"
	"github.com/tabpilot/tabpilot/internal/logging"
)

var (
	configPath string
	verbose    bool
)

// Execute runs the CLI.
func Execute() {
	root := &cobra.Command{
		Use:   "tabpilot",
		Short: "Browser tab relay and automation",
		Long:  "tabpilot brokers automation commands between client sessions and a browser extension agent.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logging.SetVerbose(true)
			} else {
				logging.Disable()
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(ServeCmd())
	root.AddCommand(StatusCmd())
	root.AddCommand(OpenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config, falling back to the
// default search path.
func loadConfig() browser.Config {
	cfg, err := browser.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
