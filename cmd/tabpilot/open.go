package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabpilot/tabpilot/internal/browser"
)

// OpenCmd connects to a browser profile and navigates its page.
func OpenCmd() *cobra.Command {
	var profile string
	var waitUntil string

	cmd := &cobra.Command{
		Use:   "open <url>",
		Short: "Open a URL in a browser profile",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			url := args[0]

			mgr := browser.GetManager()
			if err := mgr.Start(loadConfig()); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer mgr.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			bctx, err := mgr.GetContext(ctx, profile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			page, err := bctx.NewPage(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if err := page.Navigate(ctx, url, browser.NavigateOptions{WaitUntil: waitUntil}); err != nil {
				fmt.Fprintf(os.Stderr, "Error: navigation failed: %v\n", err)
				os.Exit(1)
			}

			title, err := page.Title(ctx)
			if err != nil {
				title = ""
			}
			current, err := page.URL(ctx)
			if err != nil {
				current = url
			}
			if title != "" {
				fmt.Printf("Opened %s (%s)\n", current, title)
			} else {
				fmt.Printf("Opened %s\n", current)
			}
		},
	}

	cmd.Flags().StringVarP(&profile, "profile", "p", "", "browser profile name")
	cmd.Flags().StringVarP(&waitUntil, "wait-until", "w", "load", "navigation wait state (load, domcontentloaded, networkidle)")
	return cmd
}
