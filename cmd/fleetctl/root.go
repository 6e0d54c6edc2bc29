package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/VenkatGGG/runner-fleet/internal/fleetclient"
)

type globalOptions struct {
	apiURL  string
	apiKey  string
	asJSON  bool
	timeout time.Duration
	client  *fleetclient.Client
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "fleetctl",
		Short: "Operate a runner fleet through the fleetd admin API",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.client = fleetclient.New(opts.apiURL, opts.apiKey)
			opts.client.HTTPClient.Timeout = opts.timeout
		},
		SilenceUsage: true,
	}

	defaultURL := os.Getenv("FLEET_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&opts.apiURL, "api", defaultURL, "fleetd admin API URL")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("FLEET_API_KEY"), "admin API key")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print raw JSON")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newNodesCmd(opts),
		newDeployCmd(opts),
		newEventsCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
