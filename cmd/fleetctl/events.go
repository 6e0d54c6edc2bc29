package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/VenkatGGG/runner-fleet/internal/events"
)

func newEventsCmd(opts *globalOptions) *cobra.Command {
	var (
		nodeID int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the lifecycle event trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := opts.client.ListEvents(cmd.Context(), nodeID, limit)
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), items)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tNODE\tACTION\tFROM\tTO\tMESSAGE")
			for _, evt := range items {
				writeEventRow(tw, evt)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int64Var(&nodeID, "node", 0, "only events for this node ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	return cmd
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var nodeID int64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream lifecycle events as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			return opts.client.Watch(ctx, nodeID, func(evt events.Event) error {
				if opts.asJSON {
					return printJSON(out, evt)
				}
				writeEventLine(out, evt)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&nodeID, "node", 0, "only events for this node ID")
	return cmd
}

func writeEventRow(w io.Writer, evt events.Event) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		evt.Timestamp.Format(time.RFC3339),
		eventNode(evt),
		evt.Action,
		dash(string(evt.From)),
		dash(string(evt.To)),
		dash(evt.Message),
	)
}

func writeEventLine(w io.Writer, evt events.Event) {
	line := fmt.Sprintf("%s %-26s node=%s", evt.Timestamp.Format(time.RFC3339), evt.Action, eventNode(evt))
	if evt.From != "" || evt.To != "" {
		line += fmt.Sprintf(" %s -> %s", dash(string(evt.From)), dash(string(evt.To)))
	}
	if evt.Message != "" {
		line += " " + evt.Message
	}
	fmt.Fprintln(w, line)
}

func eventNode(evt events.Event) string {
	if evt.NodeID == 0 {
		return "-"
	}
	return fmt.Sprintf("%s-%d", evt.RoutingID, evt.NodeID)
}
