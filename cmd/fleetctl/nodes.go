package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/VenkatGGG/runner-fleet/internal/fleetclient"
	"github.com/VenkatGGG/runner-fleet/internal/node"
)

func newNodesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "nodes",
		Aliases: []string{"node"},
		Short:   "Inspect and drive runner nodes",
	}
	cmd.AddCommand(
		newNodesListCmd(opts),
		newNodesGetCmd(opts),
		newNodesEnsureCmd(opts),
		newNodesRegisterCmd(opts),
		newNodesFinishCmd(opts),
	)
	return cmd
}

func newNodesListCmd(opts *globalOptions) *cobra.Command {
	var (
		states    []string
		routingID string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := fleetclient.NodeFilter{RoutingID: routingID}
			for _, raw := range states {
				state, err := node.ParseState(raw)
				if err != nil {
					return err
				}
				filter.States = append(filter.States, state)
			}
			nodes, err := opts.client.ListNodes(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list nodes: %w", err)
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), nodes)
			}
			return printNodes(cmd.OutOrStdout(), nodes)
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (repeatable or comma-separated)")
	cmd.Flags().StringVar(&routingID, "routing-id", "", "filter by routing ID")
	return cmd
}

func newNodesGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			n, err := opts.client.GetNode(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get node %d: %w", id, err)
			}
			return printNode(cmd.OutOrStdout(), opts, n)
		},
	}
}

func newNodesEnsureCmd(opts *globalOptions) *cobra.Command {
	var req fleetclient.EnsureRequest
	cmd := &cobra.Command{
		Use:   "ensure <routing-id>",
		Short: "Return the usable node for a routing ID, creating one if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RoutingID = args[0]
			n, err := opts.client.EnsureNode(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("ensure node: %w", err)
			}
			return printNode(cmd.OutOrStdout(), opts, n)
		},
	}
	cmd.Flags().IntVar(&req.CPUMilli, "cpu", 0, "CPU in milli-cores (provider default when 0)")
	cmd.Flags().IntVar(&req.MemoryMB, "memory", 0, "memory in MB (provider default when 0)")
	cmd.Flags().IntVar(&req.StorageMB, "storage", 0, "storage in MB (provider default when 0)")
	return cmd
}

func newNodesRegisterCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register <id> <url>",
		Short: "Report a node's URL; it is verified before the node becomes RUNNING",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			n, err := opts.client.RegisterNode(cmd.Context(), id, args[1])
			if err != nil {
				return fmt.Errorf("register node %d: %w", id, err)
			}
			return printNode(cmd.OutOrStdout(), opts, n)
		},
	}
}

func newNodesFinishCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "finish <id>",
		Short: "Mark a node for removal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			n, err := opts.client.FinishNode(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("finish node %d: %w", id, err)
			}
			return printNode(cmd.OutOrStdout(), opts, n)
		},
	}
}

func parseNodeID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid node id %q", raw)
	}
	return id, nil
}

func printNode(w io.Writer, opts *globalOptions, n node.Node) error {
	if opts.asJSON {
		return printJSON(w, n)
	}
	return printNodes(w, []node.Node{n})
}

func printNodes(w io.Writer, nodes []node.Node) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tDEPLOYMENT\tCPU\tMEM\tURL\tAGE\tERROR")
	now := time.Now().UTC()
	for _, n := range nodes {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			n.ID,
			n.Name(),
			n.State,
			n.DeploymentID,
			n.CPUMilli,
			n.MemoryMB,
			dash(n.URL),
			now.Sub(n.CreatedAt).Truncate(time.Second),
			dash(n.Error),
		)
	}
	return tw.Flush()
}

func dash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
