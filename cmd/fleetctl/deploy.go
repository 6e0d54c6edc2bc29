package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newDeployCmd(opts *globalOptions) *cobra.Command {
	var idempotencyKey string
	cmd := &cobra.Command{
		Use:   "deploy [image]",
		Short: "Roll out a runner image, or show the active deployment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				active, err := opts.client.ActiveDeployment(cmd.Context())
				if err != nil {
					return fmt.Errorf("active deployment: %w", err)
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), active)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deployment %d  image=%s  created=%s\n", active.ID, active.Image, active.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
				return nil
			}

			if idempotencyKey == "" {
				idempotencyKey = uuid.NewString()
			}
			created, err := opts.client.Rollout(cmd.Context(), args[0], idempotencyKey)
			if err != nil {
				return fmt.Errorf("rollout: %w", err)
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), created)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled out deployment %d (%s); outdated nodes are replaced on the next reconcile\n", created.ID, created.Image)
			return nil
		},
	}
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "reuse to make a retried rollout safe (random when empty)")
	return cmd
}
