package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newRetryCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Delivery maintenance commands",
	}

	cmd.AddCommand(newRetrySweepCmd(configPath))
	return cmd
}

func newRetrySweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Queue every message whose retry is due",
		Long:  "Runs one retry sweep against the shared outbound stream. Needs nats.url: a standalone node keeps its queue in process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.NATS.URL == "" {
				return errors.New("retry sweep needs nats.url; standalone nodes sweep from mshd serve")
			}
			n, err := openResolverNode(ctx, *configPath)
			if err != nil {
				return err
			}
			defer n.Close(ctx)
			if err := n.openReliability(ctx); err != nil {
				return err
			}

			count, err := n.retry.EnqueueDueRetries(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d messages\n", count)
			return nil
		},
	}
}
