// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDropCommand(g *globalOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <dataset>",
		Short: "Ask the server to delete a dataset.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withSession(cmd, func(ctx context.Context, s *session) error {
				if err := s.client.DropDataset(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "dropped: %s\n", args[0])
				return nil
			})
		},
	}
}

func newActionsCommand(g *globalOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the actions a server supports.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withSession(cmd, func(ctx context.Context, s *session) error {
				actions, err := s.client.ListActions(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ACTION\tDESCRIPTION")
				for _, a := range actions {
					fmt.Fprintf(tw, "%s\t%s\n", a.Type, a.Description)
				}
				return tw.Flush()
			})
		},
	}
}
