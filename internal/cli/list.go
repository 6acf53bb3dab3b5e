// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/Query-farm/vgi-flight/vgiflight"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// datasetSummary is the --json form of one listed dataset.
type datasetSummary struct {
	Descriptor string `json:"descriptor"`
	Records    *int64 `json:"records"`
	Bytes      *int64 `json:"bytes"`
	Endpoints  int    `json:"endpoints"`
	Ordered    bool   `json:"ordered"`
}

func summarize(info *vgiflight.DatasetInfo) datasetSummary {
	s := datasetSummary{
		Descriptor: info.Descriptor.String(),
		Endpoints:  len(info.Endpoints),
		Ordered:    info.Ordered,
	}
	if n, ok := info.Records(); ok {
		s.Records = &n
	}
	if n, ok := info.Bytes(); ok {
		s.Bytes = &n
	}
	return s
}

func optional(v *int64) string {
	if v == nil {
		return "?"
	}
	return strconv.FormatInt(*v, 10)
}

func newListCommand(g *globalOptions, stdout io.Writer) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list [expression]",
		Short: "List the datasets a server offers.",
		Long: `List the datasets a server offers. Without an expression every dataset is
listed; otherwise the expression is passed to the server, which decides
how to match it (glob patterns over dataset names are common).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr := ""
			if len(args) == 1 {
				expr = args[0]
			}
			return g.withSession(cmd, func(ctx context.Context, s *session) error {
				return runList(ctx, s, expr, asJSON, stdout)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per dataset.")
	return cmd
}

func runList(ctx context.Context, s *session, expr string, asJSON bool, stdout io.Writer) error {
	if asJSON {
		enc := json.NewEncoder(stdout)
		for info, err := range s.client.List(ctx, expr) {
			if err != nil {
				return err
			}
			if err := enc.Encode(summarize(info)); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATASET\tRECORDS\tBYTES\tENDPOINTS")
	for info, err := range s.client.List(ctx, expr) {
		if err != nil {
			return err
		}
		sum := summarize(info)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", sum.Descriptor, optional(sum.Records), optional(sum.Bytes), sum.Endpoints)
	}
	return tw.Flush()
}
