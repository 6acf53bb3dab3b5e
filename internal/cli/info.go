// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"

	"github.com/Query-farm/vgi-flight/vgiflight"
)

func newInfoCommand(g *globalOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "info <dataset>",
		Short: "Describe a dataset's schema and endpoints.",
		Long: `Describe a dataset. The argument is a slash-separated path, a
"cmd:"-prefixed opaque command, or a glob that must match exactly one
dataset.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withSession(cmd, func(ctx context.Context, s *session) error {
				desc, err := s.client.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				info, err := s.client.Describe(ctx, desc)
				if err != nil {
					return err
				}
				return printInfo(stdout, info)
			})
		},
	}
}

func printInfo(w io.Writer, info *vgiflight.DatasetInfo) error {
	sum := summarize(info)
	fmt.Fprintf(w, "dataset:   %s (%s)\n", sum.Descriptor, info.Descriptor.Kind())
	fmt.Fprintf(w, "records:   %s\n", optional(sum.Records))
	fmt.Fprintf(w, "bytes:     %s\n", optional(sum.Bytes))
	fmt.Fprintf(w, "ordered:   %t\n", info.Ordered)

	fmt.Fprintf(w, "endpoints: %d\n", len(info.Endpoints))
	for i, ep := range info.Endpoints {
		locations := "(this connection)"
		if len(ep.Locations) > 0 {
			locations = strings.Join(ep.Locations, ", ")
		}
		expires := "never"
		if !ep.Expires.IsZero() {
			expires = ep.Expires.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "  [%d] ticket=%dB locations=%s expires=%s\n", i, len(ep.Ticket), locations, expires)
	}

	if len(info.SchemaBytes) == 0 {
		fmt.Fprintln(w, "schema:    (not provided)")
		return nil
	}
	schema, err := vgiflight.ResolveSchema(info.SchemaBytes, memory.DefaultAllocator)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "schema:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, col := range schema.Columns() {
		var notes []string
		if col.Nullable {
			notes = append(notes, "nullable")
		}
		for _, id := range col.DictionaryIDs {
			notes = append(notes, fmt.Sprintf("dictionary %d", id))
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", col.Name, col.Type, strings.Join(notes, ", "))
	}
	return tw.Flush()
}
