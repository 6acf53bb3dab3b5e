// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/spf13/cobra"

	"github.com/Query-farm/vgi-flight/export"
	"github.com/Query-farm/vgi-flight/vgiflight"
)

type getOptions struct {
	Output       string
	AllEndpoints bool
	Concurrency  int
	Quiet        bool
}

func newGetCommand(g *globalOptions, stdout io.Writer) *cobra.Command {
	o := &getOptions{}
	cmd := &cobra.Command{
		Use:   "get <dataset>",
		Short: "Stream a dataset's record batches.",
		Long: `Stream a dataset and report the rows and columns of every record batch.

With --output the batches are also written to a file: .jsonl or .ndjson
for JSON Lines, .jsonl.zst for zstd-compressed JSON Lines, .parquet for
Parquet. s3://bucket/key destinations are uploaded when the stream ends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withSession(cmd, func(ctx context.Context, s *session) error {
				return o.run(ctx, s, args[0], stdout)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&o.Output, "output", "o", "", "Write batches to this file or s3:// URI.")
	flags.BoolVar(&o.AllEndpoints, "all-endpoints", false, "Read every endpoint instead of only the first.")
	flags.IntVar(&o.Concurrency, "concurrency", 1, "Endpoints read in parallel; above 1 implies --all-endpoints.")
	flags.BoolVarP(&o.Quiet, "quiet", "q", false, "Only print the totals.")
	return cmd
}

// batchReport prints per-batch lines and feeds the optional sink. Safe for
// concurrent use.
type batchReport struct {
	o      *getOptions
	ctx    context.Context
	stdout io.Writer
	s      *session

	mu      sync.Mutex
	sink    export.Sink
	batches int
	rows    int64
}

func (r *batchReport) add(endpoint int, rec arrow.RecordBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.o.Quiet {
		fmt.Fprintf(r.stdout, "batch %d (endpoint %d): %d rows, %d columns\n", r.batches, endpoint, rec.NumRows(), rec.NumCols())
	}
	r.batches++
	r.rows += rec.NumRows()
	if r.o.Output == "" {
		return nil
	}
	if err := r.open(rec.Schema()); err != nil {
		return err
	}
	return r.sink.Write(rec)
}

func (r *batchReport) open(schema *arrow.Schema) error {
	if r.sink != nil {
		return nil
	}
	sink, err := export.Create(r.ctx, r.o.Output, schema, export.WithLogger(r.s.logger))
	if err != nil {
		return err
	}
	r.sink = sink
	return nil
}

// finish writes the totals and closes the sink. A dataset that produced no
// batches still gets an output file when its schema is known.
func (r *batchReport) finish(schema *vgiflight.Schema, streamErr error) error {
	if streamErr == nil && r.o.Output != "" && r.sink == nil && schema != nil {
		streamErr = r.open(schema.Arrow())
	}
	var closeErr error
	if r.sink != nil {
		closeErr = r.sink.Close()
	}
	if err := errors.Join(streamErr, closeErr); err != nil {
		return err
	}
	fmt.Fprintf(r.stdout, "total: %d rows in %d batches\n", r.rows, r.batches)
	if r.o.Output != "" {
		fmt.Fprintf(r.stdout, "written: %s\n", r.o.Output)
	}
	return nil
}

func (o *getOptions) run(ctx context.Context, s *session, identifier string, stdout io.Writer) error {
	r := &batchReport{o: o, ctx: ctx, stdout: stdout, s: s}
	if o.Concurrency > 1 {
		return o.runConcurrent(ctx, s, identifier, r)
	}

	var opts []vgiflight.FetchOption
	if o.AllEndpoints {
		opts = append(opts, vgiflight.WithEndpointPolicy(vgiflight.AllEndpoints))
	}
	stream, err := s.client.Fetch(ctx, identifier, opts...)
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Next() {
		if err := r.add(stream.Endpoint(), stream.RecordBatch()); err != nil {
			return errors.Join(err, r.finish(nil, nil))
		}
	}
	return r.finish(stream.Schema(), stream.Err())
}

func (o *getOptions) runConcurrent(ctx context.Context, s *session, identifier string, r *batchReport) error {
	desc, err := s.client.Resolve(ctx, identifier)
	if err != nil {
		return err
	}
	info, err := s.client.Describe(ctx, desc)
	if err != nil {
		return err
	}
	var schema *vgiflight.Schema
	if len(info.SchemaBytes) > 0 {
		if schema, err = vgiflight.ResolveSchema(info.SchemaBytes, nil); err != nil {
			return err
		}
	}
	err = s.client.FetchConcurrent(ctx, info, o.Concurrency, r.add)
	return r.finish(schema, err)
}
