// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"context"
	"iter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// EndpointPolicy selects which endpoints of a dataset a fetch reads.
type EndpointPolicy int

const (
	// FirstEndpoint reads only the first endpoint that carries a ticket.
	FirstEndpoint EndpointPolicy = iota
	// AllEndpoints reads every endpoint in order.
	AllEndpoints
)

// FetchOption configures a fetch.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	policy EndpointPolicy
}

func WithEndpointPolicy(p EndpointPolicy) FetchOption {
	return func(c *fetchConfig) { c.policy = p }
}

// Stream is a forward-only sequence of record batches for one dataset. It
// walks the selected endpoints in order, one decoder per endpoint. Not safe
// for concurrent use.
type Stream struct {
	c      *Client
	ctx    context.Context
	info   *DatasetInfo
	schema *Schema
	policy EndpointPolicy

	next int
	done bool
	err  error

	// current endpoint
	dec      *Decoder
	cancel   context.CancelFunc
	scoped   Transport
	hookCtx  context.Context
	token    HookToken
	endpoint StreamInfo
	decoded  int // endpoints opened so far
	stats    StreamStatistics
}

// Fetch resolves identifier, describes it and opens a stream over its
// contents.
func (c *Client) Fetch(ctx context.Context, identifier string, opts ...FetchOption) (*Stream, error) {
	desc, err := c.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return c.FetchDescriptor(ctx, desc, opts...)
}

// FetchDescriptor describes desc and opens a stream over its contents.
func (c *Client) FetchDescriptor(ctx context.Context, desc DatasetDescriptor, opts ...FetchOption) (*Stream, error) {
	info, err := c.Describe(ctx, desc)
	if err != nil {
		return nil, err
	}
	return c.FetchInfo(ctx, info, opts...)
}

// FetchInfo opens a stream over a dataset whose metadata is already known.
// The schema is resolved once here and shared by every batch the stream
// yields. A dataset with no endpoints yields an empty stream.
func (c *Client) FetchInfo(ctx context.Context, info *DatasetInfo, opts ...FetchOption) (*Stream, error) {
	var cfg fetchConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	schema, err := c.resolveInfoSchema(info)
	if err != nil {
		return nil, err
	}
	return &Stream{
		c:      c,
		ctx:    ctx,
		info:   info,
		schema: schema,
		policy: cfg.policy,
	}, nil
}

func (c *Client) resolveInfoSchema(info *DatasetInfo) (*Schema, error) {
	if len(info.SchemaBytes) == 0 {
		c.logger.Debug("fetch: metadata carries no schema, waiting for in-stream schema", "dataset", info.Descriptor.String())
		return nil, nil
	}
	return ResolveSchema(info.SchemaBytes, c.mem)
}

// Batches is Fetch as an iterator. A failure is yielded once and ends the
// sequence. Yielded batches are released when the iteration advances.
func (c *Client) Batches(ctx context.Context, identifier string, opts ...FetchOption) iter.Seq2[arrow.RecordBatch, error] {
	return func(yield func(arrow.RecordBatch, error) bool) {
		s, err := c.Fetch(ctx, identifier, opts...)
		if err != nil {
			yield(nil, err)
			return
		}
		defer s.Close()
		for s.Next() {
			if !yield(s.RecordBatch(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// FetchConcurrent decodes every endpoint of info in parallel, at most limit
// at a time (limit <= 0 means no limit). Each endpoint gets its own decoder
// and dictionary table. fn is called from multiple goroutines with the
// endpoint index and a batch that is released when fn returns.
func (c *Client) FetchConcurrent(ctx context.Context, info *DatasetInfo, limit int, fn func(endpoint int, rec arrow.RecordBatch) error) error {
	schema, err := c.resolveInfoSchema(info)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for idx, ep := range info.Endpoints {
		if !ep.HasTicket() {
			c.logger.Warn("fetch: endpoint has no ticket", "dataset", info.Descriptor.String(), "endpoint", idx)
			continue
		}
		g.Go(func() error {
			s := &Stream{c: c, ctx: gctx, info: info, schema: schema}
			defer s.Close()
			if err := s.open(idx, ep); err != nil {
				return err
			}
			for s.Next() {
				if err := fn(idx, s.RecordBatch()); err != nil {
					s.finishEndpoint(err)
					return err
				}
			}
			return s.Err()
		})
	}
	return g.Wait()
}

// Next advances to the next batch, crossing endpoint boundaries. The
// previous batch is released; Retain a batch to keep it.
func (s *Stream) Next() bool {
	for {
		if s.err != nil {
			return false
		}
		if s.dec == nil {
			if s.done || !s.openNext() {
				return false
			}
			continue
		}
		if err := s.ctx.Err(); err != nil {
			s.finishEndpoint(rpcError("fetch", err))
			return false
		}
		if s.dec.Next() {
			return true
		}
		s.finishEndpoint(s.dec.Err())
	}
}

// RecordBatch returns the batch produced by the last successful Next.
func (s *Stream) RecordBatch() arrow.RecordBatch {
	if s.dec == nil {
		return nil
	}
	return s.dec.RecordBatch()
}

// Err returns the error that ended the stream, nil after a normal end.
func (s *Stream) Err() error { return s.err }

// Schema returns the shared schema; nil until known when the metadata
// carried none.
func (s *Stream) Schema() *Schema { return s.schema }

func (s *Stream) Info() *DatasetInfo { return s.info }

// Endpoint is the index in Info().Endpoints of the endpoint currently being
// read, or -1 before the first Next.
func (s *Stream) Endpoint() int {
	if s.decoded == 0 {
		return -1
	}
	return s.endpoint.EndpointIndex
}

// Statistics sums the counters of every endpoint stream finished so far.
func (s *Stream) Statistics() StreamStatistics { return s.stats }

// Close stops the stream, cancelling any in-flight endpoint call.
func (s *Stream) Close() error {
	if s.dec != nil {
		s.dec.Close()
		s.finishEndpoint(nil)
	}
	s.done = true
	return nil
}

func (s *Stream) openNext() bool {
	for s.next < len(s.info.Endpoints) {
		if s.policy == FirstEndpoint && s.decoded > 0 {
			break
		}
		idx := s.next
		s.next++
		ep := s.info.Endpoints[idx]
		if !ep.HasTicket() {
			s.c.logger.Warn("fetch: endpoint has no ticket", "dataset", s.info.Descriptor.String(), "endpoint", idx)
			continue
		}
		if err := s.open(idx, ep); err != nil {
			s.err = err
			return false
		}
		return true
	}
	s.done = true
	return false
}

// open starts the DoGet call for one endpoint and its decoder.
func (s *Stream) open(idx int, ep Endpoint) error {
	transport, scoped, location, err := s.c.transportFor(s.ctx, ep)
	if err != nil {
		return err
	}
	s.endpoint = StreamInfo{
		StreamID:      uuid.NewString(),
		Descriptor:    s.info.Descriptor.String(),
		EndpointIndex: idx,
		Location:      location,
	}
	ctx, cancel := context.WithCancel(s.ctx)
	ctx, token := s.c.hookStart(ctx, s.endpoint)

	logger := s.c.logger.With("stream_id", s.endpoint.StreamID, "dataset", s.endpoint.Descriptor, "endpoint", idx)
	logger.Debug("fetch: opening endpoint stream", "location", location)
	src, err := transport.DoGet(ctx, ep.Ticket)
	if err != nil {
		cancel()
		if scoped {
			_ = transport.Close()
		}
		err = rpcError("open endpoint stream", err)
		s.c.hookEnd(ctx, token, s.endpoint, &StreamStatistics{}, err)
		return err
	}

	s.decoded++
	s.dec = NewDecoder(src, s.schema, WithAllocator(s.c.mem), WithLogger(logger))
	s.cancel = cancel
	s.hookCtx = ctx
	s.token = token
	s.scoped = nil
	if scoped {
		s.scoped = transport
	}
	return nil
}

func (s *Stream) finishEndpoint(err error) {
	dec := s.dec
	s.dec = nil
	if err == nil {
		err = dec.Err()
	}
	dec.Close()
	stats := dec.Statistics()
	s.stats.add(stats)
	if s.schema == nil {
		s.schema = dec.Schema()
	}
	s.cancel()
	if s.scoped != nil {
		if cerr := s.scoped.Close(); cerr != nil {
			s.c.logger.Debug("fetch: closing location transport", "err", cerr)
		}
		s.scoped = nil
	}
	s.c.hookEnd(s.hookCtx, s.token, s.endpoint, &stats, err)
	if err != nil {
		s.err = err
	}
}

// transportFor picks the transport serving ep. Endpoints without a remote
// location, or clients without a location dialer, use the current
// connection. scoped transports belong to one stream.
func (c *Client) transportFor(ctx context.Context, ep Endpoint) (t Transport, scoped bool, location string, err error) {
	for _, loc := range ep.Locations {
		if loc != ReuseConnectionURI {
			location = loc
			break
		}
	}
	if location == "" {
		return c.transport, false, "", nil
	}
	if c.dialLocation == nil {
		c.logger.Debug("fetch: no location dialer, using current connection", "location", location)
		return c.transport, false, location, nil
	}
	t, err = c.dialLocation(ctx, location)
	if err != nil {
		return nil, false, location, rpcError("dial "+location, err)
	}
	return t, true, location, nil
}
