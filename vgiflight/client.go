// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/golang/groupcache/lru"
	"google.golang.org/grpc"
)

// Client retrieves dataset metadata and contents from one Flight server.
// A Client is safe for concurrent use; each Stream it returns is not.
type Client struct {
	transport    Transport
	mem          memory.Allocator
	logger       *slog.Logger
	hook         StreamHook
	dialLocation LocationDialer

	cacheMu sync.Mutex
	cache   *lru.Cache
}

// NewClient wraps an existing transport.
func NewClient(t Transport) *Client {
	return &Client{
		transport: t,
		mem:       memory.DefaultAllocator,
		logger:    slog.Default(),
	}
}

// Dial connects to the server at location (grpc://, grpc+tcp://,
// grpc+tls:// or bare host:port).
func Dial(location string, opts ...grpc.DialOption) (*Client, error) {
	t, err := DialTransport(location, opts...)
	if err != nil {
		return nil, err
	}
	return NewClient(t), nil
}

// SetAllocator sets the allocator used for decoded buffers.
func (c *Client) SetAllocator(mem memory.Allocator) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	c.mem = mem
}

func (c *Client) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	c.logger = l
}

// SetStreamHook registers a hook called around every endpoint stream.
func (c *Client) SetStreamHook(h StreamHook) { c.hook = h }

// SetLocationDialer enables fetching from endpoint locations other than the
// current connection. Without one, every endpoint is read from the current
// connection.
func (c *Client) SetLocationDialer(d LocationDialer) { c.dialLocation = d }

// SetInfoCacheSize enables an LRU cache of dataset metadata holding up to n
// entries. n <= 0 disables caching.
func (c *Client) SetInfoCacheSize(n int) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if n <= 0 {
		c.cache = nil
		return
	}
	c.cache = lru.New(n)
}

// InvalidateInfo drops any cached metadata for desc.
func (c *Client) InvalidateInfo(desc DatasetDescriptor) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.cache != nil {
		c.cache.Remove(desc.Key())
	}
}

func (c *Client) Close() error { return c.transport.Close() }

// List streams the metadata of every dataset matching expression. An empty
// expression lists all datasets. Each range over the result issues a new
// listing call; a failure is yielded once and ends the sequence.
func (c *Client) List(ctx context.Context, expression string) iter.Seq2[*DatasetInfo, error] {
	return func(yield func(*DatasetInfo, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.transport.ListFlights(ctx, []byte(expression))
		if err != nil {
			yield(nil, rpcError("list datasets", err))
			return
		}
		for {
			fi, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, rpcError("list datasets", err))
				return
			}
			if !yield(infoFromFlight(fi, DatasetDescriptor{}), nil) {
				return
			}
		}
	}
}

// isSelection reports whether identifier uses selection syntax and must be
// resolved through a listing.
func isSelection(identifier string) bool {
	return !strings.HasPrefix(identifier, commandPrefix) && strings.ContainsAny(identifier, "*?[")
}

// Resolve maps an identifier to a descriptor. Plain names and "cmd:"
// identifiers map directly; selection expressions resolve to the first
// dataset the server lists for them.
func (c *Client) Resolve(ctx context.Context, identifier string) (DatasetDescriptor, error) {
	if !isSelection(identifier) {
		desc := ParseDescriptor(identifier)
		if !desc.IsValid() {
			return DatasetDescriptor{}, newError(KindNotFound, nil, "empty dataset identifier %q", identifier)
		}
		return desc, nil
	}
	for info, err := range c.List(ctx, identifier) {
		if err != nil {
			return DatasetDescriptor{}, err
		}
		if !info.Descriptor.IsValid() {
			continue
		}
		c.logger.Debug("resolve: selection matched", "expression", identifier, "dataset", info.Descriptor.String())
		return info.Descriptor, nil
	}
	return DatasetDescriptor{}, newError(KindNotFound, nil, "no dataset matches %q", identifier)
}

// Describe fetches the metadata of one dataset. A dataset the server does
// not know yields an error matching ErrNotFound.
func (c *Client) Describe(ctx context.Context, desc DatasetDescriptor) (*DatasetInfo, error) {
	if !desc.IsValid() {
		return nil, newError(KindNotFound, nil, "invalid descriptor")
	}
	if info, ok := c.cached(desc); ok {
		return info, nil
	}
	fi, err := c.transport.GetFlightInfo(ctx, desc.toFlight())
	if err != nil {
		return nil, rpcError("describe "+desc.String(), err)
	}
	if fi == nil {
		return nil, newError(KindNotFound, nil, "describe %s: server returned no metadata", desc)
	}
	info := infoFromFlight(fi, desc)
	c.logger.Debug("describe: metadata received",
		"dataset", desc.String(), "records", info.TotalRecords, "bytes", info.TotalBytes, "endpoints", len(info.Endpoints))
	c.store(desc, info)
	return info, nil
}

func (c *Client) cached(desc DatasetDescriptor) (*DatasetInfo, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.cache == nil {
		return nil, false
	}
	v, ok := c.cache.Get(desc.Key())
	if !ok {
		return nil, false
	}
	info := *v.(*DatasetInfo)
	return &info, true
}

func (c *Client) store(desc DatasetDescriptor, info *DatasetInfo) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.cache == nil {
		return
	}
	cp := *info
	c.cache.Add(desc.Key(), &cp)
}
