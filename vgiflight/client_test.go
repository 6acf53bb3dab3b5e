// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/vgi-flight/conformance"
)

func startCatalogue(t *testing.T) (*conformance.Running, *Client) {
	t.Helper()
	r, err := conformance.Start("localhost:0")
	require.NoError(t, err)
	t.Cleanup(r.Stop)

	c, err := Dial(r.Location)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return r, c
}

func listNames(t *testing.T, c *Client, expr string) []string {
	t.Helper()
	var names []string
	for info, err := range c.List(context.Background(), expr) {
		require.NoError(t, err)
		names = append(names, info.Descriptor.String())
	}
	return names
}

func TestClientList(t *testing.T) {
	_, c := startCatalogue(t)

	all := listNames(t, c, "")
	assert.Len(t, all, len(conformance.Catalogue()))
	assert.Contains(t, all, conformance.DatasetReadings)
	assert.True(t, sort.StringsAreSorted(all))

	assert.Equal(t, []string{"readings", "readings_east", "readings_west"}, listNames(t, c, "readings*"))
	assert.Empty(t, listNames(t, c, "nothing*"))

	var merged []*DatasetInfo
	for info, err := range c.List(context.Background(), "readings.dataset") {
		require.NoError(t, err)
		merged = append(merged, info)
	}
	require.Len(t, merged, 1)
	assert.Equal(t, "readings.dataset", merged[0].Descriptor.String())
	records, known := merged[0].Records()
	assert.True(t, known)
	assert.Equal(t, int64(200), records)
	_, known = merged[0].Bytes()
	assert.False(t, known)
}

func TestClientResolve(t *testing.T) {
	_, c := startCatalogue(t)
	ctx := context.Background()

	desc, err := c.Resolve(ctx, "readings")
	require.NoError(t, err)
	assert.True(t, desc.Equal(PathDescriptor("readings")))

	desc, err = c.Resolve(ctx, "colors_*")
	require.NoError(t, err)
	assert.Equal(t, conformance.DatasetColorsDelta, desc.String())

	desc, err = c.Resolve(ctx, "cmd:colors")
	require.NoError(t, err)
	assert.Equal(t, DescriptorCommand, desc.Kind())

	_, err = c.Resolve(ctx, "nothing*")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientDescribe(t *testing.T) {
	_, c := startCatalogue(t)
	ctx := context.Background()

	info, err := c.Describe(ctx, PathDescriptor(conformance.DatasetSharded))
	require.NoError(t, err)
	assert.Len(t, info.Endpoints, 3)
	assert.Equal(t, int64(3*conformance.ShardRows), info.TotalRecords)
	assert.NotEmpty(t, info.SchemaBytes)

	info, err = c.Describe(ctx, CommandDescriptor([]byte(conformance.DatasetColors)))
	require.NoError(t, err)
	assert.Len(t, info.Endpoints, 1)

	_, err = c.Describe(ctx, PathDescriptor("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchReadings(t *testing.T) {
	_, c := startCatalogue(t)

	s, err := c.Fetch(context.Background(), conformance.DatasetReadings)
	require.NoError(t, err)
	defer s.Close()
	require.NotNil(t, s.Schema())
	shared := s.Schema().Arrow()

	var sizes []int64
	for s.Next() {
		rec := s.RecordBatch()
		assert.Same(t, shared, rec.Schema())
		assert.Equal(t, int64(3), rec.NumCols())
		sizes = append(sizes, rec.NumRows())
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []int64{5000, 5000, 2500}, sizes)

	stats := s.Statistics()
	assert.Equal(t, int64(12500), stats.Rows)
	records, known := s.Info().Records()
	assert.True(t, known)
	assert.Equal(t, stats.Rows, records)
}

func TestFetchDictionaryDatasets(t *testing.T) {
	_, c := startCatalogue(t)
	ctx := context.Background()

	tests := []struct {
		name string
		want []conformance.Paint
	}{
		{conformance.DatasetColors, conformance.ColorsRows},
		{conformance.DatasetColorsReplaced, conformance.ReplacedRows},
		{conformance.DatasetColorsDelta, conformance.DeltaRows},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []conformance.Paint
			for rec, err := range c.Batches(ctx, tt.name) {
				require.NoError(t, err)
				rows, err := ScanRows[conformance.Paint](rec)
				require.NoError(t, err)
				got = append(got, rows...)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetchEmptyDatasets(t *testing.T) {
	_, c := startCatalogue(t)

	for _, name := range []string{conformance.DatasetEmpty, conformance.DatasetOffline} {
		t.Run(name, func(t *testing.T) {
			s, err := c.Fetch(context.Background(), name)
			require.NoError(t, err)
			defer s.Close()
			assert.False(t, s.Next())
			assert.NoError(t, s.Err())
			assert.Zero(t, s.Statistics().RecordBatches)
		})
	}
}

func TestFetchSchemaless(t *testing.T) {
	_, c := startCatalogue(t)

	s, err := c.Fetch(context.Background(), conformance.DatasetSchemaless)
	require.NoError(t, err)
	defer s.Close()
	assert.Nil(t, s.Schema())

	var rows int64
	for s.Next() {
		rows += s.RecordBatch().NumRows()
	}
	require.NoError(t, s.Err())
	assert.Equal(t, int64(10), rows)
	require.NotNil(t, s.Schema())
	assert.True(t, s.Schema().Arrow().Equal(conformance.ReadingsSchema))
}

func TestFetchEndpointPolicy(t *testing.T) {
	_, c := startCatalogue(t)
	ctx := context.Background()

	count := func(opts ...FetchOption) (int64, []int64) {
		s, err := c.Fetch(ctx, conformance.DatasetSharded, opts...)
		require.NoError(t, err)
		defer s.Close()
		var ids []int64
		for s.Next() {
			rows, err := ScanRows[conformance.Reading](s.RecordBatch())
			require.NoError(t, err)
			for _, r := range rows {
				ids = append(ids, r.ID)
			}
		}
		require.NoError(t, s.Err())
		return s.Statistics().Rows, ids
	}

	rows, _ := count()
	assert.Equal(t, int64(conformance.ShardRows), rows)

	rows, ids := count(WithEndpointPolicy(AllEndpoints))
	assert.Equal(t, int64(3*conformance.ShardRows), rows)
	for i, id := range ids {
		require.Equal(t, int64(i), id)
	}
}

func TestFetchMergedDataset(t *testing.T) {
	_, c := startCatalogue(t)

	var rows int64
	for rec, err := range c.Batches(context.Background(), "readings.dataset") {
		require.NoError(t, err)
		rows += rec.NumRows()
	}
	assert.Equal(t, int64(200), rows)
}

func TestFetchConcurrent(t *testing.T) {
	_, c := startCatalogue(t)
	ctx := context.Background()

	info, err := c.Describe(ctx, PathDescriptor(conformance.DatasetSharded))
	require.NoError(t, err)

	var mu sync.Mutex
	perEndpoint := map[int]int64{}
	err = c.FetchConcurrent(ctx, info, 2, func(endpoint int, rec arrow.RecordBatch) error {
		mu.Lock()
		defer mu.Unlock()
		perEndpoint[endpoint] += rec.NumRows()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[int]int64{0: conformance.ShardRows, 1: conformance.ShardRows, 2: conformance.ShardRows}, perEndpoint)
}

func TestFetchConcurrentCallbackError(t *testing.T) {
	_, c := startCatalogue(t)
	hook := &recordingHook{}
	c.SetStreamHook(hook)
	ctx := context.Background()

	info, err := c.Describe(ctx, PathDescriptor(conformance.DatasetSharded))
	require.NoError(t, err)

	errStop := errors.New("stop")
	err = c.FetchConcurrent(ctx, info, 1, func(int, arrow.RecordBatch) error {
		return errStop
	})
	require.ErrorIs(t, err, errStop)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	require.NotEmpty(t, hook.ends)
	assert.Len(t, hook.ends, len(hook.starts))
	assert.True(t, slices.ContainsFunc(hook.errs, func(e error) bool { return errors.Is(e, errStop) }),
		"stream end errors %v", hook.errs)
}

func TestFetchCancelled(t *testing.T) {
	_, c := startCatalogue(t)

	info, err := c.Describe(context.Background(), PathDescriptor(conformance.DatasetReadings))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.FetchInfo(ctx, info)
	require.NoError(t, err)
	defer s.Close()
	require.True(t, s.Next())

	cancel()
	for s.Next() {
	}
	require.Error(t, s.Err())
	assert.ErrorIs(t, s.Err(), ErrTransport)
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestDropDataset(t *testing.T) {
	_, c := startCatalogue(t)
	ctx := context.Background()

	actions, err := c.ListActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionDropDataset, actions[0].Type)

	c.SetInfoCacheSize(8)
	_, err = c.Describe(ctx, PathDescriptor(conformance.DatasetEmpty))
	require.NoError(t, err)

	require.NoError(t, c.DropDataset(ctx, conformance.DatasetEmpty))
	_, err = c.Describe(ctx, PathDescriptor(conformance.DatasetEmpty))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, c.DropDataset(ctx, conformance.DatasetEmpty), ErrNotFound)
}

type countingTransport struct {
	Transport
	infos atomic.Int32
}

func (t *countingTransport) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	t.infos.Add(1)
	return t.Transport.GetFlightInfo(ctx, desc)
}

func TestInfoCache(t *testing.T) {
	r, _ := startCatalogue(t)
	inner, err := DialTransport(r.Location)
	require.NoError(t, err)
	counting := &countingTransport{Transport: inner}
	c := NewClient(counting)
	defer c.Close()
	ctx := context.Background()
	desc := PathDescriptor(conformance.DatasetColors)

	c.SetInfoCacheSize(4)
	first, err := c.Describe(ctx, desc)
	require.NoError(t, err)
	second, err := c.Describe(ctx, desc)
	require.NoError(t, err)
	assert.Equal(t, int32(1), counting.infos.Load())
	assert.NotSame(t, first, second)
	assert.Equal(t, first.TotalRecords, second.TotalRecords)

	c.InvalidateInfo(desc)
	_, err = c.Describe(ctx, desc)
	require.NoError(t, err)
	assert.Equal(t, int32(2), counting.infos.Load())

	c.SetInfoCacheSize(0)
	_, err = c.Describe(ctx, desc)
	require.NoError(t, err)
	assert.Equal(t, int32(3), counting.infos.Load())
}

type recordingHook struct {
	mu         sync.Mutex
	starts     []StreamInfo
	ends       []StreamStatistics
	errs       []error
	propagated []bool
}

type hookKey struct{}

func (h *recordingHook) OnStreamStart(ctx context.Context, info StreamInfo) (context.Context, HookToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts = append(h.starts, info)
	return context.WithValue(ctx, hookKey{}, info.StreamID), info.StreamID
}

func (h *recordingHook) OnStreamEnd(ctx context.Context, token HookToken, info StreamInfo, stats *StreamStatistics, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.propagated = append(h.propagated, ctx.Value(hookKey{}) == token)
	h.ends = append(h.ends, *stats)
	h.errs = append(h.errs, err)
}

func TestStreamHook(t *testing.T) {
	r, c := startCatalogue(t)
	hook := &recordingHook{}
	c.SetStreamHook(hook)
	c.SetLocationDialer(GRPCLocationDialer())

	s, err := c.Fetch(context.Background(), conformance.DatasetSharded, WithEndpointPolicy(AllEndpoints))
	require.NoError(t, err)
	for s.Next() {
	}
	require.NoError(t, s.Err())
	require.NoError(t, s.Close())

	require.Len(t, hook.starts, 3)
	require.Len(t, hook.ends, 3)
	ids := map[string]bool{}
	for i, info := range hook.starts {
		assert.Equal(t, i, info.EndpointIndex)
		assert.Equal(t, conformance.DatasetSharded, info.Descriptor)
		assert.Equal(t, r.Location, info.Location)
		ids[info.StreamID] = true
		assert.Equal(t, int64(conformance.ShardRows), hook.ends[i].Rows)
		assert.NoError(t, hook.errs[i])
		assert.True(t, hook.propagated[i])
	}
	assert.Len(t, ids, 3)
}

type panickingHook struct{}

func (panickingHook) OnStreamStart(context.Context, StreamInfo) (context.Context, HookToken) {
	panic("start")
}

func (panickingHook) OnStreamEnd(context.Context, HookToken, StreamInfo, *StreamStatistics, error) {
	panic("end")
}

func TestStreamHookPanicsAreContained(t *testing.T) {
	_, c := startCatalogue(t)
	c.SetStreamHook(panickingHook{})

	var rows int64
	for rec, err := range c.Batches(context.Background(), conformance.DatasetColors) {
		require.NoError(t, err)
		rows += rec.NumRows()
	}
	assert.Equal(t, int64(len(conformance.ColorsRows)), rows)
}
