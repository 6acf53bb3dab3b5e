// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"slices"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
)

// UnknownTotal is the sentinel servers send when a row or byte total is not known.
const UnknownTotal int64 = -1

// ReuseConnectionURI is the location servers advertise to mean
// "fetch from the connection you already have".
const ReuseConnectionURI = "arrow-flight-reuse-connection://?"

// Ticket is an opaque retrieval token, passed back to the server verbatim.
type Ticket []byte

// Endpoint is one place a dataset (or a shard of it) can be read from.
type Endpoint struct {
	// Ticket is nil when the server did not provide one.
	Ticket Ticket
	// Locations is empty when the dataset is served by the current connection.
	Locations   []string
	Expires     time.Time
	AppMetadata []byte
}

func (e Endpoint) HasTicket() bool { return e.Ticket != nil }

// DatasetInfo is the server's metadata for one dataset.
type DatasetInfo struct {
	Descriptor DatasetDescriptor
	// SchemaBytes is the IPC-encapsulated schema message; empty when the
	// server did not include one.
	SchemaBytes  []byte
	TotalRecords int64
	TotalBytes   int64
	Endpoints    []Endpoint
	Ordered      bool
	AppMetadata  []byte
}

// Records returns the total row count and whether the server knows it.
func (i *DatasetInfo) Records() (int64, bool) {
	return i.TotalRecords, i.TotalRecords >= 0
}

// Bytes returns the total byte count and whether the server knows it.
func (i *DatasetInfo) Bytes() (int64, bool) {
	return i.TotalBytes, i.TotalBytes >= 0
}

// infoFromFlight converts the wire metadata. fallback is used when the
// server omits the descriptor (it always does for some implementations).
func infoFromFlight(fi *flight.FlightInfo, fallback DatasetDescriptor) *DatasetInfo {
	desc, ok := descriptorFromFlight(fi.GetFlightDescriptor())
	if !ok {
		desc = fallback
	}
	info := &DatasetInfo{
		Descriptor:   desc,
		SchemaBytes:  fi.GetSchema(),
		TotalRecords: normalizeTotal(fi.GetTotalRecords()),
		TotalBytes:   normalizeTotal(fi.GetTotalBytes()),
		Ordered:      fi.GetOrdered(),
		AppMetadata:  fi.GetAppMetadata(),
	}
	for _, ep := range fi.GetEndpoint() {
		e := Endpoint{AppMetadata: ep.GetAppMetadata()}
		if t := ep.GetTicket(); t != nil {
			e.Ticket = Ticket(slices.Clone(t.GetTicket()))
			if e.Ticket == nil {
				e.Ticket = Ticket{}
			}
		}
		for _, loc := range ep.GetLocation() {
			if uri := loc.GetUri(); uri != "" {
				e.Locations = append(e.Locations, uri)
			}
		}
		if ts := ep.GetExpirationTime(); ts != nil {
			e.Expires = ts.AsTime()
		}
		info.Endpoints = append(info.Endpoints, e)
	}
	return info
}

// normalizeTotal folds every negative total onto UnknownTotal.
func normalizeTotal(v int64) int64 {
	if v < 0 {
		return UnknownTotal
	}
	return v
}
