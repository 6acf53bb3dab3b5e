// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// InfoStream yields dataset metadata from a listing. Recv returns io.EOF at
// the end of the listing.
type InfoStream interface {
	Recv() (*flight.FlightInfo, error)
}

// Transport is the RPC surface the client needs from a Flight server.
type Transport interface {
	ListFlights(ctx context.Context, expression []byte) (InfoStream, error)
	GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error)
	DoGet(ctx context.Context, ticket Ticket) (MessageSource, error)
	ListActions(ctx context.Context) (ActionTypeStream, error)
	DoAction(ctx context.Context, action *flight.Action) (ResultStream, error)
	Close() error
}

// ActionTypeStream yields the actions a server supports.
type ActionTypeStream interface {
	Recv() (*flight.ActionType, error)
}

// ResultStream yields the results of one action.
type ResultStream interface {
	Recv() (*flight.Result, error)
}

// LocationDialer opens a transport to an endpoint location. The driver
// closes it once the endpoint's stream ends.
type LocationDialer func(ctx context.Context, location string) (Transport, error)

// Location schemes understood by ParseLocation.
const (
	SchemeGRPC    = "grpc"
	SchemeGRPCTCP = "grpc+tcp"
	SchemeGRPCTLS = "grpc+tls"
)

// ParseLocation splits a Flight location URI into a dial address and
// whether the connection needs TLS. A bare host:port is plaintext.
func ParseLocation(location string) (addr string, useTLS bool, err error) {
	if !strings.Contains(location, "://") {
		if location == "" {
			return "", false, fmt.Errorf("empty location")
		}
		return location, false, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", false, fmt.Errorf("parse location %q: %w", location, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("location %q has no host", location)
	}
	switch u.Scheme {
	case SchemeGRPC, SchemeGRPCTCP:
		return u.Host, false, nil
	case SchemeGRPCTLS:
		return u.Host, true, nil
	default:
		return "", false, fmt.Errorf("unsupported location scheme %q", u.Scheme)
	}
}

// DialTransport connects to a Flight server over gRPC. opts are appended
// after the credentials derived from the location, so callers can override
// them.
func DialTransport(location string, opts ...grpc.DialOption) (Transport, error) {
	addr, useTLS, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)
	c, err := flight.NewClientWithMiddleware(addr, nil, nil, dialOpts...)
	if err != nil {
		return nil, rpcError("dial "+location, err)
	}
	return &grpcTransport{client: c}, nil
}

// GRPCLocationDialer returns a LocationDialer that dials each location with
// DialTransport and the given options.
func GRPCLocationDialer(opts ...grpc.DialOption) LocationDialer {
	return func(_ context.Context, location string) (Transport, error) {
		return DialTransport(location, opts...)
	}
}

type grpcTransport struct {
	client flight.Client
}

func (t *grpcTransport) ListFlights(ctx context.Context, expression []byte) (InfoStream, error) {
	return t.client.ListFlights(ctx, &flight.Criteria{Expression: expression})
}

func (t *grpcTransport) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	return t.client.GetFlightInfo(ctx, desc)
}

func (t *grpcTransport) DoGet(ctx context.Context, ticket Ticket) (MessageSource, error) {
	return t.client.DoGet(ctx, &flight.Ticket{Ticket: ticket})
}

func (t *grpcTransport) ListActions(ctx context.Context) (ActionTypeStream, error) {
	return t.client.ListActions(ctx, &flight.Empty{})
}

func (t *grpcTransport) DoAction(ctx context.Context, action *flight.Action) (ResultStream, error) {
	return t.client.DoAction(ctx, action)
}

func (t *grpcTransport) Close() error { return t.client.Close() }
