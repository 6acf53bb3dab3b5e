// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ActionDropDataset removes a dataset from the catalogue.
const ActionDropDataset = "drop_dataset"

const (
	mergedSuffix = ".dataset"
	shardSep     = "#"
	// reuseLocation tells clients to fetch on the connection they already
	// hold.
	reuseLocation = "arrow-flight-reuse-connection://?"
)

// Server serves the dataset catalogue over Arrow Flight.
type Server struct {
	flight.BaseFlightServer

	mem      memory.Allocator
	logger   *slog.Logger
	location string

	mu       sync.RWMutex
	datasets map[string]*Dataset
}

// NewServer returns a service over a fresh copy of the catalogue.
// location is advertised in endpoint locations; an empty location is
// advertised as the reuse-connection URI.
func NewServer(location string) *Server {
	s := &Server{
		mem:      memory.NewGoAllocator(),
		logger:   slog.Default(),
		location: location,
		datasets: make(map[string]*Dataset),
	}
	for _, d := range Catalogue() {
		s.datasets[d.Name] = d
	}
	return s
}

// Register adds d to the catalogue served, replacing any dataset with the
// same name.
func (s *Server) Register(d *Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[d.Name] = d
}

// SetLogger replaces the server's logger.
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l
}

// ListFlights lists dataset metadata. An empty expression lists every
// dataset, "<prefix>.dataset" lists the merged dataset over "<prefix>_*",
// and anything else is a glob over dataset names.
func (s *Server) ListFlights(c *flight.Criteria, fs flight.FlightService_ListFlightsServer) error {
	expr := string(c.GetExpression())
	s.logger.Debug("list flights", "expression", expr)

	if strings.HasSuffix(expr, mergedSuffix) {
		info, err := s.mergedInfo(expr)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		return fs.Send(info)
	}

	for _, d := range s.matching(expr) {
		info, err := s.info(d)
		if err != nil {
			return err
		}
		if err := fs.Send(info); err != nil {
			return err
		}
	}
	return nil
}

// GetFlightInfo describes one dataset, named by the first path element or
// by a command body.
func (s *Server) GetFlightInfo(_ context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	var name string
	switch desc.GetType() {
	case flight.DescriptorPATH:
		if len(desc.GetPath()) == 0 {
			return nil, status.Error(codes.InvalidArgument, "empty descriptor path")
		}
		name = desc.GetPath()[0]
	case flight.DescriptorCMD:
		name = string(desc.GetCmd())
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unsupported descriptor type %v", desc.GetType())
	}
	s.logger.Debug("get flight info", "dataset", name)

	if strings.HasSuffix(name, mergedSuffix) {
		return s.mergedInfo(name)
	}
	d, ok := s.lookup(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "dataset %q not found", name)
	}
	return s.info(d)
}

// DoGet streams the messages named by a ticket.
func (s *Server) DoGet(t *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	ticket := string(t.GetTicket())
	s.logger.Debug("do get", "ticket", ticket)

	msgs, err := s.ticketMessages(ticket)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := fs.Send(m); err != nil {
			return err
		}
	}
	return nil
}

// ListActions advertises the drop_dataset action.
func (s *Server) ListActions(_ *flight.Empty, fs flight.FlightService_ListActionsServer) error {
	return fs.Send(&flight.ActionType{
		Type:        ActionDropDataset,
		Description: "Delete a dataset from the catalogue.",
	})
}

// DoAction runs drop_dataset.
func (s *Server) DoAction(a *flight.Action, fs flight.FlightService_DoActionServer) error {
	if a.GetType() != ActionDropDataset {
		return status.Errorf(codes.Unimplemented, "unknown action %q", a.GetType())
	}
	name := string(a.GetBody())
	s.mu.Lock()
	_, ok := s.datasets[name]
	delete(s.datasets, name)
	s.mu.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "dataset %q not found", name)
	}
	s.logger.Info("dataset dropped", "dataset", name)
	return fs.Send(&flight.Result{Body: []byte("dropped " + name)})
}

func (s *Server) lookup(name string) (*Dataset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datasets[name]
	return d, ok
}

func (s *Server) matching(pattern string) []*Dataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Dataset
	for _, d := range s.datasets {
		if pattern != "" {
			if ok, err := path.Match(pattern, d.Name); err != nil || !ok {
				continue
			}
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *Dataset) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *Server) endpoint(ticket string) *flight.FlightEndpoint {
	loc := s.location
	if loc == "" {
		loc = reuseLocation
	}
	return &flight.FlightEndpoint{
		Ticket:         &flight.Ticket{Ticket: []byte(ticket)},
		Location:       []*flight.Location{{Uri: loc}},
		ExpirationTime: timestamppb.New(time.Now().Add(time.Hour)),
	}
}

func (s *Server) info(d *Dataset) (*flight.FlightInfo, error) {
	fi := &flight.FlightInfo{
		FlightDescriptor: &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{d.Name}},
		TotalRecords:     -1,
		TotalBytes:       -1,
		Ordered:          true,
	}
	if !d.OmitSchema {
		fi.Schema = flight.SerializeSchema(d.Schema, s.mem)
	}
	if d.Shards == 0 {
		return fi, nil
	}
	var rows, size int64
	for shard := range d.Shards {
		msgs, err := d.Messages(s.mem, shard)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode %s: %v", d.Name, err)
		}
		r, b := messageTotals(msgs)
		rows += r
		size += b
		ticket := d.Name
		if d.Shards > 1 {
			ticket += shardSep + strconv.Itoa(shard)
		}
		fi.Endpoint = append(fi.Endpoint, s.endpoint(ticket))
	}
	fi.TotalRecords, fi.TotalBytes = rows, size
	return fi, nil
}

// mergedInfo describes "<prefix>.dataset": every "<prefix>_*" dataset read
// as one stream. Its byte total is unknown.
func (s *Server) mergedInfo(name string) (*flight.FlightInfo, error) {
	members := s.members(name)
	if len(members) == 0 {
		return nil, status.Errorf(codes.NotFound, "no datasets match %q", name)
	}
	msgs, err := s.mergedMessages(members)
	if err != nil {
		return nil, err
	}
	rows, _ := messageTotals(msgs)
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(members[0].Schema, s.mem),
		FlightDescriptor: &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{name}},
		Endpoint:         []*flight.FlightEndpoint{s.endpoint(name)},
		TotalRecords:     rows,
		TotalBytes:       -1,
	}, nil
}

func (s *Server) members(name string) []*Dataset {
	prefix := strings.TrimSuffix(name, mergedSuffix) + "_"
	var out []*Dataset
	for _, d := range s.matching(prefix + "*") {
		if d.Shards > 0 {
			out = append(out, d)
		}
	}
	return out
}

// mergedMessages concatenates the members' streams under the first
// member's schema message.
func (s *Server) mergedMessages(members []*Dataset) ([]*flight.FlightData, error) {
	var out []*flight.FlightData
	for i, d := range members {
		if !d.Schema.Equal(members[0].Schema) {
			return nil, status.Errorf(codes.FailedPrecondition, "dataset %s does not share the merged schema", d.Name)
		}
		for shard := range d.Shards {
			msgs, err := d.Messages(s.mem, shard)
			if err != nil {
				return nil, status.Errorf(codes.Internal, "encode %s: %v", d.Name, err)
			}
			for j, m := range msgs {
				if (i > 0 || shard > 0) && j == 0 {
					continue
				}
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (s *Server) ticketMessages(ticket string) ([]*flight.FlightData, error) {
	if strings.HasSuffix(ticket, mergedSuffix) {
		members := s.members(ticket)
		if len(members) == 0 {
			return nil, status.Errorf(codes.NotFound, "no datasets match %q", ticket)
		}
		return s.mergedMessages(members)
	}
	name, shard := ticket, 0
	if i := strings.LastIndex(ticket, shardSep); i >= 0 {
		n, err := strconv.Atoi(ticket[i+1:])
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "malformed ticket %q", ticket)
		}
		name, shard = ticket[:i], n
	}
	d, ok := s.lookup(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "dataset %q not found", name)
	}
	msgs, err := d.Messages(s.mem, shard)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return msgs, nil
}

// messageTotals sums the rows of record batch messages and the encoded size
// of every message.
func messageTotals(msgs []*flight.FlightData) (rows, size int64) {
	for _, m := range msgs {
		size += int64(len(m.DataHeader) + len(m.DataBody))
		if n, ok := recordLength(m); ok {
			rows += n
		}
	}
	return rows, size
}

// Running is a catalogue server listening on a local port.
type Running struct {
	Server   *Server
	Addr     string
	Location string

	srv  flight.Server
	done chan error
}

// Start serves a fresh catalogue on addr ("localhost:0" picks a free port).
func Start(addr string) (*Running, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	bound := srv.Addr().String()
	svc := NewServer("grpc://" + bound)
	srv.RegisterFlightService(svc)

	r := &Running{Server: svc, Addr: bound, Location: svc.location, srv: srv, done: make(chan error, 1)}
	go func() { r.done <- srv.Serve() }()
	return r, nil
}

// Stop shuts the server down and waits for Serve to return.
func (r *Running) Stop() {
	r.srv.Shutdown()
	<-r.done
}
