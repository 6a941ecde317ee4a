// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package logforward implements the log forwarder service (Component G): a
// process-wide, system-name-keyed, reference-counted gRPC logging-sink
// server that receives pushed log entries from remote participants and fans
// them out to registered monitors, plus the parallel ISystemLogger path for
// this library's own diagnostic messages.
package logforward

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/fep3-go/system/internal/dbg"
	"google.golang.org/grpc"
)

// Severity mirrors the participant-side log severity scale; higher values
// are less severe (Fatal is 1, Debug is 5). Off disables a sink entirely.
type Severity int32

const (
	SeverityOff Severity = iota
	SeverityFatal
	SeverityError
	SeverityWarning
	SeverityInfo
	SeverityDebug
)

func (s Severity) String() string {
	switch s {
	case SeverityOff:
		return "off"
	case SeverityFatal:
		return "fatal"
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	case SeverityDebug:
		return "debug"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// LogEntry is one forwarded log record, common to both the remote-push path
// (wire-decoded from a participant's OnLog call) and the local SystemLogger
// path.
type LogEntry struct {
	Description     string
	LoggerName      string
	ParticipantName string
	Severity        Severity
	TimestampMs     int64
}

// wireLogEntry is the JSON frame a remote participant posts to OnLog
// (§6 "logging_sink_client"); TimestampNs is converted to milliseconds
// before fan-out, matching the server behavior described in §4.G.
type wireLogEntry struct {
	Description     string `json:"description"`
	LoggerName      string `json:"logger_name"`
	ParticipantName string `json:"participant_name"`
	Severity        int32  `json:"severity"`
	TimestampNs     int64  `json:"timestamp_ns"`
}

type wireAck struct {
	Code int32 `json:"code"`
}

// onLogHandler adapts a *server's onLog method to a grpc.MethodDesc without
// protoc-generated stubs, reading/writing JSON frames via jsonCodec.
func onLogHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wireLogEntry)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*server).onLog(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fep3.system.LoggingSinkClient/OnLog"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*server).onLog(ctx, req.(*wireLogEntry))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "fep3.system.LoggingSinkClient",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OnLog", Handler: onLogHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "logforward/server.go",
}

// server is one process-wide logging-sink gRPC server scoped to a single
// system_name, fed by registered forwarders.
type server struct {
	systemName string
	grpcServer *grpc.Server
	listener   net.Listener
	url        string
	tracer     *dbg.Tracer

	mu         sync.Mutex
	forwarders map[*RemoteLogForwarder]struct{}
}

func newServer(systemName string) (*server, error) {
	lis, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("logforward: listening for system %q: %w", systemName, err)
	}

	s := &server{
		systemName: systemName,
		listener:   lis,
		forwarders: make(map[*RemoteLogForwarder]struct{}),
		tracer:     dbg.New("[logforward %s] ", systemName),
	}
	s.grpcServer = grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	s.grpcServer.RegisterService(&serviceDesc, s)

	s.url = rewriteAdvertisedURL(lis.Addr().String())

	go s.grpcServer.Serve(lis)
	return s, nil
}

// rewriteAdvertisedURL replaces a 0.0.0.0-bound host with the local
// hostname so remote participants can dial back in (§4.G "URL rewriting").
func rewriteAdvertisedURL(addr string) string {
	if !strings.Contains(addr, "0.0.0.0:") {
		return "http://" + addr
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return "http://" + strings.Replace(addr, "0.0.0.0", host, 1)
}

// URL returns this server's advertised callback address.
func (s *server) URL() string {
	return s.url
}

// register adds f to the fan-out set.
func (s *server) register(f *RemoteLogForwarder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarders[f] = struct{}{}
}

// unregister removes f from the fan-out set.
func (s *server) unregister(f *RemoteLogForwarder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.forwarders, f)
}

// onLog is invoked by the gRPC layer for every pushed log entry. It must
// never let a panicking forwarder escape onto a gRPC-managed goroutine.
func (s *server) onLog(ctx context.Context, in *wireLogEntry) (*wireAck, error) {
	defer s.tracer.Recover("server.onLog")
	entry := LogEntry{
		Description:     in.Description,
		LoggerName:      in.LoggerName,
		ParticipantName: in.ParticipantName,
		Severity:        Severity(in.Severity),
		TimestampMs:     in.TimestampNs / 1_000_000,
	}

	s.mu.Lock()
	forwarders := make([]*RemoteLogForwarder, 0, len(s.forwarders))
	for f := range s.forwarders {
		forwarders = append(forwarders, f)
	}
	s.mu.Unlock()

	s.tracer.Printf("onLog from %s severity=%s -> %d forwarder(s)", entry.ParticipantName, entry.Severity, len(forwarders))
	for _, f := range forwarders {
		f.Forward(entry)
	}
	return &wireAck{Code: 0}, nil
}

func (s *server) close() {
	s.grpcServer.Stop()
}

// ServerRegistry is the process-wide, system-name-keyed, reference-counted
// logging-sink server registry (§4.G, §9 Design Note "Process-wide per-name
// singleton"). Acquire/Release are the only entry points; the underlying
// gRPC server is created on the first Acquire for a name and torn down on
// the matching final Release.
type ServerRegistry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	server   *server
	refcount int
}

// NewServerRegistry creates an empty registry. A process typically holds
// exactly one, shared across every System instance it creates.
func NewServerRegistry() *ServerRegistry {
	return &ServerRegistry{entries: make(map[string]*registryEntry)}
}

// Acquire returns the shared server for systemName, creating it on first use
// and incrementing its reference count.
func (r *ServerRegistry) Acquire(systemName string) (*server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[systemName]; ok {
		e.refcount++
		return e.server, nil
	}

	s, err := newServer(systemName)
	if err != nil {
		return nil, err
	}
	r.entries[systemName] = &registryEntry{server: s, refcount: 1}
	return s, nil
}

// Release decrements systemName's reference count, tearing down the server
// once it reaches zero.
func (r *ServerRegistry) Release(systemName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[systemName]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount > 0 {
		return
	}
	e.server.close()
	delete(r.entries, systemName)
}
