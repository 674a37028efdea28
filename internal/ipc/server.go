package ipc

import (
	"net"
	"time"

	"google.golang.org/grpc"
)

// gracefulStopTimeout bounds how long Stop waits for in-flight RPCs
// and the StreamLogs subscriber to finish before forcing a hard stop.
const gracefulStopTimeout = 3 * time.Second

// Server wraps a gRPC server exposing the control service. Listening
// transport is supplied by the caller via Serve — on Windows that's a
// Named Pipe (see pipe.go, server_windows.go); Serve itself has no
// platform dependency, so it is directly testable against an
// in-memory listener.
type Server struct {
	grpc    *grpc.Server
	tracker *ConnTracker
}

// NewServer builds a Server around svc, wiring the ConnTracker's
// interceptors so idle-grace accounting covers every RPC and the
// StreamLogs stream alike.
func NewServer(svc ControlServiceServer, tracker *ConnTracker, opts ...grpc.ServerOption) *Server {
	allOpts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(tracker.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(tracker.StreamInterceptor()),
	}, opts...)

	gs := grpc.NewServer(allOpts...)
	gs.RegisterService(&ServiceDesc, svc)
	return &Server{grpc: gs, tracker: tracker}
}

// Serve begins accepting connections on ln and blocks until Stop is
// called or ln reports a fatal accept error.
func (s *Server) Serve(ln net.Listener) error {
	return s.grpc.Serve(ln)
}

// Stop gracefully stops the gRPC server with a bounded timeout. If
// in-flight calls (most notably the long-lived StreamLogs subscriber)
// don't close in time, falls back to a hard stop so shutdown is never
// held hostage by a client that never disconnects.
func (s *Server) Stop() {
	s.tracker.CancelGrace()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(gracefulStopTimeout):
		s.grpc.Stop()
	}
}

// ForceStop immediately stops the gRPC server without waiting for
// in-flight calls to finish.
func (s *Server) ForceStop() {
	s.tracker.CancelGrace()
	s.grpc.Stop()
}

// GRPCServer returns the underlying grpc.Server for additional
// configuration before Serve is called.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpc
}
