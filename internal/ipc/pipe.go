//go:build windows

// Package ipc exposes the session façade (C7) across a process
// boundary over a Windows Named Pipe, using a hand-rolled gRPC service
// (see controlservice.go, codec.go) in place of generated protobuf
// stubs.
package ipc

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

const (
	// PipeName is the Named Pipe path the engine listens on.
	PipeName = `\\.\pipe\splittunnel-engine`
)

// PipeListener creates a Named Pipe listener for the gRPC server.
// The pipe allows any authenticated user to connect (SDDL grant) since
// the owning UI runs at normal user privilege while this engine runs
// elevated.
func PipeListener() (net.Listener, error) {
	cfg := &winio.PipeConfig{
		// Allow all authenticated users to connect (GUI runs as regular user).
		SecurityDescriptor: "D:P(A;;GA;;;AU)",
		MessageMode:        false,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	}
	return winio.ListenPipe(PipeName, cfg)
}

// PipeDial connects to the engine's Named Pipe.
func PipeDial(timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(PipeName, &timeout)
}
