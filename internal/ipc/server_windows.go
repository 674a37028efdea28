//go:build windows

package ipc

import "fmt"

// Start opens the engine's Named Pipe and begins serving gRPC requests.
// Blocks until Stop/ForceStop is called or the pipe reports a fatal
// accept error.
func (s *Server) Start() error {
	ln, err := PipeListener()
	if err != nil {
		return fmt.Errorf("ipc: listen pipe: %w", err)
	}
	return s.Serve(ln)
}
