// Package adapterinv discovers the VPN tunnel adapter and the physical
// default adapter at session start, resolving their source IPs,
// interface indices, and the real default gateway.
package adapterinv

import (
	"errors"
	"fmt"
	"net/netip"

	"splittunnel-engine/internal/model"
)

// ErrAmbiguousAdapter is returned when more than one candidate interface
// matches the VPN-adapter heuristic and no tie-break resolves it.
var ErrAmbiguousAdapter = errors.New("adapterinv: ambiguous VPN adapter")

// DiscoveryError wraps a fatal failure during adapter discovery.
type DiscoveryError struct {
	Reason string
	Err    error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("adapterinv: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("adapterinv: %s", e.Reason)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Result is the outcome of a successful Discover call.
type Result struct {
	VPN         model.AdapterInfo
	Physical    model.AdapterInfo
	PhysGateway netip.Addr
}

// Inventory discovers the two adapters a session operates between.
// Discovery runs once at session start; the result is treated as
// immutable for the session's lifetime — adapter changes mid-session are
// out of scope and surface as a fatal session error if encountered later.
type Inventory interface {
	Discover() (Result, error)
}
