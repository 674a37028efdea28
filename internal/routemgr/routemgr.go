// Package routemgr installs and removes the half-space override routes
// (0.0.0.0/1, 128.0.0.0/1) that give redirected traffic priority over a
// VPN-installed default route.
package routemgr

import (
	"net/netip"

	"splittunnel-engine/internal/model"
)

// OverrideMetric is the fixed metric used for both half-space routes.
// Higher than a VPN client's typical metric-0 default so the overrides
// apply only to the redirected subset of traffic.
const OverrideMetric = 9999

// Manager installs and removes the split-tunnel override routes bound to
// the physical gateway, and tracks installed handles for rollback.
type Manager interface {
	// Install adds the 0.0.0.0/1 and 128.0.0.0/1 routes via physGateway
	// on physIfIndex. If the second route fails to install, the first is
	// rolled back before an error is returned.
	Install(physGateway netip.Addr, physIfIndex uint32) ([]model.RouteHandle, error)
	// RemoveAll removes every handle previously installed. Idempotent and
	// best-effort: a failure removing one handle does not prevent the
	// rest from being attempted.
	RemoveAll() error
}
