// Package model holds the value types shared across the engine's
// components: adapter metadata, routing handles, mode/target state, and
// the per-session statistics snapshot.
package model

import (
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"
)

// AdapterRole identifies which of the two adapters an AdapterInfo describes.
type AdapterRole int

const (
	RoleVPN AdapterRole = iota
	RolePhysical
)

func (r AdapterRole) String() string {
	switch r {
	case RoleVPN:
		return "VPN"
	case RolePhysical:
		return "Physical"
	default:
		return "Unknown"
	}
}

// AdapterInfo describes one of the two adapters a session operates between.
// Immutable once a session starts.
type AdapterInfo struct {
	Name    string
	SrcIP   netip.Addr
	IfIndex uint32
	LUID    uint64
	Role    AdapterRole
}

// RouteHandle records one installed half-space override route.
type RouteHandle struct {
	Prefix  netip.Prefix
	Gateway netip.Addr
	IfIndex uint32
	Metric  uint32
}

// Mode selects the default egress adapter for executables not in the
// TargetSet.
type Mode int

const (
	ExcludeMode Mode = iota
	IncludeMode
)

func (m Mode) String() string {
	switch m {
	case ExcludeMode:
		return "ExcludeMode"
	case IncludeMode:
		return "IncludeMode"
	default:
		return "UnknownMode"
	}
}

// ParseMode parses the String() form back into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "ExcludeMode":
		return ExcludeMode, nil
	case "IncludeMode":
		return IncludeMode, nil
	default:
		return 0, fmt.Errorf("model: unknown mode %q", s)
	}
}

// TargetSet is an immutable, normalized set of executable paths. Callers
// replace the whole set atomically (see policy.TargetSetSlot) rather than
// mutating one in place.
type TargetSet struct {
	paths map[string]struct{}
}

// NewTargetSet normalizes and builds a TargetSet from raw paths.
func NewTargetSet(paths []string) TargetSet {
	m := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		m[NormalizePath(p)] = struct{}{}
	}
	return TargetSet{paths: m}
}

// NormalizePath case-folds and cleans an executable path the way TargetSet
// membership checks expect it.
func NormalizePath(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// Contains reports whether exePath (already or not yet normalized) is a
// member of the set.
func (t TargetSet) Contains(exePath string) bool {
	if t.paths == nil {
		return false
	}
	_, ok := t.paths[NormalizePath(exePath)]
	return ok
}

// Len reports the number of members.
func (t TargetSet) Len() int { return len(t.paths) }

// ConnMaps is the immutable pair of lookup maps the connection tracker
// publishes on every tick. Always read and replaced as a whole.
type ConnMaps struct {
	ByEndpoint map[Endpoint]string // (local_ip, local_port) -> exe path
	ByPort     map[uint16]string   // local_port -> exe path
}

// Endpoint is a local (ip, port) pair, used as a ConnMaps key.
type Endpoint struct {
	IP   netip.Addr
	Port uint16
}

// EmptyConnMaps returns a usable zero-entry pair, used before the first
// tracker tick completes.
func EmptyConnMaps() *ConnMaps {
	return &ConnMaps{ByEndpoint: map[Endpoint]string{}, ByPort: map[uint16]string{}}
}

// Protocol is the transport protocol of a flow.
type Protocol uint8

const (
	ProtoTCP Protocol = iota
	ProtoUDP
)

func (p Protocol) String() string {
	if p == ProtoUDP {
		return "UDP"
	}
	return "TCP"
}

// FlowKey is the 5-tuple identifying one flow, as observed on the
// outbound/original side (before NAT rewrite).
type FlowKey struct {
	Proto  Protocol
	SrcIP  netip.Addr
	SrcPt  uint16
	DstIP  netip.Addr
	DstPt  uint16
}

// Decision is the redirect/pass verdict committed for a flow's lifetime.
type Decision int

const (
	DecisionUnknown Decision = iota
	DecisionPassThrough
	DecisionRedirectToVPN
	DecisionRedirectToPhysical
)

func (d Decision) String() string {
	switch d {
	case DecisionPassThrough:
		return "PassThrough"
	case DecisionRedirectToVPN:
		return "RedirectToVPN"
	case DecisionRedirectToPhysical:
		return "RedirectToPhysical"
	default:
		return "Unknown"
	}
}

// NatKey is the compact lookup key for the NAT table: the full 5-tuple
// as it appears on the wire after rewriting — (proto, rewritten src ip,
// src port, dst ip, dst port) for an outbound insert, or the symmetric
// (proto, dst ip, dst port, src ip, src port) for an inbound lookup.
// IPv4 only, per the engine's explicit IPv6 non-goal.
type NatKey struct {
	Proto  Protocol
	IP     [4]byte // rewritten src ip (outbound) / dst ip (inbound)
	Port   uint16  // src port (outbound) / dst port (inbound)
	PeerIP [4]byte // dst ip (outbound) / src ip (inbound)
	PeerPt uint16  // dst port (outbound) / src port (inbound)
}

// MakeNatKey builds the outbound-side NatKey for a flow whose source has
// just been rewritten to (ip, port).
func MakeNatKey(proto Protocol, ip netip.Addr, port uint16, peerIP netip.Addr, peerPort uint16) NatKey {
	return NatKey{Proto: proto, IP: ip.As4(), Port: port, PeerIP: peerIP.As4(), PeerPt: peerPort}
}

// NatEntry is one outbound->inbound rewrite record.
type NatEntry struct {
	OrigSrcIP    netip.Addr
	OrigIfIndex  uint32
	LastActivity atomic.Int64 // unix seconds, updated on every hit
}

// SessionStats is the lock-free counter snapshot exposed to callers,
// read with atomic loads; the struct itself is never copied while live
// — callers read through Snapshot(). BytesOut, BytesIn, PacketsPassed,
// PacketsRedirected, and PacketsDiscarded are cumulative counters
// updated with atomic adds on the interceptor's hot path. FlowsActive
// and NatEntries are gauges refreshed from the flow cache's and NAT
// tables' live counts on each sweep tick, since "currently active" is
// not something the hot path can maintain by addition alone.
type SessionStats struct {
	BytesOut          atomic.Uint64
	BytesIn           atomic.Uint64
	FlowsActive       atomic.Uint64
	NatEntries        atomic.Uint64
	PacketsPassed     atomic.Uint64
	PacketsRedirected atomic.Uint64
	PacketsDiscarded  atomic.Uint64
}

// StatsSnapshot is a plain-value copy of SessionStats for a point in
// time, suitable for crossing the IPC boundary.
type StatsSnapshot struct {
	BytesOut          uint64
	BytesIn           uint64
	FlowsActive       uint64
	NatEntries        uint64
	PacketsPassed     uint64
	PacketsRedirected uint64
	PacketsDiscarded  uint64
}

// Snapshot takes a consistent-enough (each field independently atomic)
// copy of the stats for reporting.
func (s *SessionStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BytesOut:          s.BytesOut.Load(),
		BytesIn:           s.BytesIn.Load(),
		FlowsActive:       s.FlowsActive.Load(),
		NatEntries:        s.NatEntries.Load(),
		PacketsPassed:     s.PacketsPassed.Load(),
		PacketsRedirected: s.PacketsRedirected.Load(),
		PacketsDiscarded:  s.PacketsDiscarded.Load(),
	}
}

// SessionFault wraps an error that escaped a worker goroutine. Carrying
// the originating component's tag keeps the logged line actionable.
type SessionFault struct {
	Component string
	Err       error
}

func (f *SessionFault) Error() string {
	return fmt.Sprintf("%s: %v", f.Component, f.Err)
}

func (f *SessionFault) Unwrap() error { return f.Err }

// NewSessionFault builds a SessionFault, returning nil if err is nil so
// callers can write `if f := model.NewSessionFault(tag, err); f != nil`.
func NewSessionFault(component string, err error) *SessionFault {
	if err == nil {
		return nil
	}
	return &SessionFault{Component: component, Err: err}
}
