//go:build windows

package adapterinv

import (
	"fmt"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/windows"

	"splittunnel-engine/internal/model"
)

var (
	modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

	procGetIpForwardTable2      = modIPHlpAPI.NewProc("GetIpForwardTable2")
	procFreeMibTable            = modIPHlpAPI.NewProc("FreeMibTable")
	procGetUnicastIpAddrTable   = modIPHlpAPI.NewProc("GetUnicastIpAddressTable")
)

// MIB_IPFORWARD_ROW2, same 104-byte simplified layout and offsets used by
// the route manager's table scan.
type fwdRow struct{ data [104]byte }

const (
	fwdInterfaceLUID  = 0
	fwdInterfaceIndex = 8
	fwdDestFamily     = 12
	fwdDestAddr       = 16
	fwdDestPrefixLen  = 40
	fwdNextHopAddr    = 48
	fwdMetric         = 84
)

// MIB_UNICASTIPADDRESS_ROW, same 80-byte simplified layout used elsewhere
// in this codebase for reading assigned unicast addresses.
type unicastRow struct{ data [80]byte }

const (
	unicastAddrFamily     = 0
	unicastAddr           = 4
	unicastInterfaceLUID  = 32
	unicastInterfaceIndex = 40
)

func fwdU16(t unsafe.Pointer, hdr, rowSize uintptr, i uint32, off int) uint16 {
	return *(*uint16)(unsafe.Pointer(uintptr(t) + hdr + uintptr(i)*rowSize + uintptr(off)))
}
func fwdU32(t unsafe.Pointer, hdr, rowSize uintptr, i uint32, off int) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(t) + hdr + uintptr(i)*rowSize + uintptr(off)))
}
func fwdU64(t unsafe.Pointer, hdr, rowSize uintptr, i uint32, off int) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(t) + hdr + uintptr(i)*rowSize + uintptr(off)))
}
func fwdBytes4(t unsafe.Pointer, hdr, rowSize uintptr, i uint32, off int) [4]byte {
	return *(*[4]byte)(unsafe.Pointer(uintptr(t) + hdr + uintptr(i)*rowSize + uintptr(off)))
}
func fwdByte(t unsafe.Pointer, hdr, rowSize uintptr, i uint32, off int) byte {
	return *(*byte)(unsafe.Pointer(uintptr(t) + hdr + uintptr(i)*rowSize + uintptr(off)))
}

type fwdCandidate struct {
	luid    uint64
	ifIndex uint32
	gateway netip.Addr
	metric  uint32
}

// WindowsInventory discovers the VPN and physical adapters by walking the
// IPv4 forward table, the same iphlpapi surface the route manager uses to
// install and remove routes.
type WindowsInventory struct{}

// NewWindowsInventory returns the default platform Inventory.
func NewWindowsInventory() *WindowsInventory { return &WindowsInventory{} }

func (WindowsInventory) Discover() (Result, error) {
	var table unsafe.Pointer
	r, _, _ := procGetIpForwardTable2.Call(uintptr(windows.AF_INET), uintptr(unsafe.Pointer(&table)))
	if r != 0 {
		return Result{}, &DiscoveryError{Reason: "GetIpForwardTable2 failed", Err: fmt.Errorf("0x%x", r)}
	}
	defer procFreeMibTable.Call(uintptr(table))

	numEntries := *(*uint32)(table)
	const rowSize = uintptr(104)
	hdr := unsafe.Sizeof(uint64(0))

	var defaultRoutes []fwdCandidate // dest 0.0.0.0/0
	halfSpaceByLUID := map[uint64][]fwdCandidate{} // dest 0.0.0.0/1 or 128.0.0.0/1, keyed by owning LUID

	for i := uint32(0); i < numEntries; i++ {
		family := fwdU16(table, hdr, rowSize, i, fwdDestFamily)
		if family != windows.AF_INET {
			continue
		}
		dstIP := fwdBytes4(table, hdr, rowSize, i, fwdDestAddr)
		prefixLen := fwdByte(table, hdr, rowSize, i, fwdDestPrefixLen)
		luid := fwdU64(table, hdr, rowSize, i, fwdInterfaceLUID)
		ifIndex := fwdU32(table, hdr, rowSize, i, fwdInterfaceIndex)
		gw := netip.AddrFrom4(fwdBytes4(table, hdr, rowSize, i, fwdNextHopAddr))
		metric := fwdU32(table, hdr, rowSize, i, fwdMetric)

		cand := fwdCandidate{luid: luid, ifIndex: ifIndex, gateway: gw, metric: metric}

		switch {
		case prefixLen == 0 && dstIP == [4]byte{0, 0, 0, 0}:
			defaultRoutes = append(defaultRoutes, cand)
		case prefixLen == 1 && (dstIP == [4]byte{0, 0, 0, 0} || dstIP == [4]byte{128, 0, 0, 0}):
			halfSpaceByLUID[luid] = append(halfSpaceByLUID[luid], cand)
		}
	}

	if len(defaultRoutes) == 0 {
		return Result{}, &DiscoveryError{Reason: "no default gateway found"}
	}

	// Physical: the default-route owner with the lowest metric. Spec
	// ties are broken the same way: lowest numeric metric wins.
	phys := defaultRoutes[0]
	for _, c := range defaultRoutes[1:] {
		if c.metric < phys.metric {
			phys = c
		}
	}

	// VPN: a distinct interface already holding a half-space /1 route
	// (VPN clients typically install these at metric 0, per the route
	// manager's own override rationale) that isn't the physical LUID.
	var vpnLUID uint64
	var vpnIfIndex uint32
	found := 0
	for luid, rows := range halfSpaceByLUID {
		if luid == phys.luid {
			continue
		}
		found++
		vpnLUID = luid
		vpnIfIndex = rows[0].ifIndex
	}
	if found == 0 {
		return Result{}, &DiscoveryError{Reason: "no VPN tunnel adapter found"}
	}
	if found > 1 {
		return Result{}, ErrAmbiguousAdapter
	}

	physIP, err := unicastIPv4ForLUID(phys.luid)
	if err != nil {
		return Result{}, &DiscoveryError{Reason: "resolve physical adapter IP", Err: err}
	}
	vpnIP, err := unicastIPv4ForLUID(vpnLUID)
	if err != nil {
		return Result{}, &DiscoveryError{Reason: "resolve VPN adapter IP", Err: err}
	}

	return Result{
		VPN: model.AdapterInfo{
			Name: "vpn", SrcIP: vpnIP, IfIndex: vpnIfIndex, LUID: vpnLUID, Role: model.RoleVPN,
		},
		Physical: model.AdapterInfo{
			Name: "physical", SrcIP: physIP, IfIndex: phys.ifIndex, LUID: phys.luid, Role: model.RolePhysical,
		},
		PhysGateway: phys.gateway,
	}, nil
}

func unicastIPv4ForLUID(luid uint64) (netip.Addr, error) {
	var table unsafe.Pointer
	r, _, _ := procGetUnicastIpAddrTable.Call(uintptr(windows.AF_INET), uintptr(unsafe.Pointer(&table)))
	if r != 0 {
		return netip.Addr{}, fmt.Errorf("GetUnicastIpAddressTable failed: 0x%x", r)
	}
	defer procFreeMibTable.Call(uintptr(table))

	numEntries := *(*uint32)(table)
	const rowSize = uintptr(80)
	hdr := unsafe.Sizeof(uint64(0))

	for i := uint32(0); i < numEntries; i++ {
		family := fwdU16(table, hdr, rowSize, i, unicastAddrFamily)
		if family != windows.AF_INET {
			continue
		}
		rowLUID := fwdU64(table, hdr, rowSize, i, unicastInterfaceLUID)
		if rowLUID != luid {
			continue
		}
		ip := fwdBytes4(table, hdr, rowSize, i, unicastAddr)
		return netip.AddrFrom4(ip), nil
	}
	return netip.Addr{}, fmt.Errorf("no IPv4 unicast address for LUID 0x%x", luid)
}
