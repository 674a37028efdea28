//go:build windows

package routemgr

import (
	"fmt"
	"net/netip"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"splittunnel-engine/internal/logging"
	"splittunnel-engine/internal/model"
)

var modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

var (
	procInitializeIpForwardEntry = modIPHlpAPI.NewProc("InitializeIpForwardEntry")
	procCreateIpForwardEntry2    = modIPHlpAPI.NewProc("CreateIpForwardEntry2")
	procDeleteIpForwardEntry2    = modIPHlpAPI.NewProc("DeleteIpForwardEntry2")
)

// MIB_IPFORWARD_ROW2 (simplified, 104 bytes on x64). Field offsets match
// those the adapter inventory's forward-table scan already relies on.
type mibIPForwardRow2 struct{ data [104]byte }

const (
	fwdInterfaceLUID = 0
	fwdDestFamily    = 12
	fwdDestAddr      = 16
	fwdDestPrefixLen = 40
	fwdNextHopFamily = 44
	fwdNextHopAddr   = 48
	fwdMetric        = 84
	fwdProtocol      = 88
	fwdOrigin        = 100
)

// WindowsManager installs and removes the override routes via
// CreateIpForwardEntry2/DeleteIpForwardEntry2.
type WindowsManager struct {
	log *logging.Logger

	mu     sync.Mutex
	routes []mibIPForwardRow2
}

// NewWindowsManager creates a route manager.
func NewWindowsManager(log *logging.Logger) *WindowsManager {
	return &WindowsManager{log: log}
}

func (rm *WindowsManager) Install(physGateway netip.Addr, physIfIndex uint32) ([]model.RouteHandle, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	luid, err := luidFromIfIndex(physIfIndex)
	if err != nil {
		return nil, fmt.Errorf("routemgr: resolve LUID for ifindex %d: %w", physIfIndex, err)
	}

	first := netip.MustParsePrefix("0.0.0.0/1")
	if err := rm.addRoute(first, luid, physGateway); err != nil {
		return nil, fmt.Errorf("routemgr: add 0.0.0.0/1: %w", err)
	}

	second := netip.MustParsePrefix("128.0.0.0/1")
	if err := rm.addRoute(second, luid, physGateway); err != nil {
		// Roll back the first route before surfacing the error.
		rm.removeLastLocked()
		return nil, fmt.Errorf("routemgr: add 128.0.0.0/1: %w", err)
	}

	rm.log.Infof("Route", "Override routes installed via physical adapter (ifindex=%d)", physIfIndex)

	return []model.RouteHandle{
		{Prefix: first, Gateway: physGateway, IfIndex: physIfIndex, Metric: OverrideMetric},
		{Prefix: second, Gateway: physGateway, IfIndex: physIfIndex, Metric: OverrideMetric},
	}, nil
}

func (rm *WindowsManager) RemoveAll() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var lastErr error
	for _, row := range rm.routes {
		r, _, _ := procDeleteIpForwardEntry2.Call(uintptr(unsafe.Pointer(&row)))
		if r != 0 {
			lastErr = fmt.Errorf("DeleteIpForwardEntry2: 0x%x", r)
			rm.log.Warnf("Route", "failed removing an override route: %v", lastErr)
		}
	}
	rm.routes = nil

	if lastErr != nil {
		return lastErr
	}
	rm.log.Infof("Route", "Override routes removed")
	return nil
}

func (rm *WindowsManager) removeLastLocked() {
	if len(rm.routes) == 0 {
		return
	}
	last := rm.routes[len(rm.routes)-1]
	rm.routes = rm.routes[:len(rm.routes)-1]
	procDeleteIpForwardEntry2.Call(uintptr(unsafe.Pointer(&last)))
}

func (rm *WindowsManager) addRoute(dst netip.Prefix, luid uint64, nextHop netip.Addr) error {
	var row mibIPForwardRow2
	procInitializeIpForwardEntry.Call(uintptr(unsafe.Pointer(&row)))

	*(*uint64)(unsafe.Pointer(&row.data[fwdInterfaceLUID])) = luid

	*(*uint16)(unsafe.Pointer(&row.data[fwdDestFamily])) = windows.AF_INET
	ip4 := dst.Addr().As4()
	copy(row.data[fwdDestAddr:fwdDestAddr+4], ip4[:])
	row.data[fwdDestPrefixLen] = uint8(dst.Bits())

	*(*uint16)(unsafe.Pointer(&row.data[fwdNextHopFamily])) = windows.AF_INET
	if nextHop.IsValid() {
		gw4 := nextHop.As4()
		copy(row.data[fwdNextHopAddr:fwdNextHopAddr+4], gw4[:])
	}

	*(*uint32)(unsafe.Pointer(&row.data[fwdMetric])) = OverrideMetric
	*(*int32)(unsafe.Pointer(&row.data[fwdProtocol])) = 3 // MIB_IPPROTO_NETMGMT
	*(*int32)(unsafe.Pointer(&row.data[fwdOrigin])) = 1   // NlroManual

	r, _, _ := procCreateIpForwardEntry2.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 && r != 0x80071392 { // ERROR_OBJECT_ALREADY_EXISTS
		return fmt.Errorf("CreateIpForwardEntry2 failed: 0x%x", r)
	}

	rm.routes = append(rm.routes, row)
	return nil
}

// luidFromIfIndex resolves an interface index to its LUID via
// ConvertInterfaceIndexToLuid.
func luidFromIfIndex(ifIndex uint32) (uint64, error) {
	var luid uint64
	if err := windows.ConvertInterfaceIndexToLuid(ifIndex, (*windows.LUID)(unsafe.Pointer(&luid))); err != nil {
		return 0, err
	}
	return luid, nil
}
