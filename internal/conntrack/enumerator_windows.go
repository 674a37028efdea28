//go:build windows

package conntrack

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

var modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

var (
	procGetExtendedTcpTable = modIPHlpAPI.NewProc("GetExtendedTcpTable")
	procGetExtendedUdpTable = modIPHlpAPI.NewProc("GetExtendedUdpTable")
)

const (
	tcpTableOwnerPIDConn = 4 // TCP_TABLE_OWNER_PID_CONNECTIONS
	udpTableOwnerPID     = 1 // UDP_TABLE_OWNER_PID
)

// WindowsEnumerator reads the IPv4 TCP/UDP connection tables via
// GetExtendedTcpTable / GetExtendedUdpTable.
type WindowsEnumerator struct {
	tcpBufPool sync.Pool
	udpBufPool sync.Pool
}

// NewWindowsEnumerator returns the default platform Enumerator.
func NewWindowsEnumerator() *WindowsEnumerator {
	return &WindowsEnumerator{
		tcpBufPool: sync.Pool{New: func() any { b := make([]byte, 64*1024); return &b }},
		udpBufPool: sync.Pool{New: func() any { b := make([]byte, 64*1024); return &b }},
	}
}

func (e *WindowsEnumerator) EnumerateTCPv4() ([]Row, error) {
	bp := e.tcpBufPool.Get().(*[]byte)
	defer e.tcpBufPool.Put(bp)
	buf := *bp

	size := uint32(len(buf))
	r, _, _ := procGetExtendedTcpTable.Call(
		uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)),
		0, uintptr(windows.AF_INET), uintptr(tcpTableOwnerPIDConn), 0,
	)
	if r == 122 { // ERROR_INSUFFICIENT_BUFFER
		bigger := make([]byte, size)
		*bp, buf = bigger, bigger
		r, _, _ = procGetExtendedTcpTable.Call(
			uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)),
			0, uintptr(windows.AF_INET), uintptr(tcpTableOwnerPIDConn), 0,
		)
	}
	if r != 0 {
		return nil, fmt.Errorf("GetExtendedTcpTable: 0x%x", r)
	}

	// Row layout (24 bytes): state(4) localAddr(4) localPort(4) remoteAddr(4) remotePort(4) pid(4).
	numEntries := binary.LittleEndian.Uint32(buf[0:4])
	const rowSize = 24
	const base = 4

	rows := make([]Row, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		off := base + int(i)*rowSize
		if off+rowSize > int(size) {
			break
		}
		addr := binary.LittleEndian.Uint32(buf[off : off+4])
		port := ntohs(*(*uint32)(unsafe.Pointer(&buf[off+8])))
		pid := binary.LittleEndian.Uint32(buf[off+20 : off+24])
		if pid == 0 {
			continue
		}
		rows = append(rows, Row{LocalIP: addrFromLE(addr), LocalPt: port, PID: pid})
	}
	return rows, nil
}

func (e *WindowsEnumerator) EnumerateUDPv4() ([]Row, error) {
	bp := e.udpBufPool.Get().(*[]byte)
	defer e.udpBufPool.Put(bp)
	buf := *bp

	size := uint32(len(buf))
	r, _, _ := procGetExtendedUdpTable.Call(
		uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)),
		0, uintptr(windows.AF_INET), uintptr(udpTableOwnerPID), 0,
	)
	if r == 122 {
		bigger := make([]byte, size)
		*bp, buf = bigger, bigger
		r, _, _ = procGetExtendedUdpTable.Call(
			uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)),
			0, uintptr(windows.AF_INET), uintptr(udpTableOwnerPID), 0,
		)
	}
	if r != 0 {
		return nil, fmt.Errorf("GetExtendedUdpTable: 0x%x", r)
	}

	// Row layout (12 bytes): localAddr(4) localPort(4) pid(4).
	numEntries := binary.LittleEndian.Uint32(buf[0:4])
	const rowSize = 12
	const base = 4

	rows := make([]Row, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		off := base + int(i)*rowSize
		if off+rowSize > int(size) {
			break
		}
		addr := binary.LittleEndian.Uint32(buf[off : off+4])
		port := ntohs(*(*uint32)(unsafe.Pointer(&buf[off+4])))
		pid := binary.LittleEndian.Uint32(buf[off+8 : off+12])
		if pid == 0 {
			continue
		}
		rows = append(rows, Row{LocalIP: addrFromLE(addr), LocalPt: port, PID: pid})
	}
	return rows, nil
}

// ntohs converts a DWORD stored in network byte order to a host uint16 port.
func ntohs(v uint32) uint16 {
	return uint16(v&0xFF)<<8 | uint16((v>>8)&0xFF)
}

// addrFromLE converts a little-endian-stored IPv4 address DWORD (as
// returned by the MIB tables) into a netip.Addr.
func addrFromLE(v uint32) netip.Addr {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
