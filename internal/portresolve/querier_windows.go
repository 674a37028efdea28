//go:build windows

package portresolve

import (
	"encoding/binary"
	"fmt"
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
	tcpTableOwnerPIDConn = 4
	udpTableOwnerPID     = 1
)

// WindowsQuerier finds the PID owning a single local port by issuing a
// focused GetExtendedTcpTable/GetExtendedUdpTable call and scanning for a
// matching row.
type WindowsQuerier struct {
	tcpBufPool sync.Pool
	udpBufPool sync.Pool
}

// NewWindowsQuerier returns the default platform PortQuerier.
func NewWindowsQuerier() *WindowsQuerier {
	return &WindowsQuerier{
		tcpBufPool: sync.Pool{New: func() any { b := make([]byte, 64*1024); return &b }},
		udpBufPool: sync.Pool{New: func() any { b := make([]byte, 64*1024); return &b }},
	}
}

func (q *WindowsQuerier) FindPIDByPort(port uint16, isUDP bool) (uint32, error) {
	if isUDP {
		return q.findUDPPID(port)
	}
	return q.findTCPPID(port)
}

func (q *WindowsQuerier) findTCPPID(srcPort uint16) (uint32, error) {
	bp := q.tcpBufPool.Get().(*[]byte)
	defer q.tcpBufPool.Put(bp)
	buf := *bp

	size := uint32(len(buf))
	r, _, _ := procGetExtendedTcpTable.Call(
		uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)),
		0, uintptr(windows.AF_INET), uintptr(tcpTableOwnerPIDConn), 0,
	)
	if r == 122 {
		bigger := make([]byte, size)
		*bp, buf = bigger, bigger
		r, _, _ = procGetExtendedTcpTable.Call(
			uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)),
			0, uintptr(windows.AF_INET), uintptr(tcpTableOwnerPIDConn), 0,
		)
	}
	if r != 0 {
		return 0, fmt.Errorf("GetExtendedTcpTable: 0x%x", r)
	}

	numEntries := binary.LittleEndian.Uint32(buf[0:4])
	const rowSize = 24
	offset := 4

	for i := uint32(0); i < numEntries; i++ {
		rowOff := offset + int(i)*rowSize
		if rowOff+rowSize > int(size) {
			break
		}
		localPort := ntohs(*(*uint32)(unsafe.Pointer(&buf[rowOff+8])))
		if localPort == srcPort {
			pid := binary.LittleEndian.Uint32(buf[rowOff+20 : rowOff+24])
			if pid != 0 {
				return pid, nil
			}
		}
	}
	return 0, fmt.Errorf("no TCP PID for port %d", srcPort)
}

func (q *WindowsQuerier) findUDPPID(srcPort uint16) (uint32, error) {
	bp := q.udpBufPool.Get().(*[]byte)
	defer q.udpBufPool.Put(bp)
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
		return 0, fmt.Errorf("GetExtendedUdpTable: 0x%x", r)
	}

	numEntries := binary.LittleEndian.Uint32(buf[0:4])
	const rowSize = 12
	offset := 4

	for i := uint32(0); i < numEntries; i++ {
		rowOff := offset + int(i)*rowSize
		if rowOff+rowSize > int(size) {
			break
		}
		localPort := ntohs(*(*uint32)(unsafe.Pointer(&buf[rowOff+4])))
		if localPort == srcPort {
			pid := binary.LittleEndian.Uint32(buf[rowOff+8 : rowOff+12])
			if pid != 0 {
				return pid, nil
			}
		}
	}
	return 0, fmt.Errorf("no UDP PID for port %d", srcPort)
}

// ntohs converts a DWORD stored in network byte order to a host uint16 port.
func ntohs(v uint32) uint16 {
	return uint16(v&0xFF)<<8 | uint16((v>>8)&0xFF)
}
