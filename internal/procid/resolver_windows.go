//go:build windows

package procid

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// WindowsResolver resolves a PID to its executable path via
// OpenProcess + QueryFullProcessImageName.
type WindowsResolver struct{}

// NewWindowsResolver returns the default platform Resolver.
func NewWindowsResolver() *WindowsResolver { return &WindowsResolver{} }

func (WindowsResolver) ExePath(pid uint32) (string, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(handle)

	var buf [windows.MAX_PATH]uint16
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(handle, 0, &buf[0], &size); err != nil {
		return "", err
	}

	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(&buf[0]))), nil
}
