//go:build windows

package intercept

import (
	"context"
	"fmt"
	"net"
	"sync"

	A "github.com/wiresock/ndisapi-go"
	D "github.com/wiresock/ndisapi-go/driver"

	"splittunnel-engine/internal/logging"
)

// pending is one packet handed from a driver callback to a worker via
// NdisSource.recv, and back via NdisSource.Send. The driver callback
// blocks on done until Send (or a drop decision) answers it, since the
// underlying filter API requires a synchronous FilterAction return.
type pending struct {
	pkt  Packet
	done chan ndisResult
}

type ndisResult struct {
	action    A.FilterAction
	crossSend bool // true: already delivered via explicit adapter send, tell driver to drop
}

// NdisSource adapts the callback-driven NDISAPI/WinpkFilter queued
// packet filter to the blocking Recv/Send facade Interceptor expects.
// Same-adapter rewrites are re-injected by the driver's own Redirect
// action; a rewrite that crosses from the VPN adapter to the physical
// one (or back) is sent explicitly to the target adapter and the
// original capture is dropped so the packet isn't emitted twice.
type NdisSource struct {
	api    *A.NdisApi
	filter *D.QueuedPacketFilter
	sf     *D.StaticFilters
	log    *logging.Logger

	vpnIfIndex, physIfIndex uint32
	vpnHandle, physHandle   A.Handle

	outCh chan *pending
	inCh  chan *pending

	// last pairs a direction's most recent Recv with the pending
	// callback Send must answer. The interceptor always completes one
	// Recv/Send round trip per direction before issuing the next Recv
	// on that same direction's worker goroutine, so a slot per
	// direction is sufficient without threading a token through Packet.
	lastMu sync.Mutex
	last   map[Direction]*pending

	closeOnce sync.Once
	closed    chan struct{}
}

// NewNdisSource opens the driver, builds the static loopback-exclusion
// filter, and creates the queued packet filter across every bound
// adapter. No packets are delivered until StartFilter is called for an
// adapter.
func NewNdisSource(ctx context.Context, vpnIfIndex, physIfIndex uint32, log *logging.Logger) (*NdisSource, error) {
	api, err := A.NewNdisApi()
	if err != nil {
		return nil, fmt.Errorf("intercept: open NDISAPI driver: %w", err)
	}

	adapters, err := api.GetTcpipBoundAdaptersInfo()
	if err != nil {
		api.Close()
		return nil, fmt.Errorf("intercept: enumerate bound adapters: %w", err)
	}

	src := &NdisSource{
		api:        api,
		log:        log,
		vpnIfIndex: vpnIfIndex,
		physIfIndex: physIfIndex,
		outCh:       make(chan *pending, 256),
		inCh:        make(chan *pending, 256),
		last:        make(map[Direction]*pending, 2),
		closed:      make(chan struct{}),
	}

	for i := 0; i < int(adapters.AdapterCount); i++ {
		name := string(adapters.AdapterNameList[i][:])
		h := A.Handle(adapters.AdapterHandle[i])
		switch uint32(i) {
		case vpnIfIndex:
			src.vpnHandle = h
		case physIfIndex:
			src.physHandle = h
		}
		log.Debugf("intercept", "bound adapter [%d] %s", i, api.ConvertWindows2000AdapterName(name))
	}

	if sf, err := D.NewStaticFilters(api, true, true); err != nil {
		log.Warnf("intercept", "static filters unavailable: %v", err)
	} else {
		src.sf = sf
		// Loopback exclusion at the kernel boundary: never deliver
		// 127.0.0.0/8 traffic to the engine.
		sf.AddFilterBack(&D.Filter{
			Action:             A.FilterActionPass,
			Direction:          D.PacketDirectionBoth,
			SourceAddress:      net.IPNet{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
			DestinationAddress: net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)},
		})
	}

	filter, err := D.NewQueuedPacketFilter(ctx, api, adapters, src.incomingCallback, src.outgoingCallback)
	if err != nil {
		api.Close()
		return nil, fmt.Errorf("intercept: create queued packet filter: %w", err)
	}
	src.filter = filter

	return src, nil
}

// StartFilter begins delivering packets. Must be called after both
// worker goroutines are reading from Recv, or early packets block the
// driver thread until a reader appears.
func (s *NdisSource) StartFilter(adapterIndex int) error {
	return s.filter.StartFilter(adapterIndex)
}

func (s *NdisSource) outgoingCallback(handle A.Handle, b *A.IntermediateBuffer) A.FilterAction {
	return s.dispatch(handle, b, DirOutbound, s.outCh)
}

func (s *NdisSource) incomingCallback(handle A.Handle, b *A.IntermediateBuffer) A.FilterAction {
	return s.dispatch(handle, b, DirInbound, s.inCh)
}

func (s *NdisSource) dispatch(handle A.Handle, b *A.IntermediateBuffer, dir Direction, ch chan *pending) A.FilterAction {
	ifIndex := s.ifIndexFor(handle)
	p := &pending{
		pkt:  Packet{Buf: b.Buffer[:b.Length], Dir: dir, IfIndex: ifIndex, EthHdrLen: ethHdrLen},
		done: make(chan ndisResult, 1),
	}

	select {
	case ch <- p:
	case <-s.closed:
		return A.FilterActionPass
	}

	select {
	case res := <-p.done:
		if res.crossSend {
			return A.FilterActionDrop
		}
		return res.action
	case <-s.closed:
		return A.FilterActionPass
	}
}

func (s *NdisSource) ifIndexFor(handle A.Handle) uint32 {
	switch handle {
	case s.vpnHandle:
		return s.vpnIfIndex
	case s.physHandle:
		return s.physIfIndex
	default:
		return 0
	}
}

const ethHdrLen = 14

// Recv implements Source.
func (s *NdisSource) Recv(ctx context.Context, dir Direction) (Packet, error) {
	ch := s.outCh
	if dir == DirInbound {
		ch = s.inCh
	}
	select {
	case p := <-ch:
		s.lastMu.Lock()
		s.last[dir] = p
		s.lastMu.Unlock()
		return p.pkt, nil
	case <-s.closed:
		return Packet{}, ErrClosed
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

// Send implements Source. ifIndex equal to the packet's original
// IfIndex is answered as an in-place Redirect/Pass (driver-managed);
// any other ifIndex is sent explicitly to that adapter and the
// original capture is dropped.
func (s *NdisSource) Send(pkt Packet, ifIndex uint32) error {
	s.lastMu.Lock()
	p := s.last[pkt.Dir]
	delete(s.last, pkt.Dir)
	s.lastMu.Unlock()
	if p == nil {
		return fmt.Errorf("intercept: Send without matching Recv for direction %d", pkt.Dir)
	}

	if ifIndex == pkt.IfIndex {
		action := A.FilterActionRedirect
		p.done <- ndisResult{action: action}
		return nil
	}

	target := s.handleFor(ifIndex)
	if target == 0 {
		p.done <- ndisResult{action: A.FilterActionDrop}
		return fmt.Errorf("intercept: unknown target adapter ifindex %d", ifIndex)
	}

	buf := &A.IntermediateBuffer{Length: uint32(len(pkt.Buf))}
	copy(buf.Buffer[:], pkt.Buf)

	var err error
	if pkt.Dir == DirOutbound {
		err = s.api.SendPacketToAdapter(target, buf)
	} else {
		err = s.api.SendPacketToMstcp(buf)
	}
	p.done <- ndisResult{crossSend: true}
	return err
}

func (s *NdisSource) handleFor(ifIndex uint32) A.Handle {
	switch ifIndex {
	case s.vpnIfIndex:
		return s.vpnHandle
	case s.physIfIndex:
		return s.physHandle
	default:
		return 0
	}
}

// Close unblocks every pending callback and stops the filter.
func (s *NdisSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.filter != nil {
			s.filter.Close()
		}
		if s.sf != nil {
			s.sf.Close()
		}
		if s.api != nil {
			s.api.Close()
		}
	})
	return nil
}
