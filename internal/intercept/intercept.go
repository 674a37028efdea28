// Package intercept runs the two outbound/inbound worker loops that
// consume the filtered packet stream, classify each packet's owning
// process, apply the redirect decision, rewrite it via natengine, and
// hand it back to the packet sink. It is the hot path of the engine;
// everything else exists to feed it cheap answers.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"splittunnel-engine/internal/conntrack"
	"splittunnel-engine/internal/logging"
	"splittunnel-engine/internal/model"
	"splittunnel-engine/internal/natengine"
	"splittunnel-engine/internal/policy"
	"splittunnel-engine/internal/portresolve"
)

// ErrClosed is returned by a Source's Recv once Close has been called,
// so workers can tell deliberate shutdown apart from a transient error.
var ErrClosed = errors.New("intercept: packet source closed")

var errNotIPv4 = errors.New("intercept: not an IPv4 packet")

// Direction identifies which side of the filtered stream a packet came
// from, matching the direction tag the packet source reports on recv.
type Direction int

const (
	DirOutbound Direction = iota
	DirInbound
)

// Packet is one captured frame plus the metadata the packet source
// reports alongside it. Buf is mutated in place by rewrite and must not
// be retained past the call that produced it — the source may reuse its
// backing storage once Send or the next Recv call happens.
type Packet struct {
	Buf       []byte
	Dir       Direction
	IfIndex   uint32
	EthHdrLen int // 0 if the source delivers packets without a link header
}

// Source is the facade over the packet capture driver: open one handle
// per direction, block on Recv until a packet or Close arrives, and
// Send delivers a (possibly rewritten) packet out a specific adapter.
// ErrClosed from Recv signals a deliberate Close, not a fault.
type Source interface {
	Recv(ctx context.Context, dir Direction) (Packet, error)
	Send(pkt Packet, ifIndex uint32) error
	Close() error
}

// AdapterSet is the pair of adapters an Interceptor redirects between.
type AdapterSet struct {
	VPN      model.AdapterInfo
	Physical model.AdapterInfo
}

// Interceptor owns the two worker loops and the state they share:
// the NAT tables, the flow policy cache, the current mode/targets, and
// the connection tracker's published maps.
type Interceptor struct {
	src      Source
	adapters AdapterSet
	tracker  *conntrack.Tracker
	resolver *portresolve.Resolver

	mode    *policy.ModeSlot
	targets *policy.TargetSetSlot
	flows   *policy.Cache

	natTCP *natengine.Table
	natUDP *natengine.Table

	stats *model.SessionStats
	log   *logging.Logger

	parsePool sync.Pool

	onFault func(error)
}

// Config bundles the collaborators an Interceptor is wired from.
type Config struct {
	Source    Source
	Adapters  AdapterSet
	Tracker   *conntrack.Tracker
	Resolver  *portresolve.Resolver
	Mode      *policy.ModeSlot
	Targets   *policy.TargetSetSlot
	Flows     *policy.Cache
	NatTCP    *natengine.Table
	NatUDP    *natengine.Table
	Stats     *model.SessionStats
	Log       *logging.Logger
	OnFault   func(error)
}

func New(cfg Config) *Interceptor {
	return &Interceptor{
		src:      cfg.Source,
		adapters: cfg.Adapters,
		tracker:  cfg.Tracker,
		resolver: cfg.Resolver,
		mode:     cfg.Mode,
		targets:  cfg.Targets,
		flows:    cfg.Flows,
		natTCP:   cfg.NatTCP,
		natUDP:   cfg.NatUDP,
		stats:    cfg.Stats,
		log:      cfg.Log,
		onFault:  cfg.OnFault,
		parsePool: sync.Pool{
			New: func() any { return newParseCtx() },
		},
	}
}

// RunOutbound blocks servicing the outbound stream until ctx is
// cancelled or the source reports closure.
func (ic *Interceptor) RunOutbound(ctx context.Context) {
	ic.run(ctx, DirOutbound)
}

// RunInbound blocks servicing the inbound stream until ctx is cancelled
// or the source reports closure.
func (ic *Interceptor) RunInbound(ctx context.Context) {
	ic.run(ctx, DirInbound)
}

func (ic *Interceptor) run(ctx context.Context, dir Direction) {
	defer func() {
		if r := recover(); r != nil {
			if ic.onFault != nil {
				ic.onFault(model.NewSessionFault("intercept", fmt.Errorf("worker panic: %v", r)))
			}
		}
	}()

	for {
		pkt, err := ic.src.Recv(ctx, dir)
		if err != nil {
			if ctx.Err() != nil || isClosed(err) {
				return // ordered shutdown, not a fault
			}
			ic.log.Warnf("intercept", "recv error: %v", err)
			continue
		}

		if err := ic.handle(pkt); err != nil {
			ic.stats.PacketsDiscarded.Add(1)
			ic.log.Warnf("intercept", "rewrite error: %v", err)
			continue // discarded, never re-injected — invariant I5
		}
	}
}

func (ic *Interceptor) handle(pkt Packet) error {
	if pkt.Dir == DirOutbound {
		return ic.handleOutbound(pkt)
	}
	return ic.handleInbound(pkt)
}

// parseCtx is pooled gopacket decode state, reused across calls on the
// same goroutine via sync.Pool to avoid per-packet layer allocation.
type parseCtx struct {
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newParseCtx() *parseCtx {
	pc := &parseCtx{decoded: make([]gopacket.LayerType, 0, 4)}
	pc.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeIPv4,
		&pc.ip4, &pc.tcp, &pc.udp, &pc.payload,
	)
	pc.parser.IgnoreUnsupported = true
	return pc
}

func (pc *parseCtx) decode(body []byte) (isTCP, isUDP bool, err error) {
	if err := pc.parser.DecodeLayers(body, &pc.decoded); err != nil {
		return false, false, err
	}
	var hasIPv4 bool
	for _, lt := range pc.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			hasIPv4 = true
		case layers.LayerTypeTCP:
			isTCP = true
		case layers.LayerTypeUDP:
			isUDP = true
		}
	}
	if !hasIPv4 {
		return false, false, errNotIPv4
	}
	return isTCP, isUDP, nil
}

func (ic *Interceptor) handleOutbound(pkt Packet) error {
	pc := ic.parsePool.Get().(*parseCtx)
	defer ic.parsePool.Put(pc)

	body := pkt.Buf[pkt.EthHdrLen:]
	isTCP, isUDP, err := pc.decode(body)
	if err != nil || (!isTCP && !isUDP) {
		return ic.reinjectSame(pkt) // not IPv4 TCP/UDP: reinject unchanged
	}

	proto := model.ProtoTCP
	srcPort, dstPort := uint16(pc.tcp.SrcPort), uint16(pc.tcp.DstPort)
	if isUDP {
		proto = model.ProtoUDP
		srcPort, dstPort = uint16(pc.udp.SrcPort), uint16(pc.udp.DstPort)
	}

	srcIP, ok1 := netip.AddrFromSlice(pc.ip4.SrcIP)
	dstIP, ok2 := netip.AddrFromSlice(pc.ip4.DstIP)
	if !ok1 || !ok2 {
		return ic.reinjectSame(pkt)
	}
	srcIP, dstIP = srcIP.Unmap(), dstIP.Unmap()

	key := model.FlowKey{Proto: proto, SrcIP: srcIP, SrcPt: srcPort, DstIP: dstIP, DstPt: dstPort}

	// Step 2: consult FlowPolicyCache first — a committed decision is
	// authoritative regardless of what identification would say now.
	if decision, ok := ic.flows.Get(key); ok {
		return ic.applyOutbound(pc, pkt, decision, srcIP, srcPort, dstIP, dstPort, isUDP)
	}

	exePath := ic.identify(srcIP, srcPort, isUDP)
	desired := ic.decide(exePath)

	// Step 5 fast path: if the desired adapter already matches the one
	// the packet arrived on, no rewrite is ever needed for this flow —
	// commit PassThrough rather than a Redirect* that would never fire.
	decision := desired
	if target, ok := ic.targetFor(desired); ok && pkt.IfIndex == target.IfIndex {
		decision = model.DecisionPassThrough
	}

	committed := ic.flows.Commit(key, decision)
	return ic.applyOutbound(pc, pkt, committed, srcIP, srcPort, dstIP, dstPort, isUDP)
}

// targetFor maps a Redirect* decision to its adapter; PassThrough and
// Unknown have no target.
func (ic *Interceptor) targetFor(decision model.Decision) (model.AdapterInfo, bool) {
	switch decision {
	case model.DecisionRedirectToVPN:
		return ic.adapters.VPN, true
	case model.DecisionRedirectToPhysical:
		return ic.adapters.Physical, true
	default:
		return model.AdapterInfo{}, false
	}
}

// identify implements step 3: ConnMaps by-endpoint, then by-port, then
// the synchronous resolver, in that order.
func (ic *Interceptor) identify(srcIP netip.Addr, srcPort uint16, isUDP bool) string {
	maps := ic.tracker.Current()
	if path, ok := maps.ByEndpoint[model.Endpoint{IP: srcIP, Port: srcPort}]; ok {
		return path
	}
	if path, ok := maps.ByPort[srcPort]; ok {
		return path
	}
	path, err := ic.resolver.Resolve(srcPort, isUDP)
	if err != nil {
		return ""
	}
	return path
}

func (ic *Interceptor) decide(exePath string) model.Decision {
	return policy.Decide(ic.mode.Load(), ic.targets.Load(), exePath)
}

func (ic *Interceptor) applyOutbound(
	pc *parseCtx, pkt Packet, decision model.Decision,
	srcIP netip.Addr, srcPort uint16, dstIP netip.Addr, dstPort uint16, isUDP bool,
) error {
	target, ok := ic.targetFor(decision)
	if !ok {
		// PassThrough or Unknown: never redirect, never rewrite.
		ic.stats.PacketsPassed.Add(1)
		return ic.reinjectSame(pkt)
	}

	proto := model.ProtoTCP
	if isUDP {
		proto = model.ProtoUDP
	}

	ipHdrLen := int(pc.ip4.IHL) * 4
	off := ipOffsets(pkt.EthHdrLen, ipHdrLen, isUDP)

	table := ic.natTCP
	if isUDP {
		table = ic.natUDP
	}
	natKey := model.MakeNatKey(proto, target.SrcIP, srcPort, dstIP, dstPort)
	table.Insert(natKey, srcIP, pkt.IfIndex)

	natengine.RewriteSrcIP(pkt.Buf, off.ipSrc, target.SrcIP.As4(), off.ipCk, off.transportCk)

	ic.stats.PacketsRedirected.Add(1)
	ic.stats.BytesOut.Add(uint64(len(pkt.Buf)))
	return ic.src.Send(pkt, target.IfIndex)
}

func (ic *Interceptor) handleInbound(pkt Packet) error {
	pc := ic.parsePool.Get().(*parseCtx)
	defer ic.parsePool.Put(pc)

	body := pkt.Buf[pkt.EthHdrLen:]
	isTCP, isUDP, err := pc.decode(body)
	if err != nil || (!isTCP && !isUDP) {
		return ic.reinjectSame(pkt)
	}

	proto := model.ProtoTCP
	srcPort, dstPort := uint16(pc.tcp.SrcPort), uint16(pc.tcp.DstPort)
	if isUDP {
		proto = model.ProtoUDP
		srcPort, dstPort = uint16(pc.udp.SrcPort), uint16(pc.udp.DstPort)
	}

	dstIP, ok1 := netip.AddrFromSlice(pc.ip4.DstIP)
	srcIP, ok2 := netip.AddrFromSlice(pc.ip4.SrcIP)
	if !ok1 || !ok2 {
		return ic.reinjectSame(pkt)
	}
	dstIP, srcIP = dstIP.Unmap(), srcIP.Unmap()

	// Inbound lookup key mirrors the outbound insert: (proto, dst_ip,
	// dst_port, src_ip, src_port), since inbound dst == outbound
	// rewritten src.
	key := model.MakeNatKey(proto, dstIP, dstPort, srcIP, srcPort)

	table := ic.natTCP
	if isUDP {
		table = ic.natUDP
	}
	entry, ok := table.Lookup(key)
	if !ok {
		ic.stats.PacketsPassed.Add(1)
		return ic.reinjectSame(pkt) // not our flow, reinject unchanged
	}

	ipHdrLen := int(pc.ip4.IHL) * 4
	off := ipOffsets(pkt.EthHdrLen, ipHdrLen, isUDP)

	natengine.RewriteDstIP(pkt.Buf, off.ipDst, entry.OrigSrcIP.As4(), off.ipCk, off.transportCk)

	ic.stats.PacketsRedirected.Add(1)
	ic.stats.BytesIn.Add(uint64(len(pkt.Buf)))
	return ic.src.Send(pkt, entry.OrigIfIndex)
}

func (ic *Interceptor) reinjectSame(pkt Packet) error {
	return ic.src.Send(pkt, pkt.IfIndex)
}

type hdrOffsets struct {
	ipSrc, ipDst, ipCk, transportCk int
}

// ipOffsets locates the fields RewriteSrcIP/RewriteDstIP touch. TCP
// carries its checksum at transport-header byte 16, UDP at byte 6; a
// zero UDP checksum means disabled, which the rewrite helpers already skip.
func ipOffsets(ethHdrLen, ipHdrLen int, isUDP bool) hdrOffsets {
	ipStart := ethHdrLen
	transportStart := ipStart + ipHdrLen
	transportCk := transportStart + 16
	if isUDP {
		transportCk = transportStart + 6
	}
	return hdrOffsets{
		ipSrc:       ipStart + 12,
		ipDst:       ipStart + 16,
		ipCk:        ipStart + 10,
		transportCk: transportCk,
	}
}

// isClosed reports whether err is the sentinel a Source returns from
// Recv after Close, so the worker can exit quietly instead of logging
// a fault on every shutdown.
func isClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
