// Package session owns the lifetime of one redirection session: it wires
// the adapter inventory, route manager, connection tracker, port
// resolver, NAT tables, and interceptor together in dependency order,
// exposes the engine's owner-facing control API, and guarantees the
// session stops in the order the concurrency model requires regardless
// of which step of startup failed or which worker is slow to join.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"splittunnel-engine/internal/adapterinv"
	"splittunnel-engine/internal/conntrack"
	"splittunnel-engine/internal/engconfig"
	"splittunnel-engine/internal/eventbus"
	"splittunnel-engine/internal/intercept"
	"splittunnel-engine/internal/logging"
	"splittunnel-engine/internal/model"
	"splittunnel-engine/internal/natengine"
	"splittunnel-engine/internal/policy"
	"splittunnel-engine/internal/portresolve"
	"splittunnel-engine/internal/procid"
	"splittunnel-engine/internal/routemgr"
)

// joinTimeout bounds how long Stop waits for the four workers before
// proceeding to route cleanup regardless.
const joinTimeout = 2 * time.Second

// ErrAlreadyStarted is returned by Start on a Session that has already
// been started once. A Session is single-use; construct a new one to
// start again.
var ErrAlreadyStarted = errors.New("session: already started")

// ErrNotStarted is returned by Stop/Stats/SetMode/SetTargets on a
// Session that was never successfully started.
var ErrNotStarted = errors.New("session: not started")

// PacketSourceOpener opens and begins delivering from the platform
// packet source between the two discovered adapters. Implementations
// live in a platform-specific file (see opener_windows.go); this
// package's core logic never imports a driver package directly.
type PacketSourceOpener func(ctx context.Context, vpn, phys model.AdapterInfo, log *logging.Logger) (intercept.Source, error)

// Deps bundles the collaborators a Session is wired from, mirroring the
// teacher's platform-factory pattern of a struct of constructors rather
// than a monolithic constructor argument list.
type Deps struct {
	Adapters    adapterinv.Inventory
	Routes      routemgr.Manager
	Enumerator  conntrack.Enumerator
	PortQuerier portresolve.PortQuerier
	PidResolver procid.Resolver
	OpenSource  PacketSourceOpener
}

// Session is used for exactly one redirection session; construct a new
// one to start again once Stop has been called.
type Session struct {
	cfg  engconfig.Config
	log  *logging.Logger
	deps Deps

	mu      sync.Mutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	adapters adapterinv.Result
	src      intercept.Source

	modeSlot   *policy.ModeSlot
	targetSlot *policy.TargetSetSlot
	flows      *policy.Cache
	stats      *model.SessionStats

	tracker *conntrack.Tracker
	natTCP  *natengine.Table
	natUDP  *natengine.Table

	wg sync.WaitGroup

	faultMu sync.Mutex
	faulted bool

	events *eventbus.Bus
}

// New builds a Session from cfg and deps. It performs no I/O; call
// Start to actually discover adapters, install routes, and launch
// workers.
func New(cfg engconfig.Config, log *logging.Logger, deps Deps) *Session {
	return &Session{cfg: cfg, log: log, deps: deps, events: eventbus.New()}
}

// Events returns the session's notification bus. Subscribers attached
// before Start see every state transition from EventSessionStarted
// onward; a subscriber attached after Start misses whatever already
// fired.
func (s *Session) Events() *eventbus.Bus {
	return s.events
}

// Start discovers the VPN and physical adapters, installs the override
// routes, opens the packet source, and launches the tracker, both
// interceptor directions, and the NAT sweeper — in that order. Any
// failure unwinds the steps already completed before returning.
func (s *Session) Start(mode model.Mode, targets model.TargetSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	adapters, err := s.deps.Adapters.Discover()
	if err != nil {
		return &AdapterDiscoveryError{Err: err}
	}

	if _, err := s.deps.Routes.Install(adapters.PhysGateway, adapters.Physical.IfIndex); err != nil {
		return &RouteInstallError{Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())

	src, err := s.deps.OpenSource(ctx, adapters.VPN, adapters.Physical, s.log)
	if err != nil {
		cancel()
		if rmErr := s.deps.Routes.RemoveAll(); rmErr != nil {
			s.log.Warnf("Route", "rollback after packet source open failure: %v", rmErr)
		}
		return &PacketSourceOpenError{Err: err}
	}

	s.ctx = ctx
	s.cancel = cancel
	s.adapters = adapters
	s.src = src

	pidCache := procid.NewCache(s.deps.PidResolver, s.cfg.PidCacheCapacity)
	s.tracker = conntrack.New(s.deps.Enumerator, pidCache, s.log, s.cfg.TickInterval, s.onFault)
	resolver := portresolve.New(s.deps.PortQuerier, pidCache, s.cfg.ResolverBudget, s.cfg.ShortTermCacheTTL)

	s.natTCP = natengine.NewTable(s.cfg.NatTTL, s.log, "NAT-TCP")
	s.natUDP = natengine.NewTable(s.cfg.NatTTL, s.log, "NAT-UDP")

	s.modeSlot = policy.NewModeSlot(mode)
	s.targetSlot = policy.NewTargetSetSlot(targets)
	s.flows = policy.NewCache()
	s.stats = &model.SessionStats{}

	interceptor := intercept.New(intercept.Config{
		Source: src,
		Adapters: intercept.AdapterSet{
			VPN:      adapters.VPN,
			Physical: adapters.Physical,
		},
		Tracker:  s.tracker,
		Resolver: resolver,
		Mode:     s.modeSlot,
		Targets:  s.targetSlot,
		Flows:    s.flows,
		NatTCP:   s.natTCP,
		NatUDP:   s.natUDP,
		Stats:    s.stats,
		Log:      s.log,
		OnFault:  s.onFault,
	})

	s.wg.Add(4)
	go func() { defer s.wg.Done(); s.tracker.Run(ctx) }()
	go func() { defer s.wg.Done(); interceptor.RunOutbound(ctx) }()
	go func() { defer s.wg.Done(); interceptor.RunInbound(ctx) }()
	go func() { defer s.wg.Done(); s.runSweeper(ctx) }()

	s.started = true
	s.log.Infof("Session", "started: VPN=%s (if %d) Physical=%s (if %d) gateway=%s mode=%s targets=%d",
		adapters.VPN.Name, adapters.VPN.IfIndex, adapters.Physical.Name, adapters.Physical.IfIndex,
		adapters.PhysGateway, mode, targets.Len())
	s.events.Publish(eventbus.Event{Type: eventbus.EventSessionStarted})
	return nil
}

func (s *Session) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.natTCP.Sweep()
			s.natUDP.Sweep()
			s.stats.FlowsActive.Store(uint64(s.flows.Len()))
			s.stats.NatEntries.Store(uint64(s.natTCP.Len() + s.natUDP.Len()))
		}
	}
}

// onFault logs a SessionFault and triggers a session-stop from within,
// satisfying the error taxonomy's "converted to a logged SessionFault"
// policy for anything that escapes a worker goroutine. Only the first
// fault triggers cancellation — later faults during shutdown are just
// logged. The tracker and the interceptor both report through this same
// callback; the interceptor already wraps its own SessionFault, so an
// already-wrapped error is logged under its own component tag instead
// of being wrapped a second time.
func (s *Session) onFault(err error) {
	if err == nil {
		return
	}
	var fault *model.SessionFault
	if !errors.As(err, &fault) {
		fault = model.NewSessionFault("Tracker", err)
	}
	s.log.Errorf(fault.Component, "%v", fault)
	s.events.Publish(eventbus.Event{Type: eventbus.EventFault, Payload: eventbus.FaultPayload{
		Component: fault.Component,
		Err:       fault,
	}})

	s.faultMu.Lock()
	already := s.faulted
	s.faulted = true
	s.faultMu.Unlock()
	if already {
		return
	}

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop executes the ordered shutdown: stop flag (cancel) -> close packet
// handles -> join workers with a bounded timeout -> remove routes
// unconditionally, regardless of whether the join timed out.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	src := s.src
	s.mu.Unlock()

	cancel()

	if src != nil {
		if err := src.Close(); err != nil {
			s.log.Warnf("Session", "closing packet source: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(joinTimeout):
		s.log.Warnf("Session", "worker join timed out after %s, proceeding to route cleanup", joinTimeout)
	}

	if err := s.deps.Routes.RemoveAll(); err != nil {
		s.log.Errorf("Route", "remove routes on stop: %v", err)
		return fmt.Errorf("session: stop: %w", err)
	}

	s.log.Infof("Session", "stopped")
	s.events.Publish(eventbus.Event{Type: eventbus.EventSessionStopped})
	return nil
}

// SetMode atomically swaps the mode read by the interceptor's decision
// path. Takes effect only for flows whose decision has not yet been
// committed; already-redirected flows stay pinned.
func (s *Session) SetMode(mode model.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	s.modeSlot.Store(mode)
	s.events.Publish(eventbus.Event{Type: eventbus.EventModeChanged, Payload: eventbus.ModeChangedPayload{Mode: mode.String()}})
	return nil
}

// SetTargets atomically swaps the TargetSet read by the interceptor's
// decision path. Same commit-once semantics as SetMode.
func (s *Session) SetTargets(targets model.TargetSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	s.targetSlot.Store(targets)
	s.events.Publish(eventbus.Event{Type: eventbus.EventTargetsChanged, Payload: eventbus.TargetsChangedPayload{Count: targets.Len()}})
	return nil
}

// Stats returns a snapshot of the session's counters. The counters are
// read with atomic loads; the call takes the session mutex to check that
// the session has started, so it waits while Start or another
// mutex-holding method is running.
func (s *Session) Stats() (model.StatsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return model.StatsSnapshot{}, ErrNotStarted
	}
	return s.stats.Snapshot(), nil
}

// Adapters returns the adapter pair discovered at Start, for callers
// that need to display them (e.g. the IPC layer's status surface).
func (s *Session) Adapters() (adapterinv.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return adapterinv.Result{}, ErrNotStarted
	}
	return s.adapters, nil
}
