package session

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"splittunnel-engine/internal/adapterinv"
	"splittunnel-engine/internal/conntrack"
	"splittunnel-engine/internal/engconfig"
	"splittunnel-engine/internal/eventbus"
	"splittunnel-engine/internal/intercept"
	"splittunnel-engine/internal/logging"
	"splittunnel-engine/internal/model"
)

type fakeInventory struct {
	result adapterinv.Result
	err    error
}

func (f fakeInventory) Discover() (adapterinv.Result, error) { return f.result, f.err }

type fakeRoutes struct {
	installErr error
	installed  []model.RouteHandle
	removed    chan struct{}
}

func (f *fakeRoutes) Install(gw netip.Addr, ifIndex uint32) ([]model.RouteHandle, error) {
	if f.installErr != nil {
		return nil, f.installErr
	}
	f.installed = []model.RouteHandle{
		{Prefix: netip.MustParsePrefix("0.0.0.0/1"), Gateway: gw, IfIndex: ifIndex, Metric: 9999},
		{Prefix: netip.MustParsePrefix("128.0.0.0/1"), Gateway: gw, IfIndex: ifIndex, Metric: 9999},
	}
	return f.installed, nil
}

func (f *fakeRoutes) RemoveAll() error {
	if f.removed != nil {
		close(f.removed)
	}
	return nil
}

type fakeEnumerator struct{}

func (fakeEnumerator) EnumerateTCPv4() ([]conntrack.Row, error) { return nil, nil }
func (fakeEnumerator) EnumerateUDPv4() ([]conntrack.Row, error) { return nil, nil }

type fakeQuerier struct{}

func (fakeQuerier) FindPIDByPort(port uint16, isUDP bool) (uint32, error) {
	return 0, errors.New("not found")
}

type fakeResolver struct{}

func (fakeResolver) ExePath(pid uint32) (string, error) { return "", errors.New("not found") }

// fakeSource is a no-op intercept.Source: Recv blocks until closed, so
// the interceptor workers sit parked without doing packet work — this
// test only exercises session sequencing, not packet rewriting.
type fakeSource struct {
	closed    chan struct{}
	closeOnce bool
}

func newFakeSource() *fakeSource { return &fakeSource{closed: make(chan struct{})} }

func (f *fakeSource) Recv(ctx context.Context, dir intercept.Direction) (intercept.Packet, error) {
	select {
	case <-f.closed:
		return intercept.Packet{}, intercept.ErrClosed
	case <-ctx.Done():
		return intercept.Packet{}, ctx.Err()
	}
}

func (f *fakeSource) Send(pkt intercept.Packet, ifIndex uint32) error { return nil }

func (f *fakeSource) Close() error {
	if !f.closeOnce {
		f.closeOnce = true
		close(f.closed)
	}
	return nil
}

func testAdapters() adapterinv.Result {
	return adapterinv.Result{
		VPN:         model.AdapterInfo{Name: "vpn", SrcIP: netip.MustParseAddr("10.8.0.2"), IfIndex: 21, Role: model.RoleVPN},
		Physical:    model.AdapterInfo{Name: "phys", SrcIP: netip.MustParseAddr("192.168.1.50"), IfIndex: 12, Role: model.RolePhysical},
		PhysGateway: netip.MustParseAddr("192.168.1.1"),
	}
}

func testConfig() engconfig.Config {
	cfg := engconfig.Default()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	return cfg
}

func TestStartStopHappyPath(t *testing.T) {
	routes := &fakeRoutes{removed: make(chan struct{})}
	src := newFakeSource()
	deps := Deps{
		Adapters:    fakeInventory{result: testAdapters()},
		Routes:      routes,
		Enumerator:  fakeEnumerator{},
		PortQuerier: fakeQuerier{},
		PidResolver: fakeResolver{},
		OpenSource: func(ctx context.Context, vpn, phys model.AdapterInfo, log *logging.Logger) (intercept.Source, error) {
			return src, nil
		},
	}

	s := New(testConfig(), logging.New(logging.Config{}), deps)
	if err := s.Start(model.ExcludeMode, model.NewTargetSet(nil)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if snap.PacketsPassed != 0 {
		t.Fatalf("expected zero stats at start, got %+v", snap)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-routes.removed:
	default:
		t.Fatal("expected routes to be removed on stop")
	}
	if !src.closeOnce {
		t.Fatal("expected packet source to be closed on stop")
	}
}

func TestEventsFireOnStartModeTargetsAndStop(t *testing.T) {
	routes := &fakeRoutes{removed: make(chan struct{})}
	src := newFakeSource()
	deps := Deps{
		Adapters:    fakeInventory{result: testAdapters()},
		Routes:      routes,
		Enumerator:  fakeEnumerator{},
		PortQuerier: fakeQuerier{},
		PidResolver: fakeResolver{},
		OpenSource: func(ctx context.Context, vpn, phys model.AdapterInfo, log *logging.Logger) (intercept.Source, error) {
			return src, nil
		},
	}

	s := New(testConfig(), logging.New(logging.Config{}), deps)

	var seen []eventbus.Type
	var mu sync.Mutex
	record := func(e eventbus.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	}
	s.Events().Subscribe(eventbus.EventSessionStarted, record)
	s.Events().Subscribe(eventbus.EventModeChanged, record)
	s.Events().Subscribe(eventbus.EventTargetsChanged, record)
	s.Events().Subscribe(eventbus.EventSessionStopped, record)

	if err := s.Start(model.ExcludeMode, model.NewTargetSet(nil)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.SetMode(model.IncludeMode); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := s.SetTargets(model.NewTargetSet([]string{`C:\a.exe`})); err != nil {
		t.Fatalf("SetTargets: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []eventbus.Type{
		eventbus.EventSessionStarted,
		eventbus.EventModeChanged,
		eventbus.EventTargetsChanged,
		eventbus.EventSessionStopped,
	}
	if len(seen) != len(want) {
		t.Fatalf("got %v events, want %v", seen, want)
	}
	for i, ty := range want {
		if seen[i] != ty {
			t.Fatalf("event[%d] = %v, want %v", i, seen[i], ty)
		}
	}
}

func TestStartTwiceFails(t *testing.T) {
	routes := &fakeRoutes{removed: make(chan struct{})}
	src := newFakeSource()
	deps := Deps{
		Adapters:    fakeInventory{result: testAdapters()},
		Routes:      routes,
		Enumerator:  fakeEnumerator{},
		PortQuerier: fakeQuerier{},
		PidResolver: fakeResolver{},
		OpenSource: func(ctx context.Context, vpn, phys model.AdapterInfo, log *logging.Logger) (intercept.Source, error) {
			return src, nil
		},
	}
	s := New(testConfig(), logging.New(logging.Config{}), deps)
	if err := s.Start(model.ExcludeMode, model.NewTargetSet(nil)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := s.Start(model.ExcludeMode, model.NewTargetSet(nil)); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestAdapterDiscoveryFailureNeverInstallsRoutes(t *testing.T) {
	routes := &fakeRoutes{}
	deps := Deps{
		Adapters:    fakeInventory{err: errors.New("no VPN adapter found")},
		Routes:      routes,
		Enumerator:  fakeEnumerator{},
		PortQuerier: fakeQuerier{},
		PidResolver: fakeResolver{},
		OpenSource: func(ctx context.Context, vpn, phys model.AdapterInfo, log *logging.Logger) (intercept.Source, error) {
			t.Fatal("OpenSource must not be called when discovery fails")
			return nil, nil
		},
	}
	s := New(testConfig(), logging.New(logging.Config{}), deps)
	err := s.Start(model.ExcludeMode, model.NewTargetSet(nil))
	var discErr *AdapterDiscoveryError
	if !errors.As(err, &discErr) {
		t.Fatalf("expected AdapterDiscoveryError, got %v", err)
	}
	if routes.installed != nil {
		t.Fatal("routes must not be installed when adapter discovery fails")
	}
}

func TestRouteInstallFailureIsFatal(t *testing.T) {
	routes := &fakeRoutes{installErr: errors.New("access denied")}
	deps := Deps{
		Adapters:    fakeInventory{result: testAdapters()},
		Routes:      routes,
		Enumerator:  fakeEnumerator{},
		PortQuerier: fakeQuerier{},
		PidResolver: fakeResolver{},
		OpenSource: func(ctx context.Context, vpn, phys model.AdapterInfo, log *logging.Logger) (intercept.Source, error) {
			t.Fatal("OpenSource must not be called when route install fails")
			return nil, nil
		},
	}
	s := New(testConfig(), logging.New(logging.Config{}), deps)
	err := s.Start(model.ExcludeMode, model.NewTargetSet(nil))
	var routeErr *RouteInstallError
	if !errors.As(err, &routeErr) {
		t.Fatalf("expected RouteInstallError, got %v", err)
	}
}

func TestPacketSourceOpenFailureRollsBackRoutes(t *testing.T) {
	routes := &fakeRoutes{removed: make(chan struct{})}
	deps := Deps{
		Adapters:    fakeInventory{result: testAdapters()},
		Routes:      routes,
		Enumerator:  fakeEnumerator{},
		PortQuerier: fakeQuerier{},
		PidResolver: fakeResolver{},
		OpenSource: func(ctx context.Context, vpn, phys model.AdapterInfo, log *logging.Logger) (intercept.Source, error) {
			return nil, errors.New("driver not installed")
		},
	}
	s := New(testConfig(), logging.New(logging.Config{}), deps)
	err := s.Start(model.ExcludeMode, model.NewTargetSet(nil))
	var openErr *PacketSourceOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected PacketSourceOpenError, got %v", err)
	}
	select {
	case <-routes.removed:
	default:
		t.Fatal("expected routes to be rolled back after packet source open failure")
	}
}

func TestSetModeAndSetTargetsBeforeStartFail(t *testing.T) {
	s := New(testConfig(), logging.New(logging.Config{}), Deps{})
	if err := s.SetMode(model.IncludeMode); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := s.SetTargets(model.NewTargetSet(nil)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if _, err := s.Stats(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := s.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestSetModeAfterStartTakesEffect(t *testing.T) {
	src := newFakeSource()
	deps := Deps{
		Adapters:    fakeInventory{result: testAdapters()},
		Routes:      &fakeRoutes{removed: make(chan struct{})},
		Enumerator:  fakeEnumerator{},
		PortQuerier: fakeQuerier{},
		PidResolver: fakeResolver{},
		OpenSource: func(ctx context.Context, vpn, phys model.AdapterInfo, log *logging.Logger) (intercept.Source, error) {
			return src, nil
		},
	}
	s := New(testConfig(), logging.New(logging.Config{}), deps)
	if err := s.Start(model.ExcludeMode, model.NewTargetSet(nil)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := s.SetMode(model.IncludeMode); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if got := s.modeSlot.Load(); got != model.IncludeMode {
		t.Fatalf("mode slot not updated: got %v", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	src := newFakeSource()
	deps := Deps{
		Adapters:    fakeInventory{result: testAdapters()},
		Routes:      &fakeRoutes{removed: make(chan struct{})},
		Enumerator:  fakeEnumerator{},
		PortQuerier: fakeQuerier{},
		PidResolver: fakeResolver{},
		OpenSource: func(ctx context.Context, vpn, phys model.AdapterInfo, log *logging.Logger) (intercept.Source, error) {
			return src, nil
		},
	}
	s := New(testConfig(), logging.New(logging.Config{}), deps)
	if err := s.Start(model.ExcludeMode, model.NewTargetSet(nil)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop must be a no-op, got: %v", err)
	}
}
