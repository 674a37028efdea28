package ipc

import (
	"context"
	"errors"
	"testing"

	"splittunnel-engine/internal/logging"
	"splittunnel-engine/internal/model"
)

type fakeSession struct {
	startErr   error
	stopErr    error
	mode       model.Mode
	targets    model.TargetSet
	stats      model.StatsSnapshot
	statsErr   error
	started    bool
	stopped    bool
	lastMode   model.Mode
	setModeErr error
}

func (f *fakeSession) Start(mode model.Mode, targets model.TargetSet) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	f.mode = mode
	f.targets = targets
	return nil
}
func (f *fakeSession) SetMode(mode model.Mode) error {
	if f.setModeErr != nil {
		return f.setModeErr
	}
	f.lastMode = mode
	return nil
}
func (f *fakeSession) SetTargets(targets model.TargetSet) error {
	f.targets = targets
	return nil
}
func (f *fakeSession) Stop() error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = true
	return nil
}
func (f *fakeSession) Stats() (model.StatsSnapshot, error) {
	return f.stats, f.statsErr
}

func newTestService() (*Service, *fakeSession) {
	sess := &fakeSession{}
	svc := NewService(func() SessionHandle { return sess }, logging.New(logging.Config{}))
	return svc, sess
}

func TestStartSessionWiresModeAndTargets(t *testing.T) {
	svc, sess := newTestService()
	_, err := svc.StartSession(context.Background(), &StartSessionRequest{
		Mode:    "ExcludeMode",
		Targets: []string{`C:\game.exe`},
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !sess.started || sess.mode != model.ExcludeMode {
		t.Fatalf("session not started with expected mode: %+v", sess)
	}
}

func TestStartSessionRejectsUnknownMode(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.StartSession(context.Background(), &StartSessionRequest{Mode: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestStartSessionTwiceIsRejected(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.StartSession(context.Background(), &StartSessionRequest{Mode: "ExcludeMode"}); err != nil {
		t.Fatalf("first StartSession: %v", err)
	}
	_, err := svc.StartSession(context.Background(), &StartSessionRequest{Mode: "ExcludeMode"})
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestControlCallsBeforeStartFail(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.SetMode(context.Background(), &SetModeRequest{Mode: "ExcludeMode"}); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if _, err := svc.GetStats(context.Background(), &Empty{}); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestStopSessionAllowsRestarting(t *testing.T) {
	svc, sess := newTestService()
	if _, err := svc.StartSession(context.Background(), &StartSessionRequest{Mode: "ExcludeMode"}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := svc.StopSession(context.Background(), &Empty{}); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if !sess.stopped {
		t.Fatal("expected underlying session to be stopped")
	}
	if _, err := svc.StartSession(context.Background(), &StartSessionRequest{Mode: "IncludeMode"}); err != nil {
		t.Fatalf("restart after stop should succeed: %v", err)
	}
}

func TestGetStatsReturnsSnapshot(t *testing.T) {
	svc, sess := newTestService()
	sess.stats = model.StatsSnapshot{BytesOut: 42, FlowsActive: 3}
	if _, err := svc.StartSession(context.Background(), &StartSessionRequest{Mode: "ExcludeMode"}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	resp, err := svc.GetStats(context.Background(), &Empty{})
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if resp.BytesOut != 42 || resp.FlowsActive != 3 {
		t.Fatalf("unexpected stats response: %+v", resp)
	}
}
