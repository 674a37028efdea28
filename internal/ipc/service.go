package ipc

import (
	"context"
	"errors"
	"sync"

	"splittunnel-engine/internal/logging"
	"splittunnel-engine/internal/model"
)

// ErrSessionActive is returned by StartSession when a session is
// already running, enforcing the single-concurrent-session rule
// defensively at the engine boundary (the UI is expected to enforce
// single-instance too, but the engine never trusts that alone).
var ErrSessionActive = errors.New("ipc: a session is already active")

// ErrNoActiveSession is returned by any control call that requires a
// running session when none has been started yet.
var ErrNoActiveSession = errors.New("ipc: no active session")

// SessionHandle is the subset of *session.Session's methods the
// control service needs. Narrowed to an interface so tests can supply
// a fake without constructing a real Windows session.
type SessionHandle interface {
	Start(mode model.Mode, targets model.TargetSet) error
	SetMode(model.Mode) error
	SetTargets(model.TargetSet) error
	Stop() error
	Stats() (model.StatsSnapshot, error)
}

// SessionFactory builds a fresh, not-yet-started session handle. A new
// one is requested for every StartSession call, matching session.Session
// being single-use per spec.
type SessionFactory func() SessionHandle

// Service implements ControlServiceServer, translating wire requests
// into calls against the session façade (C7) and enforcing that at
// most one session is active at a time.
type Service struct {
	mu      sync.Mutex
	factory SessionFactory
	active  SessionHandle
	log     *logging.Logger
}

// NewService builds a Service. factory is invoked once per
// StartSession call to obtain the session to start.
func NewService(factory SessionFactory, log *logging.Logger) *Service {
	return &Service{factory: factory, log: log}
}

func (s *Service) StartSession(ctx context.Context, req *StartSessionRequest) (*StartSessionResponse, error) {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, ErrSessionActive
	}
	s.mu.Unlock()

	mode, err := model.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}

	sess := s.factory()
	if err := sess.Start(mode, model.NewTargetSet(req.Targets)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		sess.Stop()
		return nil, ErrSessionActive
	}
	s.active = sess
	s.mu.Unlock()

	s.log.Infof("IPC", "session started: mode=%s targets=%d", mode, len(req.Targets))
	return &StartSessionResponse{}, nil
}

func (s *Service) SetMode(ctx context.Context, req *SetModeRequest) (*Empty, error) {
	sess, err := s.activeSession()
	if err != nil {
		return nil, err
	}
	mode, err := model.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	if err := sess.SetMode(mode); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) SetTargets(ctx context.Context, req *SetTargetsRequest) (*Empty, error) {
	sess, err := s.activeSession()
	if err != nil {
		return nil, err
	}
	if err := sess.SetTargets(model.NewTargetSet(req.Targets)); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) StopSession(ctx context.Context, _ *Empty) (*Empty, error) {
	s.mu.Lock()
	sess := s.active
	s.active = nil
	s.mu.Unlock()

	if sess == nil {
		return &Empty{}, nil
	}
	if err := sess.Stop(); err != nil {
		return nil, err
	}
	s.log.Infof("IPC", "session stopped")
	return &Empty{}, nil
}

func (s *Service) GetStats(ctx context.Context, _ *Empty) (*StatsResponse, error) {
	sess, err := s.activeSession()
	if err != nil {
		return nil, err
	}
	snap, err := sess.Stats()
	if err != nil {
		return nil, err
	}
	return &StatsResponse{
		BytesOut:          snap.BytesOut,
		BytesIn:           snap.BytesIn,
		FlowsActive:       snap.FlowsActive,
		NatEntries:        snap.NatEntries,
		PacketsPassed:     snap.PacketsPassed,
		PacketsRedirected: snap.PacketsRedirected,
		PacketsDiscarded:  snap.PacketsDiscarded,
	}, nil
}

// StreamLogs forwards every log line emitted while the stream is open
// to the caller, by installing itself as the logger's hook for the
// stream's lifetime. Only one StreamLogs subscriber is supported at a
// time — a second caller replaces the first's hook, matching this
// engine's single-owner-UI assumption (see DESIGN.md).
func (s *Service) StreamLogs(_ *Empty, stream ControlService_StreamLogsServer) error {
	lines := make(chan LogLine, 64)
	s.log.SetHook(func(level logging.Level, tag, message string) {
		select {
		case lines <- LogLine{Level: level.String(), Tag: tag, Message: message}:
		default:
			// Slow subscriber: drop rather than block the hot-path logger.
		}
	})
	defer s.log.SetHook(nil)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line := <-lines:
			if err := stream.Send(&line); err != nil {
				return err
			}
		}
	}
}

func (s *Service) activeSession() (SessionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, ErrNoActiveSession
	}
	return s.active, nil
}
