// Package conntrack periodically snapshots the OS TCP/UDP connection
// tables and publishes the resulting (by_endpoint, by_port) lookup pair
// for the interception loop to read without locking.
package conntrack

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"time"

	"splittunnel-engine/internal/logging"
	"splittunnel-engine/internal/model"
	"splittunnel-engine/internal/procid"
)

// Row is one OS connection-table entry as returned by the platform
// enumerator, already reduced to what the tracker needs.
type Row struct {
	LocalIP  netip.Addr
	LocalPt  uint16
	PID      uint32
}

// Enumerator is the platform-specific TCP/UDP table reader.
type Enumerator interface {
	EnumerateTCPv4() ([]Row, error)
	EnumerateUDPv4() ([]Row, error)
}

// Tracker rebuilds ConnMaps on a fixed tick and publishes the new pair
// via a single atomic pointer, matching the "publish by swap, read
// lock-free" discipline required of the whole ConnMaps lifecycle.
type Tracker struct {
	enum     Enumerator
	pidCache *procid.Cache
	log      *logging.Logger
	interval time.Duration

	current atomic.Pointer[model.ConnMaps]

	consecutiveFailures int
	fatalReported       bool
	onFatal             func(error)
}

// New creates a Tracker. onFatal is invoked (once) if three consecutive
// ticks fail to query the OS, escalating a transient failure into a
// session-fatal one.
func New(enum Enumerator, pidCache *procid.Cache, log *logging.Logger, interval time.Duration, onFatal func(error)) *Tracker {
	t := &Tracker{enum: enum, pidCache: pidCache, log: log, interval: interval, onFatal: onFatal}
	t.current.Store(model.EmptyConnMaps())
	return t
}

// Current returns the most recently published ConnMaps pair. Safe for
// concurrent lock-free reads from any number of goroutines.
func (t *Tracker) Current() *model.ConnMaps {
	return t.current.Load()
}

// Run blocks, rebuilding and publishing ConnMaps on every tick until ctx
// is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Tracker) tick() {
	tcpRows, tcpErr := t.enum.EnumerateTCPv4()
	udpRows, udpErr := t.enum.EnumerateUDPv4()

	if tcpErr != nil || udpErr != nil {
		t.consecutiveFailures++
		if tcpErr != nil {
			t.log.Warnf("Tracker", "TCP table query failed: %v", tcpErr)
		}
		if udpErr != nil {
			t.log.Warnf("Tracker", "UDP table query failed: %v", udpErr)
		}
		if t.consecutiveFailures >= 3 && t.onFatal != nil && !t.fatalReported {
			t.fatalReported = true
			t.onFatal(errors.Join(tcpErr, udpErr))
		}
		return
	}
	t.consecutiveFailures = 0

	byEndpoint := make(map[model.Endpoint]string, len(tcpRows)+len(udpRows))
	byPort := make(map[uint16]string, len(tcpRows)+len(udpRows))

	for _, rows := range [][]Row{tcpRows, udpRows} {
		for _, row := range rows {
			exe, ok := t.pidCache.Lookup(row.PID)
			if !ok {
				continue
			}
			byEndpoint[model.Endpoint{IP: row.LocalIP, Port: row.LocalPt}] = exe
			byPort[row.LocalPt] = exe
		}
	}

	t.current.Store(&model.ConnMaps{ByEndpoint: byEndpoint, ByPort: byPort})
}
