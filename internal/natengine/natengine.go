// Package natengine maintains the outbound->inbound rewrite table and
// its sweeper. The table is sharded 64 ways to keep inbound lookups
// wait-free at common case while outbound inserts take a brief
// per-shard write lock, matching the concurrency contract of the
// component it implements.
package natengine

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"splittunnel-engine/internal/logging"
	"splittunnel-engine/internal/model"
)

const numShards = 64

type shard struct {
	mu sync.RWMutex
	m  map[model.NatKey]*model.NatEntry
}

// shardIndex selects a shard via FNV-1a over the key's address bytes.
func shardIndex(k model.NatKey) uint32 {
	h := uint32(2166136261)
	for _, b := range k.IP {
		h = (h ^ uint32(b)) * 16777619
	}
	h = (h ^ uint32(k.Port>>8)) * 16777619
	h = (h ^ uint32(k.Port&0xFF)) * 16777619
	return h & (numShards - 1)
}

// Table is the sharded NAT table. One Table is used per protocol
// (separate Table instances for TCP and UDP); each carries the idle
// timeout it was constructed with.
type Table struct {
	shards [numShards]shard
	ttl    time.Duration
	log    *logging.Logger
	tag    string

	activeCount atomic.Int64
}

// NewTable creates an initialized Table. ttl is the idle timeout applied
// by the sweeper; tag labels log lines ("NAT-TCP", "NAT-UDP").
func NewTable(ttl time.Duration, log *logging.Logger, tag string) *Table {
	t := &Table{ttl: ttl, log: log, tag: tag}
	for i := range t.shards {
		t.shards[i].m = make(map[model.NatKey]*model.NatEntry)
	}
	return t
}

// Insert creates or refreshes the NAT entry for key.
func (t *Table) Insert(key model.NatKey, origSrc netip.Addr, origIfIndex uint32) *model.NatEntry {
	s := &t.shards[shardIndex(key)]
	entry := &model.NatEntry{OrigSrcIP: origSrc, OrigIfIndex: origIfIndex}
	entry.LastActivity.Store(time.Now().Unix())

	s.mu.Lock()
	_, existed := s.m[key]
	s.m[key] = entry
	s.mu.Unlock()

	if !existed {
		t.activeCount.Add(1)
	}
	return entry
}

// Lookup returns the entry for key without blocking writers of other
// shards, refreshing its last-activity timestamp on a hit.
func (t *Table) Lookup(key model.NatKey) (*model.NatEntry, bool) {
	s := &t.shards[shardIndex(key)]
	s.mu.RLock()
	entry, ok := s.m[key]
	s.mu.RUnlock()
	if ok {
		entry.LastActivity.Store(time.Now().Unix())
	}
	return entry, ok
}

// Delete removes the entry for key, e.g. on an observed FIN/RST.
func (t *Table) Delete(key model.NatKey) {
	s := &t.shards[shardIndex(key)]
	s.mu.Lock()
	_, existed := s.m[key]
	delete(s.m, key)
	s.mu.Unlock()
	if existed {
		t.activeCount.Add(-1)
	}
}

// Len reports the number of live entries across all shards.
func (t *Table) Len() int64 { return t.activeCount.Load() }

// Sweep runs one idle-entry pass immediately. Exported so a single
// sweeper goroutine can drive multiple tables (TCP and UDP) on one
// ticker instead of running a goroutine per table.
func (t *Table) Sweep() { t.sweep() }

// StartSweeper runs the low-frequency idle-entry sweep every interval
// until ctx is cancelled.
func (t *Table) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Table) sweep() {
	now := time.Now().Unix()
	timeout := int64(t.ttl.Seconds())
	removed := 0

	for i := range t.shards {
		s := &t.shards[i]
		var stale []model.NatKey

		s.mu.RLock()
		for key, entry := range s.m {
			if now-entry.LastActivity.Load() > timeout {
				stale = append(stale, key)
			}
		}
		s.mu.RUnlock()

		if len(stale) == 0 {
			continue
		}
		s.mu.Lock()
		for _, key := range stale {
			delete(s.m, key)
		}
		s.mu.Unlock()
		removed += len(stale)
	}

	if removed > 0 {
		t.activeCount.Add(-int64(removed))
		t.log.Debugf(t.tag, "swept %d idle entries", removed)
	}
}
