// Package policy computes the redirect/pass decision for a flow from
// (Mode, TargetSet, exe path) and pins that decision for the flow's
// lifetime in FlowPolicyCache, so a toggle change mid-flow never causes
// packets of the same connection to egress different adapters.
package policy

import (
	"sync"
	"sync/atomic"

	"splittunnel-engine/internal/model"
)

// Decide computes the desired egress per §4.6's decision table. An
// Unknown exe never redirects — it follows the default adapter for mode.
func Decide(mode model.Mode, targets model.TargetSet, exePath string) model.Decision {
	if exePath == "" {
		return model.DecisionPassThrough
	}
	inSet := targets.Contains(exePath)

	switch mode {
	case model.ExcludeMode:
		if inSet {
			return model.DecisionRedirectToPhysical
		}
		return model.DecisionRedirectToVPN
	case model.IncludeMode:
		if inSet {
			return model.DecisionRedirectToVPN
		}
		return model.DecisionRedirectToPhysical
	default:
		return model.DecisionPassThrough
	}
}

// ModeSlot is the atomically-swapped current Mode, read lock-free by the
// interception hot path and written by SetMode.
type ModeSlot struct {
	v atomic.Int32
}

func NewModeSlot(initial model.Mode) *ModeSlot {
	s := &ModeSlot{}
	s.v.Store(int32(initial))
	return s
}

func (s *ModeSlot) Load() model.Mode    { return model.Mode(s.v.Load()) }
func (s *ModeSlot) Store(m model.Mode)  { s.v.Store(int32(m)) }

// TargetSetSlot is the atomically-swapped current TargetSet.
type TargetSetSlot struct {
	v atomic.Pointer[model.TargetSet]
}

func NewTargetSetSlot(initial model.TargetSet) *TargetSetSlot {
	s := &TargetSetSlot{}
	s.v.Store(&initial)
	return s
}

func (s *TargetSetSlot) Load() model.TargetSet { return *s.v.Load() }
func (s *TargetSetSlot) Store(t model.TargetSet) { s.v.Store(&t) }

// Cache pins a committed Decision per flow for that flow's lifetime
// (invariant: a committed decision is never reversed). Sharded the same
// way as the NAT table it sits beside would be overkill here — flow
// policy lookups happen at most once per flow's first packet plus one
// cheap re-check per subsequent packet, so a single RWMutex suffices
// (mirrors the locking granularity of the rule-matching engine this is
// generalized from).
type Cache struct {
	mu sync.RWMutex
	m  map[model.FlowKey]model.Decision
}

// NewCache creates an empty flow policy cache.
func NewCache() *Cache {
	return &Cache{m: make(map[model.FlowKey]model.Decision)}
}

// Get returns the committed decision for key, if any.
func (c *Cache) Get(key model.FlowKey) (model.Decision, bool) {
	c.mu.RLock()
	d, ok := c.m[key]
	c.mu.RUnlock()
	return d, ok
}

// Commit pins decision for key. Once committed it is never overwritten —
// a second Commit for the same key is a no-op, preserving invariant I2.
func (c *Cache) Commit(key model.FlowKey, decision model.Decision) model.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.m[key]; ok {
		return existing
	}
	c.m[key] = decision
	return decision
}

// Delete forgets a flow's committed decision, e.g. on observed
// FIN/RST teardown.
func (c *Cache) Delete(key model.FlowKey) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

// Len reports the number of pinned flows (used for FlowsActive stats).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
