package policy

import (
	"net/netip"
	"testing"

	"splittunnel-engine/internal/model"
)

func TestDecideExcludeMode(t *testing.T) {
	targets := model.NewTargetSet([]string{`C:\Apps\Torrent\torrent.exe`})

	if got := Decide(model.ExcludeMode, targets, `C:\Apps\Torrent\torrent.exe`); got != model.DecisionRedirectToPhysical {
		t.Fatalf("excluded app: got %v, want RedirectToPhysical", got)
	}
	if got := Decide(model.ExcludeMode, targets, `C:\Apps\Browser\browser.exe`); got != model.DecisionRedirectToVPN {
		t.Fatalf("non-member app: got %v, want RedirectToVPN", got)
	}
}

func TestDecideIncludeMode(t *testing.T) {
	targets := model.NewTargetSet([]string{`C:\Apps\Work\vpnclient.exe`})

	if got := Decide(model.IncludeMode, targets, `C:\Apps\Work\vpnclient.exe`); got != model.DecisionRedirectToVPN {
		t.Fatalf("included app: got %v, want RedirectToVPN", got)
	}
	if got := Decide(model.IncludeMode, targets, `C:\Apps\Other\other.exe`); got != model.DecisionRedirectToPhysical {
		t.Fatalf("non-member app: got %v, want RedirectToPhysical", got)
	}
}

func TestDecideUnknownExeNeverRedirects(t *testing.T) {
	targets := model.NewTargetSet(nil)
	if got := Decide(model.ExcludeMode, targets, ""); got != model.DecisionPassThrough {
		t.Fatalf("empty exe path: got %v, want PassThrough", got)
	}
}

func TestDecidePathNormalization(t *testing.T) {
	targets := model.NewTargetSet([]string{`C:\Apps\Torrent\Torrent.EXE`})
	if got := Decide(model.ExcludeMode, targets, `c:\apps\torrent\torrent.exe`); got != model.DecisionRedirectToPhysical {
		t.Fatalf("case-insensitive match failed: got %v", got)
	}
}

func flowKey(srcPort uint16) model.FlowKey {
	return model.FlowKey{
		Proto: model.ProtoTCP,
		SrcIP: netip.MustParseAddr("10.0.0.5"),
		SrcPt: srcPort,
		DstIP: netip.MustParseAddr("93.184.216.34"),
		DstPt: 443,
	}
}

func TestCacheCommitIsSticky(t *testing.T) {
	c := NewCache()
	key := flowKey(51000)

	first := c.Commit(key, model.DecisionRedirectToVPN)
	if first != model.DecisionRedirectToVPN {
		t.Fatalf("first commit: got %v", first)
	}

	// A later commit attempt with a different decision must not move the
	// pinned value — invariant: a committed decision never reverses.
	second := c.Commit(key, model.DecisionRedirectToPhysical)
	if second != model.DecisionRedirectToVPN {
		t.Fatalf("second commit overwrote pinned decision: got %v", second)
	}

	got, ok := c.Get(key)
	if !ok || got != model.DecisionRedirectToVPN {
		t.Fatalf("Get after double-commit: got %v, ok=%v", got, ok)
	}
}

func TestCacheGetMiss(t *testing.T) {
	c := NewCache()
	if _, ok := c.Get(flowKey(1)); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestCacheDeleteAndLen(t *testing.T) {
	c := NewCache()
	k1, k2 := flowKey(1), flowKey(2)
	c.Commit(k1, model.DecisionRedirectToVPN)
	c.Commit(k2, model.DecisionPassThrough)

	if got := c.Len(); got != 2 {
		t.Fatalf("Len: got %d, want 2", got)
	}

	c.Delete(k1)
	if got := c.Len(); got != 1 {
		t.Fatalf("Len after delete: got %d, want 1", got)
	}
	if _, ok := c.Get(k1); ok {
		t.Fatal("deleted key still present")
	}
}

func TestModeSlotRoundTrip(t *testing.T) {
	s := NewModeSlot(model.ExcludeMode)
	if got := s.Load(); got != model.ExcludeMode {
		t.Fatalf("initial load: got %v", got)
	}
	s.Store(model.IncludeMode)
	if got := s.Load(); got != model.IncludeMode {
		t.Fatalf("after store: got %v", got)
	}
}

func TestTargetSetSlotRoundTrip(t *testing.T) {
	s := NewTargetSetSlot(model.NewTargetSet(nil))
	if s.Load().Len() != 0 {
		t.Fatal("expected empty initial set")
	}
	s.Store(model.NewTargetSet([]string{`C:\a.exe`, `C:\b.exe`}))
	if got := s.Load().Len(); got != 2 {
		t.Fatalf("after store: got len %d, want 2", got)
	}
}
