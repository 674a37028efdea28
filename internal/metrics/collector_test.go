package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"splittunnel-engine/internal/model"
)

func TestCollectorExposesCurrentSnapshot(t *testing.T) {
	snap := model.StatsSnapshot{
		BytesOut:          100,
		BytesIn:           200,
		FlowsActive:       3,
		NatEntries:        5,
		PacketsPassed:     10,
		PacketsRedirected: 20,
		PacketsDiscarded:  1,
	}
	c := NewCollector(func() model.StatsSnapshot { return snap })

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	out, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if out != 7 {
		t.Fatalf("expected 7 metrics, got %d", out)
	}

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found bool
	for _, mf := range metrics {
		if mf.GetName() == "splittunnel_flows_active" {
			found = true
			if got := mf.Metric[0].GetGauge().GetValue(); got != 3 {
				t.Fatalf("splittunnel_flows_active = %v, want 3", got)
			}
		}
	}
	if !found {
		t.Fatal("expected to find splittunnel_flows_active in gathered metrics")
	}
}

func TestCollectorReflectsLiveUpdates(t *testing.T) {
	snap := model.StatsSnapshot{}
	c := NewCollector(func() model.StatsSnapshot { return snap })

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	snap.PacketsPassed = 42
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range metrics {
		if strings.HasSuffix(mf.GetName(), "packets_passed_total") {
			if got := mf.Metric[0].GetCounter().GetValue(); got != 42 {
				t.Fatalf("packets_passed_total = %v, want 42 after live update", got)
			}
		}
	}
}
