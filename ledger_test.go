package webtrap

import (
	"strings"
	"testing"
	"time"
)

func TestDetectionLedgerExpiry(t *testing.T) {
	ledger := NewDetectionLedger(50 * time.Millisecond)
	ledger.Record(Detection{Fingerprint: "fp-1", Route: "/a", Technique: "xss", Confidence: 0.8})
	ledger.Record(Detection{Fingerprint: "fp-2", Route: "/b", Technique: "xss", Confidence: 0.8})
	ledger.Record(Detection{Fingerprint: ""}) // ignored

	if got := len(ledger.Snapshot()); got != 2 {
		t.Fatalf("snapshot size %d, want 2", got)
	}
	summary := ledger.Summary()
	if summary.ActiveIdentities != 2 || summary.ActiveTechniques["xss"] != 2 {
		t.Fatalf("summary %+v", summary)
	}

	time.Sleep(80 * time.Millisecond)
	if got := len(ledger.Snapshot()); got != 0 {
		t.Fatalf("expired entries still visible: %d", got)
	}
	ledger.Cleanup()
	ledger.mu.RLock()
	remaining := len(ledger.entries)
	ledger.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("cleanup left %d entries", remaining)
	}
}

func TestDetectionLedgerLatestWins(t *testing.T) {
	ledger := NewDetectionLedger(time.Minute)
	ledger.Record(Detection{Fingerprint: "fp-1", Technique: "xss"})
	ledger.Record(Detection{Fingerprint: "fp-1", Technique: "sql_injection"})

	snap := ledger.Snapshot()
	if len(snap) != 1 || snap[0].Technique != "sql_injection" {
		t.Fatalf("expected the newer detection to replace the old: %v", snap)
	}
}

func TestMetricsExport(t *testing.T) {
	m := NewMetrics()
	m.Increment("webtrap_events_total", map[string]string{"type": "xss"})
	m.Increment("webtrap_events_total", map[string]string{"type": "xss"})
	m.Increment("webtrap_dispatch_total", nil)

	if got := m.Value("webtrap_events_total", map[string]string{"type": "xss"}); got != 2 {
		t.Fatalf("value = %d", got)
	}
	out := m.ExportPrometheus()
	if !strings.Contains(out, `webtrap_events_total{type="xss"} 2`) {
		t.Fatalf("labelled series missing:\n%s", out)
	}
	if !strings.Contains(out, "webtrap_dispatch_total 1") {
		t.Fatalf("bare series missing:\n%s", out)
	}
}
