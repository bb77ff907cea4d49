package webtrap

import (
	"sync"
	"time"
)

// Detection is a recently-classified request kept for the operator
// console. The persistent audit trail lives in the store; this ledger is
// the fast, forgetful view.
type Detection struct {
	Fingerprint string    `json:"fingerprint"`
	Route       string    `json:"route"`
	Technique   string    `json:"technique"`
	Confidence  float64   `json:"confidence"`
	Token       string    `json:"token,omitempty"`
	Recorded    time.Time `json:"recorded"`
}

// DetectionSummary aggregates the live ledger for the console endpoint.
type DetectionSummary struct {
	ActiveTechniques map[string]int `json:"activeTechniques"`
	ActiveIdentities int            `json:"activeIdentities"`
	TotalDetections  int            `json:"totalDetections"`
	LastUpdated      time.Time      `json:"lastUpdated"`
}

// DetectionLedger keeps the latest detection per fingerprint with a TTL.
type DetectionLedger struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*Detection
}

func NewDetectionLedger(ttl time.Duration) *DetectionLedger {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DetectionLedger{
		ttl:     ttl,
		entries: make(map[string]*Detection),
	}
}

func (l *DetectionLedger) Record(d Detection) {
	if d.Fingerprint == "" {
		return
	}
	d.Recorded = time.Now()
	l.mu.Lock()
	l.entries[d.Fingerprint] = &d
	l.mu.Unlock()
}

func (l *DetectionLedger) Snapshot() []Detection {
	now := time.Now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Detection
	for _, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			continue
		}
		out = append(out, *entry)
	}
	return out
}

func (l *DetectionLedger) Cleanup() {
	now := time.Now()
	l.mu.Lock()
	for fp, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			delete(l.entries, fp)
		}
	}
	l.mu.Unlock()
}

func (l *DetectionLedger) Summary() DetectionSummary {
	summary := DetectionSummary{ActiveTechniques: make(map[string]int)}
	for _, d := range l.Snapshot() {
		summary.ActiveIdentities++
		summary.ActiveTechniques[d.Technique]++
		summary.TotalDetections++
		if d.Recorded.After(summary.LastUpdated) {
			summary.LastUpdated = d.Recorded
		}
	}
	return summary
}
