package webtrap

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Metrics is a small in-memory labelled counter set with Prometheus text
// export, enough for the advisory telemetry this pipeline emits.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]map[string]int64
}

func NewMetrics() *Metrics {
	return &Metrics{counters: make(map[string]map[string]int64)}
}

func (m *Metrics) Increment(name string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counters[name] == nil {
		m.counters[name] = make(map[string]int64)
	}
	m.counters[name][labelKey(labels)]++
}

// Value returns the current counter value, mainly for tests.
func (m *Metrics) Value(name string, labels map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if series, ok := m.counters[name]; ok {
		return series[labelKey(labels)]
	}
	return 0
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ",")
}

// ExportPrometheus renders the counters in Prometheus text format.
func (m *Metrics) ExportPrometheus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.counters))
	for name := range m.counters {
		names = append(names, name)
	}
	sort.Strings(names)

	var out strings.Builder
	for _, name := range names {
		out.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
		series := m.counters[name]
		keys := make([]string, 0, len(series))
		for k := range series {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if k == "" {
				out.WriteString(fmt.Sprintf("%s %d\n", name, series[k]))
			} else {
				out.WriteString(fmt.Sprintf("%s{%s} %d\n", name, k, series[k]))
			}
		}
	}
	return out.String()
}
