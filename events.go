package webtrap

import "fmt"

// EventType is the closed taxonomy of everything the pipeline can record.
// The storage layer keeps the string form so new techniques never need a
// schema migration, but inside the process every event is one of these.
type EventType int

const (
	EventUnknown EventType = iota

	// Zero-impact bookkeeping events.
	EventHandshake
	EventWarning

	// Passive browser telemetry, capped tier.
	EventPageBlur
	EventPageResize
	EventConsoleOpen
	EventCopyAttempt
	EventRapidNav
	EventDevtoolsOpen
	EventDebuggerPause

	// Deliberate techniques, uncapped tier.
	EventRouteProbe
	EventDOMTamper
	EventSQLInjection
	EventXSS
	EventPathTraversal
	EventCommandInjection
	EventSSRF
	EventLFI
	EventCRLFInjection
	EventScannerTool
	EventExternalAttack
)

var eventNames = map[EventType]string{
	EventHandshake:        "handshake",
	EventWarning:          "warning",
	EventPageBlur:         "page_blur",
	EventPageResize:       "page_resize",
	EventConsoleOpen:      "console_open",
	EventCopyAttempt:      "copy_attempt",
	EventRapidNav:         "rapid_nav",
	EventDevtoolsOpen:     "devtools_open",
	EventDebuggerPause:    "debugger_pause",
	EventRouteProbe:       "route_probe",
	EventDOMTamper:        "dom_tamper",
	EventSQLInjection:     "sql_injection",
	EventXSS:              "xss",
	EventPathTraversal:    "path_traversal",
	EventCommandInjection: "command_injection",
	EventSSRF:             "ssrf",
	EventLFI:              "lfi",
	EventCRLFInjection:    "crlf_injection",
	EventScannerTool:      "scanner_tool",
	EventExternalAttack:   "external_attack",
}

var eventsByName = func() map[string]EventType {
	m := make(map[string]EventType, len(eventNames))
	for t, name := range eventNames {
		m[name] = t
	}
	return m
}()

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// ParseEventType maps a storage/wire string back to the enum.
func ParseEventType(s string) (EventType, bool) {
	t, ok := eventsByName[s]
	return t, ok
}

// BaseImpact is the nominal score delta per event type, before tier capping
// and before probe escalation. Route probes escalate off this base inside
// Engine.Apply.
var baseImpact = map[EventType]int{
	EventHandshake:        0,
	EventWarning:          0,
	EventPageBlur:         1,
	EventPageResize:       1,
	EventConsoleOpen:      2,
	EventCopyAttempt:      1,
	EventRapidNav:         2,
	EventDevtoolsOpen:     5,
	EventDebuggerPause:    6,
	EventRouteProbe:       10,
	EventDOMTamper:        20,
	EventSQLInjection:     22,
	EventXSS:              18,
	EventPathTraversal:    16,
	EventCommandInjection: 24,
	EventSSRF:             15,
	EventLFI:              17,
	EventCRLFInjection:    12,
	EventScannerTool:      8,
	EventExternalAttack:   25,
}

func (t EventType) BaseImpact() int {
	return baseImpact[t]
}

// Capped reports whether the event belongs to the plateau tier: its
// contribution can raise a score up to cappedTierCeiling but never past it.
// Route probes are capped too; what pushes a score high is the technique
// events and the milestone ceiling, not ambient noise.
func (t EventType) Capped() bool {
	switch t {
	case EventPageBlur, EventPageResize, EventConsoleOpen, EventCopyAttempt,
		EventRapidNav, EventDevtoolsOpen, EventDebuggerPause, EventRouteProbe:
		return true
	}
	return false
}

// Injection reports whether the event is an injection-class technique,
// used by the breaker milestone.
func (t EventType) Injection() bool {
	switch t {
	case EventSQLInjection, EventXSS, EventPathTraversal, EventCommandInjection,
		EventSSRF, EventLFI, EventCRLFInjection:
		return true
	}
	return false
}

// ClientReportable reports whether browsers may submit this event through
// the public event endpoint. Everything else is derived server-side.
func (t EventType) ClientReportable() bool {
	switch t {
	case EventPageBlur, EventPageResize, EventConsoleOpen, EventCopyAttempt,
		EventRapidNav, EventDevtoolsOpen, EventDebuggerPause, EventDOMTamper:
		return true
	}
	return false
}

// ActionTaken is the advisory disposition recorded with each event.
type ActionTaken string

const (
	ActionBlocked ActionTaken = "Blocked"
	ActionAllowed ActionTaken = "Allowed"
	ActionFlagged ActionTaken = "Flagged"
	ActionTarpit  ActionTaken = "Tarpit"
)

// Operation milestones. Each is permanent once set and raises the session's
// advertised risk ceiling: 40 base, then 60/80/90 with one/two/three flags.
const (
	OpGhostWalker = "ghost_walker"
	OpToolsmith   = "toolsmith"
	OpBreaker     = "breaker"
)

var ceilingByFlags = [4]int{40, 60, 80, 90}

// AdvertisedCeiling maps the number of unlocked milestones to the ceiling
// shown by the presentation layer.
func AdvertisedCeiling(flags int) int {
	if flags < 0 {
		flags = 0
	}
	if flags > 3 {
		flags = 3
	}
	return ceilingByFlags[flags]
}
