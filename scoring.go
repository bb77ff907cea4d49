package webtrap

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/log"
)

const (
	// Capped-tier events can raise a score up to this plateau, never past it.
	cappedTierCeiling = 20

	maxPayloadLen = 200

	defaultProbeWindow = time.Minute
	defaultProbeBudget = 3
)

// nextScore implements the two-tier scoring rule. Pure so the tier
// semantics are testable without a database.
func nextScore(current, impact int, capped bool) int {
	if current < 0 {
		current = 0
	}
	if impact <= 0 {
		return current
	}
	ceiling := 100
	if capped {
		if current >= cappedTierCeiling {
			return current
		}
		ceiling = cappedTierCeiling
	}
	next := current + impact
	if next > ceiling {
		next = ceiling
	}
	if next > 100 {
		next = 100
	}
	return next
}

// EventContext carries the request-derived fields recorded with an event.
type EventContext struct {
	IP       string
	Location string
	Route    string
	Payload  string
	Action   ActionTaken
}

// ApplyResult reports what a scoring pass actually did.
type ApplyResult struct {
	OldScore      int
	NewScore      int
	AppliedImpact int
	// Dropped means the event was rate-limited away: no row, no score change.
	Dropped  bool
	Unlocked []string
}

// Engine converts classified events into bounded score deltas against the
// session's persisted score, and maintains the operation milestones.
type Engine struct {
	store       Store
	logger      *log.Logger
	metrics     *Metrics
	probeWindow time.Duration
	probeBudget int
}

func NewEngine(store Store, logger *log.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	return &Engine{
		store:       store,
		logger:      logger,
		metrics:     metrics,
		probeWindow: defaultProbeWindow,
		probeBudget: defaultProbeBudget,
	}
}

// SetProbeLimit overrides the probe rate-limit window and budget.
func (e *Engine) SetProbeLimit(window time.Duration, budget int) {
	if window > 0 {
		e.probeWindow = window
	}
	if budget > 0 {
		e.probeBudget = budget
	}
}

// Apply records one event for the fingerprint's session and applies its
// score delta atomically. Sessions are only ever created by the handshake;
// for an unknown fingerprint Apply returns ErrNotFound and the caller
// decides whether that is a client error or a silent skip.
func (e *Engine) Apply(ctx context.Context, fingerprint string, t EventType, ec EventContext) (*ApplyResult, error) {
	sess, err := e.store.GetSession(ctx, fingerprint)
	if err != nil {
		return nil, err
	}

	impact := t.BaseImpact()
	if t == EventRouteProbe {
		recent, err := e.store.CountRecentEvents(ctx, fingerprint, t.String(), time.Now().Add(-e.probeWindow))
		if err != nil {
			return nil, err
		}
		if recent >= e.probeBudget {
			e.count("webtrap_probes_dropped_total", nil)
			return &ApplyResult{OldScore: sess.RiskScore, NewScore: sess.RiskScore, Dropped: true}, nil
		}
		// Escalating nominal impact: 10, 11, 12, ... per prior probe.
		probes, err := e.store.IncrementProbeCount(ctx, fingerprint)
		if err != nil {
			return nil, err
		}
		impact += probes - 1
		if impact > t.BaseImpact()+5 {
			impact = t.BaseImpact() + 5
		}
	}

	old, updated, err := e.store.ApplyScore(ctx, fingerprint, func(current int) int {
		return nextScore(current, impact, t.Capped())
	})
	if err != nil {
		return nil, err
	}

	if ec.Action == "" {
		ec.Action = ActionFlagged
	}
	ev := &SecurityEvent{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		EventType:   t.String(),
		Payload:     sanitizePayload(ec.Payload),
		RiskImpact:  updated - old,
		ActionTaken: string(ec.Action),
		IPAddress:   ec.IP,
		Location:    ec.Location,
		Route:       ec.Route,
	}
	if err := e.store.InsertEvent(ctx, ev); err != nil {
		// The score is already applied; an audit gap is preferable to
		// failing the request.
		e.count("webtrap_store_failures_total", map[string]string{"op": "insert_event"})
		e.logger.Warn().Err(err).Str("event", t.String()).Msg("event insert failed")
	}

	result := &ApplyResult{OldScore: old, NewScore: updated, AppliedImpact: updated - old}
	result.Unlocked = e.evaluateMilestones(ctx, fingerprint, t, updated)

	e.count("webtrap_events_total", map[string]string{"type": t.String()})
	e.logger.Info().
		Str("fingerprint", fingerprint).
		Str("event", t.String()).
		Int("impact", result.AppliedImpact).
		Int("score", updated).
		Msg("event scored")
	return result, nil
}

// evaluateMilestones unlocks any operation flags this event satisfies.
// Flags are permanent; SetOperationFlag reports only first-time unlocks.
func (e *Engine) evaluateMilestones(ctx context.Context, fingerprint string, t EventType, score int) []string {
	var unlocked []string

	if t == EventRouteProbe {
		routes, err := e.store.CountDistinctProbeRoutes(ctx, fingerprint)
		if err == nil && routes >= 3 {
			unlocked = e.setFlag(ctx, fingerprint, OpGhostWalker, unlocked)
		}
	}
	if t == EventExternalAttack {
		unlocked = e.setFlag(ctx, fingerprint, OpToolsmith, unlocked)
	}
	if t.Injection() && score >= 60 {
		unlocked = e.setFlag(ctx, fingerprint, OpBreaker, unlocked)
	}
	return unlocked
}

func (e *Engine) setFlag(ctx context.Context, fingerprint, flag string, acc []string) []string {
	changed, err := e.store.SetOperationFlag(ctx, fingerprint, flag)
	if err != nil {
		e.logger.Warn().Err(err).Str("flag", flag).Msg("milestone update failed")
		return acc
	}
	if changed {
		e.count("webtrap_milestones_total", map[string]string{"flag": flag})
		e.logger.Info().Str("fingerprint", fingerprint).Str("flag", flag).Msg("operation milestone unlocked")
		return append(acc, flag)
	}
	return acc
}

func (e *Engine) count(name string, labels map[string]string) {
	if e.metrics != nil {
		e.metrics.Increment(name, labels)
	}
}

// sanitizePayload truncates and strips control characters before a snippet
// is persisted.
func sanitizePayload(s string) string {
	if s == "" {
		return ""
	}
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
	if len(s) > maxPayloadLen {
		s = s[:maxPayloadLen]
	}
	return strings.TrimSpace(s)
}
