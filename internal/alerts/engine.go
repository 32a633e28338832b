// Package alerts computes rolling-window alerts (error spikes, stuck
// and long-waiting sessions). Alert state is in-memory only; it is
// rebuilt from recent events on startup and dismissals live client-side.
package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/common/config"
	"github.com/devpulse/devpulse/internal/common/logger"
	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/store"
)

// Alert kinds.
const (
	KindErrorSpike     = "error_spike"
	KindStuckSession   = "stuck_session"
	KindWaitingTooLong = "waiting_too_long"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// The rolling counter window.
const window = 10 * time.Minute

// Alert is one raised condition, deduplicated by (kind, agentLabel).
type Alert struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Severity   string `json:"severity"`
	AgentLabel string `json:"agentLabel"`
	Message    string `json:"message"`
	DetectedAt int64  `json:"detectedAt"`
}

type toolSample struct {
	agentLabel string
	timestamp  int64
	failure    bool
}

// Engine tracks rolling tool outcomes per agent and evaluates the alert
// conditions. Observe runs on the ingest path; EvaluateSessions runs on
// a timer and on reads of the active set.
type Engine struct {
	cfg config.AlertConfig
	log *logger.Logger

	mu      sync.Mutex
	samples []toolSample
	active  map[string]*Alert // kind + "|" + agentLabel
}

// NewEngine builds an alert engine with the given thresholds.
func NewEngine(cfg config.AlertConfig, log *logger.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "alerts")),
		active: make(map[string]*Alert),
	}
}

func alertKey(kind, agentLabel string) string {
	return kind + "|" + agentLabel
}

// Observe feeds one committed event into the rolling counters and
// returns any newly raised or escalated alerts.
func (e *Engine) Observe(evt *events.HookEvent, now int64) []Alert {
	if evt.Type != events.TypePostToolUse && evt.Type != events.TypePostToolUseFailure {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = append(e.samples, toolSample{
		agentLabel: evt.AgentID(),
		timestamp:  evt.Timestamp,
		failure:    evt.Type == events.TypePostToolUseFailure,
	})
	e.pruneLocked(now)
	return e.evaluateErrorSpikesLocked(now)
}

// Rebuild replays recent events into the counters after a restart.
func (e *Engine) Rebuild(evts []events.HookEvent, now int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range evts {
		evt := &evts[i]
		if evt.Type != events.TypePostToolUse && evt.Type != events.TypePostToolUseFailure {
			continue
		}
		e.samples = append(e.samples, toolSample{
			agentLabel: evt.AgentID(),
			timestamp:  evt.Timestamp,
			failure:    evt.Type == events.TypePostToolUseFailure,
		})
	}
	e.pruneLocked(now)
	e.evaluateErrorSpikesLocked(now)
}

func (e *Engine) pruneLocked(now int64) {
	cutoff := now - window.Milliseconds()
	keep := e.samples[:0]
	for _, s := range e.samples {
		if s.timestamp >= cutoff {
			keep = append(keep, s)
		}
	}
	e.samples = keep
}

// evaluateErrorSpikesLocked recomputes per-agent error ratios, raises
// and escalates spike alerts, and clears ones whose ratio dropped.
func (e *Engine) evaluateErrorSpikesLocked(now int64) []Alert {
	type counts struct{ total, failures int }
	byAgent := map[string]*counts{}
	for _, s := range e.samples {
		c, ok := byAgent[s.agentLabel]
		if !ok {
			c = &counts{}
			byAgent[s.agentLabel] = c
		}
		c.total++
		if s.failure {
			c.failures++
		}
	}

	var raised []Alert
	for agentLabel, c := range byAgent {
		ratio := float64(c.failures) / float64(c.total)
		key := alertKey(KindErrorSpike, agentLabel)
		existing := e.active[key]

		if c.total < e.cfg.MinSampleSize || ratio <= e.cfg.ErrorRateThreshold {
			if existing != nil {
				// Condition cleared; the alert may fire again later.
				delete(e.active, key)
			}
			continue
		}

		severity := SeverityWarning
		if ratio > e.cfg.ErrorRateCritical {
			severity = SeverityCritical
		}
		if existing != nil {
			if existing.Severity == severity {
				continue
			}
			existing.Severity = severity
			raised = append(raised, *existing)
			continue
		}

		a := &Alert{
			ID:         uuid.NewString(),
			Kind:       KindErrorSpike,
			Severity:   severity,
			AgentLabel: agentLabel,
			Message: fmt.Sprintf("%d of %d tool calls failed in the last 10 minutes",
				c.failures, c.total),
			DetectedAt: now,
		}
		e.active[key] = a
		raised = append(raised, *a)
		e.log.Warn("error spike",
			zap.String("agent", agentLabel), zap.Float64("ratio", ratio))
	}

	// Agents that fell out of the window entirely clear their alerts.
	for key, a := range e.active {
		if a.Kind != KindErrorSpike {
			continue
		}
		if _, ok := byAgent[a.AgentLabel]; !ok {
			delete(e.active, key)
		}
	}
	return raised
}

// EvaluateSessions checks for stuck and long-waiting sessions and
// returns newly raised or escalated alerts. The caller passes the
// current non-stopped session set.
func (e *Engine) EvaluateSessions(sessions []store.Session, now int64) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var raised []Alert
	seen := map[string]bool{}
	for i := range sessions {
		sess := &sessions[i]
		agentLabel := sess.AgentID()
		idleFor := time.Duration(now-sess.LastEventAt) * time.Millisecond

		var kind string
		var threshold time.Duration
		switch sess.Status {
		case store.StatusActive:
			kind = KindStuckSession
			threshold = time.Duration(e.cfg.StuckMinutes) * time.Minute
			delete(e.active, alertKey(KindWaitingTooLong, agentLabel))
		case store.StatusWaiting:
			kind = KindWaitingTooLong
			threshold = time.Duration(e.cfg.WaitingMinutes) * time.Minute
			delete(e.active, alertKey(KindStuckSession, agentLabel))
		default:
			delete(e.active, alertKey(KindStuckSession, agentLabel))
			delete(e.active, alertKey(KindWaitingTooLong, agentLabel))
			continue
		}

		key := alertKey(kind, agentLabel)
		if idleFor <= threshold {
			delete(e.active, key)
			continue
		}
		seen[key] = true

		severity := SeverityWarning
		if idleFor > time.Duration(e.cfg.CriticalAfterMinutes)*time.Minute {
			severity = SeverityCritical
		}
		if existing := e.active[key]; existing != nil {
			if existing.Severity != severity {
				existing.Severity = severity
				raised = append(raised, *existing)
			}
			continue
		}

		verb := "has been stuck"
		if kind == KindWaitingTooLong {
			verb = "has been waiting"
		}
		a := &Alert{
			ID:         uuid.NewString(),
			Kind:       kind,
			Severity:   severity,
			AgentLabel: agentLabel,
			Message:    fmt.Sprintf("%s %s for %d minutes", agentLabel, verb, int(idleFor.Minutes())),
			DetectedAt: now,
		}
		e.active[key] = a
		raised = append(raised, *a)
	}

	// Sessions that stopped or went idle clear their alerts.
	for key, a := range e.active {
		if a.Kind == KindErrorSpike || seen[key] {
			continue
		}
		found := false
		for i := range sessions {
			if sessions[i].AgentID() == a.AgentLabel {
				found = true
				break
			}
		}
		if !found {
			delete(e.active, key)
		}
	}
	return raised
}

// Active returns the currently raised alerts, newest first.
func (e *Engine) Active() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].DetectedAt > out[i].DetectedAt {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
