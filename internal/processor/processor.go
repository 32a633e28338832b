// Package processor is the single entry point that turns a validated
// hook event into durable state and broadcast notifications.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/alerts"
	"github.com/devpulse/devpulse/internal/common/logger"
	"github.com/devpulse/devpulse/internal/conflicts"
	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/events/bus"
	"github.com/devpulse/devpulse/internal/store"
)

// Timestamp clamp window and the lazy idle threshold.
const (
	maxPast   = 24 * time.Hour
	maxFuture = 5 * time.Minute
	IdleAfter = 90 * time.Second
)

// Dispatcher receives committed events for out-of-band delivery.
type Dispatcher interface {
	Dispatch(e *events.HookEvent, projectName string)
}

// Processor coordinates the ingest pipeline: append, derive, commit,
// notify, dispatch.
type Processor struct {
	store      *store.Store
	bus        bus.Bus
	detector   *conflicts.Detector
	alerts     *alerts.Engine
	dispatcher Dispatcher
	log        *logger.Logger
	now        func() time.Time
}

// New builds a processor. The dispatcher may be nil when webhooks are
// disabled.
func New(st *store.Store, b bus.Bus, det *conflicts.Detector, al *alerts.Engine, disp Dispatcher, log *logger.Logger) *Processor {
	return &Processor{
		store:      st,
		bus:        b,
		detector:   det,
		alerts:     al,
		dispatcher: disp,
		log:        log.WithFields(zap.String("component", "processor")),
		now:        time.Now,
	}
}

// changeSet accumulates the rows an ingest touched, so post-commit
// notifications carry the exact state that was committed.
type changeSet struct {
	session  *store.Session
	project  *store.Project
	devlog   *store.DevLog
	edge     *store.TopologyEdge
	conflict bool
}

// Ingest validates, persists, and derives state for one event. On
// return the event is durable and carries its assigned id; broadcast
// has happened and webhook dispatch has been handed off.
func (p *Processor) Ingest(ctx context.Context, e *events.HookEvent) (*events.HookEvent, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrMalformed, err)
	}

	now := p.now().UnixMilli()
	if e.Timestamp == 0 {
		e.Timestamp = now
	}
	if len(e.Chat) > 0 {
		e.SetPayloadFlag("_chat", json.RawMessage(e.Chat))
		e.Chat = nil
	}
	if skewed := p.clampTimestamp(e, now); skewed {
		p.log.Warn("event timestamp outside skew window",
			zap.String("source_app", e.SourceApp), zap.String("session_id", e.SessionID))
	}

	var changes changeSet
	err := p.store.WithTx(func(tx *sqlx.Tx) error {
		if err := p.store.AppendEventTx(tx, e); err != nil {
			return err
		}
		return p.deriveTx(tx, e, &changes)
	})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		// Committed but the caller's deadline passed; the event is
		// durable either way.
		p.log.Warn("ingest deadline exceeded after commit", zap.Int64("event_id", e.ID))
	}

	raisedAlerts := p.alerts.Observe(e, now)
	p.publish(ctx, e, &changes, raisedAlerts)

	if p.dispatcher != nil {
		projectName := ""
		if changes.session != nil {
			projectName = changes.session.ProjectName
		}
		p.dispatcher.Dispatch(e, projectName)
	}
	return e, nil
}

// clampTimestamp pins timestamps into [now - 24h, now + 5m]. Out-of-range
// events keep flowing but get flagged in payload metadata.
func (p *Processor) clampTimestamp(e *events.HookEvent, now int64) bool {
	lo := now - maxPast.Milliseconds()
	hi := now + maxFuture.Milliseconds()
	if e.Timestamp >= lo && e.Timestamp <= hi {
		return false
	}
	e.SetPayloadFlag("_time_skew", true)
	if e.Timestamp < lo {
		e.Timestamp = lo
	} else {
		e.Timestamp = hi
	}
	return true
}

// deriveTx applies the per-event derivations inside the ingest
// transaction: session state machine, project rollup, topology, devlog,
// conflicts.
func (p *Processor) deriveTx(tx *sqlx.Tx, e *events.HookEvent, changes *changeSet) error {
	fields := e.Fields()

	sess, err := p.store.GetSessionTx(tx, e.SourceApp, e.SessionID)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	wasStopped := sess != nil && sess.Status == store.StatusStopped
	closing := false
	if sess == nil {
		sess = p.newSession(e)
	}

	p.applyEventToSession(sess, e, fields)
	if !wasStopped && e.Type.Closes() {
		closing = true
	}
	if err := p.store.UpsertSessionTx(tx, sess); err != nil {
		return err
	}
	changes.session = sess

	if e.Type == events.TypeSubagentStart {
		if edge := topologyEdge(e, fields, sess.ProjectName); edge != nil {
			if err := p.store.UpsertTopologyEdgeTx(tx, edge); err != nil {
				return err
			}
			changes.edge = edge
		}
	}

	if sess.ProjectName != "" {
		project, err := p.rollupProjectTx(tx, sess, fields, e.Timestamp)
		if err != nil {
			return err
		}
		changes.project = project
	}

	if closing {
		devlog, err := p.writeDevLogTx(tx, sess)
		if err != nil {
			return err
		}
		changes.devlog = devlog
	}

	conflictChanged, err := p.detector.Observe(tx, e, sess.ProjectName)
	if err != nil {
		return err
	}
	changes.conflict = conflictChanged
	return nil
}

// newSession creates the initial row for a key's first event.
func (p *Processor) newSession(e *events.HookEvent) *store.Session {
	status := store.StatusActive
	if e.Type == events.TypeNotification {
		status = store.StatusWaiting
	}
	return &store.Session{
		SourceApp:         e.SourceApp,
		SessionID:         e.SessionID,
		Status:            status,
		StartedAt:         e.Timestamp,
		TaskContext:       []byte(`null`),
		CompactionHistory: []byte(`[]`),
		ToolBreakdown:     []byte(`{}`),
	}
}

// applyEventToSession runs the session state machine and the per-event
// field derivations.
func (p *Processor) applyEventToSession(sess *store.Session, e *events.HookEvent, fields events.PayloadFields) {
	sess.EventCount++
	if e.Timestamp > sess.LastEventAt {
		sess.LastEventAt = e.Timestamp
	}
	if sess.ModelName == "" && e.ModelName != "" {
		sess.ModelName = e.ModelName
	}
	if fields.ProjectName != "" {
		sess.ProjectName = fields.ProjectName
	}
	if fields.CurrentBranch != "" {
		sess.CurrentBranch = fields.CurrentBranch
	}
	if fields.CWD != "" {
		sess.CWD = fields.CWD
	}
	if len(fields.TaskContext) > 0 {
		sess.TaskContext = []byte(fields.TaskContext)
	}
	if fields.ParentSessionID != "" {
		parent := fields.ParentSessionID
		if fields.ParentSourceApp != "" {
			parent = fields.ParentSourceApp + ":" + fields.ParentSessionID
		}
		sess.ParentID = parent
	}

	switch e.Type {
	case events.TypeCompaction:
		history := sess.Compactions()
		history = append(history, e.Timestamp)
		sess.SetCompactions(history)
		sess.CompactionCount = int64(len(history))
		sess.LastCompactionAt = e.Timestamp
	case events.TypePostToolUse:
		sess.ToolUseCount++
		if fields.ToolName != "" {
			counts := sess.ToolCounts()
			counts[fields.ToolName]++
			sess.SetToolCounts(counts)
		}
	case events.TypePostToolUseFailure:
		sess.ToolFailureCount++
	}

	// Stopped is terminal; late events are stored but never revive the
	// session.
	if sess.Status == store.StatusStopped {
		return
	}
	switch {
	case e.Type.Closes():
		sess.Status = store.StatusStopped
	case e.Type == events.TypeNotification:
		sess.Status = store.StatusWaiting
	case e.Type.Activity():
		sess.Status = store.StatusActive
	}
}

// topologyEdge extracts the parent -> child edge a SubagentStart carries.
func topologyEdge(e *events.HookEvent, fields events.PayloadFields, projectName string) *store.TopologyEdge {
	parent := e.AgentID()
	if fields.ParentSessionID != "" {
		sourceApp := fields.ParentSourceApp
		if sourceApp == "" {
			sourceApp = e.SourceApp
		}
		parent = sourceApp + ":" + fields.ParentSessionID
	}
	child := fields.AgentID
	if child == "" {
		child = e.AgentID()
	}
	if parent == child {
		return nil
	}
	return &store.TopologyEdge{
		ParentID:    parent,
		ChildID:     child,
		ProjectName: projectName,
		CreatedAt:   e.Timestamp,
	}
}

// rollupProjectTx refreshes the project row the session belongs to.
func (p *Processor) rollupProjectTx(tx *sqlx.Tx, sess *store.Session, fields events.PayloadFields, ts int64) (*store.Project, error) {
	project, err := p.store.GetProjectTx(tx, sess.ProjectName)
	if err != nil {
		if err != store.ErrNotFound {
			return nil, err
		}
		project = &store.Project{
			Name:             sess.ProjectName,
			TestStatus:       "unknown",
			DevServers:       []byte(`[]`),
			DeploymentStatus: []byte(`null`),
			GithubStatus:     []byte(`null`),
		}
	}

	if ts > project.LastActivity {
		project.LastActivity = ts
	}
	if sess.CurrentBranch != "" {
		project.CurrentBranch = sess.CurrentBranch
	}
	if fields.TestStatus != "" {
		project.TestStatus = fields.TestStatus
		project.TestSummary = fields.TestSummary
	}
	if fields.DevServers != nil {
		raw, err := json.Marshal(fields.DevServers)
		if err == nil {
			project.DevServers = raw
		}
	}
	if len(fields.DeploymentStatus) > 0 {
		project.DeploymentStatus = []byte(fields.DeploymentStatus)
	}
	if len(fields.GithubStatus) > 0 {
		project.GithubStatus = []byte(fields.GithubStatus)
	}

	active, err := p.store.CountActiveSessionsTx(tx, sess.ProjectName)
	if err != nil {
		return nil, err
	}
	project.ActiveSessions = active

	if err := p.store.UpsertProjectTx(tx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// writeDevLogTx produces the post-mortem row on the first Stop or
// SessionEnd of a session. Aggregates come from the session's events
// only.
func (p *Processor) writeDevLogTx(tx *sqlx.Tx, sess *store.Session) (*store.DevLog, error) {
	exists, err := p.store.HasDevLogTx(tx, sess.SourceApp, sess.SessionID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	evts, err := p.store.EventsForSessionTx(tx, sess.SourceApp, sess.SessionID)
	if err != nil {
		return nil, err
	}

	filesSeen := map[string]bool{}
	commitsSeen := map[string]bool{}
	var files, commits []string
	var summary string
	for i := range evts {
		evt := &evts[i]
		if evt.Summary != "" {
			summary = evt.Summary
		}
		if evt.Type != events.TypePostToolUse {
			continue
		}
		f := evt.Fields()
		if f.FilePath != "" && (f.ToolName == "Write" || f.ToolName == "Edit") && !filesSeen[f.FilePath] {
			filesSeen[f.FilePath] = true
			files = append(files, f.FilePath)
		}
		if strings.Contains(f.Command, "git commit") && !commitsSeen[f.Command] {
			commitsSeen[f.Command] = true
			commits = append(commits, f.Command)
		}
	}

	devlog := &store.DevLog{
		SessionID:       sess.SessionID,
		SourceApp:       sess.SourceApp,
		ProjectName:     sess.ProjectName,
		Branch:          sess.CurrentBranch,
		StartedAt:       sess.StartedAt,
		EndedAt:         sess.LastEventAt,
		DurationMinutes: float64(sess.LastEventAt-sess.StartedAt) / 60_000,
		EventCount:      int64(len(evts)),
		Summary:         summary,
		ToolBreakdown:   sess.ToolBreakdown,
	}
	if raw, err := json.Marshal(files); err == nil {
		devlog.FilesChanged = raw
	}
	if raw, err := json.Marshal(commits); err == nil {
		devlog.Commits = raw
	}
	if err := p.store.InsertDevLogTx(tx, devlog); err != nil {
		return nil, err
	}
	return devlog, nil
}

// publish sends the post-commit notifications: the event first, then
// every derived kind whose rows changed, then alerts.
func (p *Processor) publish(ctx context.Context, e *events.HookEvent, changes *changeSet, raised []alerts.Alert) {
	projectName := ""
	if changes.session != nil {
		projectName = changes.session.ProjectName
	}

	p.notify(ctx, bus.KindEvent, projectName, e)
	if changes.session != nil {
		p.notify(ctx, bus.KindSessions, projectName, changes.session)
	}
	if changes.project != nil {
		p.notify(ctx, bus.KindProjects, projectName, changes.project)
	}
	if changes.devlog != nil {
		p.notify(ctx, bus.KindDevLogs, projectName, changes.devlog)
	}
	if changes.edge != nil {
		p.notify(ctx, bus.KindTopology, projectName, changes.edge)
	}
	if changes.conflict {
		window := p.detector.Window().Milliseconds()
		active, err := p.store.ListActiveConflicts(p.now().UnixMilli() - window)
		if err != nil {
			p.log.WithError(err).Error("failed to load active conflicts for broadcast")
		} else {
			p.notify(ctx, bus.KindConflicts, projectName, active)
		}
	}
	if len(raised) > 0 {
		p.notify(ctx, bus.KindAlerts, projectName, raised)
	}
}

func (p *Processor) notify(ctx context.Context, kind, projectName string, data interface{}) {
	n, err := bus.NewNotification(kind, projectName, data)
	if err != nil {
		p.log.WithError(err).Error("failed to build notification", zap.String("kind", kind))
		return
	}
	if err := p.bus.Publish(ctx, n); err != nil {
		p.log.WithError(err).Error("failed to publish notification", zap.String("kind", kind))
	}
}

// MarkIdle materializes the lazy idle transition and broadcasts the
// sessions that changed. Readers call it before listing sessions.
func (p *Processor) MarkIdle(ctx context.Context) error {
	cutoff := p.now().UnixMilli() - IdleAfter.Milliseconds()
	var changed []store.Session
	err := p.store.WithTx(func(tx *sqlx.Tx) error {
		var err error
		changed, err = p.store.MarkSessionsIdleTx(tx, cutoff)
		return err
	})
	if err != nil {
		return err
	}
	for i := range changed {
		p.notify(ctx, bus.KindSessions, changed[i].ProjectName, &changed[i])
	}
	return nil
}

// EvaluateAlerts runs the session-based alert checks and broadcasts any
// newly raised alerts. A ticker drives it.
func (p *Processor) EvaluateAlerts(ctx context.Context) error {
	if err := p.MarkIdle(ctx); err != nil {
		return err
	}
	sessions, err := p.store.ListSessionsByStatus(store.StatusActive, store.StatusWaiting)
	if err != nil {
		return err
	}
	raised := p.alerts.EvaluateSessions(sessions, p.now().UnixMilli())
	if len(raised) > 0 {
		p.notify(ctx, bus.KindAlerts, "", raised)
	}
	return nil
}

// Rebuild restores the in-memory conflict and alert state from recent
// events after a restart.
func (p *Processor) Rebuild(ctx context.Context) error {
	now := p.now().UnixMilli()

	recent, err := p.store.EventsSince(now - window10m())
	if err != nil {
		return err
	}
	p.alerts.Rebuild(recent, now)

	if w := p.detector.Window(); w > 0 {
		windowEvents, err := p.store.EventsSince(now - w.Milliseconds())
		if err != nil {
			return err
		}
		projects := map[string]string{}
		sessions, err := p.store.ListSessions("")
		if err != nil {
			return err
		}
		for i := range sessions {
			projects[sessions[i].AgentID()] = sessions[i].ProjectName
		}
		p.detector.Rebuild(windowEvents, func(e *events.HookEvent) string {
			return projects[e.AgentID()]
		})
	}
	return nil
}

func window10m() int64 {
	return (10 * time.Minute).Milliseconds()
}
