// Package conflicts tracks concurrent file access across agents and
// materializes conflict rows when the overlap rules fire.
package conflicts

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/common/logger"
	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/store"
)

// Access types.
const (
	AccessRead  = "read"
	AccessWrite = "write"
)

// Tools whose file_path participates in conflict detection.
var trackedTools = map[string]string{
	"Read":  AccessRead,
	"Write": AccessWrite,
	"Edit":  AccessWrite,
}

// Package manifests get tagged on the emitted row; severity rules are
// unchanged.
var manifestNames = map[string]bool{
	"package.json":      true,
	"package-lock.json": true,
	"bun.lockb":         true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"Cargo.toml":        true,
	"Cargo.lock":        true,
	"go.mod":            true,
	"go.sum":            true,
	"requirements.txt":  true,
	"pyproject.toml":    true,
	"Gemfile":           true,
	"Gemfile.lock":      true,
	"composer.json":     true,
}

type agentAccess struct {
	projectName string
	lastRead    int64
	lastWrite   int64
}

// Detector is the windowed in-memory file access registry. Ingest is
// already serialized by the store writer; the mutex guards against the
// startup rebuild racing an early ingest.
type Detector struct {
	store  *store.Store
	log    *logger.Logger
	window time.Duration

	mu sync.Mutex
	// file_path -> agent_id -> access
	accesses map[string]map[string]*agentAccess
}

// NewDetector builds a detector with the given access window. A zero
// window disables detection entirely.
func NewDetector(st *store.Store, window time.Duration, log *logger.Logger) *Detector {
	return &Detector{
		store:    st,
		log:      log.WithFields(zap.String("component", "conflicts")),
		window:   window,
		accesses: make(map[string]map[string]*agentAccess),
	}
}

// Window returns the detection window.
func (d *Detector) Window() time.Duration {
	return d.window
}

// severityRank orders severities for escalation checks.
func severityRank(severity string) int {
	switch severity {
	case store.SeverityHigh:
		return 3
	case store.SeverityMedium:
		return 2
	case store.SeverityLow:
		return 1
	}
	return 0
}

// Observe feeds one event into the registry inside the ingest
// transaction. It reports whether any conflict row changed.
func (d *Detector) Observe(tx *sqlx.Tx, e *events.HookEvent, projectName string) (bool, error) {
	if d.window <= 0 {
		return false, nil
	}
	if e.Type != events.TypePreToolUse && e.Type != events.TypePostToolUse {
		return false, nil
	}
	fields := e.Fields()
	accessType, tracked := trackedTools[fields.ToolName]
	if !tracked || fields.FilePath == "" {
		return false, nil
	}

	path := fields.FilePath
	agentID := e.AgentID()

	d.mu.Lock()
	defer d.mu.Unlock()

	byAgent, ok := d.accesses[path]
	if !ok {
		byAgent = make(map[string]*agentAccess)
		d.accesses[path] = byAgent
	}
	acc, existed := byAgent[agentID]
	if !existed {
		acc = &agentAccess{}
		byAgent[agentID] = acc
	}
	acc.projectName = projectName
	if accessType == AccessWrite {
		if e.Timestamp > acc.lastWrite {
			acc.lastWrite = e.Timestamp
		}
	} else if e.Timestamp > acc.lastRead {
		acc.lastRead = e.Timestamp
	}

	d.prune(path, e.Timestamp)
	return d.materialize(tx, path, e.Timestamp, !existed)
}

// prune drops accesses that fell out of the window.
func (d *Detector) prune(path string, now int64) {
	cutoff := now - d.window.Milliseconds()
	byAgent := d.accesses[path]
	for agentID, acc := range byAgent {
		if acc.lastWrite < cutoff {
			acc.lastWrite = 0
		}
		if acc.lastRead < cutoff {
			acc.lastRead = 0
		}
		if acc.lastWrite == 0 && acc.lastRead == 0 {
			delete(byAgent, agentID)
		}
	}
	if len(byAgent) == 0 {
		delete(d.accesses, path)
	}
}

// severityFor classifies the current window population of one file.
func (d *Detector) severityFor(path string) (string, []store.ConflictAccess) {
	byAgent := d.accesses[path]
	var writers, agents int
	participants := make([]store.ConflictAccess, 0, len(byAgent))
	for agentID, acc := range byAgent {
		agents++
		last := acc.lastRead
		accessType := AccessRead
		if acc.lastWrite > 0 {
			writers++
			accessType = AccessWrite
			if acc.lastWrite > last {
				last = acc.lastWrite
			}
		}
		participants = append(participants, store.ConflictAccess{
			ProjectName: acc.projectName,
			AgentID:     agentID,
			AccessType:  accessType,
			LastAccess:  last,
		})
	}

	switch {
	case writers >= 2:
		return store.SeverityHigh, participants
	case writers == 1 && agents >= 2:
		return store.SeverityMedium, participants
	case writers == 0 && agents >= 2:
		return store.SeverityLow, participants
	}
	return "", participants
}

// materialize writes or updates the conflict row for path. A new row is
// emitted when severity first arises; an existing row is rewritten when
// severity escalates, a new agent joins, or severity downgrades.
func (d *Detector) materialize(tx *sqlx.Tx, path string, now int64, newAgent bool) (bool, error) {
	severity, participants := d.severityFor(path)

	existing, err := d.store.GetConflictByPathTx(tx, path)
	if err != nil && err != store.ErrNotFound {
		return false, err
	}

	if existing == nil {
		if severity == "" {
			return false, nil
		}
		c := &store.FileConflict{
			ID:              uuid.NewString(),
			FilePath:        path,
			Severity:        severity,
			DetectedAt:      now,
			UpdatedAt:       now,
			PackageManifest: manifestNames[filepath.Base(path)],
		}
		c.SetAccesses(participants)
		if err := d.store.InsertConflictTx(tx, c); err != nil {
			return false, err
		}
		d.log.Info("conflict detected",
			zap.String("file_path", path), zap.String("severity", severity))
		return true, nil
	}

	if severity == "" {
		// Everyone left the window; the row stays as history.
		return false, nil
	}

	escalated := severityRank(severity) > severityRank(existing.Severity)
	downgraded := severityRank(severity) < severityRank(existing.Severity)
	if !escalated && !downgraded && !newAgent {
		// Same population at the same severity; just refresh the clock.
		existing.UpdatedAt = now
		existing.SetAccesses(participants)
		return false, d.store.UpdateConflictTx(tx, existing)
	}

	existing.Severity = severity
	existing.UpdatedAt = now
	existing.SetAccesses(participants)
	if escalated {
		// Re-escalation revives a dismissed conflict.
		existing.Dismissed = false
	}
	if err := d.store.UpdateConflictTx(tx, existing); err != nil {
		return false, err
	}
	return true, nil
}

// Rebuild replays recent events into the registry after a restart. Rows
// are not rewritten; only the in-memory window is restored.
func (d *Detector) Rebuild(evts []events.HookEvent, projectOf func(e *events.HookEvent) string) {
	if d.window <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range evts {
		e := &evts[i]
		if e.Type != events.TypePreToolUse && e.Type != events.TypePostToolUse {
			continue
		}
		fields := e.Fields()
		accessType, tracked := trackedTools[fields.ToolName]
		if !tracked || fields.FilePath == "" {
			continue
		}
		byAgent, ok := d.accesses[fields.FilePath]
		if !ok {
			byAgent = make(map[string]*agentAccess)
			d.accesses[fields.FilePath] = byAgent
		}
		acc, ok := byAgent[e.AgentID()]
		if !ok {
			acc = &agentAccess{}
			byAgent[e.AgentID()] = acc
		}
		acc.projectName = projectOf(e)
		if accessType == AccessWrite && e.Timestamp > acc.lastWrite {
			acc.lastWrite = e.Timestamp
		} else if accessType == AccessRead && e.Timestamp > acc.lastRead {
			acc.lastRead = e.Timestamp
		}
	}
}
