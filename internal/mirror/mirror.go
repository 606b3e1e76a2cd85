// Package mirror keeps in-memory replicas of the store collections, live
// via standing subscriptions. Each snapshot replaces the collection's table
// wholesale; the last snapshot applied fully determines visible state.
package mirror

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/alansahai/csm-sjc/internal/model"
	"github.com/alansahai/csm-sjc/internal/store"
)

// Tables holds the materialized value of every mirrored collection. Slices
// are replaced wholesale on snapshot apply, never mutated in place, so a
// copy of the struct is safe to read without further locking.
type Tables struct {
	Students    []model.Student
	Sessions    []model.ClassSession
	Attendance  []model.AttendanceRecord
	Assessments []model.Assessment
	Scores      []model.ScoreRecord
	Classes     []model.Class
	Roles       []model.UserRole
	Logs        []model.ActivityLogEntry
}

// Scope selects what a manager subscribes to. Admin sees every collection
// unfiltered; faculty sees class-partitioned collections filtered to its
// class, plus the shared session calendar.
type Scope struct {
	Role    string
	ClassID string
}

// AdminScope mirrors every collection unfiltered.
func AdminScope() Scope { return Scope{Role: model.RoleAdmin} }

// FacultyScope mirrors students, assessments, attendance and scores
// filtered by classId, and sessions unfiltered.
func FacultyScope(classID string) Scope {
	return Scope{Role: model.RoleFaculty, ClassID: classID}
}

// Manager owns one subscription per collection for its scope. Close
// releases every subscription; opening a new scope without closing the old
// one would accumulate duplicate listeners, which is exactly what the
// registry prevents.
type Manager struct {
	scope  Scope
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	tables Tables

	cbMu     sync.Mutex
	onChange []func(collection string)
}

type subscription struct {
	collection string
	filters    []store.Filter
	apply      func(m *Manager, docs []store.Document)
}

// Open starts a manager for the scope and blocks until every collection has
// seen its first delivery, so a caller never reads an empty table that is
// really just a not-yet-arrived snapshot.
func Open(ctx context.Context, st store.Store, scope Scope) (*Manager, error) {
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{scope: scope, cancel: cancel}

	var ready []chan struct{}
	for _, sub := range subscriptionsFor(scope) {
		ch, err := st.Subscribe(ctx, sub.collection, sub.filters)
		if err != nil {
			cancel()
			m.wg.Wait()
			return nil, fmt.Errorf("mirror: subscribe %s: %w", sub.collection, err)
		}
		r := make(chan struct{})
		ready = append(ready, r)
		m.wg.Add(1)
		go m.run(sub, ch, r)
	}
	for _, r := range ready {
		select {
		case <-r:
		case <-ctx.Done():
			cancel()
			m.wg.Wait()
			return nil, ctx.Err()
		}
	}
	return m, nil
}

func subscriptionsFor(scope Scope) []subscription {
	if scope.Role == model.RoleFaculty {
		byClass := []store.Filter{{Field: "classId", Value: scope.ClassID}}
		return []subscription{
			{model.ColStudents, byClass, applyStudents},
			{model.ColAssessments, byClass, applyAssessments},
			{model.ColAttendance, byClass, applyAttendance},
			{model.ColScores, byClass, applyScores},
			{model.ColSessions, nil, applySessions},
		}
	}
	return []subscription{
		{model.ColStudents, nil, applyStudents},
		{model.ColSessions, nil, applySessions},
		{model.ColAttendance, nil, applyAttendance},
		{model.ColAssessments, nil, applyAssessments},
		{model.ColScores, nil, applyScores},
		{model.ColClasses, nil, applyClasses},
		{model.ColUserRoles, nil, applyRoles},
		{model.ColActivityLog, nil, applyLogs},
	}
}

// run drains one subscription, closing ready after the first delivery. A
// snapshot error leaves the previous table contents in place and does not
// disturb the other collections; it still counts as a delivery so Open
// never waits on a broken stream.
func (m *Manager) run(sub subscription, ch <-chan store.Snapshot, ready chan struct{}) {
	defer m.wg.Done()
	first := true
	for snap := range ch {
		if snap.Err != nil {
			log.Printf("mirror: %s subscription error (keeping stale data): %v", sub.collection, snap.Err)
			snapshotErrors.WithLabelValues(sub.collection).Inc()
		} else {
			sub.apply(m, snap.Docs)
			snapshotsApplied.WithLabelValues(sub.collection).Inc()
			documentsMirrored.WithLabelValues(sub.collection).Set(float64(len(snap.Docs)))
			m.notify(sub.collection)
		}
		if first {
			first = false
			close(ready)
		}
	}
	if first {
		close(ready)
	}
}

// Close releases every open subscription and waits for the apply loops to
// drain. The mirrored tables stay readable with their last contents.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Scope returns the scope the manager was opened with.
func (m *Manager) Scope() Scope { return m.scope }

// Tables returns the current materialized tables.
func (m *Manager) Tables() Tables {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables
}

// OnChange registers a callback invoked after a collection's table is
// replaced. This is the extension point dependents hang recomputation on.
func (m *Manager) OnChange(fn func(collection string)) {
	m.cbMu.Lock()
	m.onChange = append(m.onChange, fn)
	m.cbMu.Unlock()
}

func (m *Manager) notify(collection string) {
	m.cbMu.Lock()
	cbs := make([]func(string), len(m.onChange))
	copy(cbs, m.onChange)
	m.cbMu.Unlock()
	for _, fn := range cbs {
		fn(collection)
	}
}

// Decoders below quarantine malformed documents: the bad doc is dropped and
// counted, the rest of the snapshot still applies.

func applyStudents(m *Manager, docs []store.Document) {
	out := make([]model.Student, 0, len(docs))
	for _, d := range docs {
		rec, err := model.StudentFromDoc(d)
		if err != nil {
			quarantine(model.ColStudents, err)
			continue
		}
		out = append(out, rec)
	}
	m.mu.Lock()
	m.tables.Students = out
	m.mu.Unlock()
}

func applySessions(m *Manager, docs []store.Document) {
	out := make([]model.ClassSession, 0, len(docs))
	for _, d := range docs {
		rec, err := model.SessionFromDoc(d)
		if err != nil {
			quarantine(model.ColSessions, err)
			continue
		}
		out = append(out, rec)
	}
	m.mu.Lock()
	m.tables.Sessions = out
	m.mu.Unlock()
}

func applyAttendance(m *Manager, docs []store.Document) {
	out := make([]model.AttendanceRecord, 0, len(docs))
	for _, d := range docs {
		rec, err := model.AttendanceFromDoc(d)
		if err != nil {
			quarantine(model.ColAttendance, err)
			continue
		}
		out = append(out, rec)
	}
	m.mu.Lock()
	m.tables.Attendance = out
	m.mu.Unlock()
}

func applyAssessments(m *Manager, docs []store.Document) {
	out := make([]model.Assessment, 0, len(docs))
	for _, d := range docs {
		rec, err := model.AssessmentFromDoc(d)
		if err != nil {
			quarantine(model.ColAssessments, err)
			continue
		}
		out = append(out, rec)
	}
	m.mu.Lock()
	m.tables.Assessments = out
	m.mu.Unlock()
}

func applyScores(m *Manager, docs []store.Document) {
	out := make([]model.ScoreRecord, 0, len(docs))
	for _, d := range docs {
		rec, err := model.ScoreFromDoc(d)
		if err != nil {
			quarantine(model.ColScores, err)
			continue
		}
		out = append(out, rec)
	}
	m.mu.Lock()
	m.tables.Scores = out
	m.mu.Unlock()
}

func applyClasses(m *Manager, docs []store.Document) {
	out := make([]model.Class, 0, len(docs))
	for _, d := range docs {
		rec, err := model.ClassFromDoc(d)
		if err != nil {
			quarantine(model.ColClasses, err)
			continue
		}
		out = append(out, rec)
	}
	m.mu.Lock()
	m.tables.Classes = out
	m.mu.Unlock()
}

func applyRoles(m *Manager, docs []store.Document) {
	out := make([]model.UserRole, 0, len(docs))
	for _, d := range docs {
		rec, err := model.UserRoleFromDoc(d)
		if err != nil {
			quarantine(model.ColUserRoles, err)
			continue
		}
		out = append(out, rec)
	}
	m.mu.Lock()
	m.tables.Roles = out
	m.mu.Unlock()
}

func applyLogs(m *Manager, docs []store.Document) {
	out := make([]model.ActivityLogEntry, 0, len(docs))
	for _, d := range docs {
		rec, err := model.LogEntryFromDoc(d)
		if err != nil {
			quarantine(model.ColActivityLog, err)
			continue
		}
		out = append(out, rec)
	}
	m.mu.Lock()
	m.tables.Logs = out
	m.mu.Unlock()
}

func quarantine(collection string, err error) {
	log.Printf("mirror: quarantined %s doc: %v", collection, err)
	decodeRejects.WithLabelValues(collection).Inc()
}
