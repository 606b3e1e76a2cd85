// Package audit maintains the append-only activity trail. Mutations publish
// entries to a queue; a worker drains the queue into the activityLogs
// collection so a slow store never blocks the write path.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/alansahai/csm-sjc/internal/model"
	"github.com/alansahai/csm-sjc/internal/queue"
	"github.com/alansahai/csm-sjc/internal/store"
)

// MessageType tags audit messages on the shared queue.
const MessageType = "audit"

// Action codes recorded in the trail.
const (
	ActionStudentSaved     = "STUDENT_SAVED"
	ActionStudentDeleted   = "STUDENT_DELETED"
	ActionSessionSaved     = "SESSION_SAVED"
	ActionSessionDeleted   = "SESSION_DELETED"
	ActionAttendanceMarked = "ATTENDANCE_MARKED"
	ActionAttendanceImport = "ATTENDANCE_BULK_IMPORT"
	ActionAssessmentSaved  = "ASSESSMENT_SAVED"
	ActionAssessmentDelete = "ASSESSMENT_DELETED"
	ActionScoreSaved       = "SCORE_SAVED"
	ActionScoresBulkSaved  = "SCORES_BULK_SAVED"
	ActionClassSaved       = "CLASS_SAVED"
	ActionClassDeleted     = "CLASS_DELETED"
	ActionRoleSaved        = "ROLE_SAVED"
	ActionRoleDeleted      = "ROLE_DELETED"
	ActionSignIn           = "SIGN_IN"
)

// Actor identifies who performed an action.
type Actor struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// Logger publishes audit entries. A publish failure is logged and swallowed:
// auditing never fails the mutation that triggered it.
type Logger struct {
	q queue.Queue
}

// NewLogger wraps a queue.
func NewLogger(q queue.Queue) *Logger {
	return &Logger{q: q}
}

// Record publishes one entry.
func (l *Logger) Record(ctx context.Context, actor Actor, action, details string) {
	if l == nil || l.q == nil {
		return
	}
	entry := model.ActivityLogEntry{
		Action:    action,
		UserEmail: actor.Email,
		UID:       actor.UID,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		log.Printf("audit: marshal entry failed: %v", err)
		return
	}
	if err := l.q.Publish(ctx, queue.Message{Type: MessageType, Body: raw}); err != nil {
		log.Printf("audit: publish %s failed: %v", action, err)
	}
}

// Writer drains queue messages into the activityLogs collection.
type Writer struct {
	store store.Store
	q     queue.Queue
}

// NewWriter builds the worker-side consumer.
func NewWriter(st store.Store, q queue.Queue) *Writer {
	return &Writer{store: st, q: q}
}

// Run consumes until ctx is cancelled. Individual failures are logged and
// skipped; the trail is best-effort.
func (w *Writer) Run(ctx context.Context) error {
	messages, err := w.q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("audit consume init: %w", err)
	}
	for msg := range messages {
		if msg.Type != MessageType {
			continue
		}
		var entry model.ActivityLogEntry
		if err := json.Unmarshal(msg.Body, &entry); err != nil {
			log.Printf("audit: bad message body: %v", err)
			continue
		}
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now().UTC()
		}
		if err := w.store.Set(ctx, model.ColActivityLog, entry.ID, entry.ToDoc(), false); err != nil {
			log.Printf("audit: append %s failed: %v", entry.Action, err)
			continue
		}
	}
	return nil
}
