package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alansahai/csm-sjc/internal/audit"
	"github.com/alansahai/csm-sjc/internal/model"
	"github.com/alansahai/csm-sjc/internal/queue"
	"github.com/alansahai/csm-sjc/internal/store"
)

var testActor = audit.Actor{UID: "u1", Email: "admin@portal.io"}

func newTestService(t *testing.T) (*Service, *store.Memory, *queue.InMemory) {
	t.Helper()
	mem := store.NewMemory()
	q := queue.NewInMemory(256)
	return NewService(mem, audit.NewLogger(q)), mem, q
}

func f64(v float64) *float64 { return &v }

func TestSaveStudent(t *testing.T) {
	svc, mem, q := newTestService(t)
	ctx := context.Background()

	st := model.Student{StudentID: "S1", FirstName: "Ana", ClassID: "c1"}
	if err := svc.SaveStudent(ctx, testActor, st); err != nil {
		t.Fatal(err)
	}
	doc, err := mem.Get(ctx, model.ColStudents, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Data["firstName"] != "Ana" {
		t.Errorf("stored firstName = %v", doc.Data["firstName"])
	}

	// Duplicate id is rejected before any write.
	err = svc.SaveStudent(ctx, testActor, st)
	if !IsValidation(err) {
		t.Fatalf("duplicate save: err = %v, want validation error", err)
	}

	// Missing required fields are rejected.
	err = svc.SaveStudent(ctx, testActor, model.Student{StudentID: "S2", ClassID: "c1"})
	if !IsValidation(err) {
		t.Errorf("missing first name: err = %v, want validation error", err)
	}

	entry := drainAudit(t, q)
	if entry.Action != audit.ActionStudentSaved || entry.UserEmail != testActor.Email {
		t.Errorf("audit entry = %+v", entry)
	}
}

func TestUpdateStudent(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	seed := model.Student{StudentID: "S1", FirstName: "Ana", Email: "old@x.io", ClassID: "c1"}
	if err := svc.SaveStudent(ctx, testActor, seed); err != nil {
		t.Fatal(err)
	}

	email := "new@x.io"
	if err := svc.UpdateStudent(ctx, testActor, "S1", StudentUpdate{Email: &email}); err != nil {
		t.Fatal(err)
	}
	doc, _ := mem.Get(ctx, model.ColStudents, "S1")
	if doc.Data["email"] != "new@x.io" {
		t.Errorf("email = %v, want new@x.io", doc.Data["email"])
	}
	if doc.Data["firstName"] != "Ana" {
		t.Errorf("partial update clobbered firstName: %v", doc.Data["firstName"])
	}

	if err := svc.UpdateStudent(ctx, testActor, "S1", StudentUpdate{}); !IsValidation(err) {
		t.Errorf("empty update: err = %v, want validation error", err)
	}
	if err := svc.UpdateStudent(ctx, testActor, "ghost", StudentUpdate{Email: &email}); !IsValidation(err) {
		t.Errorf("unknown student: err = %v, want validation error", err)
	}
	bad := "not-a-date"
	if err := svc.UpdateStudent(ctx, testActor, "S1", StudentUpdate{DOB: &bad}); !IsValidation(err) {
		t.Errorf("bad dob: err = %v, want validation error", err)
	}
}

func TestDeleteStudentLeavesDependents(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SaveStudent(ctx, testActor, model.Student{StudentID: "S1", FirstName: "Ana", ClassID: "c1"}); err != nil {
		t.Fatal(err)
	}
	rec := model.AttendanceRecord{SessionID: "sess1", StudentID: "S1", Status: model.StatusPresent}
	if err := svc.MarkAttendance(ctx, testActor, rec); err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteStudent(ctx, testActor, "S1"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Get(ctx, model.ColStudents, "S1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("student still present after delete: %v", err)
	}
	// The attendance record stays; reports drop it as an orphan.
	if _, err := mem.Get(ctx, model.ColAttendance, rec.Key()); err != nil {
		t.Errorf("dependent attendance record was cascaded: %v", err)
	}
}

func TestSaveSessionDateUnique(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.SaveSession(ctx, testActor, "2024-01-10", model.SessionAvailable, "")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID == "" {
		t.Fatal("session id not generated")
	}

	_, err = svc.SaveSession(ctx, testActor, "2024-01-10", model.SessionNoClass, "holiday")
	if !IsValidation(err) {
		t.Errorf("second session for same date: err = %v, want validation error", err)
	}
	if _, err := svc.SaveSession(ctx, testActor, "10/01/2024", model.SessionAvailable, ""); !IsValidation(err) {
		t.Errorf("bad date format: err = %v, want validation error", err)
	}
}

func TestSetSessionStatusClearsReason(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.SaveSession(ctx, testActor, "2024-01-10", model.SessionNoClass, "holiday")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.SetSessionStatus(ctx, testActor, sess.ID, model.SessionAvailable, "stale reason"); err != nil {
		t.Fatal(err)
	}
	doc, _ := mem.Get(ctx, model.ColSessions, sess.ID)
	if doc.Data["status"] != string(model.SessionAvailable) {
		t.Errorf("status = %v", doc.Data["status"])
	}
	if doc.Data["noClassReason"] != "" {
		t.Errorf("reason not cleared on reopen: %v", doc.Data["noClassReason"])
	}

	if err := svc.SetSessionStatus(ctx, testActor, "ghost", model.SessionNoClass, "x"); !IsValidation(err) {
		t.Errorf("unknown session: err = %v, want validation error", err)
	}
}

func TestMarkAttendanceUpserts(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	rec := model.AttendanceRecord{SessionID: "sess1", StudentID: "S1", ClassID: "c1", Status: model.StatusAbsent}
	if err := svc.MarkAttendance(ctx, testActor, rec); err != nil {
		t.Fatal(err)
	}
	rec.Status = model.StatusLate
	if err := svc.MarkAttendance(ctx, testActor, rec); err != nil {
		t.Fatal(err)
	}

	docs, _ := mem.Query(ctx, model.ColAttendance, nil, nil, 0)
	if len(docs) != 1 {
		t.Fatalf("re-marking produced %d records, want 1", len(docs))
	}
	if docs[0].ID != "sess1_S1" {
		t.Errorf("document key = %q, want sess1_S1", docs[0].ID)
	}
	if docs[0].Data["status"] != string(model.StatusLate) {
		t.Errorf("status = %v, want Late", docs[0].Data["status"])
	}

	rec.Status = "Sleeping"
	if err := svc.MarkAttendance(ctx, testActor, rec); !IsValidation(err) {
		t.Errorf("bad status: err = %v, want validation error", err)
	}
}

func TestMarkSessionAttendance(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	statuses := map[string]model.AttendanceStatus{
		"S1": model.StatusPresent,
		"S2": model.StatusAbsent,
		"S3": model.StatusExcused,
	}
	if err := svc.MarkSessionAttendance(ctx, testActor, "sess1", "c1", statuses); err != nil {
		t.Fatal(err)
	}
	docs, _ := mem.Query(ctx, model.ColAttendance, nil, nil, 0)
	if len(docs) != len(statuses) {
		t.Fatalf("wrote %d records, want %d", len(docs), len(statuses))
	}
	for _, d := range docs {
		if d.Data["classId"] != "c1" {
			t.Errorf("record %s missing class: %v", d.ID, d.Data["classId"])
		}
	}

	err := svc.MarkSessionAttendance(ctx, testActor, "sess1", "c1", map[string]model.AttendanceStatus{"S1": "Nope"})
	if !IsValidation(err) {
		t.Errorf("bad entry: err = %v, want validation error", err)
	}
}

func TestImportAttendanceChunks(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	records := make([]model.AttendanceRecord, 500)
	for i := range records {
		records[i] = model.AttendanceRecord{
			SessionID: "sess1",
			StudentID: fmt.Sprintf("S%03d", i),
			Status:    model.StatusPresent,
		}
	}

	var sizes []int
	mem.OnBatch = func(ops []store.Op) error {
		sizes = append(sizes, len(ops))
		return nil
	}
	if err := svc.ImportAttendance(ctx, testActor, records); err != nil {
		t.Fatal(err)
	}
	if len(sizes) != 2 || sizes[0] != MaxBatchOps || sizes[1] != 500-MaxBatchOps {
		t.Errorf("chunk sizes = %v, want [%d %d]", sizes, MaxBatchOps, 500-MaxBatchOps)
	}
	docs, _ := mem.Query(ctx, model.ColAttendance, nil, nil, 0)
	if len(docs) != 500 {
		t.Errorf("stored %d records, want 500", len(docs))
	}
}

func TestImportAttendancePartialFailure(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	records := make([]model.AttendanceRecord, 500)
	for i := range records {
		records[i] = model.AttendanceRecord{
			SessionID: "sess1",
			StudentID: fmt.Sprintf("S%03d", i),
			Status:    model.StatusPresent,
		}
	}

	calls := 0
	mem.OnBatch = func([]store.Op) error {
		calls++
		if calls == 2 {
			return errors.New("store unavailable")
		}
		return nil
	}

	err := svc.ImportAttendance(ctx, testActor, records)
	var be *BulkError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want BulkError", err)
	}
	if be.Committed != MaxBatchOps || be.Total != 500 {
		t.Errorf("BulkError = %d/%d, want %d/500", be.Committed, be.Total, MaxBatchOps)
	}
	// The first chunk stays committed; there is no rollback across chunks.
	docs, _ := mem.Query(ctx, model.ColAttendance, nil, nil, 0)
	if len(docs) != MaxBatchOps {
		t.Errorf("store holds %d records after partial failure, want %d", len(docs), MaxBatchOps)
	}
}

func TestImportAttendanceValidatesBeforeAnyWrite(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	records := []model.AttendanceRecord{
		{SessionID: "sess1", StudentID: "S1", Status: model.StatusPresent},
		{SessionID: "sess1", StudentID: "S2", Status: "Bogus"},
	}
	err := svc.ImportAttendance(ctx, testActor, records)
	if !IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	docs, _ := mem.Query(ctx, model.ColAttendance, nil, nil, 0)
	if len(docs) != 0 {
		t.Errorf("rejected import still wrote %d records", len(docs))
	}
}

func TestSaveScore(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.SaveAssessment(ctx, testActor, model.Assessment{Name: "Quiz 1", TotalMarks: 50, ClassID: "c1"})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.SaveScore(ctx, testActor, model.ScoreRecord{AssessmentID: a.ID, StudentID: "S1", Marks: f64(40)}); err != nil {
		t.Fatal(err)
	}
	doc, err := mem.Get(ctx, model.ColScores, model.ScoreKey(a.ID, "S1"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Data["marks"] != 40.0 {
		t.Errorf("marks = %v, want 40", doc.Data["marks"])
	}
	// classId comes from the owning assessment, not the caller.
	if doc.Data["classId"] != "c1" {
		t.Errorf("classId = %v, want c1", doc.Data["classId"])
	}

	// Ungraded stores an explicit null.
	if err := svc.SaveScore(ctx, testActor, model.ScoreRecord{AssessmentID: a.ID, StudentID: "S2"}); err != nil {
		t.Fatal(err)
	}
	doc, _ = mem.Get(ctx, model.ColScores, model.ScoreKey(a.ID, "S2"))
	if v, present := doc.Data["marks"]; !present || v != nil {
		t.Errorf("ungraded marks = %v (present=%v), want explicit nil", v, present)
	}

	tests := []struct {
		name string
		rec  model.ScoreRecord
	}{
		{"unknown assessment", model.ScoreRecord{AssessmentID: "ghost", StudentID: "S1", Marks: f64(1)}},
		{"marks above total", model.ScoreRecord{AssessmentID: a.ID, StudentID: "S1", Marks: f64(51)}},
		{"negative marks", model.ScoreRecord{AssessmentID: a.ID, StudentID: "S1", Marks: f64(-1)}},
		{"missing student", model.ScoreRecord{AssessmentID: a.ID, Marks: f64(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.SaveScore(ctx, testActor, tt.rec); !IsValidation(err) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}

func TestSaveScores(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.SaveAssessment(ctx, testActor, model.Assessment{Name: "Quiz 1", TotalMarks: 50, ClassID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	marks := map[string]*float64{
		"S1": f64(40),
		"S2": nil,
		"S3": f64(0),
	}
	if err := svc.SaveScores(ctx, testActor, a.ID, marks); err != nil {
		t.Fatal(err)
	}
	docs, _ := mem.Query(ctx, model.ColScores, nil, nil, 0)
	if len(docs) != 3 {
		t.Fatalf("stored %d score records, want 3", len(docs))
	}

	err = svc.SaveScores(ctx, testActor, a.ID, map[string]*float64{"S1": f64(99)})
	if !IsValidation(err) {
		t.Errorf("out-of-range bulk entry: err = %v, want validation error", err)
	}
}

func TestSaveUserRole(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		role    model.UserRole
		wantErr bool
	}{
		{"admin", model.UserRole{UID: "u1", Role: model.RoleAdmin, Email: "a@x.io"}, false},
		{"faculty with class", model.UserRole{UID: "u2", Role: model.RoleFaculty, ClassID: "c1", Email: "f@x.io"}, false},
		{"faculty without class", model.UserRole{UID: "u3", Role: model.RoleFaculty, Email: "f2@x.io"}, true},
		{"admin with class", model.UserRole{UID: "u4", Role: model.RoleAdmin, ClassID: "c1", Email: "a2@x.io"}, true},
		{"unknown role", model.UserRole{UID: "u5", Role: "owner", Email: "o@x.io"}, true},
		{"missing uid", model.UserRole{Role: model.RoleAdmin, Email: "a3@x.io"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.SaveUserRole(ctx, testActor, tt.role)
			if tt.wantErr && !IsValidation(err) {
				t.Errorf("err = %v, want validation error", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestListActivity(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		entry := model.ActivityLogEntry{
			ID:        fmt.Sprintf("e%d", i),
			Action:    audit.ActionStudentSaved,
			Timestamp: timeAt(i),
		}
		if err := mem.Set(ctx, model.ColActivityLog, entry.ID, entry.ToDoc(), false); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := svc.ListActivity(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ID != "e2" || entries[1].ID != "e1" {
		t.Errorf("entries not newest-first: %s, %s", entries[0].ID, entries[1].ID)
	}
}

func timeAt(i int) time.Time {
	return time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
}

func drainAudit(t *testing.T, q *queue.InMemory) model.ActivityLogEntry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	msg := <-msgs
	if msg.Type != audit.MessageType {
		t.Fatalf("message type = %q, want %q", msg.Type, audit.MessageType)
	}
	var entry model.ActivityLogEntry
	if err := json.Unmarshal(msg.Body, &entry); err != nil {
		t.Fatal(err)
	}
	return entry
}
