// Package portal is the mutation layer: it translates user intents into
// store writes, validating before any write is attempted and requesting an
// audit append on success. Reads for reporting go through the mirror, not
// through here; the subscription push is the only path that updates it.
package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alansahai/csm-sjc/internal/audit"
	"github.com/alansahai/csm-sjc/internal/model"
	"github.com/alansahai/csm-sjc/internal/store"
)

// MaxBatchOps is the store's atomic batch ceiling. Bulk operations are
// chunked to this size; each chunk commits independently.
const MaxBatchOps = 450

// ValidationError marks a rejection caught before any write was attempted.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// IsValidation reports whether err is a pre-write validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// BulkError reports a bulk operation that failed after some chunks had
// already committed. Committed chunks stay visible; there is no rollback
// across chunks.
type BulkError struct {
	Committed int
	Total     int
	Err       error
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("bulk write failed after %d/%d records: %v", e.Committed, e.Total, e.Err)
}

func (e *BulkError) Unwrap() error { return e.Err }

// Service issues writes against the store.
type Service struct {
	store store.Store
	audit *audit.Logger
}

// NewService builds the mutation layer.
func NewService(st store.Store, al *audit.Logger) *Service {
	return &Service{store: st, audit: al}
}

// SaveStudent creates a roster entry. The user-chosen studentId is the
// document key, so uniqueness is a lookup before the write.
func (s *Service) SaveStudent(ctx context.Context, actor audit.Actor, st model.Student) error {
	if err := st.Validate(); err != nil {
		return invalid("%v", err)
	}
	_, err := s.store.Get(ctx, model.ColStudents, st.StudentID)
	if err == nil {
		return invalid("student id %q already exists", st.StudentID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := s.store.Set(ctx, model.ColStudents, st.StudentID, st.ToDoc(), false); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, audit.ActionStudentSaved, "created "+st.StudentID)
	return nil
}

// StudentUpdate carries the fields of a partial student edit; nil fields
// stay untouched server-side via the merge write.
type StudentUpdate struct {
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	DOB       *string `json:"dob"`
	Guardian  *string `json:"guardian"`
	Phone     *string `json:"phone"`
	Email     *string `json:"email"`
	ClassID   *string `json:"classId"`
	Notes     *string `json:"notes"`
}

func (u StudentUpdate) fields() map[string]any {
	out := map[string]any{}
	put := func(key string, v *string) {
		if v != nil {
			out[key] = *v
		}
	}
	put("firstName", u.FirstName)
	put("lastName", u.LastName)
	put("dob", u.DOB)
	put("guardian", u.Guardian)
	put("phone", u.Phone)
	put("email", u.Email)
	put("classId", u.ClassID)
	put("notes", u.Notes)
	return out
}

// UpdateStudent merge-writes the supplied fields onto an existing student.
// Changing classId here does not rewrite the denormalized copy on existing
// attendance and score records; that drift matches the stored data.
func (s *Service) UpdateStudent(ctx context.Context, actor audit.Actor, studentID string, upd StudentUpdate) error {
	if studentID == "" {
		return invalid("student id is required")
	}
	if upd.FirstName != nil && *upd.FirstName == "" {
		return invalid("first name cannot be cleared")
	}
	if upd.DOB != nil && *upd.DOB != "" {
		if _, err := time.Parse(model.DateLayout, *upd.DOB); err != nil {
			return invalid("dob must be %s", model.DateLayout)
		}
	}
	fields := upd.fields()
	if len(fields) == 0 {
		return invalid("no fields to update")
	}
	if _, err := s.store.Get(ctx, model.ColStudents, studentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invalid("unknown student %q", studentID)
		}
		return err
	}
	if err := s.store.Set(ctx, model.ColStudents, studentID, fields, true); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, audit.ActionStudentSaved, "updated "+studentID)
	return nil
}

// DeleteStudent removes the roster entry. Dependent attendance and score
// records are left in place; reports filter orphans at read time.
func (s *Service) DeleteStudent(ctx context.Context, actor audit.Actor, studentID string) error {
	if studentID == "" {
		return invalid("student id is required")
	}
	if err := s.store.Delete(ctx, model.ColStudents, studentID); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, audit.ActionStudentDeleted, studentID)
	return nil
}

// SaveSession creates the session for one calendar date. At most one
// session may exist per date.
func (s *Service) SaveSession(ctx context.Context, actor audit.Actor, date string, status model.SessionStatus, reason string) (model.ClassSession, error) {
	sess := model.ClassSession{
		ID:            uuid.NewString(),
		Date:          date,
		Status:        status,
		NoClassReason: reason,
	}
	if err := sess.Validate(); err != nil {
		return model.ClassSession{}, invalid("%v", err)
	}
	existing, err := s.store.Query(ctx, model.ColSessions, []store.Filter{{Field: "date", Value: date}}, nil, 1)
	if err != nil {
		return model.ClassSession{}, err
	}
	if len(existing) > 0 {
		return model.ClassSession{}, invalid("a session for %s already exists", date)
	}
	if err := s.store.Set(ctx, model.ColSessions, sess.ID, sess.ToDoc(), false); err != nil {
		return model.ClassSession{}, err
	}
	s.audit.Record(ctx, actor, audit.ActionSessionSaved, "created "+date)
	return sess, nil
}

// SetSessionStatus toggles a session between Available and NoClass.
func (s *Service) SetSessionStatus(ctx context.Context, actor audit.Actor, sessionID string, status model.SessionStatus, reason string) error {
	if !status.Valid() {
		return invalid("invalid session status %q", status)
	}
	if status == model.SessionAvailable {
		reason = ""
	}
	if _, err := s.store.Get(ctx, model.ColSessions, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invalid("unknown session %q", sessionID)
		}
		return err
	}
	fields := map[string]any{"status": string(status), "noClassReason": reason}
	if err := s.store.Set(ctx, model.ColSessions, sessionID, fields, true); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, audit.ActionSessionSaved, fmt.Sprintf("%s -> %s", sessionID, status))
	return nil
}

// DeleteSession removes a session. Attendance records for it are left in
// place, same as student deletes.
func (s *Service) DeleteSession(ctx context.Context, actor audit.Actor, sessionID string) error {
	if sessionID == "" {
		return invalid("session id is required")
	}
	if err := s.store.Delete(ctx, model.ColSessions, sessionID); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, audit.ActionSessionDeleted, sessionID)
	return nil
}

// MarkAttendance upserts one attendance record. The composite key keeps at
// most one record per (session, student) pair; re-marking overwrites.
func (s *Service) MarkAttendance(ctx context.Context, actor audit.Actor, rec model.AttendanceRecord) error {
	if err := rec.Validate(); err != nil {
		return invalid("%v", err)
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.Set(ctx, model.ColAttendance, rec.Key(), rec.ToDoc(), false); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, audit.ActionAttendanceMarked, rec.Key()+" "+string(rec.Status))
	return nil
}

// MarkSessionAttendance writes one record per student for a session. The
// writes have no ordering dependency, so they fire in parallel and the call
// waits for all of them.
func (s *Service) MarkSessionAttendance(ctx context.Context, actor audit.Actor, sessionID, classID string, statuses map[string]model.AttendanceStatus) error {
	if sessionID == "" {
		return invalid("session id is required")
	}
	if len(statuses) == 0 {
		return invalid("no attendance to record")
	}
	for studentID, status := range statuses {
		if studentID == "" || !status.Valid() {
			return invalid("bad attendance entry for %q: %q", studentID, status)
		}
	}
	now := time.Now().UTC()
	g, gctx := errgroup.WithContext(ctx)
	for studentID, status := range statuses {
		rec := model.AttendanceRecord{
			SessionID: sessionID,
			StudentID: studentID,
			ClassID:   classID,
			Status:    status,
			UpdatedAt: now,
		}
		g.Go(func() error {
			return s.store.Set(gctx, model.ColAttendance, rec.Key(), rec.ToDoc(), false)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, audit.ActionAttendanceMarked, fmt.Sprintf("session %s: %d students", sessionID, len(statuses)))
	return nil
}

// ImportAttendance writes a parsed batch of records in atomic chunks of
// MaxBatchOps. A failed chunk does not roll back ones already committed;
// the returned BulkError says how many records made it.
func (s *Service) ImportAttendance(ctx context.Context, actor audit.Actor, records []model.AttendanceRecord) error {
	if len(records) == 0 {
		return invalid("no records to import")
	}
	now := time.Now().UTC()
	ops := make([]store.Op, len(records))
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return invalid("record %d: %v", i, err)
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = now
		}
		ops[i] = store.Op{
			Collection: model.ColAttendance,
			ID:         rec.Key(),
			Data:       rec.ToDoc(),
		}
	}
	committed, err := s.commitChunked(ctx, ops)
	if err != nil {
		s.audit.Record(ctx, actor, audit.ActionAttendanceImport,
			fmt.Sprintf("partial: %d/%d records", committed, len(ops)))
		return &BulkError{Committed: committed, Total: len(ops), Err: err}
	}
	s.audit.Record(ctx, actor, audit.ActionAttendanceImport, fmt.Sprintf("%d records", len(ops)))
	return nil
}

// commitChunked commits ops in independent atomic chunks and returns how
// many ops landed.
func (s *Service) commitChunked(ctx context.Context, ops []store.Op) (int, error) {
	committed := 0
	for start := 0; start < len(ops); start += MaxBatchOps {
		end := start + MaxBatchOps
		if end > len(ops) {
			end = len(ops)
		}
		if err := s.store.BatchCommit(ctx, ops[start:end]); err != nil {
			return committed, err
		}
		committed += end - start
	}
	return committed, nil
}

// SaveAssessment creates or replaces an assessment.
func (s *Service) SaveAssessment(ctx context.Context, actor audit.Actor, a model.Assessment) (model.Assessment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := a.Validate(); err != nil {
		return model.Assessment{}, invalid("%v", err)
	}
	if err := s.store.Set(ctx, model.ColAssessments, a.ID, a.ToDoc(), false); err != nil {
		return model.Assessment{}, err
	}
	s.audit.Record(ctx, actor, audit.ActionAssessmentSaved, a.Name)
	return a, nil
}

// DeleteAssessment removes an assessment; its score records are left in
// place and filtered as orphans at read time.
func (s *Service) DeleteAssessment(ctx context.Context, actor audit.Actor, assessmentID string) error {
	if assessmentID == "" {
		return invalid("assessment id is required")
	}
	if err := s.store.Delete(ctx, model.ColAssessments, assessmentID); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, audit.ActionAssessmentDelete, assessmentID)
	return nil
}

// SaveScore upserts one score record. Marks nil means not yet graded and is
// stored as an explicit null, never coerced to zero. The classId on the
// record is copied from the owning assessment.
func (s *Service) SaveScore(ctx context.Context, actor audit.Actor, rec model.ScoreRecord) error {
	a, err := s.assessment(ctx, rec.AssessmentID)
	if err != nil {
		return err
	}
	rec.ClassID = a.ClassID
	if err := rec.ValidateAgainst(a); err != nil {
		return invalid("%v", err)
	}
	if err := s.store.Set(ctx, model.ColScores, rec.Key(), rec.ToDoc(), true); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, audit.ActionScoreSaved, rec.Key())
	return nil
}

// SaveScores bulk-enters marks for one assessment in atomic chunks, same
// partial-failure exposure as ImportAttendance.
func (s *Service) SaveScores(ctx context.Context, actor audit.Actor, assessmentID string, marks map[string]*float64) error {
	if len(marks) == 0 {
		return invalid("no scores to record")
	}
	a, err := s.assessment(ctx, assessmentID)
	if err != nil {
		return err
	}
	ops := make([]store.Op, 0, len(marks))
	for studentID, m := range marks {
		rec := model.ScoreRecord{
			AssessmentID: assessmentID,
			StudentID:    studentID,
			ClassID:      a.ClassID,
			Marks:        m,
		}
		if err := rec.ValidateAgainst(a); err != nil {
			return invalid("student %s: %v", studentID, err)
		}
		ops = append(ops, store.Op{
			Collection: model.ColScores,
			ID:         rec.Key(),
			Data:       rec.ToDoc(),
			Merge:      true,
		})
	}
	committed, err := s.commitChunked(ctx, ops)
	if err != nil {
		return &BulkError{Committed: committed, Total: len(ops), Err: err}
	}
	s.audit.Record(ctx, actor, audit.ActionScoresBulkSaved,
		fmt.Sprintf("%s: %d students", assessmentID, len(ops)))
	return nil
}

func (s *Service) assessment(ctx context.Context, id string) (model.Assessment, error) {
	if id == "" {
		return model.Assessment{}, invalid("assessment id is required")
	}
	doc, err := s.store.Get(ctx, model.ColAssessments, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Assessment{}, invalid("unknown assessment %q", id)
	}
	if err != nil {
		return model.Assessment{}, err
	}
	a, err := model.AssessmentFromDoc(doc)
	if err != nil {
		return model.Assessment{}, fmt.Errorf("stored assessment %s is malformed: %w", id, err)
	}
	return a, nil
}

// SaveClass creates or renames a class.
func (s *Service) SaveClass(ctx context.Context, actor audit.Actor, c model.Class) (model.Class, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		return model.Class{}, invalid("%v", err)
	}
	if err := s.store.Set(ctx, model.ColClasses, c.ID, c.ToDoc(), false); err != nil {
		return model.Class{}, err
	}
	s.audit.Record(ctx, actor, audit.ActionClassSaved, c.Name)
	return c, nil
}

// DeleteClass removes a class partition.
func (s *Service) DeleteClass(ctx context.Context, actor audit.Actor, classID string) error {
	if classID == "" {
		return invalid("class id is required")
	}
	if err := s.store.Delete(ctx, model.ColClasses, classID); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, audit.ActionClassDeleted, classID)
	return nil
}

// SaveUserRole provisions or updates an authorization entry, keyed by uid.
// The caller supplies any password hash already computed.
func (s *Service) SaveUserRole(ctx context.Context, actor audit.Actor, u model.UserRole) error {
	if u.UID == "" {
		return invalid("uid is required")
	}
	if err := u.Validate(); err != nil {
		return invalid("%v", err)
	}
	if err := s.store.Set(ctx, model.ColUserRoles, u.UID, u.ToDoc(), true); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, audit.ActionRoleSaved, u.Email+" "+u.Role)
	return nil
}

// DeleteUserRole revokes access for a uid.
func (s *Service) DeleteUserRole(ctx context.Context, actor audit.Actor, uid string) error {
	if uid == "" {
		return invalid("uid is required")
	}
	if err := s.store.Delete(ctx, model.ColUserRoles, uid); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, audit.ActionRoleDeleted, uid)
	return nil
}

// ListActivity returns the newest audit entries, admin-visible only.
func (s *Service) ListActivity(ctx context.Context, limit int) ([]model.ActivityLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.store.Query(ctx, model.ColActivityLog, nil, &store.Order{Field: "timestamp", Desc: true}, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]model.ActivityLogEntry, 0, len(docs))
	for _, d := range docs {
		e, err := model.LogEntryFromDoc(d)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
