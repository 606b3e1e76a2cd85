package model

import (
	"fmt"
	"time"

	"github.com/alansahai/csm-sjc/internal/store"
)

// Decoders form the boundary between raw store documents and typed records.
// A document that fails to decode is quarantined by the caller (logged and
// counted), never propagated into reports with undefined fields.

// StudentFromDoc decodes a students document; the doc key is the studentId.
func StudentFromDoc(d store.Document) (Student, error) {
	s := Student{
		StudentID: d.ID,
		FirstName: docString(d.Data, "firstName"),
		LastName:  docString(d.Data, "lastName"),
		DOB:       docString(d.Data, "dob"),
		Guardian:  docString(d.Data, "guardian"),
		Phone:     docString(d.Data, "phone"),
		Email:     docString(d.Data, "email"),
		ClassID:   docString(d.Data, "classId"),
		Notes:     docString(d.Data, "notes"),
	}
	if s.StudentID == "" {
		return Student{}, fmt.Errorf("student doc with empty key")
	}
	if s.FirstName == "" {
		return Student{}, fmt.Errorf("student %s: missing firstName", s.StudentID)
	}
	return s, nil
}

// ToDoc returns the field map written to the store.
func (s Student) ToDoc() map[string]any {
	return map[string]any{
		"firstName": s.FirstName,
		"lastName":  s.LastName,
		"dob":       s.DOB,
		"guardian":  s.Guardian,
		"phone":     s.Phone,
		"email":     s.Email,
		"classId":   s.ClassID,
		"notes":     s.Notes,
	}
}

// SessionFromDoc decodes a sessions document.
func SessionFromDoc(d store.Document) (ClassSession, error) {
	s := ClassSession{
		ID:            d.ID,
		Date:          docString(d.Data, "date"),
		Status:        SessionStatus(docString(d.Data, "status")),
		NoClassReason: docString(d.Data, "noClassReason"),
	}
	if s.Date == "" {
		return ClassSession{}, fmt.Errorf("session %s: missing date", d.ID)
	}
	if !s.Status.Valid() {
		return ClassSession{}, fmt.Errorf("session %s: bad status %q", d.ID, s.Status)
	}
	return s, nil
}

// ToDoc returns the field map written to the store.
func (s ClassSession) ToDoc() map[string]any {
	return map[string]any{
		"date":          s.Date,
		"status":        string(s.Status),
		"noClassReason": s.NoClassReason,
	}
}

// AttendanceFromDoc decodes an attendance document.
func AttendanceFromDoc(d store.Document) (AttendanceRecord, error) {
	r := AttendanceRecord{
		SessionID: docString(d.Data, "sessionId"),
		StudentID: docString(d.Data, "studentId"),
		ClassID:   docString(d.Data, "classId"),
		Status:    AttendanceStatus(docString(d.Data, "status")),
		UpdatedAt: docTime(d.Data, "updatedAt"),
	}
	if r.SessionID == "" || r.StudentID == "" {
		return AttendanceRecord{}, fmt.Errorf("attendance %s: missing session/student id", d.ID)
	}
	if !r.Status.Valid() {
		return AttendanceRecord{}, fmt.Errorf("attendance %s: bad status %q", d.ID, r.Status)
	}
	return r, nil
}

// ToDoc returns the field map written to the store.
func (r AttendanceRecord) ToDoc() map[string]any {
	return map[string]any{
		"sessionId": r.SessionID,
		"studentId": r.StudentID,
		"classId":   r.ClassID,
		"status":    string(r.Status),
		"updatedAt": r.UpdatedAt,
	}
}

// AssessmentFromDoc decodes an assessments document.
func AssessmentFromDoc(d store.Document) (Assessment, error) {
	total, ok := docNumber(d.Data, "totalMarks")
	if !ok || total <= 0 {
		return Assessment{}, fmt.Errorf("assessment %s: bad totalMarks", d.ID)
	}
	a := Assessment{
		ID:         d.ID,
		Name:       docString(d.Data, "name"),
		Date:       docString(d.Data, "date"),
		TotalMarks: total,
		ClassID:    docString(d.Data, "classId"),
	}
	if a.Name == "" {
		return Assessment{}, fmt.Errorf("assessment %s: missing name", d.ID)
	}
	return a, nil
}

// ToDoc returns the field map written to the store.
func (a Assessment) ToDoc() map[string]any {
	return map[string]any{
		"name":       a.Name,
		"date":       a.Date,
		"totalMarks": a.TotalMarks,
		"classId":    a.ClassID,
	}
}

// ScoreFromDoc decodes a scores document. A stored null (or absent) marks
// field round-trips as nil, never as zero.
func ScoreFromDoc(d store.Document) (ScoreRecord, error) {
	r := ScoreRecord{
		AssessmentID: docString(d.Data, "assessmentId"),
		StudentID:    docString(d.Data, "studentId"),
		ClassID:      docString(d.Data, "classId"),
	}
	if r.AssessmentID == "" || r.StudentID == "" {
		return ScoreRecord{}, fmt.Errorf("score %s: missing assessment/student id", d.ID)
	}
	if v, ok := docNumber(d.Data, "marks"); ok {
		r.Marks = &v
	}
	return r, nil
}

// ToDoc returns the field map written to the store. Marks is written as an
// explicit null when ungraded so readers can tell it apart from zero.
func (r ScoreRecord) ToDoc() map[string]any {
	doc := map[string]any{
		"assessmentId": r.AssessmentID,
		"studentId":    r.StudentID,
		"classId":      r.ClassID,
		"marks":        nil,
	}
	if r.Marks != nil {
		doc["marks"] = *r.Marks
	}
	return doc
}

// UserRoleFromDoc decodes a userRoles document; the doc key is the uid.
func UserRoleFromDoc(d store.Document) (UserRole, error) {
	u := UserRole{
		UID:          d.ID,
		Role:         docString(d.Data, "role"),
		ClassID:      docString(d.Data, "classId"),
		Email:        docString(d.Data, "email"),
		PasswordHash: docString(d.Data, "passwordHash"),
	}
	if u.Role != RoleAdmin && u.Role != RoleFaculty {
		return UserRole{}, fmt.Errorf("userRole %s: bad role %q", d.ID, u.Role)
	}
	if u.Email == "" {
		return UserRole{}, fmt.Errorf("userRole %s: missing email", d.ID)
	}
	return u, nil
}

// ToDoc returns the field map written to the store.
func (u UserRole) ToDoc() map[string]any {
	doc := map[string]any{
		"role":    u.Role,
		"classId": u.ClassID,
		"email":   u.Email,
	}
	if u.PasswordHash != "" {
		doc["passwordHash"] = u.PasswordHash
	}
	return doc
}

// ClassFromDoc decodes a classes document.
func ClassFromDoc(d store.Document) (Class, error) {
	c := Class{ID: d.ID, Name: docString(d.Data, "name")}
	if c.Name == "" {
		return Class{}, fmt.Errorf("class %s: missing name", d.ID)
	}
	return c, nil
}

// ToDoc returns the field map written to the store.
func (c Class) ToDoc() map[string]any {
	return map[string]any{"name": c.Name}
}

// LogEntryFromDoc decodes an activityLogs document.
func LogEntryFromDoc(d store.Document) (ActivityLogEntry, error) {
	e := ActivityLogEntry{
		ID:        d.ID,
		Action:    docString(d.Data, "action"),
		UserEmail: docString(d.Data, "userEmail"),
		UID:       docString(d.Data, "uid"),
		Details:   docString(d.Data, "details"),
		Timestamp: docTime(d.Data, "timestamp"),
	}
	if e.Action == "" {
		return ActivityLogEntry{}, fmt.Errorf("activity log %s: missing action", d.ID)
	}
	return e, nil
}

// ToDoc returns the field map written to the store.
func (e ActivityLogEntry) ToDoc() map[string]any {
	return map[string]any{
		"action":    e.Action,
		"userEmail": e.UserEmail,
		"uid":       e.UID,
		"details":   e.Details,
		"timestamp": e.Timestamp,
	}
}

func docString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// docNumber reads a numeric field regardless of how the backend widened it.
func docNumber(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func docTime(m map[string]any, key string) time.Time {
	switch v := m[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
