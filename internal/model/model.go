package model

import (
	"fmt"
	"time"
)

// Collection names in the remote store. Document keys inside them are
// significant: students are keyed by studentId, attendance by
// sessionId_studentId, scores by assessmentId_studentId. Any change here
// breaks interop with already-stored data.
const (
	ColStudents    = "students"
	ColSessions    = "sessions"
	ColAttendance  = "attendance"
	ColAssessments = "assessments"
	ColScores      = "scores"
	ColUserRoles   = "userRoles"
	ColClasses     = "classes"
	ColActivityLog = "activityLogs"
)

// DateLayout is the calendar-day format used for session and assessment
// dates throughout the stored data.
const DateLayout = "2006-01-02"

// AttendanceStatus is the per-student status for one session.
type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "Present"
	StatusAbsent  AttendanceStatus = "Absent"
	StatusLate    AttendanceStatus = "Late"
	StatusExcused AttendanceStatus = "Excused"
)

// CountsPresent reports whether the status counts toward attendance
// percentages. Late counts as present.
func (s AttendanceStatus) CountsPresent() bool {
	return s == StatusPresent || s == StatusLate
}

// Valid reports whether s is one of the four known statuses.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate, StatusExcused:
		return true
	}
	return false
}

// SessionStatus is the state of one calendar-day session. Sessions toggle
// freely between the two states; there are no further states.
type SessionStatus string

const (
	SessionAvailable SessionStatus = "Available"
	SessionNoClass   SessionStatus = "NoClass"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	return s == SessionAvailable || s == SessionNoClass
}

// Roles carried by userRoles documents and token claims.
const (
	RoleAdmin   = "admin"
	RoleFaculty = "faculty"
	RoleStudent = "student"
)

// AttendanceKey builds the composite attendance document key. One record
// per (session, student) pair is guaranteed by keying on both.
func AttendanceKey(sessionID, studentID string) string {
	return sessionID + "_" + studentID
}

// ScoreKey builds the composite score document key.
func ScoreKey(assessmentID, studentID string) string {
	return assessmentID + "_" + studentID
}

// Student is one roster entry, keyed by its user-chosen StudentID.
type Student struct {
	StudentID string `json:"studentId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	DOB       string `json:"dob"`
	Guardian  string `json:"guardian"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	ClassID   string `json:"classId"`
	Notes     string `json:"notes"`
}

// Name returns the display name.
func (s Student) Name() string {
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

// Validate checks required fields before a write.
func (s Student) Validate() error {
	if s.StudentID == "" {
		return fmt.Errorf("student id is required")
	}
	if s.FirstName == "" {
		return fmt.Errorf("first name is required")
	}
	if s.ClassID == "" {
		return fmt.Errorf("class is required")
	}
	if s.DOB != "" {
		if _, err := time.Parse(DateLayout, s.DOB); err != nil {
			return fmt.Errorf("dob must be %s", DateLayout)
		}
	}
	return nil
}

// ClassSession is one calendar day on the shared attendance calendar.
// At most one session exists per date.
type ClassSession struct {
	ID            string        `json:"id"`
	Date          string        `json:"date"`
	Status        SessionStatus `json:"status"`
	NoClassReason string        `json:"noClassReason,omitempty"`
}

// Validate checks required fields before a write.
func (s ClassSession) Validate() error {
	if _, err := time.Parse(DateLayout, s.Date); err != nil {
		return fmt.Errorf("session date must be %s", DateLayout)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("invalid session status %q", s.Status)
	}
	return nil
}

// AttendanceRecord marks one student's status for one session. ClassID is a
// denormalized copy of the student's class, preserved as stored for interop.
type AttendanceRecord struct {
	SessionID string           `json:"sessionId"`
	StudentID string           `json:"studentId"`
	ClassID   string           `json:"classId"`
	Status    AttendanceStatus `json:"status"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Key returns the composite document key.
func (r AttendanceRecord) Key() string {
	return AttendanceKey(r.SessionID, r.StudentID)
}

// Validate checks required fields before a write.
func (r AttendanceRecord) Validate() error {
	if r.SessionID == "" || r.StudentID == "" {
		return fmt.Errorf("attendance record needs session and student ids")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid attendance status %q", r.Status)
	}
	return nil
}

// Assessment is one graded item scoped to a class.
type Assessment struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Date       string  `json:"date"`
	TotalMarks float64 `json:"totalMarks"`
	ClassID    string  `json:"classId"`
}

// Validate checks required fields before a write.
func (a Assessment) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("assessment name is required")
	}
	if a.TotalMarks <= 0 {
		return fmt.Errorf("total marks must be positive")
	}
	if a.ClassID == "" {
		return fmt.Errorf("class is required")
	}
	if a.Date != "" {
		if _, err := time.Parse(DateLayout, a.Date); err != nil {
			return fmt.Errorf("assessment date must be %s", DateLayout)
		}
	}
	return nil
}

// ScoreRecord holds one student's marks on one assessment. Marks nil means
// not yet graded or absent, which is distinct from a score of zero and is
// excluded from averages.
type ScoreRecord struct {
	AssessmentID string   `json:"assessmentId"`
	StudentID    string   `json:"studentId"`
	ClassID      string   `json:"classId"`
	Marks        *float64 `json:"marks"`
}

// Key returns the composite document key.
func (r ScoreRecord) Key() string {
	return ScoreKey(r.AssessmentID, r.StudentID)
}

// ValidateAgainst checks the record against its owning assessment.
func (r ScoreRecord) ValidateAgainst(a Assessment) error {
	if r.AssessmentID == "" || r.StudentID == "" {
		return fmt.Errorf("score record needs assessment and student ids")
	}
	if r.Marks != nil && (*r.Marks < 0 || *r.Marks > a.TotalMarks) {
		return fmt.Errorf("marks must be between 0 and %g", a.TotalMarks)
	}
	return nil
}

// UserRole is the authorization source of truth, keyed by the auth uid.
// PasswordHash is set only for locally provisioned accounts.
type UserRole struct {
	UID          string `json:"uid"`
	Role         string `json:"role"`
	ClassID      string `json:"classId,omitempty"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
}

// Validate checks the role/class pairing: faculty must carry a class,
// admins must not.
func (u UserRole) Validate() error {
	if u.Email == "" {
		return fmt.Errorf("email is required")
	}
	switch u.Role {
	case RoleAdmin:
		if u.ClassID != "" {
			return fmt.Errorf("admin role cannot be scoped to a class")
		}
	case RoleFaculty:
		if u.ClassID == "" {
			return fmt.Errorf("faculty role requires a class")
		}
	default:
		return fmt.Errorf("invalid role %q", u.Role)
	}
	return nil
}

// Class partitions students, assessments and faculty.
type Class struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Validate checks required fields before a write.
func (c Class) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("class name is required")
	}
	return nil
}

// ActivityLogEntry is one append-only audit trail row, admin-visible only.
type ActivityLogEntry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	UserEmail string    `json:"userEmail"`
	UID       string    `json:"uid"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}
