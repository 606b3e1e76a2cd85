// Package report derives percentages, matrices and printable report rows
// from mirrored collections. Everything here is a pure function over slices;
// nothing mutates its inputs.
package report

import (
	"math"
	"sort"

	"github.com/alansahai/csm-sjc/internal/model"
)

// AttendancePercentage returns the rounded percentage of sessions in the
// given set for which the student was Present or Late. An empty session set
// yields 0, never a division error.
func AttendancePercentage(records []model.AttendanceRecord, studentID string, sessions []model.ClassSession) int {
	if len(sessions) == 0 {
		return 0
	}
	inSet := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		inSet[s.ID] = true
	}
	attended := 0
	for _, r := range records {
		if r.StudentID == studentID && inSet[r.SessionID] && r.Status.CountsPresent() {
			attended++
		}
	}
	return roundPct(float64(attended), float64(len(sessions)))
}

// MatrixRow is one student's row in the overall attendance matrix.
type MatrixRow struct {
	StudentID  string                   `json:"studentId"`
	Name       string                   `json:"name"`
	Cells      []model.AttendanceStatus `json:"cells"`
	Percentage int                      `json:"percentage"`
}

// Matrix is the full students x available-sessions attendance grid.
type Matrix struct {
	Dates []string    `json:"dates"`
	Rows  []MatrixRow `json:"rows"`
}

// OverallMatrix builds the attendance grid: students sorted by
// numeric-aware id against Available sessions sorted by date. A missing
// record defaults to Absent. The trailing percentage column uses the pooled
// ratio over the available session set.
func OverallMatrix(students []model.Student, sessions []model.ClassSession, records []model.AttendanceRecord) Matrix {
	available := make([]model.ClassSession, 0, len(sessions))
	for _, s := range sessions {
		if s.Status == model.SessionAvailable {
			available = append(available, s)
		}
	}
	sort.Slice(available, func(i, j int) bool { return available[i].Date < available[j].Date })

	sorted := sortStudents(students)

	// (session, student) -> status
	byKey := make(map[string]model.AttendanceStatus, len(records))
	for _, r := range records {
		byKey[r.Key()] = r.Status
	}

	m := Matrix{Dates: make([]string, len(available))}
	for i, s := range available {
		m.Dates[i] = s.Date
	}
	for _, st := range sorted {
		row := MatrixRow{
			StudentID: st.StudentID,
			Name:      st.Name(),
			Cells:     make([]model.AttendanceStatus, len(available)),
		}
		attended := 0
		for i, sess := range available {
			status, ok := byKey[model.AttendanceKey(sess.ID, st.StudentID)]
			if !ok {
				status = model.StatusAbsent
			}
			row.Cells[i] = status
			if status.CountsPresent() {
				attended++
			}
		}
		if len(available) > 0 {
			row.Percentage = roundPct(float64(attended), float64(len(available)))
		}
		m.Rows = append(m.Rows, row)
	}
	return m
}

// DayWiseEntry is one student with their recorded status for the day.
type DayWiseEntry struct {
	Student model.Student          `json:"student"`
	Status  model.AttendanceStatus `json:"status"`
}

// DayWise is the day report: the Present bucket and everyone else with
// their true status. The buckets form a strict partition of the students.
type DayWise struct {
	Present []DayWiseEntry `json:"present"`
	Others  []DayWiseEntry `json:"others"`
}

// DayWiseReport partitions the students for one session. Students with no
// record land in Others as Absent; Late and Excused keep their labels.
func DayWiseReport(students []model.Student, records []model.AttendanceRecord, sessionID string) DayWise {
	byStudent := make(map[string]model.AttendanceStatus)
	for _, r := range records {
		if r.SessionID == sessionID {
			byStudent[r.StudentID] = r.Status
		}
	}
	var out DayWise
	for _, st := range sortStudents(students) {
		status, ok := byStudent[st.StudentID]
		if !ok {
			status = model.StatusAbsent
		}
		entry := DayWiseEntry{Student: st, Status: status}
		if status == model.StatusPresent {
			out.Present = append(out.Present, entry)
		} else {
			out.Others = append(out.Others, entry)
		}
	}
	return out
}

// ScorePercentage converts marks to a rounded percentage. ok is false for
// ungraded records, which render as "not submitted" and stay out of
// averages.
func ScorePercentage(marks *float64, totalMarks float64) (pct int, ok bool) {
	if marks == nil || totalMarks <= 0 {
		return 0, false
	}
	return roundPct(*marks, totalMarks), true
}

// ScoreRow is one student's row in an assessment report.
type ScoreRow struct {
	StudentID  string   `json:"studentId"`
	Name       string   `json:"name"`
	Marks      *float64 `json:"marks"`
	Percentage int      `json:"percentage"`
	Submitted  bool     `json:"submitted"`
}

// AssessmentReport is the per-assessment score sheet.
type AssessmentReport struct {
	Assessment   model.Assessment `json:"assessment"`
	Rows         []ScoreRow       `json:"rows"`
	ClassAverage float64          `json:"classAverage"`
	GradedCount  int              `json:"gradedCount"`
}

// BuildAssessmentReport joins scores onto the class roster for one
// assessment. The class average is the mean percentage over graded rows
// only.
func BuildAssessmentReport(a model.Assessment, students []model.Student, scores []model.ScoreRecord) AssessmentReport {
	byStudent := make(map[string]model.ScoreRecord)
	for _, s := range scores {
		if s.AssessmentID == a.ID {
			byStudent[s.StudentID] = s
		}
	}
	rep := AssessmentReport{Assessment: a}
	sum := 0.0
	for _, st := range sortStudents(students) {
		row := ScoreRow{StudentID: st.StudentID, Name: st.Name()}
		if rec, ok := byStudent[st.StudentID]; ok && rec.Marks != nil {
			pct, _ := ScorePercentage(rec.Marks, a.TotalMarks)
			row.Marks = rec.Marks
			row.Percentage = pct
			row.Submitted = true
			sum += float64(pct)
			rep.GradedCount++
		}
		rep.Rows = append(rep.Rows, row)
	}
	if rep.GradedCount > 0 {
		rep.ClassAverage = sum / float64(rep.GradedCount)
	}
	return rep
}

// ClassStats is one class's analytics row.
type ClassStats struct {
	ClassID       string  `json:"classId"`
	Name          string  `json:"name"`
	StudentCount  int     `json:"studentCount"`
	AvgAttendance float64 `json:"avgAttendance"`
	AvgScore      float64 `json:"avgScore"`
}

// ClassAnalytics computes per-class averages as the arithmetic mean of
// per-student percentages. This intentionally differs from the matrix's
// pooled column: uneven session coverage or class sizes shift the result,
// and both behaviors are kept.
func ClassAnalytics(classes []model.Class, students []model.Student, sessions []model.ClassSession,
	records []model.AttendanceRecord, assessments []model.Assessment, scores []model.ScoreRecord) []ClassStats {

	available := make([]model.ClassSession, 0, len(sessions))
	for _, s := range sessions {
		if s.Status == model.SessionAvailable {
			available = append(available, s)
		}
	}
	totalByAssessment := make(map[string]float64, len(assessments))
	for _, a := range assessments {
		totalByAssessment[a.ID] = a.TotalMarks
	}
	scoresByStudent := make(map[string][]model.ScoreRecord)
	for _, s := range scores {
		scoresByStudent[s.StudentID] = append(scoresByStudent[s.StudentID], s)
	}

	var out []ClassStats
	for _, cls := range classes {
		stats := ClassStats{ClassID: cls.ID, Name: cls.Name}
		attSum, scoreSum := 0.0, 0.0
		scored := 0
		for _, st := range students {
			if st.ClassID != cls.ID {
				continue
			}
			stats.StudentCount++
			attSum += float64(AttendancePercentage(records, st.StudentID, available))
			if pct, ok := studentScoreMean(scoresByStudent[st.StudentID], totalByAssessment); ok {
				scoreSum += pct
				scored++
			}
		}
		if stats.StudentCount > 0 {
			stats.AvgAttendance = attSum / float64(stats.StudentCount)
		}
		if scored > 0 {
			stats.AvgScore = scoreSum / float64(scored)
		}
		out = append(out, stats)
	}
	return out
}

// studentScoreMean averages one student's graded percentages. Ungraded and
// orphaned score records (unknown assessment) are filtered out.
func studentScoreMean(scores []model.ScoreRecord, totalByAssessment map[string]float64) (float64, bool) {
	sum, n := 0.0, 0
	for _, s := range scores {
		total, known := totalByAssessment[s.AssessmentID]
		if !known || s.Marks == nil {
			continue
		}
		if pct, ok := ScorePercentage(s.Marks, total); ok {
			sum += float64(pct)
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// sortStudents returns a copy ordered by numeric-aware studentId, so S2
// sorts before S10.
func sortStudents(students []model.Student) []model.Student {
	out := make([]model.Student, len(students))
	copy(out, students)
	sort.Slice(out, func(i, j int) bool {
		return CompareNatural(out[i].StudentID, out[j].StudentID) < 0
	})
	return out
}

// CompareNatural orders strings lexicographically except that runs of
// digits compare by numeric value.
func CompareNatural(a, b string) int {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			ia, ja := i, j
			for ia < len(a) && isDigit(a[ia]) {
				ia++
			}
			for ja < len(b) && isDigit(b[ja]) {
				ja++
			}
			na := trimZeros(a[i:ia])
			nb := trimZeros(b[j:ja])
			if len(na) != len(nb) {
				if len(na) < len(nb) {
					return -1
				}
				return 1
			}
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			i, j = ia, ja
			continue
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	switch {
	case len(a)-i < len(b)-j:
		return -1
	case len(a)-i > len(b)-j:
		return 1
	}
	return 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}

func roundPct(part, whole float64) int {
	return int(math.Round(part / whole * 100))
}
