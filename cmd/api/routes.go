package main

import (
	"errors"
	"log"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/alansahai/csm-sjc/internal/audit"
	"github.com/alansahai/csm-sjc/internal/auth"
	"github.com/alansahai/csm-sjc/internal/config"
	"github.com/alansahai/csm-sjc/internal/export"
	"github.com/alansahai/csm-sjc/internal/httpmiddleware"
	"github.com/alansahai/csm-sjc/internal/mirror"
	"github.com/alansahai/csm-sjc/internal/model"
	"github.com/alansahai/csm-sjc/internal/portal"
	"github.com/alansahai/csm-sjc/internal/report"
	"github.com/alansahai/csm-sjc/internal/store"
)

type apiServer struct {
	cfg     config.App
	store   store.Store
	portal  *portal.Service
	auth    *auth.Service
	mirrors *mirror.Registry
	limits  *httpmiddleware.Limiter
}

func (s *apiServer) register(r *gin.Engine) {
	// Sign-in endpoints rate limit by address (no identity yet); everything
	// behind auth limits per token subject.
	r.POST("/v1/auth/login", s.limits.ByIP(), s.login)
	r.POST("/v1/auth/token", s.limits.ByIP(), s.loginWithIDToken)
	r.POST("/v1/auth/refresh", s.limits.ByIP(), s.refresh)

	authed := r.Group("/v1", auth.RequireAuth(s.cfg.JWTSigningKey, s.cfg.JWTIssuer), s.limits.BySubject())

	staff := authed.Group("", auth.RequireRole(model.RoleAdmin, model.RoleFaculty))
	staff.GET("/students", s.listStudents)
	staff.POST("/students", s.createStudent)
	staff.PATCH("/students/:id", s.updateStudent)
	staff.GET("/sessions", s.listSessions)
	staff.POST("/sessions", s.createSession)
	staff.PATCH("/sessions/:id/status", s.setSessionStatus)
	staff.POST("/attendance", s.markAttendance)
	staff.POST("/sessions/:id/attendance", s.markSessionAttendance)
	staff.POST("/attendance/import", s.importAttendance)
	staff.GET("/assessments", s.listAssessments)
	staff.POST("/assessments", s.createAssessment)
	staff.DELETE("/assessments/:id", s.deleteAssessment)
	staff.POST("/scores", s.saveScore)
	staff.POST("/assessments/:id/scores", s.saveScores)
	staff.GET("/reports/attendance/matrix", s.attendanceMatrix)
	staff.GET("/reports/attendance/matrix.xlsx", s.attendanceMatrixXLSX)
	staff.GET("/reports/attendance/day/:sessionId", s.dayWiseReport)
	staff.GET("/reports/assessments/:id", s.assessmentReport)
	staff.GET("/reports/assessments/:id/export", s.assessmentReportXLSX)

	admin := authed.Group("", auth.RequireRole(model.RoleAdmin))
	admin.DELETE("/students/:id", s.deleteStudent)
	admin.DELETE("/sessions/:id", s.deleteSession)
	admin.GET("/classes", s.listClasses)
	admin.POST("/classes", s.createClass)
	admin.DELETE("/classes/:id", s.deleteClass)
	admin.GET("/roles", s.listRoles)
	admin.POST("/roles", s.saveRole)
	admin.DELETE("/roles/:uid", s.deleteRole)
	admin.GET("/reports/analytics", s.classAnalytics)
	admin.GET("/activity", s.listActivity)

	student := authed.Group("", auth.RequireRole(model.RoleStudent))
	student.GET("/students/me", s.studentSelf)
}

// scoped returns the mirror for the caller's role: admins (and the student
// self-view) read the admin scope, faculty read their class scope.
func (s *apiServer) scoped(c *gin.Context) (*mirror.Manager, bool) {
	claims := auth.FromContext(c)
	var (
		m   *mirror.Manager
		err error
	)
	if claims.Role == model.RoleFaculty {
		m, err = s.mirrors.Faculty(claims.ClassID)
	} else {
		m, err = s.mirrors.Admin()
	}
	if err != nil {
		log.Printf("mirror scope for %s failed: %v", claims.Role, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "data unavailable"})
		return nil, false
	}
	return m, true
}

func actorFrom(c *gin.Context) audit.Actor {
	claims := auth.FromContext(c)
	return audit.Actor{UID: claims.Subject, Email: claims.Email}
}

// writeErr maps service failures: validation rejections get 400 with the
// inline message, partial bulk failures get 502 with the committed count,
// anything else is a generic store failure.
func writeErr(c *gin.Context, err error) {
	if portal.IsValidation(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var bulk *portal.BulkError
	if errors.As(err, &bulk) {
		log.Printf("bulk write failed: %v", bulk)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "bulk write failed partway",
			"committed": bulk.Committed,
			"total":     bulk.Total,
		})
		return
	}
	log.Printf("store operation failed: %v", err)
	c.JSON(http.StatusBadGateway, gin.H{"error": "operation failed"})
}

// ---- auth ----

func (s *apiServer) login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pair, claims, err := s.auth.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.authFailure(c, err)
		return
	}
	s.tokenResponse(c, pair, claims)
}

func (s *apiServer) loginWithIDToken(c *gin.Context) {
	var req struct {
		IDToken string `json:"id_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pair, claims, err := s.auth.SignInWithIDToken(c.Request.Context(), req.IDToken)
	if err != nil {
		s.authFailure(c, err)
		return
	}
	s.tokenResponse(c, pair, claims)
}

func (s *apiServer) refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pair, claims, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		s.authFailure(c, err)
		return
	}
	s.tokenResponse(c, pair, claims)
}

func (s *apiServer) authFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	case errors.Is(err, auth.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "no portal role; sign out"})
	default:
		log.Printf("sign-in failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "sign-in unavailable"})
	}
}

func (s *apiServer) tokenResponse(c *gin.Context, pair auth.TokenPair, claims auth.Claims) {
	c.JSON(http.StatusOK, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.AccessExp.Unix(),
		"role":          claims.Role,
		"classId":       claims.ClassID,
	})
}

// ---- students ----

func (s *apiServer) listStudents(c *gin.Context) {
	m, ok := s.scoped(c)
	if !ok {
		return
	}
	students := append([]model.Student(nil), m.Tables().Students...)
	sort.Slice(students, func(i, j int) bool {
		return report.CompareNatural(students[i].StudentID, students[j].StudentID) < 0
	})
	c.JSON(http.StatusOK, gin.H{"students": students})
}

func (s *apiServer) createStudent(c *gin.Context) {
	var st model.Student
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	if claims.Role == model.RoleFaculty {
		st.ClassID = claims.ClassID
	}
	if err := s.portal.SaveStudent(c.Request.Context(), actorFrom(c), st); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"studentId": st.StudentID})
}

func (s *apiServer) updateStudent(c *gin.Context) {
	var upd portal.StudentUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	if claims.Role == model.RoleFaculty && upd.ClassID != nil && *upd.ClassID != claims.ClassID {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot move students out of your class"})
		return
	}
	if err := s.portal.UpdateStudent(c.Request.Context(), actorFrom(c), c.Param("id"), upd); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"studentId": c.Param("id")})
}

func (s *apiServer) deleteStudent(c *gin.Context) {
	if err := s.portal.DeleteStudent(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *apiServer) studentSelf(c *gin.Context) {
	claims := auth.FromContext(c)
	m, ok := s.scoped(c)
	if !ok {
		return
	}
	t := m.Tables()
	for _, st := range t.Students {
		if st.StudentID != claims.Subject {
			continue
		}
		available := make([]model.ClassSession, 0, len(t.Sessions))
		for _, sess := range t.Sessions {
			if sess.Status == model.SessionAvailable {
				available = append(available, sess)
			}
		}
		var scores []report.ScoreRow
		for _, a := range t.Assessments {
			if a.ClassID != st.ClassID {
				continue
			}
			for _, rec := range t.Scores {
				if rec.AssessmentID == a.ID && rec.StudentID == st.StudentID {
					pct, graded := report.ScorePercentage(rec.Marks, a.TotalMarks)
					scores = append(scores, report.ScoreRow{
						StudentID:  st.StudentID,
						Name:       a.Name,
						Marks:      rec.Marks,
						Percentage: pct,
						Submitted:  graded,
					})
				}
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"student":              st,
			"attendancePercentage": report.AttendancePercentage(t.Attendance, st.StudentID, available),
			"scores":               scores,
		})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no student record for this account"})
}

// ---- sessions ----

func (s *apiServer) listSessions(c *gin.Context) {
	m, ok := s.scoped(c)
	if !ok {
		return
	}
	sessions := append([]model.ClassSession(nil), m.Tables().Sessions...)
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Date < sessions[j].Date })
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *apiServer) createSession(c *gin.Context) {
	var req struct {
		Date   string `json:"date" binding:"required"`
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := model.SessionStatus(req.Status)
	if req.Status == "" {
		status = model.SessionAvailable
	}
	sess, err := s.portal.SaveSession(c.Request.Context(), actorFrom(c), req.Date, status, req.Reason)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *apiServer) setSessionStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.portal.SetSessionStatus(c.Request.Context(), actorFrom(c), c.Param("id"), model.SessionStatus(req.Status), req.Reason)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": req.Status})
}

func (s *apiServer) deleteSession(c *gin.Context) {
	if err := s.portal.DeleteSession(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- attendance ----

func (s *apiServer) markAttendance(c *gin.Context) {
	var rec model.AttendanceRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	if claims.Role == model.RoleFaculty {
		rec.ClassID = claims.ClassID
	}
	if err := s.portal.MarkAttendance(c.Request.Context(), actorFrom(c), rec); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": rec.Key()})
}

func (s *apiServer) markSessionAttendance(c *gin.Context) {
	var req struct {
		ClassID  string                            `json:"classId"`
		Statuses map[string]model.AttendanceStatus `json:"statuses" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	if claims.Role == model.RoleFaculty {
		req.ClassID = claims.ClassID
	}
	err := s.portal.MarkSessionAttendance(c.Request.Context(), actorFrom(c), c.Param("id"), req.ClassID, req.Statuses)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": len(req.Statuses)})
}

func (s *apiServer) importAttendance(c *gin.Context) {
	var req struct {
		Records []model.AttendanceRecord `json:"records" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	if claims.Role == model.RoleFaculty {
		for i := range req.Records {
			req.Records[i].ClassID = claims.ClassID
		}
	}
	if err := s.portal.ImportAttendance(c.Request.Context(), actorFrom(c), req.Records); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": len(req.Records)})
}

// ---- assessments & scores ----

func (s *apiServer) listAssessments(c *gin.Context) {
	m, ok := s.scoped(c)
	if !ok {
		return
	}
	assessments := append([]model.Assessment(nil), m.Tables().Assessments...)
	sort.Slice(assessments, func(i, j int) bool { return assessments[i].Date < assessments[j].Date })
	c.JSON(http.StatusOK, gin.H{"assessments": assessments})
}

func (s *apiServer) createAssessment(c *gin.Context) {
	var a model.Assessment
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	if claims.Role == model.RoleFaculty {
		a.ClassID = claims.ClassID
	}
	saved, err := s.portal.SaveAssessment(c.Request.Context(), actorFrom(c), a)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *apiServer) deleteAssessment(c *gin.Context) {
	if err := s.portal.DeleteAssessment(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *apiServer) saveScore(c *gin.Context) {
	var rec model.ScoreRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.portal.SaveScore(c.Request.Context(), actorFrom(c), rec); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": rec.Key()})
}

func (s *apiServer) saveScores(c *gin.Context) {
	var req struct {
		Marks map[string]*float64 `json:"marks" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.portal.SaveScores(c.Request.Context(), actorFrom(c), c.Param("id"), req.Marks)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": len(req.Marks)})
}

// ---- reports ----

func (s *apiServer) attendanceMatrix(c *gin.Context) {
	m, ok := s.scoped(c)
	if !ok {
		return
	}
	t := m.Tables()
	c.JSON(http.StatusOK, report.OverallMatrix(t.Students, t.Sessions, t.Attendance))
}

func (s *apiServer) attendanceMatrixXLSX(c *gin.Context) {
	m, ok := s.scoped(c)
	if !ok {
		return
	}
	t := m.Tables()
	f, err := export.MatrixWorkbook(report.OverallMatrix(t.Students, t.Sessions, t.Attendance))
	if err != nil {
		log.Printf("matrix export failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="attendance-matrix.xlsx"`)
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err := f.Write(c.Writer); err != nil {
		log.Printf("matrix export write failed: %v", err)
	}
}

func (s *apiServer) dayWiseReport(c *gin.Context) {
	m, ok := s.scoped(c)
	if !ok {
		return
	}
	t := m.Tables()
	c.JSON(http.StatusOK, report.DayWiseReport(t.Students, t.Attendance, c.Param("sessionId")))
}

func (s *apiServer) assessmentReport(c *gin.Context) {
	rep, ok := s.buildAssessmentReport(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *apiServer) assessmentReportXLSX(c *gin.Context) {
	rep, ok := s.buildAssessmentReport(c, c.Param("id"))
	if !ok {
		return
	}
	f, err := export.AssessmentWorkbook(rep)
	if err != nil {
		log.Printf("assessment export failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="assessment-report.xlsx"`)
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err := f.Write(c.Writer); err != nil {
		log.Printf("assessment export write failed: %v", err)
	}
}

func (s *apiServer) buildAssessmentReport(c *gin.Context, id string) (report.AssessmentReport, bool) {
	m, ok := s.scoped(c)
	if !ok {
		return report.AssessmentReport{}, false
	}
	t := m.Tables()
	for _, a := range t.Assessments {
		if a.ID == id {
			students := make([]model.Student, 0, len(t.Students))
			for _, st := range t.Students {
				if st.ClassID == a.ClassID {
					students = append(students, st)
				}
			}
			return report.BuildAssessmentReport(a, students, t.Scores), true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown assessment"})
	return report.AssessmentReport{}, false
}

func (s *apiServer) classAnalytics(c *gin.Context) {
	m, ok := s.scoped(c)
	if !ok {
		return
	}
	t := m.Tables()
	stats := report.ClassAnalytics(t.Classes, t.Students, t.Sessions, t.Attendance, t.Assessments, t.Scores)
	c.JSON(http.StatusOK, gin.H{"classes": stats})
}

// ---- classes, roles, activity ----

func (s *apiServer) listClasses(c *gin.Context) {
	m, ok := s.scoped(c)
	if !ok {
		return
	}
	classes := append([]model.Class(nil), m.Tables().Classes...)
	sort.Slice(classes, func(i, j int) bool { return classes[i].Name < classes[j].Name })
	c.JSON(http.StatusOK, gin.H{"classes": classes})
}

func (s *apiServer) createClass(c *gin.Context) {
	var cls model.Class
	if err := c.ShouldBindJSON(&cls); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := s.portal.SaveClass(c.Request.Context(), actorFrom(c), cls)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *apiServer) deleteClass(c *gin.Context) {
	if err := s.portal.DeleteClass(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	s.mirrors.DropFaculty(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *apiServer) listRoles(c *gin.Context) {
	m, ok := s.scoped(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"roles": m.Tables().Roles})
}

func (s *apiServer) saveRole(c *gin.Context) {
	var req struct {
		UID      string `json:"uid" binding:"required"`
		Role     string `json:"role" binding:"required"`
		ClassID  string `json:"classId"`
		Email    string `json:"email" binding:"required"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u := model.UserRole{UID: req.UID, Role: req.Role, ClassID: req.ClassID, Email: req.Email}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "hash failed"})
			return
		}
		u.PasswordHash = hash
	}
	if err := s.portal.SaveUserRole(c.Request.Context(), actorFrom(c), u); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"uid": u.UID})
}

func (s *apiServer) deleteRole(c *gin.Context) {
	if err := s.portal.DeleteUserRole(c.Request.Context(), actorFrom(c), c.Param("uid")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *apiServer) listActivity(c *gin.Context) {
	limit := 100
	entries, err := s.portal.ListActivity(c.Request.Context(), limit)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries})
}
