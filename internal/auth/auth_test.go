package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alansahai/csm-sjc/internal/model"
	"github.com/alansahai/csm-sjc/internal/store"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "student-portal"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("u1", model.RoleFaculty, "c1", "f@x.io", testIssuer, testKey, 15*time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty tokens")
	}

	claims, err := Parse(pair.AccessToken, testKey, testIssuer)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "u1" || claims.Role != model.RoleFaculty || claims.ClassID != "c1" || claims.Email != "f@x.io" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.TokenType != TokenAccess {
		t.Errorf("access token typ = %q, want %q", claims.TokenType, TokenAccess)
	}
	refreshClaims, err := Parse(pair.RefreshToken, testKey, testIssuer)
	if err != nil {
		t.Fatal(err)
	}
	if refreshClaims.TokenType != TokenRefresh {
		t.Errorf("refresh token typ = %q, want %q", refreshClaims.TokenType, TokenRefresh)
	}

	if _, err := Parse(pair.AccessToken, "wrong-key", testIssuer); err == nil {
		t.Error("token accepted with wrong key")
	}
	if _, err := Parse(pair.AccessToken, testKey, "other-issuer"); err == nil {
		t.Error("token accepted with wrong issuer")
	}
	if _, err := Parse("not.a.token", testKey, testIssuer); err == nil {
		t.Error("garbage accepted")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	pair, err := Issue("u1", model.RoleAdmin, "", "a@x.io", testIssuer, testKey, -time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(pair.AccessToken, testKey, testIssuer); err == nil {
		t.Error("expired access token accepted")
	}
}

func newTestAuth(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewService(mem, testIssuer, testKey, 15*time.Minute, 24*time.Hour), mem
}

func seedRole(t *testing.T, mem *store.Memory, u model.UserRole, password string) {
	t.Helper()
	if password != "" {
		hash, err := HashPassword(password)
		if err != nil {
			t.Fatal(err)
		}
		u.PasswordHash = hash
	}
	if err := mem.Set(context.Background(), model.ColUserRoles, u.UID, u.ToDoc(), false); err != nil {
		t.Fatal(err)
	}
}

func TestSignIn(t *testing.T) {
	svc, mem := newTestAuth(t)
	ctx := context.Background()
	seedRole(t, mem, model.UserRole{UID: "u1", Role: model.RoleFaculty, ClassID: "c1", Email: "f@x.io"}, "s3cret")
	// Provider-only account: no local password.
	seedRole(t, mem, model.UserRole{UID: "u2", Role: model.RoleAdmin, Email: "a@x.io"}, "")

	pair, claims, err := svc.SignIn(ctx, "f@x.io", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if claims.Role != model.RoleFaculty || claims.ClassID != "c1" || claims.Subject != "u1" {
		t.Errorf("claims = %+v", claims)
	}
	parsed, err := Parse(pair.AccessToken, testKey, testIssuer)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.ClassID != "c1" {
		t.Errorf("token missing class scope: %+v", parsed)
	}

	tests := []struct {
		name            string
		email, password string
	}{
		{"wrong password", "f@x.io", "nope"},
		{"unknown email", "ghost@x.io", "s3cret"},
		{"account without local password", "a@x.io", "anything"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := svc.SignIn(ctx, tt.email, tt.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("err = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	svc, mem := newTestAuth(t)
	seedRole(t, mem, model.UserRole{UID: "u1", Role: model.RoleAdmin, Email: "a@x.io"}, "pw")

	pair, _, err := svc.SignIn(context.Background(), "a@x.io", "pw")
	if err != nil {
		t.Fatal(err)
	}
	newPair, claims, err := svc.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "u1" || claims.Role != model.RoleAdmin {
		t.Errorf("refreshed claims = %+v", claims)
	}
	if newPair.AccessToken == "" {
		t.Error("no new access token")
	}

	if _, _, err := svc.Refresh("garbage"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
	// An access token carries the same identity but must not mint a new pair.
	if _, _, err := svc.Refresh(pair.AccessToken); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("refresh with access token: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestStudentSignInByEmail(t *testing.T) {
	svc, mem := newTestAuth(t)
	ctx := context.Background()
	seed := func(id, email string) {
		st := model.Student{StudentID: id, FirstName: "N" + id, ClassID: "c1", Email: email}
		if err := mem.Set(ctx, model.ColStudents, id, st.ToDoc(), false); err != nil {
			t.Fatal(err)
		}
	}
	seed("S1", "s1@x.io")
	seed("S2", "shared@x.io")
	seed("S3", "shared@x.io")

	pair, claims, err := svc.signInStudent(ctx, "s1@x.io")
	if err != nil {
		t.Fatal(err)
	}
	if claims.Role != model.RoleStudent || claims.Subject != "S1" {
		t.Errorf("claims = %+v, want student token for S1", claims)
	}
	parsed, err := Parse(pair.AccessToken, testKey, testIssuer)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Subject != "S1" {
		t.Errorf("token subject = %q", parsed.Subject)
	}

	// Two roster entries sharing an email authorize nobody.
	if _, _, err := svc.signInStudent(ctx, "shared@x.io"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("ambiguous email: err = %v, want ErrNotAuthorized", err)
	}
	if _, _, err := svc.signInStudent(ctx, "ghost@x.io"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("unknown email: err = %v, want ErrNotAuthorized", err)
	}
	if _, _, err := svc.signInStudent(ctx, ""); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("empty email: err = %v, want ErrNotAuthorized", err)
	}
}

func TestSignInWithIDTokenRequiresProvider(t *testing.T) {
	svc, _ := newTestAuth(t)
	if _, _, err := svc.SignInWithIDToken(context.Background(), "token"); err == nil {
		t.Error("ID-token sign-in worked without a configured provider")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	protected := r.Group("/", RequireAuth(testKey, testIssuer))
	protected.GET("/any", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"role": FromContext(c).Role})
	})
	admin := protected.Group("/", RequireRole(model.RoleAdmin))
	admin.GET("/admin", func(c *gin.Context) { c.Status(http.StatusOK) })

	facultyPair, err := Issue("u1", model.RoleFaculty, "c1", "f@x.io", testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	adminPair, err := Issue("u2", model.RoleAdmin, "", "a@x.io", testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"no token", "/any", "", http.StatusUnauthorized},
		{"bad token", "/any", "bogus", http.StatusUnauthorized},
		{"refresh token on api route", "/any", facultyPair.RefreshToken, http.StatusUnauthorized},
		{"faculty on open route", "/any", facultyPair.AccessToken, http.StatusOK},
		{"faculty on admin route", "/admin", facultyPair.AccessToken, http.StatusForbidden},
		{"admin on admin route", "/admin", adminPair.AccessToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}
