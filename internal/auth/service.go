package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/option"

	"github.com/alansahai/csm-sjc/internal/model"
	"github.com/alansahai/csm-sjc/internal/store"
)

// Sign-in failure taxonomy: bad credentials get a 401, a verified identity
// with no authorization entry gets a 403 and the client discards its tokens.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrNotAuthorized      = errors.New("auth: identity has no portal role")
)

// Service resolves identities against the userRoles collection and issues
// portal tokens. Password sign-in covers locally provisioned admin/faculty
// accounts; students come in through the identity provider token path.
type Service struct {
	store      store.Store
	fb         *fbauth.Client
	issuer     string
	signingKey string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewService builds the auth service without an identity provider; password
// sign-in works immediately.
func NewService(st store.Store, issuer, signingKey string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		store:      st,
		issuer:     issuer,
		signingKey: signingKey,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// EnableFirebase attaches the identity provider so ID-token sign-in works.
// credentialsFile may be empty for application default credentials.
func (s *Service) EnableFirebase(ctx context.Context, credentialsFile string) error {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return fmt.Errorf("firebase init: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return fmt.Errorf("firebase auth client: %w", err)
	}
	s.fb = client
	return nil
}

// SignIn authenticates a locally provisioned account by email and password.
func (s *Service) SignIn(ctx context.Context, email, password string) (TokenPair, Claims, error) {
	docs, err := s.store.Query(ctx, model.ColUserRoles, []store.Filter{{Field: "email", Value: email}}, nil, 1)
	if err != nil {
		return TokenPair{}, Claims{}, err
	}
	if len(docs) == 0 {
		return TokenPair{}, Claims{}, ErrInvalidCredentials
	}
	role, err := model.UserRoleFromDoc(docs[0])
	if err != nil {
		return TokenPair{}, Claims{}, ErrInvalidCredentials
	}
	if role.PasswordHash == "" {
		return TokenPair{}, Claims{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(role.PasswordHash), []byte(password)) != nil {
		return TokenPair{}, Claims{}, ErrInvalidCredentials
	}
	return s.issue(role.UID, role.Role, role.ClassID, role.Email)
}

// SignInWithIDToken verifies a provider ID token and resolves the portal
// role: a userRoles entry wins; otherwise a matching student email yields a
// read-only student token whose subject is the studentId.
func (s *Service) SignInWithIDToken(ctx context.Context, idToken string) (TokenPair, Claims, error) {
	if s.fb == nil {
		return TokenPair{}, Claims{}, errors.New("auth: identity provider not configured")
	}
	token, err := s.fb.VerifyIDToken(ctx, idToken)
	if err != nil {
		return TokenPair{}, Claims{}, ErrInvalidCredentials
	}
	email, _ := token.Claims["email"].(string)

	doc, err := s.store.Get(ctx, model.ColUserRoles, token.UID)
	if err == nil {
		role, derr := model.UserRoleFromDoc(doc)
		if derr != nil {
			return TokenPair{}, Claims{}, ErrNotAuthorized
		}
		return s.issue(role.UID, role.Role, role.ClassID, role.Email)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return TokenPair{}, Claims{}, err
	}
	return s.signInStudent(ctx, email)
}

// signInStudent issues a read-only token when the verified email maps to
// exactly one roster entry. An ambiguous email authorizes nobody; the query
// fetches two so a duplicate is detectable.
func (s *Service) signInStudent(ctx context.Context, email string) (TokenPair, Claims, error) {
	if email == "" {
		return TokenPair{}, Claims{}, ErrNotAuthorized
	}
	matches, err := s.store.Query(ctx, model.ColStudents, []store.Filter{{Field: "email", Value: email}}, nil, 2)
	if err != nil {
		return TokenPair{}, Claims{}, err
	}
	if len(matches) != 1 {
		return TokenPair{}, Claims{}, ErrNotAuthorized
	}
	return s.issue(matches[0].ID, model.RoleStudent, "", email)
}

// Refresh exchanges a valid refresh token for a new pair. Access tokens are
// rejected here even though they carry the same identity.
func (s *Service) Refresh(refreshToken string) (TokenPair, Claims, error) {
	claims, err := Parse(refreshToken, s.signingKey, s.issuer)
	if err != nil || claims.TokenType != TokenRefresh {
		return TokenPair{}, Claims{}, ErrInvalidCredentials
	}
	return s.issue(claims.Subject, claims.Role, claims.ClassID, claims.Email)
}

func (s *Service) issue(subject, role, classID, email string) (TokenPair, Claims, error) {
	pair, err := Issue(subject, role, classID, email, s.issuer, s.signingKey, s.accessTTL, s.refreshTTL)
	if err != nil {
		return TokenPair{}, Claims{}, err
	}
	return pair, Claims{Subject: subject, Role: role, ClassID: classID, Email: email}, nil
}

// HashPassword hashes a password for a locally provisioned account.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
