package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/studyshelf/studyshelf-api/internal/models"
	"github.com/studyshelf/studyshelf-api/internal/repository"
	appErrors "github.com/studyshelf/studyshelf-api/pkg/errors"
)

type stubUserRepo struct {
	users  map[string]*models.User
	audits []*models.AuditLog
	nextID int
}

func newStubUserRepo() *stubUserRepo {
	return &stubUserRepo{users: make(map[string]*models.User)}
}

func (r *stubUserRepo) FindByEmail(_ context.Context, email string) (*models.User, error) {
	user, ok := r.users[strings.ToLower(email)]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (r *stubUserRepo) Create(_ context.Context, user *models.User) error {
	key := strings.ToLower(user.Email)
	if _, exists := r.users[key]; exists {
		return repository.ErrDuplicateEmail
	}
	r.nextID++
	if user.ID == "" {
		user.ID = fmt.Sprintf("user-%d", r.nextID)
	}
	r.users[key] = user
	return nil
}

func (r *stubUserRepo) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	r.audits = append(r.audits, log)
	return nil
}

func newTestAuthService(repo *stubUserRepo) *AuthService {
	return NewAuthService(repo, nil, nil, AuthConfig{
		Secret:     "test-secret",
		Expiry:     time.Hour,
		Issuer:     "studyshelf-test",
		AdminEmail: "admin@gmail.com",
		BcryptCost: 4,
	})
}

func TestRegisterAssignsRoles(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestAuthService(repo)

	resp, err := svc.Register(context.Background(), models.RegisterRequest{
		Name: "Alice", Email: "Alice@Example.com", Password: "secret1",
	})
	require.NoError(t, err)
	require.Equal(t, "Registration successful!", resp.Message)
	require.Equal(t, models.RoleStudent, repo.users["alice@example.com"].Role)

	resp, err = svc.Register(context.Background(), models.RegisterRequest{
		Name: "Admin", Email: "admin@gmail.com", Password: "secret1",
	})
	require.NoError(t, err)
	require.Equal(t, "Admin account created successfully!", resp.Message)
	require.Equal(t, models.RoleAdmin, repo.users["admin@gmail.com"].Role)
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestAuthService(newStubUserRepo())

	_, err := svc.Register(context.Background(), models.RegisterRequest{Email: "alice@example.com"})
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	require.Equal(t, "all fields are required", appErr.Message)

	_, err = svc.Register(context.Background(), models.RegisterRequest{
		Name: "Alice", Email: "not-an-email", Password: "secret1",
	})
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestAuthService(repo)

	req := models.RegisterRequest{Name: "Alice", Email: "alice@example.com", Password: "secret1"}
	_, err := svc.Register(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), req)
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
	require.Equal(t, 409, appErr.Status)
}

func TestLoginUniformFailureMessage(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestAuthService(repo)

	_, err := svc.Register(context.Background(), models.RegisterRequest{
		Name: "Alice", Email: "alice@example.com", Password: "secret1",
	})
	require.NoError(t, err)

	// Unknown email and wrong password must be indistinguishable.
	_, unknownErr := svc.Login(context.Background(), models.LoginRequest{
		Email: "bob@example.com", Password: "secret1",
	})
	_, wrongPassErr := svc.Login(context.Background(), models.LoginRequest{
		Email: "alice@example.com", Password: "wrong-pass",
	})

	for _, err := range []error{unknownErr, wrongPassErr} {
		appErr := appErrors.FromError(err)
		require.Equal(t, appErrors.ErrInvalidCredentials.Code, appErr.Code)
		require.Equal(t, 400, appErr.Status)
		require.Equal(t, "invalid email or password", appErr.Message)
	}
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestAuthService(repo)

	_, err := svc.Register(context.Background(), models.RegisterRequest{
		Name: "Alice", Email: "alice@example.com", Password: "secret1",
	})
	require.NoError(t, err)

	resp, err := svc.Login(context.Background(), models.LoginRequest{
		Email: "alice@example.com", Password: "secret1",
	})
	require.NoError(t, err)
	require.Equal(t, "Login successful!", resp.Message)
	require.NotEmpty(t, resp.Token)
	require.Equal(t, "alice@example.com", resp.User.Email)
	require.Equal(t, models.RoleStudent, resp.User.Role)

	claims, err := svc.ValidateToken(resp.Token)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", claims.Email)
	require.Equal(t, models.RoleStudent, claims.Role)
	require.False(t, claims.Principal().IsAdmin())
}

func TestValidateTokenRejectsExpiredAndTampered(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestAuthService(repo)

	_, err := svc.Register(context.Background(), models.RegisterRequest{
		Name: "Alice", Email: "alice@example.com", Password: "secret1",
	})
	require.NoError(t, err)

	expiredSvc := NewAuthService(repo, nil, nil, AuthConfig{
		Secret: "test-secret", Expiry: -time.Minute, Issuer: "studyshelf-test", BcryptCost: 4,
	})
	resp, err := expiredSvc.Login(context.Background(), models.LoginRequest{
		Email: "alice@example.com", Password: "secret1",
	})
	require.NoError(t, err)

	_, err = svc.ValidateToken(resp.Token)
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrInvalidToken.Code, appErr.Code)
	require.Equal(t, 403, appErr.Status)

	_, err = svc.ValidateToken("not.a.token")
	require.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)
}

func TestEnsureAdmin(t *testing.T) {
	repo := newStubUserRepo()
	svc := NewAuthService(repo, nil, nil, AuthConfig{
		Secret: "test-secret", Expiry: time.Hour, Issuer: "studyshelf-test",
		AdminEmail: "admin@gmail.com", AdminPassword: "bootstrap-pass", BcryptCost: 4,
	})

	require.NoError(t, svc.EnsureAdmin(context.Background()))
	admin, ok := repo.users["admin@gmail.com"]
	require.True(t, ok)
	require.Equal(t, models.RoleAdmin, admin.Role)

	// Second call finds the account and leaves it alone.
	require.NoError(t, svc.EnsureAdmin(context.Background()))
	require.Len(t, repo.users, 1)

	resp, err := svc.Login(context.Background(), models.LoginRequest{
		Email: "admin@gmail.com", Password: "bootstrap-pass",
	})
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, resp.User.Role)
}

func TestEnsureAdminNoopWithoutPassword(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestAuthService(repo)

	require.NoError(t, svc.EnsureAdmin(context.Background()))
	require.Empty(t, repo.users)
}
