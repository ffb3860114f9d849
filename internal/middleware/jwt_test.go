package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/studyshelf/studyshelf-api/internal/models"
	"github.com/studyshelf/studyshelf-api/internal/service"
	appErrors "github.com/studyshelf/studyshelf-api/pkg/errors"
	"github.com/studyshelf/studyshelf-api/pkg/response"
)

const testSecret = "middleware-secret"

func newProtectedRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	authSvc := service.NewAuthService(nil, nil, nil, service.AuthConfig{
		Secret: testSecret,
		Expiry: time.Hour,
	})

	r := gin.New()
	r.GET("/protected", JWT(authSvc), func(c *gin.Context) {
		value, _ := c.Get(ContextUserKey)
		claims := value.(*models.JWTClaims)
		c.JSON(http.StatusOK, gin.H{"email": claims.Email})
	})
	return r
}

func mintToken(t *testing.T, secret string, expiry time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := &models.JWTClaims{
		UserID: "u1",
		Email:  "alice@example.com",
		Role:   models.RoleStudent,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope response.ErrorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	return envelope.Error.Code
}

func TestJWTMissingHeaderIsUnauthorized(t *testing.T) {
	r := newProtectedRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, appErrors.ErrUnauthorized.Code, errorCode(t, w))
}

func TestJWTMalformedHeaderIsUnauthorized(t *testing.T) {
	r := newProtectedRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Token abc")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTInvalidTokenIsForbidden(t *testing.T) {
	r := newProtectedRouter(t)

	cases := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.token"},
		{"wrong secret", mintToken(t, "other-secret", time.Hour)},
		{"expired", mintToken(t, testSecret, -time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			req.Header.Set("Authorization", "Bearer "+tc.token)
			r.ServeHTTP(w, req)

			require.Equal(t, http.StatusForbidden, w.Code)
			require.Equal(t, appErrors.ErrInvalidToken.Code, errorCode(t, w))
		})
	}
}

func TestJWTValidTokenAttachesClaims(t *testing.T) {
	r := newProtectedRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, time.Hour))
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "alice@example.com")
}

func TestOptionalJWTPassesAnonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authSvc := service.NewAuthService(nil, nil, nil, service.AuthConfig{Secret: testSecret, Expiry: time.Hour})

	r := gin.New()
	r.GET("/open", OptionalJWT(authSvc), func(c *gin.Context) {
		_, authed := c.Get(ContextUserKey)
		c.JSON(http.StatusOK, gin.H{"authenticated": authed})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "false")

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, time.Hour))
	r.ServeHTTP(w, req)
	require.Contains(t, w.Body.String(), "true")
}
