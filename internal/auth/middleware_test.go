package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSecret   = "test-secret"
	testAudience = "livecapture-kiosk"
)

func newProtectedRouter(secret, audience string) (*gin.Engine, *string) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	var seenOperator string
	router.GET("/protected", JWTMiddleware(secret, audience), func(c *gin.Context) {
		if operator, ok := GetOperatorID(c.Request.Context()); ok {
			seenOperator = operator
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router, &seenOperator
}

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func request(router *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestJWTMiddlewareAcceptsValidToken(t *testing.T) {
	router, seenOperator := newProtectedRouter(testSecret, testAudience)

	token := signToken(t, testSecret, jwt.RegisteredClaims{
		Subject:   "operator-1",
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	recorder := request(router, "Bearer "+token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if *seenOperator != "operator-1" {
		t.Fatalf("operator identity not propagated, got %q", *seenOperator)
	}
}

func TestJWTMiddlewareRejections(t *testing.T) {
	validClaims := jwt.RegisteredClaims{
		Subject:   "operator-1",
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	cases := []struct {
		name          string
		authorization func(t *testing.T) string
	}{
		{"missing header", func(t *testing.T) string { return "" }},
		{"not bearer", func(t *testing.T) string { return "Basic abc" }},
		{"garbage token", func(t *testing.T) string { return "Bearer not.a.token" }},
		{"wrong secret", func(t *testing.T) string {
			return "Bearer " + signToken(t, "other-secret", validClaims)
		}},
		{"expired", func(t *testing.T) string {
			claims := validClaims
			claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return "Bearer " + signToken(t, testSecret, claims)
		}},
		{"wrong audience", func(t *testing.T) string {
			claims := validClaims
			claims.Audience = jwt.ClaimStrings{"someone-else"}
			return "Bearer " + signToken(t, testSecret, claims)
		}},
		{"missing subject", func(t *testing.T) string {
			claims := validClaims
			claims.Subject = ""
			return "Bearer " + signToken(t, testSecret, claims)
		}},
	}

	router, _ := newProtectedRouter(testSecret, testAudience)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := request(router, tc.authorization(t))
			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", recorder.Code)
			}
		})
	}
}

func TestGetOperatorIDWithoutIdentity(t *testing.T) {
	if _, ok := GetOperatorID(nil); ok {
		t.Fatal("nil context must not carry an identity")
	}
}
