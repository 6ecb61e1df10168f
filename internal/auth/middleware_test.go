package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func newRouter(secret, audience string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(JWTMiddleware(secret, audience))
	router.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, Owner(c.Request.Context()))
	})
	return router
}

func signToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func call(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestMiddlewareDisabledWithoutSecret(t *testing.T) {
	resp := call(newRouter("", ""), "")
	if resp.Code != http.StatusOK || resp.Body.String() != "" {
		t.Fatalf("expected anonymous pass-through, got %d %q", resp.Code, resp.Body.String())
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	token := signToken(t, jwt.RegisteredClaims{
		Subject:   "user-123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	resp := call(newRouter(testSecret, ""), "Bearer "+token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Body.String() != "user-123" {
		t.Fatalf("unexpected owner %q", resp.Body.String())
	}
}

func TestMiddlewareRejections(t *testing.T) {
	expired := signToken(t, jwt.RegisteredClaims{
		Subject:   "user-123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	noSubject := signToken(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	wrongAudience := signToken(t, jwt.RegisteredClaims{
		Subject:  "user-123",
		Audience: jwt.ClaimStrings{"someone-else"},
	})

	cases := map[string]struct {
		audience string
		header   string
	}{
		"missing header":  {header: ""},
		"not bearer":      {header: "Basic abc"},
		"empty token":     {header: "Bearer  "},
		"garbage token":   {header: "Bearer not-a-jwt"},
		"expired token":   {header: "Bearer " + expired},
		"missing subject": {header: "Bearer " + noSubject},
		"wrong audience":  {audience: "flower-id", header: "Bearer " + wrongAudience},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp := call(newRouter(testSecret, tc.audience), tc.header)
			if resp.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.Code)
			}
		})
	}
}
