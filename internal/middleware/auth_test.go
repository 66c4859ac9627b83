package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/silkroad/internal/httputil"
	"github.com/R3E-Network/silkroad/internal/logging"
)

var testSecret = []byte("test-secret-with-enough-entropy")

func generateTestToken(t *testing.T, secret []byte, accountID string, expired bool) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	if expired {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	}
	tok, err := SignToken(secret, "silkroad", accountID, claims)
	if err != nil {
		t.Fatalf("SignToken() err = %v", err)
	}
	return tok
}

func newTestAuth(skip ...string) *AuthMiddleware {
	return NewAuthMiddleware(testSecret, "silkroad", logging.New("test", "error", "json"), skip)
}

// echoUser writes the authenticated account ID.
var echoUser = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(GetUserID(r.Context())))
})

func TestAuthMiddleware_SkipPaths(t *testing.T) {
	m := newTestAuth("/health")
	if len(m.skipPaths) != 1 || !m.skipPaths["/health"] {
		t.Fatalf("skipPaths = %v", m.skipPaths)
	}

	rec := httptest.NewRecorder()
	m.Handler(echoUser).ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	otherSecret := generateTestToken(t, []byte("another-secret"), "p1", false)
	expired := generateTestToken(t, testSecret, "p1", true)
	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "p1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	wrongIssuer, _ := SignToken(testSecret, "elsewhere", "p1", jwt.RegisteredClaims{})
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "silkroad"},
	}).SignedString(testSecret)

	tests := []struct {
		name     string
		header   string
		wantCode string
	}{
		{"missing header", "", "NOT_AUTHENTICATED"},
		{"wrong scheme", "Basic abc", "NOT_AUTHENTICATED"},
		{"empty bearer", "Bearer ", "NOT_AUTHENTICATED"},
		{"garbage token", "Bearer not-a-jwt", "INVALID_TOKEN"},
		{"wrong secret", "Bearer " + otherSecret, "INVALID_TOKEN"},
		{"expired", "Bearer " + expired, "INVALID_TOKEN"},
		{"alg none", "Bearer " + noneAlg, "INVALID_TOKEN"},
		{"wrong issuer", "Bearer " + wrongIssuer, "INVALID_TOKEN"},
		{"no subject", "Bearer " + noSubject, "INVALID_TOKEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/session", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			newTestAuth().Handler(echoUser).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("Status code = %d, want 401", rec.Code)
			}
			var body httputil.ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/session", nil)
	req.Header.Set("Authorization", "Bearer "+generateTestToken(t, testSecret, "player-7", false))
	rec := httptest.NewRecorder()

	newTestAuth().Handler(echoUser).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "player-7" {
		t.Errorf("user id = %q, want player-7", rec.Body.String())
	}
}

func TestAuthMiddleware_QueryTokenFallback(t *testing.T) {
	tok := generateTestToken(t, testSecret, "player-8", false)
	req := httptest.NewRequest("GET", "/api/v1/session/stream?access_token="+tok, nil)
	rec := httptest.NewRecorder()

	newTestAuth().Handler(echoUser).ServeHTTP(rec, req)

	if rec.Body.String() != "player-8" {
		t.Errorf("user id = %q, want player-8", rec.Body.String())
	}
}

func TestClaimsAccountIDFallsBackToSubject(t *testing.T) {
	c := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-1"}}
	if c.AccountID() != "sub-1" {
		t.Errorf("AccountID() = %q, want sub-1", c.AccountID())
	}
	c.UserID = "user-1"
	if c.AccountID() != "user-1" {
		t.Errorf("AccountID() = %q, want user-1", c.AccountID())
	}
}
