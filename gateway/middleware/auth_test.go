package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"escrowchain/crypto"
)

const testSecret = "middleware-test-secret"

func testAccount(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims(subject string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub": subject,
		"iss": "escrow-test",
		"aud": "escrow-node",
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	}
}

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(AuthConfig{
		HMACSecret: testSecret,
		Issuer:     "escrow-test",
		Audience:   "escrow-node",
	}, nil)
}

func TestAuthenticateResolvesAccount(t *testing.T) {
	account := testAccount(0xAB)
	auth := newTestAuthenticator()

	for _, subject := range []string{crypto.FormatAccount(account), "0xabababababababababababababababababababab"} {
		token := signToken(t, testSecret, baseClaims(subject))
		principal, err := auth.Authenticate("Bearer " + token)
		if err != nil {
			t.Fatalf("authenticate %s: %v", subject, err)
		}
		if principal.Account != account {
			t.Fatalf("unexpected account %x", principal.Account)
		}
		if principal.Subject != subject {
			t.Fatalf("unexpected subject %q", principal.Subject)
		}
	}
}

func TestAuthenticateRejections(t *testing.T) {
	auth := newTestAuthenticator()
	subject := crypto.FormatAccount(testAccount(0x01))

	expired := baseClaims(subject)
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongAudience := baseClaims(subject)
	wrongAudience["aud"] = "someone-else"
	wrongIssuer := baseClaims(subject)
	wrongIssuer["iss"] = "other"
	noSubject := baseClaims(subject)
	delete(noSubject, "sub")

	cases := []struct {
		name   string
		header string
		want   error
	}{
		{"missing", "", ErrMissingToken},
		{"not bearer", "Basic abc", ErrMissingToken},
		{"bad signature", "Bearer " + signToken(t, "other-secret", baseClaims(subject)), ErrInvalidToken},
		{"expired", "Bearer " + signToken(t, testSecret, expired), ErrInvalidToken},
		{"audience", "Bearer " + signToken(t, testSecret, wrongAudience), ErrInvalidToken},
		{"issuer", "Bearer " + signToken(t, testSecret, wrongIssuer), ErrInvalidToken},
		{"no subject", "Bearer " + signToken(t, testSecret, noSubject), ErrInvalidToken},
		{"bad subject", "Bearer " + signToken(t, testSecret, baseClaims("alice")), ErrInvalidSubject},
		{"zero subject", "Bearer " + signToken(t, testSecret, baseClaims("0x0000000000000000000000000000000000000000")), ErrInvalidSubject},
	}
	for _, tc := range cases {
		_, err := auth.Authenticate(tc.header)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestAuthenticateRequiresSecret(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	token := signToken(t, testSecret, baseClaims(crypto.FormatAccount(testAccount(1))))
	if _, err := auth.Authenticate("Bearer " + token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token without secret, got %v", err)
	}
}

func TestMiddlewareInjectsPrincipal(t *testing.T) {
	auth := newTestAuthenticator()
	account := testAccount(0x42)
	var seen [20]byte
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Fatalf("expected principal in context")
		}
		seen = principal.Account
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, baseClaims(crypto.FormatAccount(account))))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if seen != account {
		t.Fatalf("unexpected account in context %x", seen)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/projects", nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.Code)
	}
}

func TestMiddlewareScopesAndOptionalPaths(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{
		HMACSecret:     testSecret,
		OptionalPaths:  []string{"/v1/public"},
		AllowAnonymous: true,
	}, nil)
	var wrote struct {
		status  int
		message string
	}
	auth.SetErrorWriter(func(w http.ResponseWriter, status int, message string) {
		wrote.status, wrote.message = status, message
		w.WriteHeader(status)
	})
	handler := auth.Middleware("escrow:write")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/public/info", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected anonymous access to optional path, got %d", res.Code)
	}

	claims := jwt.MapClaims{"sub": crypto.FormatAccount(testAccount(3)), "scope": "escrow:read"}
	req = httptest.NewRequest(http.MethodPost, "/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, claims))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusForbidden || wrote.message != "insufficient scope" {
		t.Fatalf("expected forbidden via error writer, got %d %q", res.Code, wrote.message)
	}

	claims["scope"] = "escrow:read escrow:write"
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, claims))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected scoped token to pass, got %d", res.Code)
	}
}
