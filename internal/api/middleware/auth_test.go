package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID  = "test-key"
	testIssuer = "https://keycloak.test/realms/gosign"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

// newTestJWTAuth создаёт JWTAuth с RSA ключом для тестов.
func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc из JWKS JSON: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, testIssuer, testLogger())
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":                "user-1",
		"iss":                testIssuer,
		"exp":                now.Add(time.Hour).Unix(),
		"iat":                now.Unix(),
		"preferred_username": "alice",
		"email":              "alice@example.com",
		"email_verified":     true,
	}
}

func TestJWTAuth_ValidToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	auth := newTestJWTAuth(t, key)

	var got *AuthClaims
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer "+signRS256(t, key, validClaims()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d, тело: %s", rec.Code, rec.Body.String())
	}
	if got == nil {
		t.Fatal("claims не попали в контекст")
	}
	if got.Subject != "user-1" || got.PreferredUsername != "alice" || got.Email != "alice@example.com" {
		t.Errorf("неожиданные claims: %+v", got)
	}
	if id := got.Identity(); id.Subject != "user-1" || id.Email != "alice@example.com" {
		t.Errorf("неожиданная identity: %+v", id)
	}
}

func TestJWTAuth_UnverifiedEmailIgnored(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	auth := newTestJWTAuth(t, key)

	claims := validClaims()
	claims["email_verified"] = false

	var got *AuthClaims
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClaimsFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer "+signRS256(t, key, claims))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil {
		t.Fatal("токен должен быть принят")
	}
	if got.Email != "" {
		t.Errorf("неподтверждённый email не должен использоваться, получен %q", got.Email)
	}
}

func TestJWTAuth_Rejected(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	otherKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	auth := newTestJWTAuth(t, key)
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler не должен быть вызван")
	}))

	with := func(mutate func(jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		mutate(c)
		return c
	}

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	hs.Header["kid"] = testKeyID
	hsToken, _ := hs.SignedString([]byte("secret"))

	tests := []struct {
		name   string
		header string
	}{
		{"нет заголовка", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"без префикса bearer", "token123"},
		{"пустой bearer", "Bearer "},
		{"просроченный", "Bearer " + signRS256(t, key, with(func(c jwt.MapClaims) {
			c["exp"] = time.Now().Add(-time.Hour).Unix()
		}))},
		{"без exp", "Bearer " + signRS256(t, key, with(func(c jwt.MapClaims) { delete(c, "exp") }))},
		{"чужой issuer", "Bearer " + signRS256(t, key, with(func(c jwt.MapClaims) { c["iss"] = "https://evil.test" }))},
		{"без sub", "Bearer " + signRS256(t, key, with(func(c jwt.MapClaims) { delete(c, "sub") }))},
		{"чужой ключ", "Bearer " + signRS256(t, otherKey, validClaims())},
		{"HS256", "Bearer " + hsToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("ожидался статус 401, получен %d", rec.Code)
			}
		})
	}
}

func TestDevIdentity(t *testing.T) {
	var got *AuthClaims
	handler := DevIdentity("dev-user")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClaimsFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got == nil || got.Subject != "dev-user" || got.Email != "" {
		t.Fatalf("ожидался субъект по умолчанию, получено %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	req.Header.Set(HeaderDevSubject, "bob-id")
	req.Header.Set(HeaderDevEmail, "bob@example.com")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got.Subject != "bob-id" || got.Email != "bob@example.com" {
		t.Errorf("identity из заголовков не применена: %+v", got)
	}
}

func TestSubjectFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if sub := SubjectFromContext(req.Context()); sub != "" {
		t.Errorf("ожидалась пустая строка, получено %q", sub)
	}
}
