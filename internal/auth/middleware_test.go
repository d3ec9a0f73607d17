package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Ft2801/progetto-PA/internal/model"
)

var secret = []byte("test-secret")

func okHandler(t *testing.T, wantID int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromContext(r.Context())
		if p == nil || p.ID != wantID {
			t.Errorf("principal = %+v, want id %d", p, wantID)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, token string) int {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp.Code
}

func mustToken(t *testing.T, id int64, role model.Role) string {
	t.Helper()
	token, err := IssueToken(Principal{ID: id, Role: role}, secret, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestAuthenticate_NoToken(t *testing.T) {
	h := Authenticate(secret)(okHandler(t, 0))
	if code := serve(h, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestAuthenticate_ValidToken(t *testing.T) {
	h := Authenticate(secret)(okHandler(t, 42))
	if code := serve(h, mustToken(t, 42, model.RoleConsumer)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	token, err := IssueToken(Principal{ID: 1, Role: model.RoleConsumer}, []byte("other"), time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	h := Authenticate(secret)(okHandler(t, 1))
	if code := serve(h, token); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	expired, err := IssueToken(Principal{ID: 1, Role: model.RoleConsumer}, secret, time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken(expired, secret); err == nil {
		t.Fatal("expected expired token to fail")
	}

	sign := func(claims Claims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	cases := map[string]string{
		"bad subject": sign(Claims{Role: "consumer", RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", ExpiresAt: exp}}),
		"bad role":    sign(Claims{Role: "viewer", RegisteredClaims: jwt.RegisteredClaims{Subject: "1", ExpiresAt: exp}}),
		"no expiry":   sign(Claims{Role: "consumer", RegisteredClaims: jwt.RegisteredClaims{Subject: "1"}}),
	}
	for name, token := range cases {
		if _, err := ParseToken(token, secret); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1", ExpiresAt: exp}}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken(none, secret); err == nil {
		t.Fatal("expected alg=none to fail")
	}
}

func TestParseToken_RoundTrip(t *testing.T) {
	token, err := IssueToken(Principal{ID: 7, Role: model.RoleProducer, Name: "Wind Co", Email: "wind@example.com"}, secret, time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	p, err := ParseToken(token, secret)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != 7 || p.Role != model.RoleProducer || p.Email != "wind@example.com" {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestRequireRole(t *testing.T) {
	h := Authenticate(secret)(RequireRole(model.RoleProducer, model.RoleAdmin)(okHandler(t, 3)))

	if code := serve(h, mustToken(t, 3, model.RoleConsumer)); code != http.StatusForbidden {
		t.Fatalf("consumer: expected 403, got %d", code)
	}
	if code := serve(h, mustToken(t, 3, model.RoleProducer)); code != http.StatusOK {
		t.Fatalf("producer: expected 200, got %d", code)
	}
	if code := serve(h, mustToken(t, 3, model.RoleAdmin)); code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d", code)
	}
}

func TestRequireRole_WithoutAuthenticate(t *testing.T) {
	h := RequireRole(model.RoleAdmin)(okHandler(t, 0))
	if code := serve(h, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}
