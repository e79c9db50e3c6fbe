package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alexedwards/argon2id"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestKeychainVerify(t *testing.T) {
	t.Parallel()

	argonHash, err := argon2id.CreateHash("argon-key", argon2id.DefaultParams)
	if err != nil {
		t.Fatalf("CreateHash: %v", err)
	}
	kc := NewKeychain([]string{sha256Hex("fast-key"), argonHash, "garbage"})

	if err := kc.Verify("fast-key"); err != nil {
		t.Errorf("sha256 key rejected: %v", err)
	}
	if err := kc.Verify("argon-key"); err != nil {
		t.Errorf("argon2id key rejected: %v", err)
	}
	if err := kc.Verify("wrong"); err == nil {
		t.Error("wrong key accepted")
	}
	if kc.Empty() {
		t.Error("keychain reported empty")
	}
}

func TestKeychainEmptyDisablesAuth(t *testing.T) {
	t.Parallel()

	kc := NewKeychain(nil)
	if !kc.Empty() {
		t.Fatal("nil keychain not empty")
	}

	handler := AuthMiddleware(kc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want pass-through 204", rec.Code)
	}
}

func TestAuthMiddlewareEnforcesBearer(t *testing.T) {
	t.Parallel()

	kc := NewKeychain([]string{sha256Hex("secret-key")})
	handler := AuthMiddleware(kc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "Bearer secret-key", http.StatusNoContent},
		{"case-insensitive scheme", "bearer secret-key", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
