package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when an API key does not match any configured
// hash.
var ErrInvalidKey = errors.New("invalid api key")

// Keychain verifies admin API keys against a static set of configured
// hashes. Two formats are accepted: bare SHA-256 hex (fast map lookup)
// and argon2id PHC strings (iterated verify). Raw keys are never stored
// or logged.
type Keychain struct {
	sha256Hashes map[string]struct{}
	argonHashes  []string
}

// NewKeychain builds a keychain from configured hashes; unrecognized
// formats are dropped.
func NewKeychain(hashes []string) *Keychain {
	kc := &Keychain{sha256Hashes: make(map[string]struct{})}
	for _, h := range hashes {
		switch {
		case strings.HasPrefix(h, "$argon2id$"):
			kc.argonHashes = append(kc.argonHashes, h)
		case len(h) == 64 && isHex(h):
			kc.sha256Hashes[strings.ToLower(h)] = struct{}{}
		}
	}
	return kc
}

// Empty reports whether no keys are configured; an empty keychain
// disables authentication.
func (kc *Keychain) Empty() bool {
	return len(kc.sha256Hashes) == 0 && len(kc.argonHashes) == 0
}

// Verify checks a raw key against the configured hashes.
func (kc *Keychain) Verify(rawKey string) error {
	sum := sha256.Sum256([]byte(rawKey))
	hashed := hex.EncodeToString(sum[:])
	for stored := range kc.sha256Hashes {
		if subtle.ConstantTimeCompare([]byte(hashed), []byte(stored)) == 1 {
			return nil
		}
	}
	for _, stored := range kc.argonHashes {
		match, err := argon2id.ComparePasswordAndHash(rawKey, stored)
		if err == nil && match {
			return nil
		}
	}
	return ErrInvalidKey
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// AuthMiddleware enforces `Authorization: Bearer <key>` on the wrapped
// handler. With an empty keychain it is a no-op, so deployments without
// configured keys keep an open admin surface (single-node dev).
func AuthMiddleware(kc *Keychain) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if kc == nil || kc.Empty() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok || kc.Verify(raw) != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="qbrix"`)
				respondJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or missing api key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}
