package wsbase

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// IsAuthorizedRequest checks the bearer header or the token query parameter
// against the configured token. An empty configured token allows everything.
func IsAuthorizedRequest(token string, r *http.Request) bool {
	expected := strings.TrimSpace(token)
	if expected == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if bearer, ok := strings.CutPrefix(auth, "Bearer "); ok && TokensEqual(expected, strings.TrimSpace(bearer)) {
			return true
		}
	}
	return TokensEqual(expected, r.URL.Query().Get("token"))
}

// TokensEqual compares tokens in constant time. Empty tokens never match.
func TokensEqual(expected, actual string) bool {
	if expected == "" || actual == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}
