package transport

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Shared-token authentication for the hub. The agent presents the token as
// a bearer credential; the hub compares in constant time.

const bearerPrefix = "Bearer "

// authHeader builds the request headers carrying token. An empty token
// yields empty headers.
func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", bearerPrefix+token)
	}
	return h
}

// authorizeRequest reports whether r carries the expected token. An empty
// expected token disables authentication.
func authorizeRequest(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	got := r.Header.Get("Authorization")
	if !strings.HasPrefix(got, bearerPrefix) {
		return false
	}
	got = got[len(bearerPrefix):]
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
