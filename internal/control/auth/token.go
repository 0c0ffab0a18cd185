// Package auth extracts credentials from requests and compares them in constant time.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const (
	SessionCookieName = "jpstream_session"
	HeaderAPIToken    = "X-API-Token"
	QueryToken        = "t"
)

// ExtractToken retrieves a token from the request, first match wins:
//  1. Authorization: Bearer <token>
//  2. X-API-Token header
//  3. jpstream_session cookie
//  4. t query parameter (players that cannot set headers)
func ExtractToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if t := strings.TrimSpace(r.Header.Get(HeaderAPIToken)); t != "" {
		return t
	}
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get(QueryToken)
}

// AuthorizeToken reports whether got matches expected. Empty tokens never match.
func AuthorizeToken(got, expected string) bool {
	if strings.TrimSpace(expected) == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// AuthorizeRequest extracts a token from r and validates it against expected.
func AuthorizeRequest(r *http.Request, expected string) bool {
	return AuthorizeToken(ExtractToken(r), expected)
}
