package utils

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	TokenQueryParam = "token"
	bearerPrefix    = "Bearer "
)

// SessionToken finds the session token of a handshake. An explicit token
// (query parameter, then bearer header) wins over the cookie.
func SessionToken(r *http.Request, cookieName string) string {
	if token := strings.TrimSpace(r.URL.Query().Get(TokenQueryParam)); token != "" {
		return token
	}

	if header := r.Header.Get("Authorization"); len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		if token := strings.TrimSpace(header[len(bearerPrefix):]); token != "" {
			return token
		}
	}

	if cookieName == "" {
		return ""
	}
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	if decoded, err := url.QueryUnescape(cookie.Value); err == nil {
		return decoded
	}
	return cookie.Value
}
