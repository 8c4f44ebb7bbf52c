package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// bearerTokenFromRequest reads the JWT from the Authorization header, or from
// the token query parameter for browser websocket clients that cannot set
// headers.
func bearerTokenFromRequest(req *http.Request) (string, error) {
	if h := req.Header.Get(echo.HeaderAuthorization); h != "" {
		return bearerTokenFromString(h)
	}
	token := strings.TrimSpace(req.URL.Query().Get("token"))
	if token == "" {
		return "", errMissingAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

func bearerTokenFromString(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(trimmed, bearerPrefix)
	if !ok || token == "" {
		return "", errBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// serviceTokenMatches checks an opaque shared-secret bearer token.
func serviceTokenMatches(header, want string) bool {
	if want == "" {
		return false
	}
	got, ok := strings.CutPrefix(strings.TrimSpace(header), bearerPrefix)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
