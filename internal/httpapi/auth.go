package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks a static bearer token. An empty configured token
// disables authentication entirely, which is the default for loopback
// deployments.
func authorizeBearer(header, token string) *authError {
	if token == "" {
		return nil
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing Authorization header"}
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "Authorization header must use Bearer scheme"}
	}
	presented := strings.TrimSpace(header[len(prefix):])
	if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid token"}
	}
	return nil
}
