package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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

// authorizeAdmin checks a static bearer token. An empty configured token
// disables the admin surface entirely.
func authorizeAdmin(authHeader, adminToken string) *authError {
	if strings.TrimSpace(adminToken) == "" {
		return &authError{
			status:  http.StatusForbidden,
			code:    "admin_disabled",
			message: "admin api is disabled",
		}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if !hmac.Equal([]byte(raw), []byte(adminToken)) {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "bearer token mismatch",
		}
	}
	return nil
}

// verifyHubSignature returns nil when no app secret is configured, otherwise
// whether header carries sha256=<hex hmac of body>.
func verifyHubSignature(appSecret, header string, body []byte) *bool {
	if strings.TrimSpace(appSecret) == "" {
		return nil
	}
	valid := false
	if strings.HasPrefix(header, "sha256=") {
		mac := hmac.New(sha256.New, []byte(strings.TrimSpace(appSecret)))
		_, _ = mac.Write(body)
		expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		valid = hmac.Equal([]byte(header), []byte(expected))
	}
	return &valid
}

// verifySubscription implements the hub.mode/hub.verify_token handshake.
func verifySubscription(mode, token, verifyToken string) *authError {
	if strings.TrimSpace(verifyToken) == "" {
		return &authError{
			status:  http.StatusInternalServerError,
			code:    "not_configured",
			message: "webhook verify token is not configured",
		}
	}
	if mode != "subscribe" || !hmac.Equal([]byte(token), []byte(strings.TrimSpace(verifyToken))) {
		return &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "webhook verification failed",
		}
	}
	return nil
}
