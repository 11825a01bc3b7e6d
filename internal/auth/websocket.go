package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// WebsocketAuthenticator validates an inbound HTTP upgrade request and
// returns the logical client identifier attached to the resulting
// connection. Its method set matches transport/ws.Authenticator structurally
// so an *HMACAuthenticator can be passed straight into ws.Options without
// either package importing the other.
type WebsocketAuthenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HMACAuthenticator validates a compact HS256 token carried either as the
// auth_token query parameter or the X-Auth-Token header, using it as the
// logical client id for queue/stream consumer tracking.
type HMACAuthenticator struct {
	verifier *HMACTokenVerifier
}

// NewHMACAuthenticator builds a WebsocketAuthenticator backed by the shared
// secret configured for the deployment.
func NewHMACAuthenticator(secret string) (*HMACAuthenticator, error) {
	verifier, err := NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &HMACAuthenticator{verifier: verifier}, nil
}

// Authenticate validates the incoming token and returns its subject claim.
func (a *HMACAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errors.New("missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
