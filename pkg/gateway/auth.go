package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
)

// SecretHeader carries the shared secret on REST calls.
const SecretHeader = "X-Tether-Secret"

const maxAuthAttempts = 3

// AuthHandler manages challenge-response authentication. An empty shared
// secret disables authentication.
type AuthHandler struct {
	sharedSecret string
}

func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether clients must authenticate.
func (a *AuthHandler) Enabled() bool { return a.sharedSecret != "" }

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the hex HMAC-SHA256 of challenge under the shared secret.
func (a *AuthHandler) Sign(challenge string) string {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(a.Sign(challenge)), []byte(signature)) == 1
}

// VerifyRequest checks the shared secret header of a REST call.
func (a *AuthHandler) VerifyRequest(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	got := r.Header.Get(SecretHeader)
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(got)) == 1
}

// HandleAuthResponse processes an authentication response from a client
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "No challenge found"}
	}

	if !a.VerifySignature(client.challenge, signature) {
		client.authAttempts++
		if client.authAttempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}
		}
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}
	}

	client.authenticated = true
	client.state = StateAuthenticated
	client.authAttempts = 0
	client.challenge = ""
	return AuthResult{Event: "auth.success", Success: true}
}

func (a *AuthHandler) exhausted(client *Client) bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.authAttempts >= maxAuthAttempts
}
