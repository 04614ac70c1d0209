// Package auth provides quote provider authentication using HMAC-SHA256 signatures.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Header names sent with every signed request.
const (
	HeaderKey       = "X-API-KEY"
	HeaderTimestamp = "X-API-TIMESTAMP"
	HeaderSignature = "X-API-SIGNATURE"
)

// Errors
var (
	ErrMissingKeyID  = errors.New("API key ID is required")
	ErrMissingSecret = errors.New("API secret is required")
)

// Credentials holds the API key and shared secret for signing requests.
type Credentials struct {
	KeyID  string // API key ID issued by the provider
	Secret []byte // Shared HMAC secret

	now func() time.Time
}

// NewCredentials builds credentials from an inline secret.
func NewCredentials(keyID, secret string) (*Credentials, error) {
	if keyID == "" {
		return nil, ErrMissingKeyID
	}
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Credentials{KeyID: keyID, Secret: []byte(secret), now: time.Now}, nil
}

// LoadCredentials loads credentials from a key ID and a secret file path.
func LoadCredentials(keyID, secretPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, ErrMissingKeyID
	}
	if secretPath == "" {
		return nil, fmt.Errorf("secret path is required")
	}

	data, err := os.ReadFile(secretPath)
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}

	return NewCredentials(keyID, strings.TrimSpace(string(data)))
}

// SignRequest generates authentication headers for a request.
func (c *Credentials) SignRequest(method, path string) map[string]string {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	timestampMs := now().UnixMilli()

	return map[string]string{
		HeaderKey:       c.KeyID,
		HeaderTimestamp: strconv.FormatInt(timestampMs, 10),
		HeaderSignature: c.signature(timestampMs, method, path),
	}
}

// Apply signs req in place.
func (c *Credentials) Apply(req *http.Request) {
	for k, v := range c.SignRequest(req.Method, req.URL.Path) {
		req.Header.Set(k, v)
	}
}

// SignWebSocket generates handshake headers for the push endpoint at path.
func (c *Credentials) SignWebSocket(path string) http.Header {
	h := http.Header{}
	for k, v := range c.SignRequest(http.MethodGet, path) {
		h.Set(k, v)
	}
	return h
}

// Verify reports whether signature matches the message for the given inputs.
func (c *Credentials) Verify(timestampMs int64, method, path, signature string) bool {
	want := c.signature(timestampMs, method, path)
	return hmac.Equal([]byte(want), []byte(signature))
}

// signature returns the hex HMAC-SHA256 of timestamp_ms + method + path.
func (c *Credentials) signature(timestampMs int64, method, path string) string {
	mac := hmac.New(sha256.New, c.Secret)
	mac.Write([]byte(strconv.FormatInt(timestampMs, 10) + method + path))
	return hex.EncodeToString(mac.Sum(nil))
}
