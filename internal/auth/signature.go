package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// SignatureHeader carries "sha256=<hex HMAC-SHA256 of the body>" on device
// reports (fall detections, environment readings).
const SignatureHeader = "X-Signature-256"

// MaxDeviceBodySize bounds a signed device request body (1 MB). Pose
// evidence attached to a fall report stays well under this.
const MaxDeviceBodySize = 1 << 20

// Sign returns the SignatureHeader value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature validates a SignatureHeader value against body using
// a constant-time comparison.
func VerifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) || len(header) == len(prefix) {
		return false
	}
	received, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(received, mac.Sum(nil))
}

// DeviceVerifier checks device request signatures.
type DeviceVerifier struct {
	secret string
}

// NewDeviceVerifier creates a verifier. An empty secret disables
// verification.
func NewDeviceVerifier(secret string) *DeviceVerifier {
	return &DeviceVerifier{secret: secret}
}

// Enabled reports whether a secret is configured.
func (d *DeviceVerifier) Enabled() bool { return d.secret != "" }

// Middleware rejects device requests with a missing or invalid signature.
// The body is buffered (up to MaxDeviceBodySize) and restored for next.
func (d *DeviceVerifier) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.secret == "" {
			// Secret not configured: allow through (dev/initial deploy)
			next(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, MaxDeviceBodySize))
		r.Body.Close()
		if err != nil {
			log.Error().Err(err).Str("path", r.URL.Path).Msg("Device request: failed to read body")
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}

		signature := r.Header.Get(SignatureHeader)
		if signature == "" {
			log.Warn().Str("path", r.URL.Path).Msg("Device request: missing signature header")
			writeError(w, http.StatusForbidden, "missing signature")
			return
		}
		if !VerifySignature(d.secret, body, signature) {
			log.Warn().Str("path", r.URL.Path).Msg("Device request: invalid signature")
			writeError(w, http.StatusForbidden, "invalid signature")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next(w, r)
	}
}
