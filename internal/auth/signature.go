// Package auth verifies signed batch requests.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"docbatch/internal/metrics"
)

var (
	ErrExpired           = errors.New("request has expired")
	ErrInvalidExpiry     = errors.New("invalid expiry")
	ErrSignatureRequired = errors.New("signature required")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// Verifier handles request signature verification
type Verifier struct {
	secret         []byte
	enforceSigning bool
	metrics        *metrics.Metrics
}

// NewVerifier creates a new signature verifier
func NewVerifier(secret []byte, enforceSigning bool, m *metrics.Metrics) *Verifier {
	return &Verifier{
		secret:         secret,
		enforceSigning: enforceSigning,
		metrics:        m,
	}
}

// Resource is the signed payload for a batch, e.g. "folder:123".
func Resource(kind string, id int64) string {
	return kind + ":" + strconv.FormatInt(id, 10)
}

// Sign returns the hex HMAC-SHA256 of resource, or resource|expiry when
// expiry is set.
func Sign(secret []byte, resource, expiry string) string {
	payload := resource
	if expiry != "" {
		payload += "|" + expiry
	}
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks the signature and expiry of a request for resource
func (v *Verifier) Verify(resource, expiryStr, signature string) error {
	if expiryStr != "" {
		expiry, err := strconv.ParseInt(expiryStr, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidExpiry, err)
		}
		if time.Now().Unix() > expiry {
			v.metrics.ExpiredRequestsTotal.Inc()
			return ErrExpired
		}
	}

	// Check signature if enforced or provided
	if v.enforceSigning || signature != "" {
		if signature == "" {
			v.metrics.SignatureFailuresTotal.Inc()
			return ErrSignatureRequired
		}
		expected := Sign(v.secret, resource, expiryStr)
		if !hmac.Equal([]byte(signature), []byte(expected)) {
			v.metrics.SignatureFailuresTotal.Inc()
			return ErrInvalidSignature
		}
	}

	return nil
}
