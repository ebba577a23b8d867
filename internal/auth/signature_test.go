package auth

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docbatch/internal/metrics"
)

func TestVerifier_Verify(t *testing.T) {
	secret := []byte("test-secret")
	m := metrics.New()
	future := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	past := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)

	tests := []struct {
		name           string
		enforceSigning bool
		resource       string
		expiry         string
		signature      string
		wantErr        error
	}{
		{
			name:      "valid signature without expiry",
			resource:  "folder:1",
			signature: Sign(secret, "folder:1", ""),
		},
		{
			name:      "valid signature with future expiry",
			resource:  "subject:9",
			expiry:    future,
			signature: Sign(secret, "subject:9", future),
		},
		{
			name:     "expired request",
			resource: "folder:1",
			expiry:   past,
			wantErr:  ErrExpired,
		},
		{
			name:     "invalid expiry format",
			resource: "folder:1",
			expiry:   "not-a-number",
			wantErr:  ErrInvalidExpiry,
		},
		{
			name:           "enforce signing without signature",
			enforceSigning: true,
			resource:       "folder:1",
			wantErr:        ErrSignatureRequired,
		},
		{
			name:           "invalid signature",
			enforceSigning: true,
			resource:       "folder:1",
			signature:      "invalid-signature",
			wantErr:        ErrInvalidSignature,
		},
		{
			name:      "signature for another resource",
			resource:  "subject:1",
			signature: Sign(secret, "folder:1", ""),
			wantErr:   ErrInvalidSignature,
		},
		{
			name:      "expiry not covered by signature",
			resource:  "folder:1",
			expiry:    future,
			signature: Sign(secret, "folder:1", ""),
			wantErr:   ErrInvalidSignature,
		},
		{
			name:     "no signing and no signature",
			resource: "folder:1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(secret, tt.enforceSigning, m)
			err := v.Verify(tt.resource, tt.expiry, tt.signature)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestResource(t *testing.T) {
	require.Equal(t, "folder:123", Resource("folder", 123))
	require.Equal(t, "subject:7", Resource("subject", 7))
}
