package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "docbatch/internal/config"
)

func baseS3TestConfig(endpoint string) *appconfig.Config {
	return &appconfig.Config{
		S3Bucket:                  "archives",
		S3Prefix:                  "/batches/",
		S3Endpoint:                endpoint,
		S3Region:                  "us-east-1",
		S3AccessKeyID:             "test-access-key",
		S3SecretAccessKey:         "test-secret-key",
		S3UsePathStyle:            true,
		CircuitBreakerThreshold:   5,
		CircuitBreakerTimeout:     time.Second,
		CircuitBreakerMaxRequests: 1,
	}
}

func newTestS3Sink(t *testing.T, cfg *appconfig.Config) *S3Sink {
	t.Helper()
	sink, err := NewS3Sink(context.Background(), cfg, sharedMetrics, testBreaker("s3-"+t.Name()), fastRetry)
	require.NoError(t, err)
	return sink
}

func TestNewS3Sink_UsePathStyle(t *testing.T) {
	for _, pathStyle := range []bool{true, false} {
		cfg := baseS3TestConfig("http://example.com")
		cfg.S3UsePathStyle = pathStyle

		sink := newTestS3Sink(t, cfg)
		require.Equal(t, pathStyle, sink.client.Options().UsePathStyle)
	}
}

func TestS3Sink_Key(t *testing.T) {
	cfg := baseS3TestConfig("http://example.com")
	require.Equal(t, "batches/a.zip", newTestS3Sink(t, cfg).Key("a.zip"))

	cfg.S3Prefix = ""
	require.Equal(t, "a.zip", newTestS3Sink(t, cfg).Key("a.zip"))
}

func TestS3Sink_PutArchive(t *testing.T) {
	var gotPath, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := newTestS3Sink(t, baseS3TestConfig(srv.URL))
	loc, err := sink.PutArchive(context.Background(), "Algebra.zip", []byte("PK\x03\x04"))
	require.NoError(t, err)
	require.Equal(t, "s3://archives/batches/Algebra.zip", loc)
	require.Equal(t, "/archives/batches/Algebra.zip", gotPath)
	require.Equal(t, "application/zip", gotType)
}

func TestS3Sink_AccessDeniedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`))
	}))
	defer srv.Close()

	sink := newTestS3Sink(t, baseS3TestConfig(srv.URL))
	_, err := sink.PutArchive(context.Background(), "a.zip", []byte("x"))
	require.Error(t, err)

	var apiErr smithy.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "AccessDenied", apiErr.ErrorCode())
	require.Equal(t, int32(1), hits.Load())
}

func TestS3Sink_RejectsTraversal(t *testing.T) {
	sink := newTestS3Sink(t, baseS3TestConfig("http://example.com"))
	_, err := sink.PutArchive(context.Background(), "../x.zip", []byte("x"))
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied"}, want: false},
		{name: "no such bucket", err: &smithy.GenericAPIError{Code: "NoSuchBucket"}, want: false},
		{name: "slow down", err: &smithy.GenericAPIError{Code: "SlowDown"}, want: true},
		{name: "network", err: errors.New("connection reset"), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}
