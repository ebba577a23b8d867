package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docbatch/internal/metrics"
	"docbatch/internal/models"
)

var sharedMetrics = metrics.New()

func TestNewCallback_EmptyURLIsNoop(t *testing.T) {
	cb := NewCallback("", 3, time.Millisecond, zap.NewNop(), sharedMetrics)
	require.Nil(t, cb)
	require.NoError(t, cb.Send(context.Background(), models.CallbackPayload{}))
}

func TestCallback_Send(t *testing.T) {
	var got models.CallbackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	cb := NewCallback(srv.URL, 0, time.Millisecond, zap.NewNop(), sharedMetrics)
	payload := models.CallbackPayload{
		ID:        "b-1",
		Name:      "Algebra",
		Status:    models.BatchPartial,
		FileCount: 4,
		Skipped:   []models.SkipRecord{{Name: "x", Reason: "status 403"}},
	}
	require.NoError(t, cb.Send(context.Background(), payload))
	require.Equal(t, payload, got)
}

func TestCallback_RetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	cb := NewCallback(srv.URL, 3, time.Millisecond, zap.NewNop(), sharedMetrics)
	require.NoError(t, cb.Send(context.Background(), models.CallbackPayload{ID: "b-2"}))
	require.Equal(t, int32(3), hits.Load())
}

func TestCallback_GivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := NewCallback(srv.URL, 2, time.Millisecond, zap.NewNop(), sharedMetrics)
	err := cb.Send(context.Background(), models.CallbackPayload{ID: "b-3"})
	require.ErrorContains(t, err, "bad status: 500")
	require.Equal(t, int32(3), hits.Load())
}

func TestCallback_CancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cb := NewCallback(srv.URL, 5, time.Hour, zap.NewNop(), sharedMetrics)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, cb.Send(ctx, models.CallbackPayload{}), context.DeadlineExceeded)
}
