package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docbatch/internal/metrics"
)

var sharedMetrics = metrics.New()

func newTestClient(t *testing.T, baseURL string, tokens TokenSource) *Client {
	t.Helper()
	opts := DefaultOptions()
	opts.BaseURL = baseURL
	opts.APITimeout = 5 * time.Second
	opts.FetchTimeout = 5 * time.Second
	return New(opts, tokens, zap.NewNop(), sharedMetrics)
}

func TestProfile(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantErr     bool
		wantCounter *int
	}{
		{name: "counter present", status: 200, body: `{"id":1,"nickname":"ana","captchaCounter":7}`, wantCounter: intPtr(7)},
		{name: "counter absent", status: 200, body: `{"id":1}`},
		{name: "undecodable success body", status: 200, body: `<html>`},
		{name: "unauthorized is not an error", status: 401, body: `{"message":"no"}`},
		{name: "client error with html body", status: 403, body: `<html>`},
		{name: "server error", status: 502, body: `bad gateway`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/me", r.URL.Path)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, err := newTestClient(t, srv.URL, nil).Profile(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantCounter, p.CaptchaCounter)
		})
	}
}

func TestListFolder_QueryAndEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/documents", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "42", q.Get("filter[uploadId]"))
		assert.Equal(t, "0", q.Get("pagination[page]"))
		assert.Equal(t, "9999", q.Get("pagination[pageSize]"))
		assert.Equal(t, "false", q.Get("pagination[withCount]"))
		assert.Equal(t, "uploader,upload,profile", q.Get("include"))
		assert.Equal(t, "Bearer stored", r.Header.Get("Authorization"))

		w.Write([]byte(`{"data":[
			{"id":1,"name":"a","fileType":"pdf","uploadId":42,"upload":{"id":42,"name":"Practice 1"}},
			{"id":2,"name":"b","fileType":"pdf","uploadId":42}
		]}`))
	}))
	defer srv.Close()

	docs, err := newTestClient(t, srv.URL, StaticToken("stored")).ListFolder(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "Practice 1", docs[0].UploadName())
	require.Equal(t, int64(42), docs[1].UploadID)
}

func TestListSubject_Filter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "9", r.URL.Query().Get("filter[subjectId]"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	docs, err := newTestClient(t, srv.URL, nil).ListSubject(context.Background(), 9)
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestSubjectInfo_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/subjects/404" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"not found"}`))
			return
		}
		w.Write([]byte(`{"id":5,"name":"Algebra"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.SubjectInfo(context.Background(), 404)
	require.ErrorIs(t, err, ErrNotFound)

	s, err := c.SubjectInfo(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, "Algebra", s.Name)
}

func TestUploadInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/uploads/77", r.URL.Path)
		w.Write([]byte(`{"id":77,"title":"Exams 2023"}`))
	}))
	defer srv.Close()

	info, err := newTestClient(t, srv.URL, nil).UploadInfo(context.Background(), 77)
	require.NoError(t, err)
	require.Equal(t, "Exams 2023", info.DisplayName())
}

func TestResolveDownload(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/download", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		switch gotBody["fileId"] {
		case float64(1):
			w.Write([]byte(`{"url":"https://cdn.example/1.pdf"}`))
		case float64(2):
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":"FI008"}`))
		case float64(3):
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	ctx := context.Background()

	res, err := c.ResolveDownload(ctx, 1)
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, "https://cdn.example/1.pdf", res.URL)

	require.Equal(t, false, gotBody["adblockDetected"])
	require.Equal(t, []any{}, gotBody["ads"])
	require.Nil(t, gotBody["qrData"])
	require.Contains(t, gotBody, "ubication17RequestedPubs")
	require.Equal(t, "", gotBody["machineId"])

	res, err = c.ResolveDownload(ctx, 2)
	require.NoError(t, err)
	require.True(t, res.RateLimited())

	res, err = c.ResolveDownload(ctx, 3)
	require.NoError(t, err)
	require.False(t, res.OK())
	require.Equal(t, "status 403", res.Reason())

	res, err = c.ResolveDownload(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, 500, res.Status)
}

func TestResolveDownload_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newTestClient(t, srv.URL, nil).ResolveDownload(context.Background(), 1)
	assert.Error(t, err)
}

func TestFetchBytes_DirectFirst(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Cookie"))
		w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	data, err := newTestClient(t, srv.URL, StaticToken("tok")).FetchBytes(context.Background(), srv.URL+"/f")
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7", string(data))
	require.Equal(t, int32(1), hits.Load())
}

func TestFetchBytes_FallsBackToAuthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get("Cookie") != "session=abc" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.BaseURL = srv.URL
	opts.Cookies = "session=abc"
	c := New(opts, StaticToken("tok"), zap.NewNop(), sharedMetrics)

	data, err := c.FetchBytes(context.Background(), srv.URL+"/f")
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestFetchBytes_AllTransportsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.BaseURL = srv.URL
	c := New(opts, nil, zap.NewNop(), sharedMetrics)

	_, err := c.FetchBytes(context.Background(), srv.URL+"/f")
	require.ErrorIs(t, err, ErrFetchFailed)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusGone, se.Status)
}

func TestRateLimit_HonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.BaseURL = srv.URL
	opts.RateLimit = 20
	c := New(opts, nil, zap.NewNop(), sharedMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Pacing waits honour context cancellation.
	_, err := c.Profile(ctx)
	require.Error(t, err)
}

func intPtr(v int) *int { return &v }

func TestFetchBytes_DeadLinksDoNotBlockLaterDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/dead" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("pdf"))
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.BaseURL = srv.URL
	c := New(opts, StaticToken("tok"), zap.NewNop(), sharedMetrics)

	for i := 0; i < 10; i++ {
		_, err := c.FetchBytes(context.Background(), srv.URL+"/dead")
		require.ErrorIs(t, err, ErrFetchFailed)
	}

	data, err := c.FetchBytes(context.Background(), srv.URL+"/live")
	require.NoError(t, err)
	require.Equal(t, "pdf", string(data))
}
