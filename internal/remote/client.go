package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"docbatch/internal/metrics"
	"docbatch/internal/models"
)

// Common errors.
var (
	ErrNotFound         = errors.New("remote: resource not found")
	ErrUnexpectedStatus = errors.New("remote: unexpected status")
	ErrServerError      = errors.New("remote: server error")
	ErrFetchFailed      = errors.New("remote: failed to download file")
)

// Options configures the client. The zero value is not usable; start from DefaultOptions.
type Options struct {
	// BaseURL of the versioned API, without trailing slash.
	BaseURL string

	// APITimeout bounds each JSON API call.
	APITimeout time.Duration

	// FetchTimeout bounds each byte download.
	FetchTimeout time.Duration

	// RateLimit paces API calls in requests per second. 0 disables pacing.
	RateLimit float64

	UserAgent string

	// Cookies is a raw Cookie header sent by the authenticated fetch transport.
	Cookies string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		BaseURL:      "https://api.wuolah.com/v2",
		APITimeout:   30 * time.Second,
		FetchTimeout: 120 * time.Second,
		UserAgent:    "docbatch/1.0",
	}
}

// Client talks to the document platform's API.
type Client struct {
	api      *http.Client
	opts     Options
	tokens   TokenSource
	limiter  *rate.Limiter
	fetchers []Fetcher
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a client.
func New(opts Options, tokens TokenSource, logger *zap.Logger, m *metrics.Metrics) *Client {
	if tokens == nil {
		tokens = TokenChain{}
	}
	c := &Client{
		api:     &http.Client{Timeout: opts.APITimeout},
		opts:    opts,
		tokens:  tokens,
		logger:  logger,
		metrics: m,
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	c.fetchers = []Fetcher{
		newDirectFetcher(opts),
		newAuthFetcher(opts, tokens),
	}
	return c
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type resolveBody struct {
	AdblockDetected          bool     `json:"adblockDetected"`
	Ads                      []string `json:"ads"`
	FileID                   int64    `json:"fileId"`
	MachineID                string   `json:"machineId"`
	NoAdsWithCoins           bool     `json:"noAdsWithCoins"`
	QRData                   *string  `json:"qrData"`
	ReferralCode             string   `json:"referralCode"`
	Ubication17ExpectedPubs  int      `json:"ubication17ExpectedPubs"`
	Ubication17RequestedPubs int      `json:"ubication17RequestedPubs"`
	Ubication1ExpectedPubs   int      `json:"ubication1ExpectedPubs"`
	Ubication1RequestedPubs  int      `json:"ubication1RequestedPubs"`
	Ubication2ExpectedPubs   int      `json:"ubication2ExpectedPubs"`
	Ubication2RequestedPubs  int      `json:"ubication2RequestedPubs"`
	Ubication3ExpectedPubs   int      `json:"ubication3ExpectedPubs"`
	Ubication3RequestedPubs  int      `json:"ubication3RequestedPubs"`
}

type resolveReply struct {
	URL  string `json:"url"`
	Code string `json:"code"`
}

// Profile returns the current user's profile. Only transport failures and
// 5xx responses are errors; otherwise a missing counter signals "unknown".
func (c *Client) Profile(ctx context.Context) (*models.Profile, error) {
	var p models.Profile
	status, err := c.call(ctx, "me", http.MethodGet, "/me", nil, &p)
	if err != nil {
		if status > 0 && status < 500 {
			c.logger.Debug("profile response not usable", zap.Int("status", status), zap.Error(err))
			return &models.Profile{}, nil
		}
		return nil, err
	}
	if status >= 400 {
		return &models.Profile{}, nil
	}
	return &p, nil
}

// ListFolder lists every document in an upload.
func (c *Client) ListFolder(ctx context.Context, uploadID int64) ([]models.Document, error) {
	return c.listDocuments(ctx, "filter[uploadId]", uploadID)
}

// ListSubject lists every document in a subject.
func (c *Client) ListSubject(ctx context.Context, subjectID int64) ([]models.Document, error) {
	return c.listDocuments(ctx, "filter[subjectId]", subjectID)
}

func (c *Client) listDocuments(ctx context.Context, filter string, id int64) ([]models.Document, error) {
	q := url.Values{}
	q.Set(filter, strconv.FormatInt(id, 10))
	q.Set("pagination[page]", "0")
	q.Set("pagination[pageSize]", "9999")
	q.Set("pagination[withCount]", "false")
	q.Set("include", "uploader,upload,profile")

	var env envelope[[]models.Document]
	status, err := c.call(ctx, "documents", http.MethodGet, "/documents?"+q.Encode(), nil, &env)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(status); err != nil {
		return nil, fmt.Errorf("list documents %s=%d: %w", filter, id, err)
	}
	return env.Data, nil
}

// UploadInfo returns metadata for one upload.
func (c *Client) UploadInfo(ctx context.Context, id int64) (*models.UploadInfo, error) {
	var info models.UploadInfo
	status, err := c.call(ctx, "uploads", http.MethodGet, fmt.Sprintf("/uploads/%d", id), nil, &info)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(status); err != nil {
		return nil, fmt.Errorf("upload %d: %w", id, err)
	}
	return &info, nil
}

// SubjectInfo returns subject metadata; ErrNotFound on 404.
func (c *Client) SubjectInfo(ctx context.Context, id int64) (*models.Subject, error) {
	var s models.Subject
	status, err := c.call(ctx, "subjects", http.MethodGet, fmt.Sprintf("/subjects/%d", id), nil, &s)
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("subject %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := checkStatus(status); err != nil {
		return nil, fmt.Errorf("subject %d: %w", id, err)
	}
	return &s, nil
}

// ResolveDownload asks for a document's signed URL. Non-200 replies come back
// as a Resolution carrying status and code; only transport failures are errors.
func (c *Client) ResolveDownload(ctx context.Context, documentID int64) (models.Resolution, error) {
	body := resolveBody{Ads: []string{}, FileID: documentID}

	var reply resolveReply
	status, err := c.call(ctx, "download", http.MethodPost, "/download", body, &reply)
	if status == 0 {
		return models.Resolution{}, err
	}
	if status != http.StatusOK {
		return models.Resolution{Status: status, Code: reply.Code}, nil
	}
	if err != nil {
		return models.Resolution{}, err
	}
	return models.Resolution{URL: reply.URL, Status: status}, nil
}

// call performs one JSON request. It returns the HTTP status (0 when no
// response was received). A body that fails to decode is an error only for
// non-2xx statuses; a 2xx reply with an unreadable body decodes as empty.
func (c *Client) call(ctx context.Context, endpoint, method, path string, in, out any) (int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if tok := c.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.api.Do(req)
	if err != nil {
		c.metrics.APIRequestDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		return 0, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.APIRequestDuration.WithLabelValues(endpoint, statusClass(resp.StatusCode)).Observe(time.Since(start).Seconds())

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("%w: %d", ErrServerError, resp.StatusCode)
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				c.logger.Debug("ignoring undecodable success body", zap.String("endpoint", endpoint), zap.Error(err))
				return resp.StatusCode, nil
			}
			return resp.StatusCode, fmt.Errorf("decode %s response (status %d): %w", endpoint, resp.StatusCode, err)
		}
	}
	return resp.StatusCode, nil
}

func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, code)
	}
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
