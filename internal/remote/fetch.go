package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Fetcher is one transport strategy for downloading a resolved URL.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// StatusError is a non-2xx reply from a fetch transport.
type StatusError struct {
	Transport string
	Status    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d", e.Transport, e.Status)
}

// httpFetcher downloads with a plain GET, optionally decorating the request.
type httpFetcher struct {
	name     string
	client   *http.Client
	decorate func(*http.Request)
}

func (f *httpFetcher) Name() string { return f.name }

func (f *httpFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", f.name, err)
	}
	if f.decorate != nil {
		f.decorate(req)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Transport: f.name, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", f.name, err)
	}
	return data, nil
}

// newDirectFetcher sends no credentials and keeps no cookies.
func newDirectFetcher(opts Options) Fetcher {
	return &httpFetcher{
		name:   "direct",
		client: &http.Client{Timeout: opts.FetchTimeout},
		decorate: func(r *http.Request) {
			if opts.UserAgent != "" {
				r.Header.Set("User-Agent", opts.UserAgent)
			}
		},
	}
}

// newAuthFetcher attaches the bearer token and the configured cookies.
func newAuthFetcher(opts Options, tokens TokenSource) Fetcher {
	return &httpFetcher{
		name:   "authenticated",
		client: &http.Client{Timeout: opts.FetchTimeout},
		decorate: func(r *http.Request) {
			if opts.UserAgent != "" {
				r.Header.Set("User-Agent", opts.UserAgent)
			}
			if tok := tokens.Token(); tok != "" {
				r.Header.Set("Authorization", "Bearer "+tok)
			}
			if opts.Cookies != "" {
				r.Header.Set("Cookie", opts.Cookies)
			}
		},
	}
}

// FetchBytes tries each transport in order and returns the first payload.
// When every transport fails the error wraps ErrFetchFailed and each failure.
// Each call stands alone: a dead link never affects later documents.
func (c *Client) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	errs := []error{ErrFetchFailed}
	for _, f := range c.fetchers {
		data, err := f.Fetch(ctx, url)
		if err == nil {
			c.metrics.FetchTotal.WithLabelValues(f.Name(), "success").Inc()
			return data, nil
		}
		c.metrics.FetchTotal.WithLabelValues(f.Name(), "error").Inc()
		c.logger.Debug("fetch transport failed, trying next",
			zap.String("transport", f.Name()),
			zap.Error(err),
		)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}
