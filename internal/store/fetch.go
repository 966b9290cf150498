package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUserAgent is sent with every request unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36"

// DefaultTimeout bounds each individual request.
const DefaultTimeout = 30 * time.Second

// Response is an open resource body plus the metadata needed to file it.
type Response struct {
	Body        io.ReadCloser
	ContentType string
}

// Fetcher retrieves one resource. Implementations return *FetchError on
// failure.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Response, error)
}

// FetcherOptions configures an HTTPFetcher.
type FetcherOptions struct {
	Timeout      time.Duration
	UserAgent    string
	Headers      map[string]string
	RateLimit    float64 // requests per second, 0 = unlimited
	MaxBodyBytes int64   // 0 = unlimited
}

// HTTPFetcher issues blocking GET requests with a fixed timeout.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	headers   map[string]string
	limiter   *rate.Limiter
	maxBody   int64
}

// NewHTTPFetcher builds a fetcher from opts, filling in defaults.
func NewHTTPFetcher(opts FetcherOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: opts.Timeout},
		userAgent: opts.UserAgent,
		headers:   opts.Headers,
		limiter:   rate.NewLimiter(limit, 1),
		maxBody:   opts.MaxBodyBytes,
	}
}

// Fetch performs the GET. Cancellation of ctx is honoured while waiting for
// the rate limiter, reported as ErrCanceled, but not once the request is on
// the wire.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrCanceled, rawURL)
		}
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	// Static headers win, User-Agent included.
	req.Header.Set("User-Agent", f.userAgent)
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body := resp.Body
	if f.maxBody > 0 {
		body = http.MaxBytesReader(nil, resp.Body, f.maxBody)
	}
	return &Response{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
