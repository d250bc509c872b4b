package dlcore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPDriver is the range-capable transfer driver for Http and
// GitHubResolvedHttp resources.
type HTTPDriver struct {
	client *http.Client
}

// NewHTTPDriver creates an HTTPDriver. If client is nil, a client with a
// bounded redirect depth is constructed.
func NewHTTPDriver(client *http.Client) *HTTPDriver {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		}
	}
	return &HTTPDriver{client: client}
}

func (d *HTTPDriver) Name() string { return "http" }

func (d *HTTPDriver) Supports(res ResourceDescriptor) bool {
	return res.Type == ResourceHTTP || res.Type == ResourceGitHubResolvedHTTP
}

func (d *HTTPDriver) Prepare(ctx context.Context, res ResourceDescriptor, dctx DriverContext) error {
	return nil
}

// Probe determines total size via HEAD and confirms range support via a
// Range: bytes=0-0 test GET. Accept-Ranges alone is treated only as a hint;
// support is confirmed ONLY when the test GET returns 206 with
// Content-Range.
func (d *HTTPDriver) Probe(ctx context.Context, res ResourceDescriptor, dctx DriverContext) (*int64, bool, error) {
	var total *int64

	headCtx, headCancel := withRequestTimeout(ctx, dctx)
	headReq, err := http.NewRequestWithContext(headCtx, http.MethodHead, res.URI, nil)
	if err != nil {
		headCancel()
		return nil, false, fmt.Errorf("probe: build HEAD request: %w", err)
	}
	d.applyHeaders(headReq, res, dctx)

	if headResp, err := d.client.Do(headReq); err == nil {
		if headResp.ContentLength >= 0 {
			v := headResp.ContentLength
			total = &v
		} else if cl := headResp.Header.Get("Content-Length"); cl != "" {
			if v, err := strconv.ParseInt(cl, 10, 64); err == nil {
				total = &v
			}
		}
		headResp.Body.Close()
	}
	headCancel()

	rangeCtx, rangeCancel := withRequestTimeout(ctx, dctx)
	defer rangeCancel()
	rangeReq, err := http.NewRequestWithContext(rangeCtx, http.MethodGet, res.URI, nil)
	if err != nil {
		return total, false, fmt.Errorf("probe: build range test request: %w", err)
	}
	d.applyHeaders(rangeReq, res, dctx)
	rangeReq.Header.Set("Range", "bytes=0-0")

	rangeResp, err := d.client.Do(rangeReq)
	if err != nil {
		return total, false, nil
	}
	defer rangeResp.Body.Close()
	io.Copy(io.Discard, rangeResp.Body)

	supportsRanges := rangeResp.StatusCode == http.StatusPartialContent && rangeResp.Header.Get("Content-Range") != ""
	return total, supportsRanges, nil
}

// DownloadRange fetches [start, endInclusive] with retry/backoff. A 206
// response succeeds; a 200 means the server ignored the range and is
// reported as RangeIgnoredFullError; 416 or any other non-206 2xx is
// RangeNotSupported; 429/408/5xx are retried; other 4xx are terminal.
func (d *HTTPDriver) DownloadRange(ctx context.Context, res ResourceDescriptor, dctx DriverContext, start, endInclusive int64) ([]byte, error) {
	return d.doWithRetry(ctx, res, dctx, func(reqCtx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, res.URI, nil)
		if err != nil {
			return nil, err
		}
		d.applyHeaders(req, res, dctx)
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, endInclusive))
		return req, nil
	}, true)
}

// DownloadAll fetches the entire resource with the same retry discipline.
func (d *HTTPDriver) DownloadAll(ctx context.Context, res ResourceDescriptor, dctx DriverContext) ([]byte, error) {
	return d.doWithRetry(ctx, res, dctx, func(reqCtx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, res.URI, nil)
		if err != nil {
			return nil, err
		}
		d.applyHeaders(req, res, dctx)
		return req, nil
	}, false)
}

// withRequestTimeout wraps ctx with dctx.TimeoutSecs, falling back to
// DefRequestTimeout when unset. The caller must invoke the returned cancel.
func withRequestTimeout(ctx context.Context, dctx DriverContext) (context.Context, context.CancelFunc) {
	timeout := time.Duration(dctx.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = DefRequestTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (d *HTTPDriver) doWithRetry(ctx context.Context, res ResourceDescriptor, dctx DriverContext, build func(context.Context) (*http.Request, error), isRange bool) ([]byte, error) {
	retries := dctx.Retries
	if retries <= 0 {
		retries = DefMaxRetries
	}
	baseBackoff := time.Duration(dctx.BackoffMs) * time.Millisecond
	if baseBackoff <= 0 {
		baseBackoff = DefBaseDelay
	}
	maxDelay := time.Duration(dctx.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = DefMaxDelay
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(baseBackoff, maxDelay, attempt-1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		reqCtx, cancel := withRequestTimeout(ctx, dctx)

		req, err := build(reqCtx)
		if err != nil {
			cancel()
			return nil, NewPermanentError("http", "build-request", err)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if ClassifyError(err) == ErrCategoryFatal {
				return nil, NewPermanentError("http", "do-request", err)
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		switch {
		case isRange && resp.StatusCode == http.StatusPartialContent:
			if readErr != nil {
				lastErr = readErr
				continue
			}
			return body, nil
		case isRange && resp.StatusCode == http.StatusOK:
			return nil, NewPermanentError("http", "download-range", &RangeIgnoredFullError{Body: body})
		case isRange && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
			return nil, NewPermanentError("http", "download-range", ErrRangeNotSupported)
		case !isRange && resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				lastErr = readErr
				continue
			}
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
			lastErr = &HTTPStatusError{Code: resp.StatusCode, URL: res.URI}
			continue
		case isRange && resp.StatusCode >= 200 && resp.StatusCode < 300:
			// A success status that isn't 206 cannot be assembled safely.
			return nil, NewPermanentError("http", "download-range", ErrRangeNotSupported)
		default:
			return nil, NewPermanentError("http", "download", &HTTPStatusError{Code: resp.StatusCode, URL: res.URI})
		}
	}
	return nil, NewTransientError("http", "download", fmt.Errorf("exhausted %d retries: %w", retries, lastErr))
}

func (d *HTTPDriver) applyHeaders(req *http.Request, res ResourceDescriptor, dctx DriverContext) {
	res.Headers.Set(req.Header)
	if req.Header.Get(USER_AGENT_KEY) == "" {
		ua := dctx.UserAgent
		if ua == "" {
			ua = "fluxdl/1.0"
		}
		req.Header.Set(USER_AGENT_KEY, ua)
	}
}
