// Package httpretry provides an http.RoundTripper that retries
// rate-limited and transient failures with exponential backoff.
package httpretry

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxElapsed    = time.Minute
	defaultInitial       = 500 * time.Millisecond
	defaultMaxRetryAfter = 30 * time.Second
)

// Transport wraps another RoundTripper and retries requests that fail
// with 429, 5xx gateway errors, or transient network errors.
//
// Request bodies are buffered so they can be replayed.
// Once retries are exhausted the last response is returned as-is,
// so callers still see the upstream status.
type Transport struct {
	// Base is the underlying transport. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	// MaxElapsedTime bounds the total time spent retrying. Defaults to a minute.
	MaxElapsedTime time.Duration

	// InitialInterval is the first backoff interval. Defaults to 500ms.
	InitialInterval time.Duration

	// MaxRetries bounds the number of retries. Zero means no bound
	// other than MaxElapsedTime.
	MaxRetries uint64

	// MaxRetryAfter caps how long a Retry-After header may make us wait.
	MaxRetryAfter time.Duration
}

// NewClient returns an *http.Client using a retrying transport on top of base.
func NewClient(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &Transport{Base: base}}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "retryable status " + strconv.Itoa(e.code)
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, "buffer request body")
		}
	}

	var (
		resp     *http.Response
		lastResp *http.Response
	)
	operation := func() error {
		r := req.Clone(ctx)
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
			r.ContentLength = int64(len(body))
		}

		res, err := base.RoundTrip(r)
		if err != nil {
			if ctx.Err() != nil || !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !Retryable(res.StatusCode) {
			resp = res
			return nil
		}

		// Keep a replayable copy in case this turns out to be the last attempt.
		data, _ := io.ReadAll(res.Body)
		_ = res.Body.Close()
		res.Body = io.NopCloser(bytes.NewReader(data))
		lastResp = res

		if wait := t.retryAfter(res.Header); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-timer.C:
			}
		}
		return &statusError{code: res.StatusCode}
	}

	notify := func(err error, d time.Duration) {
		log.Ctx(ctx).Debug().Err(err).
			Str("method", req.Method).
			Str("url", req.URL.Redacted()).
			Dur("backoff", d).
			Msg("retrying request")
	}

	err := backoff.RetryNotify(operation, t.backoff(ctx), notify)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && lastResp != nil {
			return lastResp, nil
		}
		return nil, err
	}
	return resp, nil
}

func (t *Transport) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = defaultInitial
	if t.InitialInterval > 0 {
		eb.InitialInterval = t.InitialInterval
	}
	eb.MaxElapsedTime = defaultMaxElapsed
	if t.MaxElapsedTime > 0 {
		eb.MaxElapsedTime = t.MaxElapsedTime
	}

	var b backoff.BackOff = eb
	if t.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, t.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

func (t *Transport) retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	limit := t.MaxRetryAfter
	if limit <= 0 {
		limit = defaultMaxRetryAfter
	}

	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if when, err := http.ParseTime(v); err == nil {
		d = time.Until(when)
	}
	if d < 0 {
		return 0
	}
	return min(d, limit)
}

// Retryable reports whether a response with the given status should be retried.
func Retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTransient(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
