// Copyright 2025 James Ross
package mediafetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/inferqueue/inferqueue/internal/apperr"
	"github.com/inferqueue/inferqueue/internal/breaker"
	"github.com/inferqueue/inferqueue/internal/config"
	"golang.org/x/time/rate"
)

// Result is the raw bytes fetched for a media_id and their declared content type (§4.3).
type Result struct {
	Bytes       []byte
	ContentType string
}

// MediaFetcher pulls raw image bytes for a media_id from the external
// media store. It never caches across calls: freshness is the media
// store's concern, not ours.
type MediaFetcher struct {
	client      *http.Client
	baseURL     string
	limiter     *rate.Limiter
	breaker     *breaker.CircuitBreaker
}

func New(cfg *config.MediaStore, cb *breaker.CircuitBreaker) *MediaFetcher {
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)
	return &MediaFetcher{
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		baseURL: cfg.URL,
		limiter: limiter,
		breaker: cb,
	}
}

// Fetch retrieves raw bytes for mediaID, honouring ctx's deadline as the
// in-flight time bound. The breaker, if tripped, fails fast without an
// outbound request.
func (f *MediaFetcher) Fetch(ctx context.Context, mediaID string) (*Result, error) {
	if f.breaker != nil && !f.breaker.Allow() {
		return nil, apperr.New(apperr.MediaUnavailable, "media fetcher circuit open")
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, apperr.Wrap(apperr.MediaUnavailable, "rate limiter wait", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/media/%s", f.baseURL, mediaID), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "build media request", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.recordResult(false)
		return nil, apperr.Wrap(apperr.MediaUnavailable, "media fetch request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		f.recordResult(true) // a clean 404 is not a collaborator health signal
		return nil, apperr.New(apperr.MediaMissing, fmt.Sprintf("media %s not found", mediaID))
	case resp.StatusCode >= 500:
		f.recordResult(false)
		return nil, apperr.New(apperr.MediaUnavailable, fmt.Sprintf("media store returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		f.recordResult(true)
		return nil, apperr.New(apperr.MediaUnavailable, fmt.Sprintf("media store returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.recordResult(false)
		return nil, apperr.Wrap(apperr.MediaUnavailable, "read media body", err)
	}
	f.recordResult(true)

	return &Result{Bytes: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (f *MediaFetcher) recordResult(ok bool) {
	if f.breaker != nil {
		f.breaker.Record(ok)
	}
}
