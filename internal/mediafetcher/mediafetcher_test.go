// Copyright 2025 James Ross
package mediafetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/inferqueue/inferqueue/internal/apperr"
	"github.com/inferqueue/inferqueue/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFetcher(t *testing.T, handler http.HandlerFunc) (*MediaFetcher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &config.MediaStore{
		URL:             srv.URL,
		RequestTimeout:  2 * time.Second,
		RateLimitPerSec: 1000,
		RateLimitBurst:  1000,
	}
	return New(cfg, nil), srv
}

func TestFetchSuccess(t *testing.T) {
	f, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("pngdata"))
	})

	res, err := f.Fetch(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("pngdata"), res.Bytes)
	assert.Equal(t, "image/png", res.ContentType)
}

func TestFetchMissingIsNonRetryable(t *testing.T) {
	f, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := f.Fetch(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.MediaMissing))
	assert.False(t, apperr.IsRetryable(err))
}

func TestFetchServerErrorIsRetryable(t *testing.T) {
	f, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := f.Fetch(context.Background(), "m2")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.MediaUnavailable))
	assert.True(t, apperr.IsRetryable(err))
}
