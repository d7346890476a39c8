package session

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDirect(t *testing.T, retries int) *Session {
	t.Helper()
	s, err := New(nil, Options{
		UserAgent:      "storecrawl-test",
		AcceptLanguage: "en-US,en;q=0.9",
		Timeout:        5 * time.Second,
		Retries:        retries,
		Headers:        http.Header{"Referer": []string{"https://store.example/"}},
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestGetRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "storecrawl-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "en-US,en;q=0.9", r.Header.Get("Accept-Language"))
		assert.Equal(t, "https://store.example/", r.Header.Get("Referer"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, newDirect(t, 3).GetJSON(context.Background(), srv.URL, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(2), hits.Load())
}

func TestGetBlockedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newDirect(t, 3).Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, Retryable(err), "blocked responses are retried on another proxy")
	assert.Equal(t, int32(1), hits.Load())
}

func TestGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newDirect(t, 2).Get(context.Background(), srv.URL)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, Retryable(err))
}

func TestGetDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><h1 class="title">Celeste</h1></body></html>`))
	}))
	defer srv.Close()

	doc, err := newDirect(t, 1).GetDocument(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Celeste", doc.Find("h1.title").Text())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRetryable(t *testing.T) {
	var ne net.Error = timeoutErr{}
	assert.True(t, Retryable(ne))
	assert.True(t, Retryable(&StatusError{Code: http.StatusBadGateway}))
	assert.True(t, Retryable(&StatusError{Code: http.StatusTooManyRequests}))
	assert.False(t, Retryable(&StatusError{Code: http.StatusBadRequest}))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(errors.New("parse failure")))
	assert.False(t, Retryable(nil))
}
