package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprintf(w, "<html><title>page</title><body>%s</body></html>", r.UserAgent())
	})
	mux.HandleFunc("/cached", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("fresh"))
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/page", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloaderDownload(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	d := New(Config{UserAgent: "distcrawl-test", Timeout: 5 * time.Second, Concurrency: 3}, nil, zap.NewNop())

	requests := []crawler.FetchRequest{
		{URL: srv.URL + "/page"},
		{URL: srv.URL + "/missing"},
		{URL: srv.URL + "/cached", Headers: http.Header{"If-None-Match": {`"v1"`}}},
		{URL: srv.URL + "/moved"},
		{URL: srv.URL + "/robots.txt", Robots: true},
		{URL: srv.URL + "/page"},
	}
	out := d.Download(context.Background(), requests)
	require.Len(t, out, len(requests))
	for i, resp := range out {
		require.Equal(t, requests[i].URL, resp.URL, "responses keep request order")
	}

	require.NoError(t, out[0].Err)
	require.Equal(t, http.StatusOK, out[0].StatusCode)
	require.Contains(t, string(out[0].Body), "distcrawl-test")
	require.Equal(t, "text/html; charset=utf-8", out[0].ContentType)
	require.Equal(t, `"v1"`, out[0].Headers.Get("ETag"))

	require.Equal(t, http.StatusNotFound, out[1].StatusCode)
	require.Equal(t, http.StatusNotModified, out[2].StatusCode)

	require.Equal(t, http.StatusOK, out[3].StatusCode)
	require.Equal(t, srv.URL+"/page", out[3].FinalURL)

	require.Contains(t, string(out[4].Body), "Disallow: /private")
	require.Equal(t, http.StatusOK, out[5].StatusCode, "repeated URL is fetched again")
}

func TestDownloaderTransportError(t *testing.T) {
	t.Parallel()
	d := New(Config{Timeout: time.Second}, nil, nil)
	out := d.Download(context.Background(), []crawler.FetchRequest{{URL: "http://127.0.0.1:1/"}})
	require.Len(t, out, 1)
	require.Error(t, out[0].Err)
	require.Zero(t, out[0].StatusCode)
}

type countingLimiter struct{ calls atomic.Int32 }

func (l *countingLimiter) Wait(context.Context, string) error {
	l.calls.Add(1)
	return nil
}

type failingLimiter struct{}

func (failingLimiter) Wait(context.Context, string) error { return errors.New("limited") }

func TestDownloaderUsesLimiter(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	lim := &countingLimiter{}
	d := New(Config{Concurrency: 2}, lim, nil)
	d.Download(context.Background(), []crawler.FetchRequest{{URL: srv.URL + "/page"}, {URL: srv.URL + "/cached"}})
	require.EqualValues(t, 2, lim.calls.Load())

	out := New(Config{}, failingLimiter{}, nil).Download(context.Background(), []crawler.FetchRequest{{URL: srv.URL + "/page"}})
	require.EqualError(t, out[0].Err, "limited")
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	d := New(Config{}, nil, nil)
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	d.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/final")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))
	require.Equal(t, "https://example.com/final", result.FinalURL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
