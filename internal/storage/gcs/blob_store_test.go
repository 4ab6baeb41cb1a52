package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonClient(t *testing.T, status int, body string, check func(*http.Request)) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{
			Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				if check != nil {
					check(r)
				}
				return &http.Response{
					StatusCode: status,
					Body:       io.NopCloser(strings.NewReader(body)),
					Header:     http.Header{"Content-Type": []string{"application/json"}},
					Request:    r,
				}, nil
			}),
		}),
	)
	require.NoError(t, err)
	return client
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := jsonClient(t, http.StatusOK, `{}`, nil)
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestOpenChecksBucket(t *testing.T) {
	client := jsonClient(t, http.StatusOK, `{}`, func(r *http.Request) {
		assert.Contains(t, r.URL.Path, "/storage/v1/b/test-bucket")
	})
	store, err := Open(context.Background(), client, Config{Bucket: "test-bucket"})
	require.NoError(t, err)
	require.NotNil(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	failing := jsonClient(t, http.StatusInternalServerError, ``, nil)
	_, err = Open(ctx, failing, Config{Bucket: "test-bucket"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get GCS bucket")
}

func TestPutObject(t *testing.T) {
	objectData := "test-data"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/test-bucket/o")
		assert.Equal(t, "distcrawl/archive/1/a.upload", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), objectData)
		fmt.Fprintln(w, `{ "name": "distcrawl/archive/1/a.upload" }`)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	store, err := New(client, Config{Bucket: "test-bucket", Prefix: "/distcrawl/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "archive/1/a.upload", "application/octet-stream", strings.NewReader(objectData))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/distcrawl/archive/1/a.upload", uri)

	_, err = store.PutObject(context.Background(), "", "", strings.NewReader(objectData))
	require.Error(t, err)
}

func TestPutObjectServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	store, err := New(client, Config{Bucket: "test-bucket"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = store.PutObject(ctx, "object", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestList(t *testing.T) {
	body := `{"kind":"storage#objects","items":[` +
		`{"name":"distcrawl/archive/1/a.upload","bucket":"test-bucket"},` +
		`{"name":"distcrawl/archive/1/b.upload","bucket":"test-bucket"}]}`
	client := jsonClient(t, http.StatusOK, body, func(r *http.Request) {
		assert.Equal(t, "distcrawl/archive/1/", r.URL.Query().Get("prefix"))
	})
	store, err := New(client, Config{Bucket: "test-bucket", Prefix: "distcrawl"})
	require.NoError(t, err)

	paths, err := store.List(context.Background(), "archive/1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"archive/1/a.upload", "archive/1/b.upload"}, paths)
}
