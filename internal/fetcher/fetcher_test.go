package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHTTPFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{RatePerSec: 1000, MaxRetries: 3})
}

func TestHTTPFetch_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tariffdesk-rates/1.0", r.Header.Get("User-Agent"))
		w.Write([]byte("destination,value\nNL,3.7\n"))
	}))
	defer srv.Close()

	body, err := testHTTPFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "NL,3.7")
}

func TestHTTPFetch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := testHTTPFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetch_ExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{RatePerSec: 1000, MaxRetries: 2})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestHTTPFetch_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testHTTPFetcher().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetch_RateHalvedAfter429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := testHTTPFetcher()
	before := f.limiterFor(srv.URL).Limit()

	body, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	body.Close()

	assert.Less(t, float64(f.limiterFor(srv.URL).Limit()), float64(before))
}

func TestFetchIfChanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("schedule"))
	}))
	defer srv.Close()

	f := testHTTPFetcher()

	body, etag, changed, err := f.FetchIfChanged(context.Background(), srv.URL, "")
	require.NoError(t, err)
	require.True(t, changed)
	body.Close()
	assert.Equal(t, `"v1"`, etag)

	body, etag, changed, err = f.FetchIfChanged(context.Background(), srv.URL, `"v1"`)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, body)
	assert.Equal(t, `"v1"`, etag)
}

func TestDispatcher_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.csv")
	require.NoError(t, os.WriteFile(path, []byte("NL,3.7"), 0644))

	d := NewDispatcher(HTTPOptions{RatePerSec: 1000}, FTPOptions{})

	for _, ref := range []string{path, "file://" + path} {
		body, err := d.Fetch(context.Background(), ref)
		require.NoError(t, err, ref)
		data, err := io.ReadAll(body)
		body.Close()
		require.NoError(t, err)
		assert.Equal(t, "NL,3.7", string(data))
	}
}

func TestDispatcher_UnsupportedScheme(t *testing.T) {
	d := NewDispatcher(HTTPOptions{RatePerSec: 1000}, FTPOptions{})
	_, err := d.Fetch(context.Background(), "gopher://example.com/rates")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestFetchBytes_HashIsStable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("stable content"))
	}))
	defer srv.Close()

	f := testHTTPFetcher()
	data1, hash1, err := FetchBytes(context.Background(), f, srv.URL)
	require.NoError(t, err)
	_, hash2, err := FetchBytes(context.Background(), f, srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "stable content", string(data1))
	assert.Equal(t, hash1, hash2)
	assert.Len(t, hash1, 64)
}

func TestSplitFTPRef(t *testing.T) {
	host, path, err := splitFTPRef("ftp://stats.example.org/pub/vat-rates.csv")
	require.NoError(t, err)
	assert.Equal(t, "stats.example.org:21", host)
	assert.Equal(t, "/pub/vat-rates.csv", path)

	host, _, err = splitFTPRef("ftp://stats.example.org:2121/pub/rates.csv")
	require.NoError(t, err)
	assert.Equal(t, "stats.example.org:2121", host)

	_, _, err = splitFTPRef("https://example.org/rates.csv")
	assert.Error(t, err)

	_, _, err = splitFTPRef("ftp://example.org")
	assert.Error(t, err)
}
