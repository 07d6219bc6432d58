package httpclient

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retries = 2
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestNew(t *testing.T) {
	t.Run("with default config", func(t *testing.T) {
		client := NewWithDefaults()
		assert.NotNil(t, client)
		assert.NotNil(t, client.client)
		assert.NotNil(t, client.logger)
	})

	t.Run("with custom base client", func(t *testing.T) {
		baseClient := &http.Client{Timeout: 5 * time.Second}
		cfg := DefaultConfig()
		cfg.BaseClient = baseClient
		client := New(cfg)
		assert.Equal(t, baseClient, client.client)
	})
}

func TestClient_GetText(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("#EXTM3U"))
		}))
		defer server.Close()

		client := New(testConfig())
		status, body, err := client.GetText(context.Background(), server.URL, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "#EXTM3U", string(body))
	})

	t.Run("sets user agent", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "custom-agent/2.0", r.Header.Get(HeaderUserAgent))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		cfg := testConfig()
		cfg.UserAgent = "custom-agent/2.0"
		client := New(cfg)
		_, _, err := client.GetText(context.Background(), server.URL, nil)
		require.NoError(t, err)
	})

	t.Run("passes extra headers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "abc123", r.Header.Get("Client-Id"))
			assert.Equal(t, "OAuth tok", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		hdr := http.Header{}
		hdr.Set("Client-ID", "abc123")
		hdr.Set("Authorization", "OAuth tok")

		client := New(testConfig())
		_, _, err := client.GetText(context.Background(), server.URL, hdr)
		require.NoError(t, err)
	})

	t.Run("decompresses gzip", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, "gzip")
			gz := gzip.NewWriter(w)
			gz.Write([]byte("compressed playlist"))
			gz.Close()
		}))
		defer server.Close()

		client := New(testConfig())
		_, body, err := client.GetText(context.Background(), server.URL, nil)
		require.NoError(t, err)
		assert.Equal(t, "compressed playlist", string(body))
	})
}

func TestClient_Retries(t *testing.T) {
	t.Run("retries on 503 then succeeds", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("ok"))
		}))
		defer server.Close()

		client := New(testConfig())
		status, body, err := client.GetText(context.Background(), server.URL, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "ok", string(body))
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	})

	t.Run("at most one plus retries attempts", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client := New(testConfig())
		_, _, err := client.GetText(context.Background(), server.URL, nil)
		require.Error(t, err)
		assert.Equal(t, KindTransient, KindOf(err))
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts)) // initial + 2 retries
	})

	t.Run("does not retry on 403", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		client := New(testConfig())
		status, _, err := client.GetText(context.Background(), server.URL, nil)
		require.Error(t, err)
		assert.Equal(t, KindPermanent, KindOf(err))
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	})

	t.Run("404 is gone, not retried", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := New(testConfig())
		_, _, err := client.GetText(context.Background(), server.URL, nil)
		require.Error(t, err)
		assert.Equal(t, KindGone, KindOf(err))
		assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	})
}

func TestClient_ForceHTTPS(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the server")
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.ForceHTTPS = true
	client := New(cfg)

	_, _, err := client.GetText(context.Background(), server.URL, nil)
	require.Error(t, err)
	assert.Equal(t, KindPolicy, KindOf(err))
	assert.ErrorIs(t, err, ErrHTTPSRequired)
}

func TestClient_OpenBody(t *testing.T) {
	t.Run("streams the body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("segment bytes"))
		}))
		defer server.Close()

		client := New(testConfig())
		body, err := client.OpenBody(context.Background(), server.URL, nil)
		require.NoError(t, err)
		defer body.Close()

		buf := make([]byte, 64)
		n, _ := body.Read(buf)
		assert.Equal(t, "segment bytes", string(buf[:n]))
	})

	t.Run("404 is gone", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		defer server.Close()

		client := New(testConfig())
		_, err := client.OpenBody(context.Background(), server.URL, nil)
		require.Error(t, err)
		assert.Equal(t, KindGone, KindOf(err))
	})
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: KindGone, URL: "https://e/x.m3u8?token=secret&sig=s", Status: 404}
	s := err.Error()
	assert.Contains(t, s, "gone")
	assert.Contains(t, s, "404")
	assert.NotContains(t, s, "secret")
}

func TestKindOf_ForeignError(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
}
