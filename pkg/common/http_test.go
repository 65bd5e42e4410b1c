package common

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pescbridge/"+Version(), r.Header.Get("User-Agent"), "User-Agent should match expected format")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	timeout := 5 * time.Second
	client := HTTPClient(timeout)

	assert.Equal(t, timeout, client.Timeout, "Timeout should be set correctly")
	assert.NotNil(t, client.Transport, "Transport should not be nil")

	req, err := http.NewRequest("GET", server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestThrottledHTTPClient(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "pescbridge/"+Version(), r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Run("Disabled", func(t *testing.T) {
		c := ThrottledHTTPClient(time.Second, 0, 0)
		_, ok := c.Transport.(*userAgentTransport)
		assert.True(t, ok, "zero rps should not wrap the transport")
	})

	t.Run("Passes Through", func(t *testing.T) {
		c := ThrottledHTTPClient(time.Second, 100, 2)
		for i := 0; i < 3; i++ {
			resp, err := c.Get(server.URL)
			require.NoError(t, err)
			resp.Body.Close()
		}
		assert.Equal(t, 3, hits)
	})

	t.Run("Canceled Context", func(t *testing.T) {
		c := &http.Client{Transport: &throttledTransport{
			transport: http.DefaultTransport,
			limiter:   rate.NewLimiter(rate.Limit(0.001), 1),
		}}
		// drain the only token
		c.Transport.(*throttledTransport).limiter.Allow()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req, err := http.NewRequestWithContext(ctx, "GET", server.URL, nil)
		require.NoError(t, err)
		_, err = c.Do(req)
		assert.Error(t, err)
	})
}
