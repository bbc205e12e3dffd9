package workerclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient starts an httptest server and returns a Client pointed
// at its host, plus the loopback IP to pass as the ip argument (the
// client itself builds URLs from ip:port, not a full base URL).
func newTestClient(t *testing.T, handler http.Handler) (*Client, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &Client{HTTP: srv.Client(), Port: port}, host
}

func TestClient_HealthDecodesBody(t *testing.T) {
	c, ip := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/worker/health", r.URL.Path)
		fmt.Fprint(w, `{"active_jobs": 3}`)
	}))

	report, err := c.Health(context.Background(), ip, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, report.ActiveJobs)
}

func TestClient_StatusDecodesBody(t *testing.T) {
	c, ip := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/worker/status", r.URL.Path)
		fmt.Fprint(w, `{"active_jobs": 0}`)
	}))

	report, err := c.Status(context.Background(), ip, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ActiveJobs)
}

func TestClient_DrainPosts(t *testing.T) {
	c, ip := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/worker/drain", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	err := c.Drain(context.Background(), ip, time.Second)
	assert.NoError(t, err)
}

func TestClient_ErrorStatusReturnsError(t *testing.T) {
	c, ip := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.Health(context.Background(), ip, time.Second)
	assert.Error(t, err)
}

func TestClient_UnreachableHostReturnsError(t *testing.T) {
	c := New(1)
	_, err := c.Health(context.Background(), "127.0.0.1", 50*time.Millisecond)
	assert.Error(t, err)
}
