package readiness

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// endpointFor converts an httptest server URL into an Endpoint.
func endpointFor(t *testing.T, server *httptest.Server) Endpoint {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return Endpoint{Host: u.Hostname(), HTTPPort: port}
}

func jenkins(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(JenkinsHeader, "1.609.1")
		w.WriteHeader(status)
	}
}

func TestHTTPHandshaker_Ready(t *testing.T) {
	server := httptest.NewServer(jenkins(http.StatusOK))
	defer server.Close()

	err := (&HTTPHandshaker{}).Handshake(context.Background(), endpointFor(t, server))

	assert.NoError(t, err)
}

// TestHTTPHandshaker_Forbidden verifies that a secured Jenkins (403) still
// counts as ready.
func TestHTTPHandshaker_Forbidden(t *testing.T) {
	server := httptest.NewServer(jenkins(http.StatusForbidden))
	defer server.Close()

	assert.NoError(t, (&HTTPHandshaker{}).Handshake(context.Background(), endpointFor(t, server)))
}

// TestHTTPHandshaker_Starting verifies that the 503 Jenkins serves while it
// loads plugins is not ready.
func TestHTTPHandshaker_Starting(t *testing.T) {
	server := httptest.NewServer(jenkins(http.StatusServiceUnavailable))
	defer server.Close()

	err := (&HTTPHandshaker{}).Handshake(context.Background(), endpointFor(t, server))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPHandshaker_NotJenkins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := (&HTTPHandshaker{}).Handshake(context.Background(), endpointFor(t, server))

	require.Error(t, err)
	assert.Contains(t, err.Error(), JenkinsHeader)
}

func TestHTTPHandshaker_Refused(t *testing.T) {
	server := httptest.NewServer(jenkins(http.StatusOK))
	ep := endpointFor(t, server)
	server.Close()

	assert.Error(t, (&HTTPHandshaker{}).Handshake(context.Background(), ep))
}

func TestHTTPHandshaker_CLIPort(t *testing.T) {
	server := httptest.NewServer(jenkins(http.StatusOK))
	defer server.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cliPort := listener.Addr().(*net.TCPAddr).Port

	ep := endpointFor(t, server)
	ep.CLIPort = cliPort
	assert.NoError(t, (&HTTPHandshaker{}).Handshake(context.Background(), ep))

	require.NoError(t, listener.Close())
	err = (&HTTPHandshaker{}).Handshake(context.Background(), ep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remoting port")
}

// TestPoller_WithHTTPHandshaker wires the poller to a server that turns
// ready on its third request.
func TestPoller_WithHTTPHandshaker(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		jenkins(http.StatusOK)(w, r)
	}))
	defer server.Close()

	timer := newRecordingTimer()
	p := &Poller{Timer: timer}

	require.NoError(t, p.Wait(context.Background(), endpointFor(t, server)))
	assert.Equal(t, 3, requests)
	assert.Len(t, timer.waits, 2)
}
