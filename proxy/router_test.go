package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vhost-proxy/registry"
)

// countingTransport fails every round trip and counts how often it was asked.
type countingTransport struct {
	calls atomic.Int32
}

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return nil, errors.New("backend must not be contacted")
}

func newTestRouter(t *testing.T, cfg Config) (*Router, *registry.MemoryRegistry) {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	return NewRouter(reg, cfg, zaptest.NewLogger(t)), reg
}

// serve starts the router behind a real listener and returns its address.
func serve(t *testing.T, rt *Router) string {
	t.Helper()
	srv := httptest.NewServer(rt)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func get(t *testing.T, proxyAddr, host, path string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+proxyAddr+path, nil)
	require.NoError(t, err)
	req.Host = host

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// backendEndpoint registers name → the address of an httptest backend.
func backendEndpoint(t *testing.T, name string, backend *httptest.Server) registry.Endpoint {
	t.Helper()
	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	return registry.Endpoint{Name: name, Address: registry.Address{IP: u.Hostname(), Port: u.Port()}}
}

func TestServiceName(t *testing.T) {
	tests := []struct {
		host    string
		want    string
		wantErr bool
	}{
		{host: "blog.localhost", want: "blog"},
		{host: "Blog.Example.COM:8080", want: "blog"},
		{host: "api", want: "api"},
		{host: "api:80", want: "api"},
		{host: "", wantErr: true},
		{host: ".localhost", wantErr: true},
		{host: "[::1]:80", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			got, err := ServiceName(tt.host)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedHost)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	rt, reg := newTestRouter(t, Config{})
	reg.Upsert(registry.Endpoint{Name: "web", Address: registry.Address{IP: "10.0.0.2", Port: "80"}})
	reg.Upsert(registry.Endpoint{Name: "svc", Address: registry.Address{IP: "10.0.0.5"}})

	ep, err := rt.Resolve("web.localhost")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:80", ep.Address.HostPort())

	_, err = rt.Resolve("svc.x")
	assert.ErrorIs(t, err, ErrNoRoutablePort)

	_, err = rt.Resolve("ghost.x")
	assert.ErrorIs(t, err, ErrServiceNotFound)

	_, err = rt.Resolve("")
	assert.ErrorIs(t, err, ErrMalformedHost)
}

func TestUnknownServiceIs404WithoutBackendContact(t *testing.T) {
	stub := &countingTransport{}
	rt, _ := newTestRouter(t, Config{Transport: stub})
	addr := serve(t, rt)

	for _, host := range []string{"ghost.anything", "other.localhost:80", ""} {
		resp, body := get(t, addr, host, "/")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "host %q", host)
		assert.NotEmpty(t, body)
	}
	assert.Equal(t, int32(0), stub.calls.Load())
}

func TestKnownServiceWithoutPortIs503(t *testing.T) {
	stub := &countingTransport{}
	rt, reg := newTestRouter(t, Config{Transport: stub})
	reg.Upsert(registry.Endpoint{Name: "svc", Address: registry.Address{IP: "10.0.0.5"}})
	addr := serve(t, rt)

	resp, body := get(t, addr, "svc.x", "/")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "no reachable TCP port")
	assert.Equal(t, int32(0), stub.calls.Load())
}

func TestForwardsToBackend(t *testing.T) {
	var seenHost, seenForwardedHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
		seenForwardedHost = r.Header.Get("X-Forwarded-Host")
		w.Header().Set("X-Backend", "echo")
		fmt.Fprintf(w, "%s %s", r.Method, r.URL.Path)
	}))
	defer backend.Close()

	rt, reg := newTestRouter(t, Config{})
	ep := backendEndpoint(t, "svc", backend)
	reg.Upsert(ep)
	addr := serve(t, rt)

	resp, body := get(t, addr, "svc.localhost", "/some/path")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET /some/path", body)
	assert.Equal(t, "echo", resp.Header.Get("X-Backend"))
	assert.Equal(t, ep.Address.HostPort(), seenHost, "origin is rewritten to the backend")
	assert.Equal(t, "svc.localhost", seenForwardedHost)
}

func TestForwardPreservesMethodAndBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, "%s:%s:%s", r.Method, r.Header.Get("Content-Type"), b)
	}))
	defer backend.Close()

	rt, reg := newTestRouter(t, Config{})
	reg.Upsert(backendEndpoint(t, "api", backend))
	addr := serve(t, rt)

	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/items", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	req.Host = "api.localhost"
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `POST:application/json:{"a":1}`, string(body))
}

func TestStreamsResponses(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "first\n")
		w.(http.Flusher).Flush()
		<-release
		io.WriteString(w, "second\n")
	}))
	defer backend.Close()
	defer close(release)

	rt, reg := newTestRouter(t, Config{})
	reg.Upsert(backendEndpoint(t, "stream", backend))
	addr := serve(t, rt)

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
	require.NoError(t, err)
	req.Host = "stream.localhost"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The first chunk must arrive while the backend is still holding the response open
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "first\n", line)
}

func TestDeadBackendIs502AndClosesConnection(t *testing.T) {
	rt, reg := newTestRouter(t, Config{DialTimeout: time.Second})
	reg.Upsert(registry.Endpoint{Name: "svc", Address: registry.Address{IP: "127.0.0.1", Port: "1"}})
	addr := serve(t, rt)

	start := time.Now()
	resp, body := get(t, addr, "svc.localhost", "/")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "Bad gateway")
	assert.True(t, resp.Close, "the failed exchange must close the client connection")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBackendErrorAfterHeadersAborts(t *testing.T) {
	rt, _ := newTestRouter(t, Config{})
	rec := httptest.NewRecorder()
	gw := &guardedWriter{ResponseWriter: rec}
	gw.WriteHeader(http.StatusOK)

	req := withEndpoint(httptest.NewRequest(http.MethodGet, "/", nil),
		registry.Endpoint{Name: "svc", Address: registry.Address{IP: "127.0.0.1", Port: "1"}})

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		rt.backendError(gw, req, errors.New("connection reset by peer"))
	})
	assert.Equal(t, http.StatusOK, rec.Code, "no second status line")
	assert.Empty(t, rec.Body.String())
}

func TestGuardedWriterIgnoresInformational(t *testing.T) {
	gw := &guardedWriter{ResponseWriter: httptest.NewRecorder()}
	gw.WriteHeader(http.StatusContinue)
	assert.False(t, gw.wroteHeader)
	gw.WriteHeader(http.StatusOK)
	assert.True(t, gw.wroteHeader)
}

// rawUpgrade sends a WebSocket upgrade request over a raw connection and returns
// everything the proxy wrote before closing it.
func rawUpgrade(t *testing.T, addr, host string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /ws HTTP/1.1\r\nHost: %s\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n"+
		"Sec-WebSocket-Version: 13\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n", host)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	out, err := io.ReadAll(conn) // Returns at EOF: the proxy closed the connection
	require.NoError(t, err)
	return string(out)
}

func TestUpgradeRejection(t *testing.T) {
	stub := &countingTransport{}
	rt, reg := newTestRouter(t, Config{Transport: stub})
	reg.Upsert(registry.Endpoint{Name: "svc", Address: registry.Address{IP: "10.0.0.5"}})
	addr := serve(t, rt)

	assert.Equal(t, "HTTP/1.1 404 Not Found\r\n\r\n", rawUpgrade(t, addr, "ghost.localhost"))
	assert.Equal(t, "HTTP/1.1 503 Service Unavailable\r\n\r\n", rawUpgrade(t, addr, "svc.localhost"))
	assert.Equal(t, int32(0), stub.calls.Load())

	// The listener survives rejected upgrades
	resp, _ := get(t, addr, "ghost.localhost", "/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketRelay(t *testing.T) {
	upgrader := websocket.Upgrader{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo: "), msg...)); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	rt, reg := newTestRouter(t, Config{})
	reg.Upsert(backendEndpoint(t, "chat", backend))
	addr := serve(t, rt)

	header := http.Header{}
	header.Set("Host", "chat.localhost")
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", string(msg))
}

func TestWebSocketToDeadBackendIs502(t *testing.T) {
	rt, reg := newTestRouter(t, Config{DialTimeout: time.Second})
	reg.Upsert(registry.Endpoint{Name: "chat", Address: registry.Address{IP: "127.0.0.1", Port: "1"}})
	addr := serve(t, rt)

	header := http.Header{}
	header.Set("Host", "chat.localhost")
	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
