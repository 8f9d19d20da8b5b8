// Package proxy implements the virtual-host router: every backend container appears as
// its own host, "{service}.{domain}", and requests are forwarded to the address the
// registry currently holds for {service}.
//
// Request pipeline:
//
//	ServeHTTP ─→ Resolve(Host) ─┬─ plain request → routeHTTP    → ReverseProxy → backend
//	                            └─ Upgrade       → routeUpgrade → ReverseProxy → backend (bytes relayed both ways)
//
// Both entry points share Resolve, so they can never disagree on where a name points.
// Failures are deterministic:
//
//	404  unknown service (or malformed Host)
//	503  service is running but exposes no TCP port
//	502  backend refused, reset or timed out
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	"vhost-proxy/metrics"
	"vhost-proxy/registry"
)

var (
	ErrMalformedHost   = errors.New("proxy: malformed host header")
	ErrServiceNotFound = errors.New("proxy: service not found")
	ErrNoRoutablePort  = errors.New("proxy: service exposes no routable port")
)

// Config tunes the forwarding transport.
type Config struct {
	DialTimeout           time.Duration     // Bound on establishing the backend connection
	ResponseHeaderTimeout time.Duration     // Bound on waiting for backend response headers, 0 = none
	Transport             http.RoundTripper // Overrides the default transport (tests)
}

// Router resolves the Host header against the registry and forwards to the backend.
type Router struct {
	registry registry.Registry
	proxy    *httputil.ReverseProxy
	logger   *zap.Logger
}

type endpointKey struct{}

// NewRouter creates a router reading from reg.
func NewRouter(reg registry.Registry, cfg Config, logger *zap.Logger) *Router {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	rt := &Router{
		registry: reg,
		logger:   logger.Named("proxy"),
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   cfg.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			ExpectContinueTimeout: time.Second,
		}
	}

	rt.proxy = &httputil.ReverseProxy{
		Rewrite:       rewrite,
		Transport:     transport,
		FlushInterval: -1, // Flush after every write so streamed responses are not buffered
		ErrorHandler:  rt.backendError,
	}
	return rt
}

// rewrite points the outbound request at the resolved endpoint. SetURL also clears the
// outbound Host, so the backend sees its own address as the origin.
func rewrite(pr *httputil.ProxyRequest) {
	ep := pr.In.Context().Value(endpointKey{}).(registry.Endpoint)
	pr.SetURL(&url.URL{Scheme: "http", Host: ep.Address.HostPort()})
	pr.SetXForwarded()
}

// ServiceName extracts the routing key from a Host header: the first label, lower-cased,
// with any port removed. "Blog.localhost:80" → "blog".
func ServiceName(host string) (string, error) {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	name, _, _ := strings.Cut(host, ".")
	name = strings.ToLower(name)
	if name == "" || strings.ContainsAny(name, ":/[] ") {
		return "", ErrMalformedHost
	}
	return name, nil
}

// Resolve maps a Host header to a routable endpoint. This is the single lookup routine
// shared by plain and upgrade traffic.
func (rt *Router) Resolve(host string) (registry.Endpoint, error) {
	name, err := ServiceName(host)
	if err != nil {
		return registry.Endpoint{}, err
	}
	ep, ok := rt.registry.Lookup(name)
	if !ok {
		return registry.Endpoint{Name: name}, ErrServiceNotFound
	}
	if !ep.Routable() {
		return ep, ErrNoRoutablePort
	}
	return ep, nil
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isUpgrade(r) {
		rt.routeUpgrade(w, r)
		return
	}
	rt.routeHTTP(w, r)
}

func isUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" && httpguts.HeaderValuesContainsToken(r.Header["Connection"], "Upgrade")
}

func (rt *Router) routeHTTP(w http.ResponseWriter, r *http.Request) {
	ep, err := rt.Resolve(r.Host)
	if err != nil {
		status, msg := rt.resolveFailure(r, ep, err)
		http.Error(w, msg, status)
		return
	}

	rt.logger.Debug("forwarding", zap.String("host", r.Host), zap.String("target", ep.URL()))
	gw := &guardedWriter{ResponseWriter: w}
	rt.proxy.ServeHTTP(gw, withEndpoint(r, ep))
	if !gw.failed {
		metrics.RecordRouted(metrics.OutcomeForwarded)
	}
}

// routeUpgrade handles connection-upgrade (WebSocket) requests. Rejections are written as a
// bare status line on the raw connection, which is then closed: an upgrading client is not
// guaranteed to honor a framed HTTP response body.
func (rt *Router) routeUpgrade(w http.ResponseWriter, r *http.Request) {
	ep, err := rt.Resolve(r.Host)
	if err != nil {
		status, _ := rt.resolveFailure(r, ep, err)
		metrics.RecordRouted(metrics.OutcomeUpgradeRejected)
		rejectUpgrade(w, status)
		return
	}

	rt.logger.Debug("upgrading", zap.String("host", r.Host), zap.String("target", ep.URL()),
		zap.String("protocol", r.Header.Get("Upgrade")))
	gw := &guardedWriter{ResponseWriter: w}
	rt.proxy.ServeHTTP(gw, withEndpoint(r, ep))
	if !gw.failed {
		metrics.RecordRouted(metrics.OutcomeForwarded)
	}
}

// resolveFailure maps a Resolve error to a status and body, logging at the level the
// error class deserves.
func (rt *Router) resolveFailure(r *http.Request, ep registry.Endpoint, err error) (int, string) {
	switch {
	case errors.Is(err, ErrNoRoutablePort):
		rt.logger.Info("service has no routable port", zap.String("service", ep.Name), zap.String("ip", ep.Address.IP))
		metrics.RecordRouted(metrics.OutcomeNoPort)
		return http.StatusServiceUnavailable,
			fmt.Sprintf("Service %q is running but exposes no reachable TCP port", ep.Name)
	case errors.Is(err, ErrServiceNotFound):
		rt.logger.Debug("unknown service", zap.String("host", r.Host))
		metrics.RecordRouted(metrics.OutcomeNotFound)
		return http.StatusNotFound, fmt.Sprintf("Service %q not found", ep.Name)
	default:
		rt.logger.Debug("malformed host", zap.String("host", r.Host))
		metrics.RecordRouted(metrics.OutcomeNotFound)
		return http.StatusNotFound, fmt.Sprintf("Cannot route host %q", r.Host)
	}
}

// backendError is the ReverseProxy error handler: the backend was unreachable or failed
// mid-exchange. It answers 502 with the cause, unless the response has already started,
// in which case the only clean option left is to abort the client connection.
func (rt *Router) backendError(w http.ResponseWriter, r *http.Request, err error) {
	ep, _ := r.Context().Value(endpointKey{}).(registry.Endpoint)
	rt.logger.Warn("backend error", zap.String("service", ep.Name), zap.String("target", ep.URL()), zap.Error(err))
	metrics.RecordRouted(metrics.OutcomeBackendError)

	gw, ok := w.(*guardedWriter)
	if ok {
		gw.failed = true
		if gw.wroteHeader {
			panic(http.ErrAbortHandler)
		}
	}

	w.Header().Set("Connection", "close")
	http.Error(w, fmt.Sprintf("Bad gateway: service %q at %s failed: %v", ep.Name, ep.Address.HostPort(), err),
		http.StatusBadGateway)
}

func withEndpoint(r *http.Request, ep registry.Endpoint) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), endpointKey{}, ep))
}

// rejectUpgrade writes "HTTP/1.1 <status>" on the hijacked connection and closes it.
func rejectUpgrade(w http.ResponseWriter, status int) {
	conn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		// Not hijackable (e.g. HTTP/2): fall back to a regular response
		w.Header().Set("Connection", "close")
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer conn.Close()

	fmt.Fprintf(brw, "HTTP/1.1 %d %s\r\n\r\n", status, http.StatusText(status))
	brw.Flush()
}
