// Package server runs the two listeners of the process and shuts them down gracefully.
//
//	proxy listener (:80)   → middleware chain → proxy.Router       (virtual-host traffic)
//	admin listener (:3000) → /healthz, /metrics, /api/routes       (operators and dashboards)
//
// Both listeners read the same registry; neither writes it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vhost-proxy/registry"
)

// Options configures New.
type Options struct {
	ProxyAddr string
	AdminAddr string
	Domain    string // Appended to service names in access URLs: http://{name}.{domain}
}

// Server owns the proxy and admin HTTP servers.
type Server struct {
	opts     Options
	registry registry.Registry
	logger   *zap.Logger

	proxy    *http.Server
	admin    *http.Server
	proxyLn  net.Listener
	adminLn  net.Listener
	shutdown atomic.Bool // Set before closing listeners so Serve returns nil, not an error
}

// New creates a server. proxyHandler serves the virtual-host traffic.
func New(opts Options, proxyHandler http.Handler, reg registry.Registry, logger *zap.Logger) *Server {
	s := &Server{
		opts:     opts,
		registry: reg,
		logger:   logger.Named("server"),
	}
	s.proxy = &http.Server{
		Handler:           proxyHandler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}
	s.admin = &http.Server{
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Listen binds both listeners. Split from Serve so callers (and tests) can learn the bound addresses.
func (s *Server) Listen() error {
	var err error
	if s.proxyLn, err = net.Listen("tcp", s.opts.ProxyAddr); err != nil {
		return fmt.Errorf("proxy listener: %w", err)
	}
	if s.adminLn, err = net.Listen("tcp", s.opts.AdminAddr); err != nil {
		s.proxyLn.Close()
		return fmt.Errorf("admin listener: %w", err)
	}
	return nil
}

// ProxyAddr returns the bound proxy address (after Listen).
func (s *Server) ProxyAddr() string { return s.proxyLn.Addr().String() }

// AdminAddr returns the bound admin address (after Listen).
func (s *Server) AdminAddr() string { return s.adminLn.Addr().String() }

// Serve accepts on both listeners until one fails or Shutdown is called.
func (s *Server) Serve() error {
	if s.proxyLn == nil || s.adminLn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("proxy listening", zap.String("addr", s.ProxyAddr()))
	s.logger.Info("admin listening", zap.String("addr", s.AdminAddr()))

	var g errgroup.Group
	g.Go(func() error { return s.serve(s.proxy, s.proxyLn) })
	g.Go(func() error { return s.serve(s.admin, s.adminLn) })
	return g.Wait()
}

func (s *Server) serve(srv *http.Server, ln net.Listener) error {
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) && s.shutdown.Load() {
		return nil
	}
	return err
}

// Shutdown stops accepting, then waits for in-flight requests up to timeout.
// Upgraded (hijacked) connections are not tracked and are left to finish on their own.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return s.proxy.Shutdown(ctx) })
	g.Go(func() error { return s.admin.Shutdown(ctx) })
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timeout waiting for ongoing requests to finish")
		}
		return err
	}
	return nil
}

// Route is one entry of GET /api/routes.
type Route struct {
	Name        string `json:"name"`
	IP          string `json:"ip"`
	Port        string `json:"port,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
	Routable    bool   `json:"routable"`
	URL         string `json:"url"`
}

// AdminHandler serves health, metrics and the routing table.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/routes", s.handleRoutes)
	return mux
}

// publisher is implemented by registries that mirror the table to an external store.
type publisher interface {
	Published(ctx context.Context) ([]registry.Endpoint, error)
}

// handleRoutes lists the local table, or with ?source=etcd what the registry has
// actually published.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	var endpoints []registry.Endpoint
	switch r.URL.Query().Get("source") {
	case "", "local":
		endpoints = s.registry.List()
	case "etcd":
		pub, ok := s.registry.(publisher)
		if !ok {
			http.Error(w, "routing table is not published to etcd", http.StatusNotFound)
			return
		}
		var err error
		if endpoints, err = pub.Published(r.Context()); err != nil {
			s.logger.Warn("read published routes", zap.Error(err))
			http.Error(w, fmt.Sprintf("read published routes: %v", err), http.StatusBadGateway)
			return
		}
		sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Name < endpoints[j].Name })
	default:
		http.Error(w, "unknown source", http.StatusBadRequest)
		return
	}

	routes := make([]Route, 0, len(endpoints))
	for _, ep := range endpoints {
		routes = append(routes, Route{
			Name:        ep.Name,
			IP:          ep.Address.IP,
			Port:        ep.Address.Port,
			ContainerID: ep.ContainerID,
			Routable:    ep.Routable(),
			URL:         fmt.Sprintf("http://%s.%s", ep.Name, s.opts.Domain),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(routes); err != nil {
		s.logger.Warn("encode routes", zap.Error(err))
	}
}
