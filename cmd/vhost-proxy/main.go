package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vhost-proxy/config"
	"vhost-proxy/docker"
	"vhost-proxy/logger"
	"vhost-proxy/metrics"
	"vhost-proxy/middleware"
	"vhost-proxy/proxy"
	"vhost-proxy/registry"
	"vhost-proxy/server"
	"vhost-proxy/watcher"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logr.Sync()

	metrics.Register()

	reg, closeRegistry, err := newRegistry(cfg, logr)
	if err != nil {
		logr.Fatal("Failed to init registry", zap.Error(err))
	}
	defer closeRegistry()

	rt, err := docker.NewClient(cfg.Docker.Host)
	if err != nil {
		logr.Fatal("Failed to connect to docker", zap.Error(err))
	}
	defer rt.Close()

	w := watcher.New(rt, reg, watcher.Config{
		Network:        cfg.Docker.Network,
		InitialBackoff: cfg.Watcher.InitialBackoff,
		MaxBackoff:     cfg.Watcher.MaxBackoff,
		InspectTimeout: cfg.Watcher.InspectTimeout,
	}, logr)

	router := proxy.NewRouter(reg, proxy.Config{
		DialTimeout:           cfg.Proxy.DialTimeout,
		ResponseHeaderTimeout: cfg.Proxy.ResponseHeaderTimeout,
	}, logr)
	handler := middleware.Chain(
		middleware.RequestID(),
		middleware.Logging(logr),
		middleware.Metrics(),
		middleware.RateLimitMiddleware(cfg.Proxy.RateLimit, cfg.Proxy.RateBurst),
	)(router)

	srv := server.New(server.Options{
		ProxyAddr: cfg.Proxy.Addr,
		AdminAddr: cfg.Admin.Addr,
		Domain:    cfg.Admin.Domain,
	}, handler, reg, logr)
	if err := srv.Listen(); err != nil {
		logr.Fatal("Failed to listen", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(srv.Serve)
	g.Go(func() error {
		<-ctx.Done()
		logr.Info("shutting down")
		return srv.Shutdown(cfg.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		logr.Error("exited with error", zap.Error(err))
	}
}

// newRegistry builds the routing table backend selected by config.
func newRegistry(cfg *config.Config, logr *zap.Logger) (registry.Registry, func(), error) {
	switch cfg.Registry.Backend {
	case config.BackendEtcd:
		reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			TTL:         cfg.Etcd.TTL,
			DialTimeout: cfg.Etcd.DialTimeout,
		}, logr)
		if err != nil {
			return nil, nil, err
		}
		reg.OnSizeChange(metrics.SetRegistrySize)
		return reg, func() { reg.Close() }, nil
	default:
		reg := registry.NewMemoryRegistry()
		reg.OnSizeChange(metrics.SetRegistrySize)
		return reg, func() {}, nil
	}
}
