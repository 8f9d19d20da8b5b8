// Package watcher keeps the registry in sync with the container runtime.
//
// The Watcher is the registry's only writer. It runs one long-lived supervised loop:
//
//	subscribe to events ─→ resync with running containers ─→ apply events one by one
//	        ↑                                                        │
//	        └──────────── backoff ←── stream dropped (error) ────────┘
//
// Events are applied strictly in arrival order, so a later "die" always invalidates
// an earlier "start" for the same container. A bad event is logged and skipped; only
// cancellation of the context ends the loop.
package watcher

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"vhost-proxy/docker"
	"vhost-proxy/metrics"
	"vhost-proxy/registry"
)

var (
	ErrMalformedEvent = errors.New("watcher: malformed lifecycle event")
	ErrStreamClosed   = errors.New("watcher: event stream closed")
)

// Config tunes the watcher. Zero values fall back to defaults.
type Config struct {
	Network        string        // Preferred network when a container is not on the default bridge
	InitialBackoff time.Duration // First reconnect delay
	MaxBackoff     time.Duration // Upper bound of the reconnect delay
	InspectTimeout time.Duration // Per-container metadata lookup bound
}

func (c *Config) setDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.InspectTimeout <= 0 {
		c.InspectTimeout = 5 * time.Second
	}
}

// Watcher consumes lifecycle events and writes the registry.
type Watcher struct {
	runtime  docker.Runtime
	registry registry.Registry
	cfg      Config
	logger   *zap.Logger
}

// New creates a watcher writing to reg.
func New(rt docker.Runtime, reg registry.Registry, cfg Config, logger *zap.Logger) *Watcher {
	cfg.setDefaults()
	return &Watcher{
		runtime:  rt,
		registry: reg,
		cfg:      cfg,
		logger:   logger.Named("watcher"),
	}
}

// Run consumes the event stream until ctx is cancelled, reconnecting with exponential
// backoff whenever the stream drops. While disconnected the registry keeps serving its
// last known state.
func (w *Watcher) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // Never give up

	for {
		start := time.Now()
		err := w.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// A stream that stayed up for a while was healthy: start over from the shortest delay
		if time.Since(start) > w.cfg.MaxBackoff {
			b.Reset()
		}
		wait := b.NextBackOff()
		w.logger.Warn("event stream dropped, reconnecting",
			zap.Error(err), zap.Duration("backoff", wait))
		metrics.RecordReconnect()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// consume runs one subscription until the stream ends and returns the cause.
func (w *Watcher) consume(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before listing, so nothing that happens during the resync is missed
	events, errs := w.runtime.Events(streamCtx)
	if err := w.Resync(streamCtx); err != nil {
		w.logger.Warn("resync with running containers failed", zap.Error(err))
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ErrStreamClosed
			}
			w.Handle(streamCtx, ev)
		case err := <-errs:
			return err
		}
	}
}

// Resync registers every running container and drops entries whose container is gone.
// An entry whose container still runs but could not be inspected keeps its previous value.
func (w *Watcher) Resync(ctx context.Context) error {
	ids, err := w.runtime.Running(ctx)
	if err != nil {
		return err
	}

	running := make(map[string]bool, len(ids))
	registered := 0
	for _, id := range ids {
		running[id] = true
		if _, err := w.register(ctx, id); err != nil {
			w.logger.Warn("resync: skipping container", zap.String("container", id), zap.Error(err))
			continue
		}
		registered++
	}
	for _, ep := range w.registry.List() {
		if !running[ep.ContainerID] {
			w.logger.Info("dropping stale route", zap.String("service", ep.Name))
			w.registry.Remove(ep.Name)
		}
	}
	w.logger.Info("resynced with running containers", zap.Int("running", len(ids)), zap.Int("registered", registered))
	return nil
}

// Handle applies a single lifecycle event. It never fails: errors are logged and the event is skipped.
func (w *Watcher) Handle(ctx context.Context, ev docker.Event) {
	if ev.ContainerID == "" {
		w.logger.Warn("skipping event", zap.String("action", ev.Action), zap.Error(ErrMalformedEvent))
		metrics.RecordEvent(ev.Action, "skipped")
		return
	}

	var err error
	switch ev.Action {
	case docker.ActionStart:
		_, err = w.register(ctx, ev.ContainerID)
	case docker.ActionStop, docker.ActionDie, docker.ActionDestroy:
		err = w.unregister(ev.Name, ev.ContainerID)
	case docker.ActionRename:
		if err = w.unregister(ev.OldName, ev.ContainerID); err == nil {
			_, err = w.register(ctx, ev.ContainerID)
		}
	default:
		return
	}

	if err != nil {
		w.logger.Warn("skipping event",
			zap.String("action", ev.Action),
			zap.String("container", ev.ContainerID),
			zap.Error(err))
		metrics.RecordEvent(ev.Action, "error")
		return
	}
	metrics.RecordEvent(ev.Action, "ok")
}

// register inspects a container and upserts its endpoint.
func (w *Watcher) register(ctx context.Context, id string) (registry.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.InspectTimeout)
	defer cancel()

	ctr, err := w.runtime.Inspect(ctx, id)
	if err != nil {
		return registry.Endpoint{}, err
	}
	ip, err := ctr.ResolveIP(w.cfg.Network)
	if err != nil {
		return registry.Endpoint{}, err
	}

	// Hosts are matched case-insensitively, so names are stored lower-cased
	ep := registry.Endpoint{
		Name:        strings.ToLower(ctr.Name),
		Address:     registry.Address{IP: ip, Port: ctr.FirstTCPPort()},
		ContainerID: ctr.ID,
	}
	w.registry.Upsert(ep)

	if ep.Routable() {
		w.logger.Info("registered route", zap.String("service", ep.Name), zap.String("target", ep.URL()))
	} else {
		w.logger.Info("registered service without a routable TCP port",
			zap.String("service", ep.Name), zap.String("ip", ip), zap.Strings("exposed", ctr.ExposedPorts))
	}
	return ep, nil
}

// unregister removes the entry for name, unless it now belongs to a different container.
func (w *Watcher) unregister(name, containerID string) error {
	if name == "" {
		return ErrMalformedEvent
	}
	name = strings.ToLower(name)
	ep, ok := w.registry.Lookup(name)
	if !ok {
		return nil
	}
	if ep.ContainerID != "" && ep.ContainerID != containerID {
		w.logger.Debug("keeping route owned by another container",
			zap.String("service", name), zap.String("owner", ep.ContainerID), zap.String("event", containerID))
		return nil
	}
	w.registry.Remove(name)
	w.logger.Info("removed route", zap.String("service", name))
	return nil
}
