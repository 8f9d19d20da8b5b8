// Package docker is the boundary to the container runtime.
//
// The watcher only needs three things from the runtime:
//
//	Events: push stream of container lifecycle events (start, die, destroy, ...)
//	Inspect: name, internal IP and exposed ports of one container
//	Running: IDs of the containers running right now (used to resync after a reconnect)
//
// Runtime captures exactly that, so the watcher can be driven by a fake in tests and
// by the Docker Engine API (Client) in production.
package docker

import (
	"context"
	"errors"
	"strings"

	"github.com/docker/go-connections/nat"
)

// Lifecycle actions the watcher reacts to. Everything else is ignored.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionDie     = "die"
	ActionDestroy = "destroy"
	ActionRename  = "rename"
)

var (
	ErrMalformedInspect = errors.New("docker: malformed inspect payload")
	ErrNoAddress        = errors.New("docker: container has no internal IP address")
)

// Event is one container lifecycle event.
type Event struct {
	Action      string
	ContainerID string
	Name        string // Container name at the time of the event, without the leading "/"
	OldName     string // Only set for rename events
}

// Network is one network the container is attached to, in the order reported by the runtime.
type Network struct {
	Name      string
	IPAddress string
}

// Container is the subset of inspect data the proxy needs.
type Container struct {
	ID           string
	Name         string    // Without the leading "/"
	IPAddress    string    // Address on the default bridge, may be empty on user-defined networks
	Networks     []Network // Declaration order preserved
	ExposedPorts []string  // "port/proto" specs, declaration order preserved
}

// Runtime is the container-runtime collaborator consumed by the watcher.
type Runtime interface {
	// Events subscribes to container lifecycle events. The error channel receives exactly
	// one value when the stream ends (including ctx cancellation).
	Events(ctx context.Context) (<-chan Event, <-chan error)
	Inspect(ctx context.Context, id string) (Container, error)
	Running(ctx context.Context) ([]string, error)
}

// TrimName strips the leading separator docker puts in front of container names.
func TrimName(name string) string {
	return strings.TrimPrefix(name, "/")
}

// ResolveIP picks the container's internal address: the default bridge address, then
// the preferred network (when set), then the first attached network with an address.
func (c Container) ResolveIP(preferredNetwork string) (string, error) {
	if c.IPAddress != "" {
		return c.IPAddress, nil
	}
	if preferredNetwork != "" {
		for _, n := range c.Networks {
			if n.Name == preferredNetwork && n.IPAddress != "" {
				return n.IPAddress, nil
			}
		}
	}
	for _, n := range c.Networks {
		if n.IPAddress != "" {
			return n.IPAddress, nil
		}
	}
	return "", ErrNoAddress
}

// FirstTCPPort returns the first declared TCP port, or "" when none qualifies.
// Non-TCP and unparsable specs are skipped.
func (c Container) FirstTCPPort() string {
	for _, spec := range c.ExposedPorts {
		p := nat.Port(spec)
		if p.Proto() != "tcp" {
			continue
		}
		if _, err := nat.ParsePort(p.Port()); err != nil || p.Port() == "" {
			continue
		}
		return p.Port()
	}
	return ""
}
