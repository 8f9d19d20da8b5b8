package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/tidwall/gjson"
)

// Client implements Runtime over the Docker Engine API.
type Client struct {
	cli *client.Client
}

// NewClient connects to the daemon at host, or to DOCKER_HOST (default unix socket) when host is empty.
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Events streams container events only. Messages are converted in a goroutine that
// exits when the daemon stream ends; the cause is delivered on the error channel.
func (c *Client) Events(ctx context.Context) (<-chan Event, <-chan error) {
	out := make(chan Event)
	errc := make(chan error, 1)

	msgs, errs := c.cli.Events(ctx, events.ListOptions{
		Filters: filters.NewArgs(filters.Arg("type", string(events.ContainerEventType))),
	})

	go func() {
		for {
			select {
			case msg := <-msgs:
				ev := Event{
					Action:      string(msg.Action),
					ContainerID: msg.Actor.ID,
					Name:        TrimName(msg.Actor.Attributes["name"]),
					OldName:     TrimName(msg.Actor.Attributes["oldName"]),
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			case err := <-errs:
				errc <- err
				return
			}
		}
	}()

	return out, errc
}

// Inspect reads the raw inspect document so that exposed ports and networks keep the
// order the daemon reported them in (the typed API decodes both into maps).
func (c *Client) Inspect(ctx context.Context, id string) (Container, error) {
	_, raw, err := c.cli.ContainerInspectWithRaw(ctx, id, false)
	if err != nil {
		return Container{}, fmt.Errorf("inspect %s: %w", id, err)
	}
	return ParseInspect(raw)
}

// Running lists the IDs of running containers.
func (c *Client) Running(ctx context.Context) ([]string, error) {
	list, err := c.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, ctr := range list {
		ids = append(ids, ctr.ID)
	}
	return ids, nil
}

// Close releases the daemon connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// ParseInspect extracts a Container from a raw `docker inspect` JSON document.
func ParseInspect(raw []byte) (Container, error) {
	if !gjson.ValidBytes(raw) {
		return Container{}, ErrMalformedInspect
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Container{}, ErrMalformedInspect
	}

	ctr := Container{
		ID:        doc.Get("Id").String(),
		Name:      TrimName(doc.Get("Name").String()),
		IPAddress: doc.Get("NetworkSettings.IPAddress").String(),
	}
	if ctr.ID == "" || ctr.Name == "" {
		return Container{}, fmt.Errorf("%w: missing Id or Name", ErrMalformedInspect)
	}

	doc.Get("NetworkSettings.Networks").ForEach(func(name, n gjson.Result) bool {
		ctr.Networks = append(ctr.Networks, Network{
			Name:      name.String(),
			IPAddress: n.Get("IPAddress").String(),
		})
		return true
	})
	doc.Get("Config.ExposedPorts").ForEach(func(spec, _ gjson.Result) bool {
		ctr.ExposedPorts = append(ctr.ExposedPorts, spec.String())
		return true
	})

	return ctr, nil
}
