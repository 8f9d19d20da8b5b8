// Package registry holds the routing table of the proxy: service name → backend endpoint.
//
// The table has exactly one writer (the lifecycle event watcher) and many readers
// (one per in-flight proxied request):
//
//	docker events ──→ watcher ──Upsert/Remove──→ Registry ←──Lookup── proxy (N goroutines)
//
// Readers always get a copy of an Endpoint, so they observe either the value before
// or after a write, never a half-written one.
package registry

import "fmt"

// Address is the network location of a backend on the runtime's internal network.
type Address struct {
	IP   string `json:"ip"`
	Port string `json:"port,omitempty"` // Empty when the container exposes no TCP port
}

// HostPort returns "ip:port". Only meaningful when Port is set.
func (a Address) HostPort() string {
	return a.IP + ":" + a.Port
}

// Endpoint is one routable (or registered-but-unroutable) backend.
type Endpoint struct {
	Name        string  `json:"name"`
	Address     Address `json:"address"`
	ContainerID string  `json:"containerId,omitempty"` // Container that produced this entry
}

// Routable reports whether the endpoint has a port the proxy can forward to.
// An endpoint without a port is still "known": the container runs but serves nothing on TCP.
func (e Endpoint) Routable() bool {
	return e.Address.IP != "" && e.Address.Port != ""
}

// URL returns the backend base URL, e.g. "http://172.17.0.3:8080".
func (e Endpoint) URL() string {
	return fmt.Sprintf("http://%s", e.Address.HostPort())
}

// Registry is the routing table shared by the watcher (writer) and the proxy (readers).
type Registry interface {
	// Upsert inserts or replaces the entry for ep.Name (last writer wins).
	Upsert(ep Endpoint)
	// Remove deletes the entry for name. Removing an unknown name is a no-op.
	Remove(name string)
	// Lookup returns the current entry for name.
	Lookup(name string) (Endpoint, bool)
	// List returns a snapshot of all entries sorted by name.
	List() []Endpoint
}
