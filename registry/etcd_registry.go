package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultEtcdPrefix = "/vhost-proxy/services"

// EtcdConfig configures NewEtcdRegistry.
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string        // Key prefix, DefaultEtcdPrefix when empty
	TTL         int64         // Lease TTL in seconds
	DialTimeout time.Duration // Also used as the per-operation timeout
}

// EtcdRegistry publishes the routing table to etcd so other tooling (dashboards, the
// admin API) can discover access URLs.
//
//	Key:   {prefix}/{name}
//	Value: JSON-encoded Endpoint
//
// All keys hang off a single TTL lease owned by this process. When the proxy stops the
// lease expires and the published table disappears with it. If the lease is lost while
// the proxy runs (etcd unreachable for longer than the TTL), a new one is granted and
// the whole table is published again.
//
// Lookups never touch the network: the embedded MemoryRegistry is the authoritative
// copy. Writes land in it synchronously and are mirrored to etcd by a background
// goroutine, so an unreachable etcd never slows down the writer.
type EtcdRegistry struct {
	*MemoryRegistry

	client  *clientv3.Client // Thread-safe, shared across goroutines
	prefix  string
	ttl     int64
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	lease   clientv3.LeaseID    // One lease for every key this process writes
	pending map[string]mirrorOp // Latest unmirrored write per name
	order   []string            // Names in pending, oldest first
	wake    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// mirrorOp is one write waiting to be mirrored.
type mirrorOp struct {
	name   string
	ep     Endpoint
	remove bool
}

// NewEtcdRegistry connects to etcd, grants the lease and starts the mirror loop.
func NewEtcdRegistry(cfg EtcdConfig, logger *zap.Logger) (*EtcdRegistry, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultEtcdPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}

	r := newEtcdRegistry(c, cfg, logger)

	// KeepAlive must outlive the constructor, so it runs on the mirror loop's context
	ctx, cancel := context.WithCancel(context.Background())
	ka, err := r.grantLease(ctx)
	if err != nil {
		cancel()
		c.Close()
		return nil, err
	}
	r.start(ctx, cancel, ka)
	return r, nil
}

func newEtcdRegistry(c *clientv3.Client, cfg EtcdConfig, logger *zap.Logger) *EtcdRegistry {
	return &EtcdRegistry{
		MemoryRegistry: NewMemoryRegistry(),
		client:         c,
		prefix:         strings.TrimSuffix(cfg.Prefix, "/"),
		ttl:            cfg.TTL,
		timeout:        cfg.DialTimeout,
		logger:         logger,
		pending:        make(map[string]mirrorOp),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

func (r *EtcdRegistry) start(ctx context.Context, cancel context.CancelFunc, ka <-chan *clientv3.LeaseKeepAliveResponse) {
	r.cancel = cancel
	go r.run(ctx, ka)
}

func (r *EtcdRegistry) key(name string) string {
	return r.prefix + "/" + name
}

func (r *EtcdRegistry) leaseID() clientv3.LeaseID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease
}

// Upsert updates the local table and queues the entry for etcd.
func (r *EtcdRegistry) Upsert(ep Endpoint) {
	r.MemoryRegistry.Upsert(ep)
	r.enqueue(mirrorOp{name: ep.Name, ep: ep})
}

// Remove deletes locally and queues the deletion for etcd.
func (r *EtcdRegistry) Remove(name string) {
	r.MemoryRegistry.Remove(name)
	r.enqueue(mirrorOp{name: name, remove: true})
}

// enqueue records op as the latest write for its name. It never blocks.
func (r *EtcdRegistry) enqueue(op mirrorOp) {
	r.mu.Lock()
	if _, queued := r.pending[op.name]; !queued {
		r.order = append(r.order, op.name)
	}
	r.pending[op.name] = op
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// drain takes every queued write, oldest name first.
func (r *EtcdRegistry) drain() []mirrorOp {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := make([]mirrorOp, 0, len(r.order))
	for _, name := range r.order {
		ops = append(ops, r.pending[name])
	}
	r.order = r.order[:0]
	clear(r.pending)
	return ops
}

// requeue puts back writes that failed, unless a newer write for the same name arrived.
func (r *EtcdRegistry) requeue(ops []mirrorOp) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, op := range ops {
		if _, newer := r.pending[op.name]; newer {
			continue
		}
		r.pending[op.name] = op
		r.order = append(r.order, op.name)
	}
}

// run is the mirror loop: it flushes queued writes, keeps the lease alive and
// re-grants it when etcd lets it expire.
func (r *EtcdRegistry) run(ctx context.Context, ka <-chan *clientv3.LeaseKeepAliveResponse) {
	defer close(r.done)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	var (
		regrant <-chan time.Time
		retry   <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-ka:
			if ok {
				continue
			}
			ka = nil
			r.logger.Warn("etcd lease lost, granting a new one", zap.Int64("lease", int64(r.leaseID())))
			regrant = time.After(0)

		case <-regrant:
			regrant = nil
			next, err := r.grantLease(ctx)
			if err != nil {
				wait := b.NextBackOff()
				r.logger.Warn("etcd grant lease", zap.Error(err), zap.Duration("backoff", wait))
				regrant = time.After(wait)
				continue
			}
			b.Reset()
			ka = next
			// Every key died with the old lease
			for _, ep := range r.List() {
				r.enqueue(mirrorOp{name: ep.Name, ep: ep})
			}

		case <-r.wake:
			if ka != nil && !r.flush(ctx) {
				retry = time.After(r.timeout)
			}

		case <-retry:
			retry = nil
			if ka != nil && !r.flush(ctx) {
				retry = time.After(r.timeout)
			}
		}
	}
}

// flush mirrors every queued write. On the first failure the rest is queued again
// and flush reports false.
func (r *EtcdRegistry) flush(ctx context.Context) bool {
	ops := r.drain()
	for i, op := range ops {
		if err := r.apply(ctx, op); err != nil {
			r.logger.Warn("etcd mirror", zap.String("service", op.name), zap.Bool("remove", op.remove), zap.Error(err))
			r.requeue(ops[i:])
			return false
		}
	}
	return true
}

func (r *EtcdRegistry) apply(ctx context.Context, op mirrorOp) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if op.remove {
		_, err := r.client.Delete(ctx, r.key(op.name))
		return err
	}
	val, err := json.Marshal(op.ep)
	if err != nil {
		return err
	}
	_, err = r.client.Put(ctx, r.key(op.name), string(val), clientv3.WithLease(r.leaseID()))
	return err
}

// grantLease grants a fresh lease and starts renewing it.
func (r *EtcdRegistry) grantLease(ctx context.Context) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	grantCtx, cancel := context.WithTimeout(ctx, r.timeout)
	lease, err := r.client.Grant(grantCtx, r.ttl)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("etcd grant lease: %w", err)
	}

	ka, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return nil, fmt.Errorf("etcd keepalive: %w", err)
	}

	r.mu.Lock()
	r.lease = lease.ID
	r.mu.Unlock()
	r.logger.Info("etcd lease granted", zap.Int64("lease", int64(lease.ID)), zap.Int64("ttl", r.ttl))
	return ka, nil
}

// Published returns the endpoints currently stored in etcd under the prefix.
func (r *EtcdRegistry) Published(ctx context.Context) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, r.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue // Skip malformed entries
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Close stops the mirror loop, revokes the lease (removing every published key) and
// closes the client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	<-r.done

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.client.Revoke(ctx, r.leaseID()); err != nil {
		r.logger.Warn("etcd revoke lease", zap.Error(err))
	}
	return r.client.Close()
}
