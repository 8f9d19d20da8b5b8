package registry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const testEtcdAddr = "localhost:2379"

func newTestEtcdRegistry(t *testing.T, ttl int64) *EtcdRegistry {
	t.Helper()

	conn, err := net.DialTimeout("tcp", testEtcdAddr, 200*time.Millisecond)
	if err != nil {
		t.Skipf("etcd not reachable on %s: %v", testEtcdAddr, err)
	}
	conn.Close()

	reg, err := NewEtcdRegistry(EtcdConfig{
		Endpoints:   []string{testEtcdAddr},
		Prefix:      "/vhost-proxy-test/" + t.Name(),
		TTL:         ttl,
		DialTimeout: 2 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestMirrorQueueCoalescesByName(t *testing.T) {
	reg := newEtcdRegistry(nil, EtcdConfig{Prefix: "/p"}, zap.NewNop())

	a1 := Endpoint{Name: "a", Address: Address{IP: "10.0.0.1", Port: "80"}}
	a2 := Endpoint{Name: "a", Address: Address{IP: "10.0.0.2", Port: "80"}}
	b := Endpoint{Name: "b", Address: Address{IP: "10.0.0.3", Port: "80"}}

	reg.Upsert(a1)
	reg.Upsert(b)
	reg.Remove("a")
	reg.Upsert(a2)

	ops := reg.drain()
	require.Len(t, ops, 2)
	assert.Equal(t, mirrorOp{name: "a", ep: a2}, ops[0])
	assert.Equal(t, mirrorOp{name: "b", ep: b}, ops[1])
	assert.Empty(t, reg.drain())

	// A failed write goes back, unless something newer for the name was queued meanwhile
	reg.Remove("b")
	reg.requeue(ops)
	ops = reg.drain()
	require.Len(t, ops, 2)
	assert.Equal(t, mirrorOp{name: "b", remove: true}, ops[0])
	assert.Equal(t, mirrorOp{name: "a", ep: a2}, ops[1])
}

func TestEtcdWritesDoNotWaitForEtcd(t *testing.T) {
	// Nothing listens on port 1; without a dial timeout the client connects lazily
	c, err := clientv3.New(clientv3.Config{Endpoints: []string{"127.0.0.1:1"}, Logger: zap.NewNop()})
	require.NoError(t, err)

	reg := newEtcdRegistry(c, EtcdConfig{Prefix: "/p", TTL: 10, DialTimeout: 2 * time.Second}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	reg.start(ctx, cancel, make(chan *clientv3.LeaseKeepAliveResponse))
	defer reg.Close()

	start := time.Now()
	reg.Upsert(Endpoint{Name: "one", Address: Address{IP: "10.0.0.1", Port: "80"}})
	reg.Upsert(Endpoint{Name: "two", Address: Address{IP: "10.0.0.2", Port: "80"}})
	reg.Upsert(Endpoint{Name: "three", Address: Address{IP: "10.0.0.3", Port: "80"}})
	reg.Remove("one")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 100*time.Millisecond, "writes must not block on an unreachable etcd")
	_, ok := reg.Lookup("one")
	assert.False(t, ok)
	got, ok := reg.Lookup("three")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.3", got.Address.IP)
}

func TestEtcdUpsertRemovePublished(t *testing.T) {
	reg := newTestEtcdRegistry(t, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	web := Endpoint{Name: "web", Address: Address{IP: "172.17.0.2", Port: "80"}}
	db := Endpoint{Name: "db", Address: Address{IP: "172.17.0.3"}}
	reg.Upsert(web)
	reg.Upsert(db)

	// Local reads never depend on etcd
	got, ok := reg.Lookup("web")
	require.True(t, ok)
	assert.Equal(t, web, got)

	require.Eventually(t, func() bool {
		published, err := reg.Published(ctx)
		return err == nil && len(published) == 2
	}, 5*time.Second, 50*time.Millisecond)
	published, err := reg.Published(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Endpoint{web, db}, published)

	reg.Remove("web")
	_, ok = reg.Lookup("web")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		published, err := reg.Published(ctx)
		return err == nil && len(published) == 1 && published[0] == db
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEtcdLeaseLossRepublishes(t *testing.T) {
	reg := newTestEtcdRegistry(t, 2)

	web := Endpoint{Name: "web", Address: Address{IP: "172.17.0.2", Port: "80"}}
	reg.Upsert(web)

	published := func() []Endpoint {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		eps, err := reg.Published(ctx)
		if err != nil {
			return nil
		}
		return eps
	}
	require.Eventually(t, func() bool { return len(published()) == 1 }, 5*time.Second, 50*time.Millisecond)

	// Drop the lease behind the registry's back, as etcd does when it expires
	old := reg.leaseID()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_, err := reg.client.Revoke(ctx, old)
	cancel()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		eps := published()
		return len(eps) == 1 && eps[0] == web && reg.leaseID() != old
	}, 10*time.Second, 100*time.Millisecond, "entries must be published again under a new lease")
}

func TestEtcdCloseRevokesLease(t *testing.T) {
	reg := newTestEtcdRegistry(t, 10)
	reg.Upsert(Endpoint{Name: "svc", Address: Address{IP: "10.0.0.9", Port: "8080"}})

	other, err := NewEtcdRegistry(EtcdConfig{
		Endpoints: []string{testEtcdAddr},
		Prefix:    reg.prefix,
	}, zap.NewNop())
	require.NoError(t, err)
	defer other.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		published, err := other.Published(ctx)
		return err == nil && len(published) == 1
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, reg.Close())

	published, err := other.Published(ctx)
	require.NoError(t, err)
	assert.Empty(t, published, "revoking the lease must drop every published key")
}
