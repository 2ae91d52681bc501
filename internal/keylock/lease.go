package keylock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ── Lease ─────────────────────────────────────────────────────────────────────

// Lease is an acquired claim on one key.
type Lease struct {
	Key string

	leaseID int64
	mgr     *Manager
}

// KeepAlive starts background renewal. The returned channel is closed when
// the lease is lost: ctx cancelled, TTL expired or Release called.
func (l *Lease) KeepAlive(ctx context.Context) <-chan struct{} {
	return l.mgr.backend.keepAlive(ctx, l.leaseID)
}

// Release surrenders the lease immediately.
func (l *Lease) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.mgr.backend.revoke(ctx, l.leaseID)
}

// ── Manager ───────────────────────────────────────────────────────────────────

// DefaultTTL bounds how long a crashed holder keeps a key.
const DefaultTTL = 10 * time.Second

const defaultPoll = 25 * time.Millisecond

// Manager is a lease-backed Locker shared by every instance that points at
// the same backend. Holders inside one process queue on a Local first, so
// only one of them polls the backend per key.
type Manager struct {
	nodeID  string
	prefix  string
	ttl     time.Duration
	poll    time.Duration
	backend leaseBackend
	local   *Local
}

// NewManager returns a Manager backed by etcd. nodeID identifies this
// instance as the holder; keys live under prefix+"locks/".
func NewManager(nodeID string, cli *clientv3.Client, prefix string, ttl time.Duration) *Manager {
	return newManager(nodeID, prefix, ttl, newEtcdBackend(cli))
}

// NewMemoryManager returns a Manager with a private in-memory lease table.
func NewMemoryManager(nodeID string) *Manager {
	return newManager(nodeID, "/test/", DefaultTTL, newMemBackend())
}

// NewMemoryManagerPair returns two Managers sharing one in-memory lease
// table, simulating two instances.
func NewMemoryManagerPair(nodeID1, nodeID2 string) (*Manager, *Manager) {
	b := newMemBackend()
	return newManager(nodeID1, "/test/", DefaultTTL, b), newManager(nodeID2, "/test/", DefaultTTL, b)
}

func newManager(nodeID, prefix string, ttl time.Duration, b leaseBackend) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{nodeID: nodeID, prefix: prefix, ttl: ttl, poll: defaultPoll, backend: b, local: NewLocal()}
}

func (m *Manager) lockKey(key string) string {
	return m.prefix + "locks/" + key
}

// Lock implements Locker. The lease is renewed until unlock is called.
func (m *Manager) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := m.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	l, err := m.Acquire(ctx, key)
	if err != nil {
		unlockLocal()
		return nil, err
	}

	kaCtx, stop := context.WithCancel(context.Background())
	l.KeepAlive(kaCtx)

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			if err := l.Release(); err != nil {
				slog.Warn("keylock: release failed", "key", key, "error", err)
			}
			unlockLocal()
		})
	}, nil
}

// Acquire blocks until the lease for key is obtained or ctx is done.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lease, error) {
	for {
		l, ok, err := m.TryAcquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return l, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.poll):
		}
	}
}

// TryAcquire attempts to obtain the lease for key without blocking. It
// returns ok=false when another holder has it.
func (m *Manager) TryAcquire(ctx context.Context, key string) (*Lease, bool, error) {
	leaseID, err := m.backend.grant(ctx, durationToSeconds(m.ttl))
	if err != nil {
		return nil, false, fmt.Errorf("keylock: grant for %q: %w", key, err)
	}

	ok, err := m.backend.txnPutIfNotExists(ctx, m.lockKey(key), m.nodeID, leaseID)
	if err != nil {
		_ = m.backend.revoke(ctx, leaseID)
		return nil, false, fmt.Errorf("keylock: acquire %q: %w", key, err)
	}
	if !ok {
		_ = m.backend.revoke(ctx, leaseID)
		return nil, false, nil
	}
	return &Lease{Key: key, leaseID: leaseID, mgr: m}, true, nil
}

// Holds reports whether this instance currently holds key.
func (m *Manager) Holds(ctx context.Context, key string) (bool, error) {
	holder, exists, err := m.backend.get(ctx, m.lockKey(key))
	if err != nil {
		return false, fmt.Errorf("keylock: check holder of %q: %w", key, err)
	}
	return exists && holder == m.nodeID, nil
}

// durationToSeconds converts d to whole seconds, clamped to a minimum of 1.
func durationToSeconds(d time.Duration) int64 {
	sec := int64(d.Seconds())
	if sec < 1 {
		sec = 1
	}
	return sec
}

// ── leaseBackend ──────────────────────────────────────────────────────────────

type leaseBackend interface {
	grant(ctx context.Context, ttlSeconds int64) (leaseID int64, err error)
	revoke(ctx context.Context, leaseID int64) error
	keepAlive(ctx context.Context, leaseID int64) <-chan struct{}
	// txnPutIfNotExists stores key=value under the lease only if key is absent.
	txnPutIfNotExists(ctx context.Context, key, value string, leaseID int64) (bool, error)
	get(ctx context.Context, key string) (value string, exists bool, err error)
	del(ctx context.Context, key string) error
}

// ── etcd backend ──────────────────────────────────────────────────────────────

type etcdBackend struct {
	client *clientv3.Client
}

func newEtcdBackend(client *clientv3.Client) *etcdBackend {
	return &etcdBackend{client: client}
}

func (b *etcdBackend) grant(ctx context.Context, ttlSec int64) (int64, error) {
	resp, err := b.client.Grant(ctx, ttlSec)
	if err != nil {
		return 0, err
	}
	return int64(resp.ID), nil
}

func (b *etcdBackend) revoke(ctx context.Context, leaseID int64) error {
	_, err := b.client.Revoke(ctx, clientv3.LeaseID(leaseID))
	return err
}

func (b *etcdBackend) keepAlive(ctx context.Context, leaseID int64) <-chan struct{} {
	lost := make(chan struct{})
	kaCh, err := b.client.KeepAlive(ctx, clientv3.LeaseID(leaseID))
	if err != nil {
		close(lost)
		return lost
	}
	go func() {
		defer close(lost)
		for {
			select {
			case _, ok := <-kaCh:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return lost
}

func (b *etcdBackend) txnPutIfNotExists(ctx context.Context, key, value string, leaseID int64) (bool, error) {
	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, clientv3.WithLease(clientv3.LeaseID(leaseID)))).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (b *etcdBackend) get(ctx context.Context, key string) (string, bool, error) {
	resp, err := b.client.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (b *etcdBackend) del(ctx context.Context, key string) error {
	_, err := b.client.Delete(ctx, key)
	return err
}

// ── in-memory backend ─────────────────────────────────────────────────────────

type memLease struct {
	lost chan struct{}
	once sync.Once
}

func (l *memLease) close() {
	l.once.Do(func() { close(l.lost) })
}

type memBackend struct {
	mu      sync.Mutex
	nextID  int64
	leases  map[int64]*memLease
	keys    map[string]int64  // key → leaseID
	holders map[string]string // key → nodeID
}

func newMemBackend() *memBackend {
	return &memBackend{
		nextID:  1,
		leases:  make(map[int64]*memLease),
		keys:    make(map[string]int64),
		holders: make(map[string]string),
	}
}

func (b *memBackend) grant(_ context.Context, _ int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.leases[id] = &memLease{lost: make(chan struct{})}
	return id, nil
}

func (b *memBackend) revoke(_ context.Context, leaseID int64) error {
	b.mu.Lock()
	l, ok := b.leases[leaseID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	for k, id := range b.keys {
		if id == leaseID {
			delete(b.keys, k)
			delete(b.holders, k)
		}
	}
	delete(b.leases, leaseID)
	b.mu.Unlock()

	l.close()
	return nil
}

func (b *memBackend) keepAlive(ctx context.Context, leaseID int64) <-chan struct{} {
	b.mu.Lock()
	l, ok := b.leases[leaseID]
	b.mu.Unlock()
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	// Cancelling ctx stops renewal, which for this table means revocation.
	go func() {
		select {
		case <-ctx.Done():
			_ = b.revoke(context.Background(), leaseID)
		case <-l.lost:
		}
	}()
	return l.lost
}

func (b *memBackend) txnPutIfNotExists(_ context.Context, key, value string, leaseID int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.keys[key]; ok {
		if _, live := b.leases[existing]; live {
			return false, nil
		}
		delete(b.keys, key)
		delete(b.holders, key)
	}
	if _, ok := b.leases[leaseID]; !ok {
		return false, fmt.Errorf("keylock: lease %d not found or expired", leaseID)
	}
	b.keys[key] = leaseID
	b.holders[key] = value
	return true, nil
}

func (b *memBackend) get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.keys[key]
	if !ok {
		return "", false, nil
	}
	if _, live := b.leases[id]; !live {
		return "", false, nil
	}
	return b.holders[key], true, nil
}

func (b *memBackend) del(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
	delete(b.holders, key)
	return nil
}
