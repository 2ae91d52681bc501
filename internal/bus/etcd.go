package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig holds the parameters for connecting to an etcd cluster.
type EtcdConfig struct {
	// Endpoints is the list of etcd server URLs (e.g. ["localhost:2379"]).
	Endpoints []string

	// DialTimeout defaults to 5 seconds if zero.
	DialTimeout time.Duration

	// Prefix namespaces topic keys. Defaults to "/scorekeeper/bus/".
	Prefix string
}

// EtcdBus publishes by writing the payload to one key per topic; subscribers
// watch that key. Every Put is one delivered message.
type EtcdBus struct {
	client *clientv3.Client
	prefix string // always ends with "/"
	owned  bool
}

// NewEtcdBus connects to etcd and verifies the first endpoint.
func NewEtcdBus(ctx context.Context, cfg EtcdConfig) (*EtcdBus, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("bus: etcd requires at least one endpoint")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: etcd connect to %v: %w", cfg.Endpoints, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if _, err := cli.Status(pingCtx, cfg.Endpoints[0]); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("bus: etcd ping %q: %w", cfg.Endpoints[0], err)
	}

	b := NewEtcdBusFromClient(cli, cfg.Prefix)
	b.owned = true
	return b, nil
}

// NewEtcdBusFromClient wraps an existing client. Close leaves it open.
func NewEtcdBusFromClient(cli *clientv3.Client, prefix string) *EtcdBus {
	if prefix == "" {
		prefix = "/scorekeeper/bus/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdBus{client: cli, prefix: prefix}
}

func (e *EtcdBus) key(topic string) string { return e.prefix + topic }

func (e *EtcdBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if _, err := e.client.Put(ctx, e.key(topic), string(payload)); err != nil {
		return fmt.Errorf("bus: etcd publish %s: %w", topic, err)
	}
	return nil
}

func (e *EtcdBus) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	wch := e.client.Watch(ctx, e.key(topic))

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for resp := range wch {
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				select {
				case out <- Message{Topic: topic, Payload: ev.Kv.Value}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the etcd client if this bus opened it.
func (e *EtcdBus) Close() error {
	if !e.owned {
		return nil
	}
	return e.client.Close()
}
