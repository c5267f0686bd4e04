// Package discovery bootstraps overlay connections from etcd. Each node
// publishes its transport address under a leased key; peers list and watch
// the prefix to find someone to connect to. The overlay itself never
// depends on etcd once a connection exists.
package discovery

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/zephyrmesh/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode stores addr under prefix+node with a lease of ttl seconds
// and keeps the lease alive until the returned cancel is called.
func RegisterNode(ctx context.Context, cli *clientv3.Client, prefix, node, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	key := prefix + node
	if _, err := cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("put %s: %w", key, err)
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		// Drain, or the client logs a full channel on every renewal.
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// Peers returns node -> transport address for everything under prefix.
func Peers(ctx context.Context, cli *clientv3.Client, prefix string) (map[string]string, error) {
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", prefix, err)
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id, ok := parseKey(prefix, string(kv.Key)); ok {
			out[id] = string(kv.Value)
		}
	}
	return out, nil
}

// Addresses returns the transport addresses in peers, minus self's own
// entry, in random order so that nodes spread their dials.
func Addresses(peers map[string]string, self string) []string {
	out := make([]string, 0, len(peers))
	for id, addr := range peers {
		if id != self && addr != "" {
			out = append(out, addr)
		}
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Change is one registration appearing or going away.
type Change struct {
	Node    string
	Addr    string
	Deleted bool
}

// WatchPeers calls fn for every change under prefix until ctx is done. fn
// runs on the watch goroutine.
func WatchPeers(ctx context.Context, cli *clientv3.Client, prefix string, log *zap.Logger, fn func(Change)) {
	if log == nil {
		log = zap.NewNop()
	}
	wch := cli.Watch(ctx, prefix, clientv3.WithPrefix())
	go func() {
		for resp := range wch {
			if err := resp.Err(); err != nil {
				log.Warn("etcd watch", zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				id, ok := parseKey(prefix, string(ev.Kv.Key))
				if !ok {
					continue
				}
				switch ev.Type {
				case mvccpb.PUT:
					fn(Change{Node: id, Addr: string(ev.Kv.Value)})
				case mvccpb.DELETE:
					fn(Change{Node: id, Deleted: true})
				}
			}
		}
	}()
}

func parseKey(prefix, key string) (string, bool) {
	id, ok := strings.CutPrefix(key, prefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
