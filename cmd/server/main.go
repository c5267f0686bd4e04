package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrmesh/discovery"
	"github.com/ryandielhenn/zephyrmesh/internal/config"
	"github.com/ryandielhenn/zephyrmesh/internal/logging"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/node"
	"github.com/ryandielhenn/zephyrmesh/pkg/routing"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 1. Pick the overlay address first so every log line carries it.
	var self gossip.NodeAddress
	if cfg.NodeAddress != "" {
		if self, err = gossip.ParseNodeAddress(cfg.NodeAddress); err != nil {
			return fmt.Errorf("NODE_ADDRESS: %w", err)
		}
	} else {
		self = gossip.NewNodeAddress()
	}
	cfg.Log.NodeAddress = self.String()
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	// 2. Build the node and open the overlay port.
	n := node.New(node.Config{
		Address:          self,
		HandshakeTimeout: cfg.HandshakeTimeout,
		TrimInterval:     cfg.TrimInterval,
		ResultTTL:        cfg.ResultTTL,
		ResultCapacity:   cfg.ResultCapacity,
		InboxSize:        cfg.InboxSize,
		Routing: routing.Config{
			Patience:           cfg.HopPatience,
			Grace:              cfg.GraceWindow,
			HopTimeout:         cfg.HopTimeout,
			DeliveredCacheSize: routing.DefaultConfig().DeliveredCacheSize,
			DeliveredTTL:       routing.DefaultConfig().DeliveredTTL,
		},
	}, log)
	defer n.Disconnect()
	if err := n.Listen(cfg.ListenAddr); err != nil {
		return err
	}
	n.ListenForJoin(func(a gossip.NodeAddress) { log.Info("node joined", zap.Stringer("node", a)) })
	n.ListenForLeave(func(a gossip.NodeAddress) { log.Info("node left", zap.Stringer("node", a)) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Seeds from the environment.
	for _, s := range cfg.Seeds {
		connect(ctx, n, log, s)
	}

	// 4. etcd bootstrap, when configured.
	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := discovery.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()
		log.Info("created etcd client", zap.Strings("endpoints", cli.Endpoints()))

		if err := bootstrap(ctx, cli, cfg, n, log); err != nil {
			return err
		}
		lease, cancel, err := discovery.RegisterNode(ctx, cli, cfg.EtcdPrefix, self.String(), cfg.AdvertiseAddr, cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}
		defer func() {
			cancel()
			rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer rcancel()
			_, _ = cli.Revoke(rctx, lease)
		}()
		discovery.WatchPeers(ctx, cli, cfg.EtcdPrefix, log, func(c discovery.Change) {
			if c.Deleted || c.Node == self.String() {
				return
			}
			// Only top up; a well connected node leaves newcomers to others.
			dialUntil(ctx, n, log, []string{c.Addr}, cfg.TargetNeighbors)
		})
	}

	// 5. Admin HTTP surface.
	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           n.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("admin listening", zap.String("addr", cfg.AdminAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// bootstrap dials registered nodes in random order up to the neighbor target.
func bootstrap(ctx context.Context, cli *clientv3.Client, cfg config.Config, n *node.Node, log *zap.Logger) error {
	peers, err := discovery.Peers(ctx, cli, cfg.EtcdPrefix)
	if err != nil {
		return err
	}
	log.Info("bootstrap", zap.Int("registered", len(peers)), zap.Int("target", cfg.TargetNeighbors))
	dialUntil(ctx, n, log, discovery.Addresses(peers, n.Address().String()), cfg.TargetNeighbors)
	return nil
}

// dialUntil connects to addrs in order until n has target neighbors. The
// rest of the overlay is learned through gossip, not dialed.
func dialUntil(ctx context.Context, n *node.Node, log *zap.Logger, addrs []string, target int) {
	for _, addr := range addrs {
		if len(n.Adjacent()) >= target || ctx.Err() != nil {
			return
		}
		connect(ctx, n, log, addr)
	}
}

func connect(ctx context.Context, n *node.Node, log *zap.Logger, addr string) {
	hp := node.NormalizeHostPort(addr, node.DefaultPort)
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	peer, err := n.Connect(cctx, hp)
	if err != nil {
		log.Warn("connect failed", zap.String("addr", hp), zap.Error(err))
		return
	}
	log.Info("connected", zap.String("addr", hp), zap.Stringer("node", peer))
}
