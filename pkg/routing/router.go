// Package routing delivers addressed messages hop by hop across the overlay.
//
// Every node that handles a message runs one delivery task for it. The task
// ranks its live neighbors by distance to the destination, forwards to the
// best one, and keeps trying the next ones at a staggered pace until a hop
// reports success, every hop has failed, or the grace window runs out. The
// verdict goes back to whoever handed the message over.
package routing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/correlation"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/topology"
)

var ErrClosed = errors.New("routing: router closed")

type Config struct {
	// Patience is how long a task waits on one hop before also trying the
	// next candidate.
	Patience time.Duration
	// PatienceFunc overrides Patience per hop when set. hop counts from 1
	// for the second candidate.
	PatienceFunc func(hop int, dest gossip.NodeAddress) time.Duration
	// Grace bounds how long a task waits for in-flight hops once every
	// candidate has been tried.
	Grace time.Duration
	// HopTimeout bounds the wait for a single hop's result.
	HopTimeout time.Duration

	DeliveredCacheSize int
	DeliveredTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Patience:           500 * time.Millisecond,
		Grace:              10 * time.Second,
		HopTimeout:         30 * time.Second,
		DeliveredCacheSize: 4096,
		DeliveredTTL:       5 * time.Minute,
	}
}

// Handler receives payloads addressed to the local node.
type Handler func(from gossip.NodeAddress, p gossip.Payload)

type deliveryKey struct {
	source gossip.NodeAddress
	id     uint64
}

type Router struct {
	self    gossip.NodeAddress
	model   *topology.Model
	members *gossip.Members
	results *correlation.Table
	cfg     Config
	log     *zap.Logger

	handler atomic.Pointer[Handler]

	dmu       sync.Mutex
	delivered *expirable.LRU[deliveryKey, struct{}]

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(self gossip.NodeAddress, model *topology.Model, members *gossip.Members, results *correlation.Table, cfg Config, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Patience <= 0 {
		cfg.Patience = def.Patience
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.HopTimeout <= 0 {
		cfg.HopTimeout = def.HopTimeout
	}
	if cfg.DeliveredCacheSize <= 0 {
		cfg.DeliveredCacheSize = def.DeliveredCacheSize
	}
	if cfg.DeliveredTTL <= 0 {
		cfg.DeliveredTTL = def.DeliveredTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		self:      self,
		model:     model,
		members:   members,
		results:   results,
		cfg:       cfg,
		log:       log.Named("routing"),
		delivered: expirable.NewLRU[deliveryKey, struct{}](cfg.DeliveredCacheSize, nil, cfg.DeliveredTTL),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetHandler installs h for payloads addressed to this node. A nil h drops
// them.
func (r *Router) SetHandler(h Handler) {
	if h == nil {
		r.handler.Store(nil)
		return
	}
	r.handler.Store(&h)
}

// Send routes p to dest and blocks until the delivery reaches a verdict. It
// returns nil on success and an error wrapping gossip.ErrRoutingExhausted
// when no path delivered it.
func (r *Router) Send(ctx context.Context, dest gossip.NodeAddress, p gossip.Payload) error {
	id := gossip.NewTransmissionID()
	msg := &gossip.AddressedMessage{
		Source:                 r.self,
		Destination:            dest,
		Payload:                p,
		Visited:                gossip.NewAddressSet(),
		TransmissionID:         id,
		OriginalTransmissionID: id,
	}
	if dest == r.self {
		r.deliverLocal(msg)
		return nil
	}
	if !r.track() {
		return ErrClosed
	}
	defer r.wg.Done()

	taskCtx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if r.deliver(taskCtx, msg, "origin") {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", gossip.ErrRoutingExhausted, dest, err)
	}
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	return fmt.Errorf("%w: %s", gossip.ErrRoutingExhausted, dest)
}

// HandleMessage processes a message that arrived from neighbor from. It
// never blocks on the network.
func (r *Router) HandleMessage(from gossip.NodeAddress, msg *gossip.AddressedMessage) {
	inbound := msg.TransmissionID
	if msg.Destination == r.self {
		r.deliverLocal(msg)
		r.spawn(func() { r.reply(from, inbound, true) })
		return
	}
	r.spawn(func() {
		ok := r.deliver(r.ctx, msg, "relay")
		if r.ctx.Err() != nil {
			return
		}
		r.reply(from, inbound, ok)
	})
}

// HandleResult wakes whichever hop watcher is waiting on res.
func (r *Router) HandleResult(res *gossip.AddressedResult) {
	r.results.Publish(res.TransmissionID, res.Success)
}

// Candidates returns the live neighbors that can still reach msg's
// destination without going through a visited node, nearest first.
func (r *Router) Candidates(msg *gossip.AddressedMessage) []gossip.NodeAddress {
	snap := r.model.Clone()
	for _, v := range msg.Visited.Slice() {
		snap.RemoveNode(v)
	}
	snap.RemoveNode(r.self)

	type ranked struct {
		addr gossip.NodeAddress
		dist int
	}
	var out []ranked
	for _, nb := range r.members.Addresses() {
		if nb == r.self || msg.Visited.Contains(nb) {
			continue
		}
		if nb == msg.Destination {
			out = append(out, ranked{nb, 0})
			continue
		}
		if d, ok := snap.ShortestDistance(nb, msg.Destination); ok {
			out = append(out, ranked{nb, d})
		}
	}
	// Addresses come sorted, so equal distances keep address order.
	slices.SortStableFunc(out, func(a, b ranked) int { return a.dist - b.dist })

	addrs := make([]gossip.NodeAddress, len(out))
	for i, c := range out {
		addrs[i] = c.addr
	}
	return addrs
}

// Close cancels every delivery task and waits for them to stop.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Router) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	return true
}

func (r *Router) spawn(fn func()) {
	if !r.track() {
		return
	}
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// deliver runs one delivery task and reports whether some hop succeeded.
// msg is modified in place.
func (r *Router) deliver(ctx context.Context, msg *gossip.AddressedMessage, role string) bool {
	start := time.Now()
	telemetry.ActiveDeliveries.Inc()
	defer telemetry.ActiveDeliveries.Dec()

	log := r.log.With(
		zap.Stringer("dest", msg.Destination),
		zap.Uint64("original_id", msg.OriginalTransmissionID))

	msg.Visited = msg.Visited.Clone()
	msg.Visited.Add(r.self)

	candidates := r.Candidates(msg)
	if len(candidates) == 0 {
		log.Debug("no route")
		r.record(role, false, start)
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		done    = make(chan struct{})
		once    sync.Once
		success bool
		advance = make(chan struct{}, 1)
		wg      sync.WaitGroup

		mu          sync.Mutex
		outstanding int
		exhausted   bool
	)
	finish := func(ok bool) {
		once.Do(func() {
			success = ok
			close(done)
		})
	}
	fail := func() {
		mu.Lock()
		outstanding--
		idle, ex := outstanding == 0, exhausted
		mu.Unlock()
		if !idle {
			return
		}
		if ex {
			finish(false)
			return
		}
		select {
		case advance <- struct{}{}:
		default:
		}
	}
	wait := func(d time.Duration) bool {
		timer := time.NewTimer(d)
		defer timer.Stop()
		for {
			select {
			case <-done:
				return false
			case <-ctx.Done():
				return false
			case <-timer.C:
				return true
			case <-advance:
				mu.Lock()
				idle := outstanding == 0
				mu.Unlock()
				if idle {
					return true
				}
			}
		}
	}

	for hop, next := range candidates {
		if hop > 0 && !r.waitPatience(wait, hop, msg.Destination) {
			break
		}
		id := gossip.NewTransmissionID()
		msg.Visited.Add(next)
		fwd := *msg
		fwd.Visited = msg.Visited.Clone()
		fwd.TransmissionID = id

		mu.Lock()
		outstanding++
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, ok := r.members.Get(next)
			if !ok {
				telemetry.HopAttempts.WithLabelValues("no_connection").Inc()
				log.Warn("no connection to hop", zap.Stringer("hop", next))
				fail()
				return
			}
			if err := conn.Send(&fwd); err != nil {
				telemetry.HopAttempts.WithLabelValues("send_error").Inc()
				log.Warn("forward to hop", zap.Stringer("hop", next), zap.Error(err))
				fail()
				return
			}
			telemetry.HopAttempts.WithLabelValues("sent").Inc()

			won, got := r.results.Await(ctx, id, r.cfg.HopTimeout)
			r.results.Delete(id)
			if got && won {
				finish(true)
				return
			}
			fail()
		}()
	}

	mu.Lock()
	exhausted = true
	idle := outstanding == 0
	mu.Unlock()
	if idle {
		finish(false)
	}

	grace := time.NewTimer(r.cfg.Grace)
	select {
	case <-done:
	case <-grace.C:
		log.Debug("grace window elapsed")
	case <-ctx.Done():
	}
	grace.Stop()
	finish(false)

	cancel()
	wg.Wait()

	r.record(role, success, start)
	return success
}

func (r *Router) waitPatience(wait func(time.Duration) bool, hop int, dest gossip.NodeAddress) bool {
	d := r.cfg.Patience
	if r.cfg.PatienceFunc != nil {
		d = r.cfg.PatienceFunc(hop, dest)
	}
	return wait(d)
}

func (r *Router) record(role string, ok bool, start time.Time) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	telemetry.Deliveries.WithLabelValues(role, outcome).Inc()
	telemetry.DeliveryDuration.WithLabelValues(role).Observe(time.Since(start).Seconds())
}

func (r *Router) reply(to gossip.NodeAddress, id uint64, success bool) {
	conn, ok := r.members.Get(to)
	if !ok {
		r.log.Warn("no connection to report result", zap.Stringer("to", to), zap.Uint64("id", id))
		return
	}
	if err := conn.Send(&gossip.AddressedResult{TransmissionID: id, Success: success}); err != nil {
		r.log.Warn("report result", zap.Stringer("to", to), zap.Uint64("id", id), zap.Error(err))
	}
}

// deliverLocal hands the payload to the handler once per source and
// original transmission id.
func (r *Router) deliverLocal(msg *gossip.AddressedMessage) {
	key := deliveryKey{msg.Source, msg.OriginalTransmissionID}
	r.dmu.Lock()
	if r.delivered.Contains(key) {
		r.dmu.Unlock()
		telemetry.Deliveries.WithLabelValues("destination", "duplicate").Inc()
		return
	}
	r.delivered.Add(key, struct{}{})
	r.dmu.Unlock()

	telemetry.Deliveries.WithLabelValues("destination", "success").Inc()
	h := r.handler.Load()
	if h == nil {
		r.log.Debug("payload dropped, no handler", zap.Stringer("from", msg.Source))
		return
	}
	(*h)(msg.Source, msg.Payload)
}
