package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/correlation"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/routing"
	"github.com/ryandielhenn/zephyrmesh/pkg/topology"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
)

var ErrClosed = errors.New("node: closed")

type Config struct {
	// Address is the overlay address; the zero value picks a random one.
	Address gossip.NodeAddress

	HandshakeTimeout time.Duration
	TrimInterval     time.Duration
	ResultTTL        time.Duration
	ResultCapacity   int
	InboxSize        int

	Routing routing.Config
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		TrimInterval:     30 * time.Second,
		ResultTTL:        time.Minute,
		ResultCapacity:   1 << 16,
		InboxSize:        1024,
		Routing:          routing.DefaultConfig(),
	}
}

// Delivery is a payload that reached this node. Value holds the decoded
// payload, or nil when its header is not registered with the codec.
type Delivery struct {
	From    gossip.NodeAddress
	Payload gossip.Payload
	Value   any
}

type ListenerID uint64

// Node is one participant of the overlay. It owns the network model, the
// live connections and the engines that run on top of them.
type Node struct {
	cfg  Config
	self gossip.NodeAddress
	log  *zap.Logger

	codec   *gossip.Codec
	model   *topology.Model
	members *gossip.Members
	results *correlation.Table
	viral   *gossip.Disseminator
	router  *routing.Router

	ctx    context.Context
	cancel context.CancelFunc

	lmu    sync.Mutex
	nextID ListenerID
	joins  map[ListenerID]func(gossip.NodeAddress)
	leaves map[ListenerID]func(gossip.NodeAddress)

	pmu   sync.Mutex
	peers map[gossip.NodeAddress]*Peer

	inbox    chan Delivery
	receiver atomic.Pointer[func(Delivery)]
	greeter  atomic.Pointer[func(net.Addr) bool]

	// mu guards closing, conns and ln, and orders wg.Add against Disconnect.
	mu      sync.Mutex
	closing bool
	conns   map[gossip.Conn]struct{}
	ln      *transport.Listener
	wg      sync.WaitGroup

	closeOnce sync.Once
}

func New(cfg Config, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.TrimInterval <= 0 {
		cfg.TrimInterval = def.TrimInterval
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	if cfg.ResultCapacity <= 0 {
		cfg.ResultCapacity = def.ResultCapacity
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	self := cfg.Address
	if self.IsZero() {
		self = gossip.NewNodeAddress()
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     cfg,
		self:    self,
		log:     log.Named("node"),
		codec:   gossip.NewCodec(),
		model:   topology.New(self),
		members: gossip.NewMembers(),
		results: correlation.NewTable(cfg.ResultCapacity, cfg.ResultTTL),
		ctx:     ctx,
		cancel:  cancel,
		joins:   make(map[ListenerID]func(gossip.NodeAddress)),
		leaves:  make(map[ListenerID]func(gossip.NodeAddress)),
		peers:   make(map[gossip.NodeAddress]*Peer),
		inbox:   make(chan Delivery, cfg.InboxSize),
		conns:   make(map[gossip.Conn]struct{}),
	}
	n.viral = gossip.NewDisseminator(self, n.model, n.members, log)
	n.router = routing.New(self, n.model, n.members, n.results, cfg.Routing, log)
	n.router.SetHandler(n.deliver)
	n.AcceptAll()

	n.wg.Add(1)
	go n.trimLoop()
	return n
}

func (n *Node) Address() gossip.NodeAddress { return n.self }

// Codec is where applications register their payload types.
func (n *Node) Codec() *gossip.Codec { return n.codec }

// Model is the live network model. Take a Clone before long reads.
func (n *Node) Model() *topology.Model { return n.model }

// Listen accepts inbound connections on addr until Disconnect.
func (n *Node) Listen(addr string) error {
	ln, err := transport.Listen(addr, n.codec, n.greet, n.log)
	if err != nil {
		return err
	}
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	if n.ln != nil {
		n.mu.Unlock()
		ln.Close()
		return errors.New("node: already listening")
	}
	n.ln = ln
	n.wg.Add(1)
	n.mu.Unlock()

	n.log.Info("listening", zap.Stringer("addr", ln.Addr()), zap.Stringer("self", n.self))
	go func() {
		defer n.wg.Done()
		err := ln.Serve(n.ctx, func(c gossip.Conn) {
			if _, err := n.Attach(n.ctx, c); err != nil {
				n.log.Info("inbound setup failed", zap.String("remote", c.RemoteAddr()), zap.Error(err))
			}
		})
		if err != nil {
			n.log.Error("listener stopped", zap.Error(err))
		}
	}()
	return nil
}

// ListenAddr is the bound transport address, or "" before Listen.
func (n *Node) ListenAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ln == nil {
		return ""
	}
	return n.ln.Addr().String()
}

// Connect dials addr and runs the handshake. Every failure wraps
// gossip.ErrSetupFailed.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	conn, err := transport.Dial(ctx, addr, n.codec)
	if err != nil {
		telemetry.Handshakes.WithLabelValues("dial_error").Inc()
		return nil, fmt.Errorf("%w: %w", gossip.ErrSetupFailed, err)
	}
	return n.Attach(ctx, conn)
}

// Attach runs the handshake on an established connection and, on success,
// makes the remote node a neighbor. On failure conn is closed and the
// network model is left untouched.
func (n *Node) Attach(ctx context.Context, conn gossip.Conn) (*Peer, error) {
	hs := &gossip.Handshake{
		Magic:   gossip.ProtocolMagic,
		SchemaV: gossip.SchemaVersion,
		Sender:  n.self,
		Known:   n.model.Edges(),
	}
	if err := conn.Send(hs); err != nil {
		return nil, n.setupFailed(conn, err)
	}

	hctx, cancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(n.ctx, cancel)
	defer stop()

	m, err := conn.Receive(hctx)
	if err != nil {
		return nil, n.setupFailed(conn, err)
	}
	reply, ok := m.(*gossip.Handshake)
	switch {
	case !ok:
		return nil, n.setupFailed(conn, fmt.Errorf("%w: got %s before handshake", gossip.ErrProtocolViolation, m.Type()))
	case reply.Magic != gossip.ProtocolMagic:
		return nil, n.setupFailed(conn, fmt.Errorf("%w: bad magic %#x", gossip.ErrProtocolViolation, reply.Magic))
	case reply.SchemaV != gossip.SchemaVersion:
		return nil, n.setupFailed(conn, fmt.Errorf("%w: schema %d, want %d", gossip.ErrProtocolViolation, reply.SchemaV, gossip.SchemaVersion))
	case reply.Sender.IsZero() || reply.Sender == n.self:
		return nil, n.setupFailed(conn, fmt.Errorf("%w: sender %s", gossip.ErrProtocolViolation, reply.Sender))
	}
	remote := reply.Sender

	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return nil, n.setupFailed(conn, ErrClosed)
	}
	n.conns[conn] = struct{}{}
	n.wg.Add(1)
	n.mu.Unlock()

	before := n.model.Reachable(n.self)
	n.model.AddConnection(n.self, remote)
	for _, e := range reply.Known {
		// Our own edges are known first hand.
		if e.Touches(n.self) {
			continue
		}
		n.model.AddConnection(e.A, e.B)
	}
	joined := n.model.Reachable(n.self).Difference(before)

	n.members.Put(remote, conn)
	peer := n.peer(remote)
	conn.OnDisconnect(func() { n.onDisconnect(remote, conn) })
	telemetry.Handshakes.WithLabelValues("success").Inc()
	telemetry.Connections.Set(float64(n.members.Len()))
	n.log.Info("neighbor connected",
		zap.Stringer("remote", remote),
		zap.String("transport", conn.RemoteAddr()),
		zap.Int("known_edges", len(reply.Known)))

	n.fire(n.joinListeners(), joined)

	// Must happen before the receive loop can release its wg slot.
	n.viral.Transmit(gossip.UpdateTrigger{})
	go n.receiveLoop(remote, conn)
	return peer, nil
}

func (n *Node) setupFailed(conn gossip.Conn, err error) error {
	conn.Close()
	telemetry.Handshakes.WithLabelValues("failure").Inc()
	return fmt.Errorf("%w: %s: %w", gossip.ErrSetupFailed, conn.RemoteAddr(), err)
}

// receiveLoop runs until the connection fails or the node closes. It owns
// one wg slot taken by Attach.
func (n *Node) receiveLoop(remote gossip.NodeAddress, conn gossip.Conn) {
	defer n.wg.Done()
	log := n.log.With(zap.Stringer("remote", remote))
	for {
		m, err := conn.Receive(n.ctx)
		if err != nil {
			if errors.Is(err, gossip.ErrProtocolViolation) {
				log.Warn("dropped message", zap.Error(err))
				continue
			}
			if n.ctx.Err() == nil {
				log.Debug("connection lost", zap.Error(err))
			}
			conn.Close()
			return
		}
		switch m := m.(type) {
		case *gossip.ViralEvent:
			n.viral.Handle(m)
		case *gossip.AddressedMessage:
			n.router.HandleMessage(remote, m)
		case *gossip.AddressedResult:
			n.router.HandleResult(m)
		default:
			log.Warn("dropped message",
				zap.Error(fmt.Errorf("%w: unexpected %s", gossip.ErrProtocolViolation, m.Type())))
		}
	}
}

func (n *Node) onDisconnect(remote gossip.NodeAddress, conn gossip.Conn) {
	n.mu.Lock()
	delete(n.conns, conn)
	closing := n.closing
	n.mu.Unlock()

	if !n.members.Remove(remote, conn) {
		// A newer connection to remote took over.
		return
	}
	telemetry.Connections.Set(float64(n.members.Len()))
	if closing {
		return
	}

	before := n.model.Reachable(n.self)
	n.model.RemoveConnection(n.self, remote)
	n.viral.Transmit(gossip.NeighborSetUpdate{Node: n.self, Neighbors: n.members.Addresses()})
	n.forget(n.model.Trim())
	left := before.Difference(n.model.Reachable(n.self))

	n.log.Info("neighbor disconnected", zap.Stringer("remote", remote), zap.Int("unreachable", left.Cardinality()))
	n.fire(n.leaveListeners(), left)
}

// Refresh asks every reachable node, this one included, to rebroadcast its
// neighbor set.
func (n *Node) Refresh() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closing {
		return
	}
	n.viral.Transmit(gossip.UpdateTrigger{})
}

// Nodes returns every other node reachable in the local model. Nodes cut
// off by a gossiped update are trimmed first.
func (n *Node) Nodes() []gossip.NodeAddress {
	n.forget(n.model.Trim())
	all := n.model.Nodes()
	out := all[:0]
	for _, a := range all {
		if a != n.self {
			out = append(out, a)
		}
	}
	return out
}

// Adjacent returns the nodes with a live connection to this one.
func (n *Node) Adjacent() []gossip.NodeAddress {
	return n.members.Addresses()
}

// Node returns a handle for addr if it is in the local model.
func (n *Node) Node(addr gossip.NodeAddress) (*Peer, bool) {
	if addr == n.self {
		return nil, false
	}
	n.forget(n.model.Trim())
	if !n.model.HasNode(addr) {
		return nil, false
	}
	return n.peer(addr), true
}

func (n *Node) peer(addr gossip.NodeAddress) *Peer {
	n.pmu.Lock()
	defer n.pmu.Unlock()
	p, ok := n.peers[addr]
	if !ok {
		p = &Peer{node: n, addr: addr}
		n.peers[addr] = p
	}
	return p
}

func (n *Node) forget(dropped []gossip.NodeAddress) {
	if len(dropped) == 0 {
		return
	}
	n.pmu.Lock()
	for _, a := range dropped {
		delete(n.peers, a)
	}
	n.pmu.Unlock()
}

func (n *Node) ListenForJoin(fn func(gossip.NodeAddress)) ListenerID {
	return n.addListener(n.joins, fn)
}

func (n *Node) ListenForLeave(fn func(gossip.NodeAddress)) ListenerID {
	return n.addListener(n.leaves, fn)
}

func (n *Node) RemoveJoinListener(id ListenerID) {
	n.lmu.Lock()
	delete(n.joins, id)
	n.lmu.Unlock()
}

func (n *Node) RemoveLeaveListener(id ListenerID) {
	n.lmu.Lock()
	delete(n.leaves, id)
	n.lmu.Unlock()
}

func (n *Node) addListener(set map[ListenerID]func(gossip.NodeAddress), fn func(gossip.NodeAddress)) ListenerID {
	n.lmu.Lock()
	defer n.lmu.Unlock()
	n.nextID++
	set[n.nextID] = fn
	return n.nextID
}

func (n *Node) joinListeners() []func(gossip.NodeAddress) {
	n.lmu.Lock()
	defer n.lmu.Unlock()
	return collect(n.joins)
}

func (n *Node) leaveListeners() []func(gossip.NodeAddress) {
	n.lmu.Lock()
	defer n.lmu.Unlock()
	return collect(n.leaves)
}

func collect(set map[ListenerID]func(gossip.NodeAddress)) []func(gossip.NodeAddress) {
	out := make([]func(gossip.NodeAddress), 0, len(set))
	for _, fn := range set {
		out = append(out, fn)
	}
	return out
}

// fire calls every listener for every address except our own, in address
// order, with no lock held.
func (n *Node) fire(listeners []func(gossip.NodeAddress), addrs mapset.Set[gossip.NodeAddress]) {
	if len(listeners) == 0 || addrs.Cardinality() == 0 {
		return
	}
	for _, a := range gossip.SortAddresses(addrs.ToSlice()) {
		if a == n.self {
			continue
		}
		for _, fn := range listeners {
			fn(a)
		}
	}
}

// SendAddressed routes p to dest and waits for the verdict.
func (n *Node) SendAddressed(ctx context.Context, dest gossip.NodeAddress, p gossip.Payload) error {
	err := n.router.Send(ctx, dest, p)
	if errors.Is(err, routing.ErrClosed) {
		return ErrClosed
	}
	return err
}

// SendValue encodes v with the codec and routes it to dest.
func (n *Node) SendValue(ctx context.Context, dest gossip.NodeAddress, v any) error {
	p, err := n.codec.NewPayload(v)
	if err != nil {
		return err
	}
	return n.SendAddressed(ctx, dest, p)
}

func (n *Node) deliver(from gossip.NodeAddress, p gossip.Payload) {
	d := Delivery{From: from, Payload: p}
	v, err := n.codec.DecodePayload(p)
	if err != nil {
		n.log.Warn("undecodable payload", zap.Stringer("from", from), zap.Uint32("header", p.Header), zap.Error(err))
	} else {
		d.Value = v
	}

	if fn := n.receiver.Load(); fn != nil {
		(*fn)(d)
		return
	}
	select {
	case n.inbox <- d:
	default:
		n.log.Warn("inbox full, payload dropped", zap.Stringer("from", from))
	}
}

// Receive returns the next payload addressed to this node. It is fed only
// while no receiver is set.
func (n *Node) Receive(ctx context.Context) (Delivery, error) {
	select {
	case d := <-n.inbox:
		return d, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-n.ctx.Done():
		return Delivery{}, ErrClosed
	}
}

// SetReceiver routes every incoming payload to fn instead of the inbox. fn
// runs on the receiving connection's goroutine and must not block.
func (n *Node) SetReceiver(fn func(Delivery)) {
	if fn == nil {
		n.receiver.Store(nil)
		return
	}
	n.receiver.Store(&fn)
}

func (n *Node) ResetReceiver() { n.receiver.Store(nil) }

// SetGreeter installs the predicate that decides which inbound transport
// addresses may connect.
func (n *Node) SetGreeter(pred func(net.Addr) bool) {
	n.greeter.Store(&pred)
}

func (n *Node) AcceptAll() { n.SetGreeter(func(net.Addr) bool { return true }) }

func (n *Node) RejectAll() { n.SetGreeter(func(net.Addr) bool { return false }) }

func (n *Node) greet(remote net.Addr) bool {
	p := n.greeter.Load()
	return p != nil && *p != nil && (*p)(remote)
}

func (n *Node) trimLoop() {
	defer n.wg.Done()
	t := time.NewTicker(n.cfg.TrimInterval)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			dropped := n.model.Trim()
			n.forget(dropped)
			telemetry.KnownNodes.Set(float64(n.model.Len()))
			if len(dropped) > 0 {
				n.log.Debug("trimmed unreachable nodes", zap.Int("count", len(dropped)))
			}
		}
	}
}

// Disconnect cancels every delivery in flight, then closes the listener
// and every connection. It is safe to call more than once.
func (n *Node) Disconnect() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closing = true
		ln := n.ln
		conns := make([]gossip.Conn, 0, len(n.conns))
		for c := range n.conns {
			conns = append(conns, c)
		}
		n.mu.Unlock()

		n.router.Close()
		n.cancel()
		if ln != nil {
			ln.Close()
		}
		for _, c := range conns {
			c.Close()
		}
		n.wg.Wait()
		n.viral.Wait()
		telemetry.Connections.Set(0)
		n.log.Info("disconnected", zap.Stringer("self", n.self))
	})
}
