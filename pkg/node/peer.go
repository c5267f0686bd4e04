package node

import (
	"context"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// Peer is a handle on another node of the overlay, adjacent or not.
type Peer struct {
	node *Node
	addr gossip.NodeAddress
}

func (p *Peer) Address() gossip.NodeAddress { return p.addr }

func (p *Peer) String() string { return p.addr.String() }

// Adjacent reports whether a live connection to the peer exists.
func (p *Peer) Adjacent() bool {
	_, ok := p.node.members.Get(p.addr)
	return ok
}

// Send routes v to the peer. v must be registered with the node's codec.
func (p *Peer) Send(ctx context.Context, v any) error {
	return p.node.SendValue(ctx, p.addr, v)
}

func (p *Peer) SendPayload(ctx context.Context, payload gossip.Payload) error {
	return p.node.SendAddressed(ctx, p.addr, payload)
}

// Unlink closes the direct connection to the peer, if there is one. The
// usual disconnect handling updates the model and notifies the overlay.
func (p *Peer) Unlink() error {
	conn, ok := p.node.members.Get(p.addr)
	if !ok {
		return nil
	}
	return conn.Close()
}
