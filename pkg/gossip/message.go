package gossip

// Definitions of the wire protocol: handshakes, viral events, addressed
// messages and their results. Field layout only; bytes are the codec's job.

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// NodeAddress identifies a participant independently of its transport address.
type NodeAddress [16]byte

// NewNodeAddress returns a random address.
func NewNodeAddress() NodeAddress { return NodeAddress(uuid.New()) }

func ParseNodeAddress(s string) (NodeAddress, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("parse node address %q: %w", s, err)
	}
	return NodeAddress(u), nil
}

func (a NodeAddress) String() string { return uuid.UUID(a).String() }

func (a NodeAddress) IsZero() bool { return a == NodeAddress{} }

func (a NodeAddress) Compare(b NodeAddress) int { return bytes.Compare(a[:], b[:]) }

func (a NodeAddress) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *NodeAddress) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SortAddresses sorts in place and returns addrs.
func SortAddresses(addrs []NodeAddress) []NodeAddress {
	slices.SortFunc(addrs, NodeAddress.Compare)
	return addrs
}

// Edge is an unordered pair of nodes with a live (or last reported live)
// connection. NewEdge keeps A <= B so equal edges compare equal.
type Edge struct {
	_ struct{} `cbor:",toarray"`
	A NodeAddress
	B NodeAddress
}

func NewEdge(a, b NodeAddress) Edge {
	if a.Compare(b) > 0 {
		a, b = b, a
	}
	return Edge{A: a, B: b}
}

func (e Edge) Touches(n NodeAddress) bool { return e.A == n || e.B == n }

func (e Edge) String() string { return e.A.String() + "--" + e.B.String() }

func randomID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("gossip: read random id: %v", err))
	}
	return binary.BigEndian.Uint64(b[:])
}

// NewEventID returns a random viral event id.
func NewEventID() uint64 { return randomID() }

// NewTransmissionID returns a random per-hop correlation id.
func NewTransmissionID() uint64 { return randomID() }

type MsgType uint8

const (
	MsgHandshake MsgType = iota + 1
	MsgViral
	MsgAddressed
	MsgAddressedResult
)

func (t MsgType) String() string {
	switch t {
	case MsgHandshake:
		return "handshake"
	case MsgViral:
		return "viral"
	case MsgAddressed:
		return "addressed"
	case MsgAddressedResult:
		return "addressed_result"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(t))
	}
}

// Message is implemented by the four message kinds that travel between neighbors.
type Message interface {
	Type() MsgType
}

const (
	// ProtocolMagic must match on both sides of a handshake. Change it when
	// the protocol becomes incompatible.
	ProtocolMagic uint32 = 0x7a6d7368
	SchemaVersion uint16 = 1
)

// Handshake is the first message on every new connection.
type Handshake struct {
	Magic   uint32      `cbor:"1,keyasint"`
	SchemaV uint16      `cbor:"2,keyasint"`
	Sender  NodeAddress `cbor:"3,keyasint"`
	Known   []Edge      `cbor:"4,keyasint,omitempty"`
}

func (*Handshake) Type() MsgType { return MsgHandshake }

type ViralKind uint8

const (
	KindNeighborSetUpdate ViralKind = iota + 1
	KindUpdateTrigger
)

// ViralPayload is the closed set of payloads a viral event may carry.
type ViralPayload interface {
	Kind() ViralKind
}

// NeighborSetUpdate replaces everything known about Node's edges.
type NeighborSetUpdate struct {
	Node      NodeAddress   `cbor:"1,keyasint"`
	Neighbors []NodeAddress `cbor:"2,keyasint,omitempty"`
}

func (NeighborSetUpdate) Kind() ViralKind { return KindNeighborSetUpdate }

// UpdateTrigger asks every node to broadcast its own NeighborSetUpdate.
type UpdateTrigger struct{}

func (UpdateTrigger) Kind() ViralKind { return KindUpdateTrigger }

// ViralEvent is flooded to every reachable node at most once each.
type ViralEvent struct {
	ID       uint64
	Infected AddressSet
	Payload  ViralPayload
}

func (*ViralEvent) Type() MsgType { return MsgViral }

type viralWire struct {
	ID       uint64             `cbor:"1,keyasint"`
	Infected AddressSet         `cbor:"2,keyasint"`
	Kind     ViralKind          `cbor:"3,keyasint"`
	Update   *NeighborSetUpdate `cbor:"4,keyasint,omitempty"`
}

func (e ViralEvent) MarshalCBOR() ([]byte, error) {
	w := viralWire{ID: e.ID, Infected: e.Infected}
	switch p := e.Payload.(type) {
	case NeighborSetUpdate:
		w.Kind = p.Kind()
		w.Update = &p
	case UpdateTrigger:
		w.Kind = p.Kind()
	default:
		return nil, fmt.Errorf("%w: viral payload %T", ErrProtocolViolation, e.Payload)
	}
	return encMode.Marshal(w)
}

func (e *ViralEvent) UnmarshalCBOR(b []byte) error {
	var w viralWire
	if err := decMode.Unmarshal(b, &w); err != nil {
		return err
	}
	e.ID = w.ID
	e.Infected = w.Infected
	switch w.Kind {
	case KindNeighborSetUpdate:
		if w.Update == nil {
			return fmt.Errorf("%w: neighbor set update without body", ErrProtocolViolation)
		}
		e.Payload = *w.Update
	case KindUpdateTrigger:
		e.Payload = UpdateTrigger{}
	default:
		return fmt.Errorf("%w: viral payload kind %d", ErrProtocolViolation, w.Kind)
	}
	return nil
}

// Payload is an application value routed by an AddressedMessage. Header
// selects the registered type Body decodes into.
type Payload struct {
	Header uint32          `cbor:"1,keyasint"`
	Body   cbor.RawMessage `cbor:"2,keyasint"`
}

// AddressedMessage is routed hop by hop toward Destination.
type AddressedMessage struct {
	Source      NodeAddress `cbor:"1,keyasint"`
	Destination NodeAddress `cbor:"2,keyasint"`
	Payload     Payload     `cbor:"3,keyasint"`
	// Visited nodes are never tried again as forwarding hops.
	Visited AddressSet `cbor:"4,keyasint"`
	// TransmissionID is re-randomized at every hop.
	TransmissionID uint64 `cbor:"5,keyasint"`
	// OriginalTransmissionID is fixed when the message is created.
	OriginalTransmissionID uint64 `cbor:"6,keyasint"`
}

func (*AddressedMessage) Type() MsgType { return MsgAddressed }

// AddressedResult reports the outcome of one hop back to the node that sent it.
type AddressedResult struct {
	TransmissionID uint64 `cbor:"1,keyasint"`
	Success        bool   `cbor:"2,keyasint"`
}

func (*AddressedResult) Type() MsgType { return MsgAddressedResult }
