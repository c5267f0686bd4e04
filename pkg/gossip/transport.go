package gossip

import "context"

// Conn is a connection to one neighbor. Implementations live in the
// transport package: a framed TCP stream for deployments and an in-memory
// pipe for tests.
type Conn interface {
	// Send fails with ErrDisconnected once the connection is gone. Only one
	// Send runs at a time on a given Conn.
	Send(m Message) error
	// Receive blocks for the next message. It fails with ErrDisconnected,
	// with ErrProtocolViolation for an undecodable message, or with the
	// context's error.
	Receive(ctx context.Context) (Message, error)
	// OnDisconnect registers fn to run exactly once when the connection
	// closes, or immediately if it is already closed.
	OnDisconnect(fn func())
	RemoteAddr() string
	Close() error
}
