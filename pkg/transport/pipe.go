package transport

import (
	"context"
	"sync"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

type queue struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
}

func (q *queue) push(b []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, b)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	b := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return b, true
}

// PipeConn is one end of an in-memory connection. Messages still go through
// the codec, so both ends see exactly what a stream would deliver.
type PipeConn struct {
	name  string
	codec *gossip.Codec
	in    *queue
	peer  *PipeConn
	state *pipeState

	hmu      sync.Mutex
	handlers []func()
	done     bool
}

// Pipe returns two connected ends. aName and bName are what each end
// reports as its own address; RemoteAddr returns the other one.
func Pipe(codec *gossip.Codec, aName, bName string) (*PipeConn, *PipeConn) {
	st := &pipeState{closed: make(chan struct{})}
	a := &PipeConn{name: aName, codec: codec, state: st, in: &queue{notify: make(chan struct{}, 1)}}
	b := &PipeConn{name: bName, codec: codec, state: st, in: &queue{notify: make(chan struct{}, 1)}}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeConn) Send(m gossip.Message) error {
	select {
	case <-p.state.closed:
		return gossip.ErrDisconnected
	default:
	}
	b, err := p.codec.Encode(m)
	if err != nil {
		return err
	}
	p.peer.in.push(b)
	return nil
}

func (p *PipeConn) Receive(ctx context.Context) (gossip.Message, error) {
	for {
		select {
		case <-p.state.closed:
			return nil, gossip.ErrDisconnected
		default:
		}
		if b, ok := p.in.pop(); ok {
			return p.codec.Decode(b)
		}
		select {
		case <-p.in.notify:
		case <-p.state.closed:
			return nil, gossip.ErrDisconnected
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *PipeConn) OnDisconnect(fn func()) {
	p.hmu.Lock()
	if p.done {
		p.hmu.Unlock()
		fn()
		return
	}
	p.handlers = append(p.handlers, fn)
	p.hmu.Unlock()
}

func (p *PipeConn) RemoteAddr() string { return p.peer.name }

// Close closes both ends.
func (p *PipeConn) Close() error {
	p.state.once.Do(func() {
		close(p.state.closed)
		p.fire()
		p.peer.fire()
	})
	return nil
}

func (p *PipeConn) fire() {
	p.hmu.Lock()
	p.done = true
	handlers := p.handlers
	p.handlers = nil
	p.hmu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}
