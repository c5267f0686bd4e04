// Package transport carries codec-encoded overlay messages between
// neighbors, either over TCP or through an in-memory pipe.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// MaxFrameSize bounds a single encoded message.
const MaxFrameSize = 4 << 20

// DefaultWriteTimeout bounds one frame write. A peer that stops reading
// gets its stream closed instead of blocking the sender.
const DefaultWriteTimeout = 10 * time.Second

// Greeter decides whether an inbound connection from remote is accepted.
type Greeter func(remote net.Addr) bool

// Stream is a gossip.Conn over a byte stream. Each frame is a 4-byte
// big-endian length followed by that many bytes of codec output.
type Stream struct {
	conn  net.Conn
	codec *gossip.Codec

	// WriteTimeout bounds each Send. Zero disables it. Set before use.
	WriteTimeout time.Duration

	wmu sync.Mutex
	rmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	hmu      sync.Mutex
	handlers []func()
	done     bool
}

func NewStream(conn net.Conn, codec *gossip.Codec) *Stream {
	return &Stream{
		conn:         conn,
		codec:        codec,
		WriteTimeout: DefaultWriteTimeout,
		closed:       make(chan struct{}),
	}
}

func (s *Stream) Send(m gossip.Message) error {
	b, err := s.codec.Encode(m)
	if err != nil {
		return err
	}
	if len(b) > MaxFrameSize {
		return fmt.Errorf("transport: %s frame of %d bytes exceeds %d", m.Type(), len(b), MaxFrameSize)
	}

	select {
	case <-s.closed:
		return gossip.ErrDisconnected
	default:
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	bufs := net.Buffers{hdr[:], b}
	s.wmu.Lock()
	var deadline time.Time
	if s.WriteTimeout > 0 {
		deadline = time.Now().Add(s.WriteTimeout)
	}
	if err = s.conn.SetWriteDeadline(deadline); err == nil {
		_, err = bufs.WriteTo(s.conn)
	}
	s.wmu.Unlock()
	if err != nil {
		s.Close()
		return fmt.Errorf("%w: write to %s: %v", gossip.ErrDisconnected, s.RemoteAddr(), err)
	}
	return nil
}

func (s *Stream) Receive(ctx context.Context) (gossip.Message, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	select {
	case <-s.closed:
		return nil, gossip.ErrDisconnected
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The context alone bounds the read; a previous cancel may have left a
	// deadline in the past.
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", gossip.ErrDisconnected, err)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	var hdr [4]byte
	if n, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		// Nothing consumed, so the stream is still in sync.
		if n == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.fail(err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		s.Close()
		return nil, fmt.Errorf("%w: frame of %d bytes from %s", gossip.ErrProtocolViolation, size, s.RemoteAddr())
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return nil, s.fail(err)
	}
	return s.codec.Decode(body)
}

func (s *Stream) fail(err error) error {
	s.Close()
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return gossip.ErrDisconnected
	}
	return fmt.Errorf("%w: read from %s: %v", gossip.ErrDisconnected, s.RemoteAddr(), err)
}

func (s *Stream) OnDisconnect(fn func()) {
	s.hmu.Lock()
	if s.done {
		s.hmu.Unlock()
		fn()
		return
	}
	s.handlers = append(s.handlers, fn)
	s.hmu.Unlock()
}

func (s *Stream) RemoteAddr() string { return s.conn.RemoteAddr().String() }

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()

		s.hmu.Lock()
		s.done = true
		handlers := s.handlers
		s.handlers = nil
		s.hmu.Unlock()
		for _, fn := range handlers {
			fn()
		}
	})
	return err
}

// Dial opens a stream to addr.
func Dial(ctx context.Context, addr string, codec *gossip.Codec) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewStream(conn, codec), nil
}

type Listener struct {
	ln      net.Listener
	codec   *gossip.Codec
	greeter Greeter
	log     *zap.Logger
}

// Listen binds addr. A nil greeter accepts everyone.
func Listen(addr string, codec *gossip.Codec, greeter Greeter, log *zap.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{ln: ln, codec: codec, greeter: greeter, log: log.Named("transport")}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is done or the listener is closed,
// handing each accepted stream to handle on its own goroutine.
func (l *Listener) Serve(ctx context.Context, handle func(gossip.Conn)) error {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.log.Warn("accept", zap.Error(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if l.greeter != nil && !l.greeter(conn.RemoteAddr()) {
			l.log.Info("rejected inbound connection", zap.Stringer("remote", conn.RemoteAddr()))
			conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle(NewStream(conn, l.codec))
		}()
	}
}

func (l *Listener) Close() error { return l.ln.Close() }
