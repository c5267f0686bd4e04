package gossip

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Reserved payload headers. Applications register their own types at
// FirstUserHeader and above.
const (
	HeaderString    uint32 = 1
	HeaderBytes     uint32 = 2
	FirstUserHeader uint32 = 16
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCoreDeterministic,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("gossip: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
		MaxNestedLevels:  32,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("gossip: cbor decoder: %v", err))
	}
}

// Codec puts messages on the wire as a one-byte type header followed by a
// CBOR body, and maps application values to payload headers.
type Codec struct {
	mu       sync.RWMutex
	byHeader map[uint32]reflect.Type
	byType   map[reflect.Type]uint32
}

func NewCodec() *Codec {
	c := &Codec{
		byHeader: make(map[uint32]reflect.Type),
		byType:   make(map[reflect.Type]uint32),
	}
	c.register(HeaderString, reflect.TypeOf(""))
	c.register(HeaderBytes, reflect.TypeOf([]byte(nil)))
	return c
}

func (c *Codec) Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("gossip: encode nil message")
	}
	body, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(m.Type()))
	return append(out, body...), nil
}

func (c *Codec) Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocolViolation)
	}
	var m Message
	switch t := MsgType(b[0]); t {
	case MsgHandshake:
		m = new(Handshake)
	case MsgViral:
		m = new(ViralEvent)
	case MsgAddressed:
		m = new(AddressedMessage)
	case MsgAddressedResult:
		m = new(AddressedResult)
	default:
		return nil, fmt.Errorf("%w: message type %s", ErrProtocolViolation, t)
	}
	if err := decMode.Unmarshal(b[1:], m); err != nil {
		if errors.Is(err, ErrProtocolViolation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: decode %s: %v", ErrProtocolViolation, m.Type(), err)
	}
	return m, nil
}

// RegisterPayload makes values of prototype's type sendable as addressed
// payloads under header.
func (c *Codec) RegisterPayload(header uint32, prototype any) error {
	if header < FirstUserHeader {
		return fmt.Errorf("gossip: payload header %d is reserved", header)
	}
	if prototype == nil {
		return errors.New("gossip: nil payload prototype")
	}
	t := reflect.TypeOf(prototype)
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.byHeader[header]; ok && prev != t {
		return fmt.Errorf("gossip: payload header %d already registered for %s", header, prev)
	}
	if prev, ok := c.byType[t]; ok && prev != header {
		return fmt.Errorf("gossip: payload type %s already registered at header %d", t, prev)
	}
	c.byHeader[header] = t
	c.byType[t] = header
	return nil
}

func (c *Codec) register(header uint32, t reflect.Type) {
	c.byHeader[header] = t
	c.byType[t] = header
}

// NewPayload encodes v under its registered header.
func (c *Codec) NewPayload(v any) (Payload, error) {
	c.mu.RLock()
	header, ok := c.byType[reflect.TypeOf(v)]
	c.mu.RUnlock()
	if !ok {
		return Payload{}, fmt.Errorf("gossip: payload type %T not registered", v)
	}
	body, err := encMode.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("encode payload %T: %w", v, err)
	}
	return Payload{Header: header, Body: body}, nil
}

// DecodePayload returns the value carried by p.
func (c *Codec) DecodePayload(p Payload) (any, error) {
	c.mu.RLock()
	t, ok := c.byHeader[p.Header]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown payload header %d", ErrProtocolViolation, p.Header)
	}
	v := reflect.New(t)
	if err := decMode.Unmarshal(p.Body, v.Interface()); err != nil {
		return nil, fmt.Errorf("%w: decode payload header %d: %v", ErrProtocolViolation, p.Header, err)
	}
	return v.Elem().Interface(), nil
}
