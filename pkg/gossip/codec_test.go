package gossip

import (
	"errors"
	"slices"
	"testing"
)

type greeting struct {
	From string `cbor:"1,keyasint"`
	N    int    `cbor:"2,keyasint"`
}

func TestCodecViralEventRoundTrip(t *testing.T) {
	c := NewCodec()
	a, b := NewNodeAddress(), NewNodeAddress()
	ev := &ViralEvent{
		ID:       NewEventID(),
		Infected: NewAddressSet(a),
		Payload:  NeighborSetUpdate{Node: a, Neighbors: []NodeAddress{b}},
	}
	raw, err := c.Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if MsgType(raw[0]) != MsgViral {
		t.Fatalf("type byte = %d, want %d", raw[0], MsgViral)
	}
	m, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := m.(*ViralEvent)
	if !ok {
		t.Fatalf("decoded %T, want *ViralEvent", m)
	}
	if got.ID != ev.ID || !got.Infected.Contains(a) || got.Infected.Len() != 1 {
		t.Fatalf("decoded event = %+v", got)
	}
	upd, ok := got.Payload.(NeighborSetUpdate)
	if !ok || upd.Node != a || !slices.Equal(upd.Neighbors, []NodeAddress{b}) {
		t.Fatalf("decoded payload = %#v", got.Payload)
	}
}

func TestCodecUpdateTriggerRoundTrip(t *testing.T) {
	c := NewCodec()
	raw, err := c.Encode(&ViralEvent{ID: 1, Payload: UpdateTrigger{}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := m.(*ViralEvent).Payload.(UpdateTrigger); !ok {
		t.Fatalf("payload = %T, want UpdateTrigger", m.(*ViralEvent).Payload)
	}
}

func TestCodecUnknownViralKind(t *testing.T) {
	c := NewCodec()
	body, err := encMode.Marshal(viralWire{ID: 1, Kind: 99})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Decode(append([]byte{byte(MsgViral)}, body...))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("err = %v, want protocol violation", err)
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	c := NewCodec()
	for name, raw := range map[string][]byte{
		"empty":        nil,
		"unknown type": {0xee, 0xa0},
		"bad body":     {byte(MsgAddressed), 0xff, 0x00},
	} {
		if _, err := c.Decode(raw); !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("%s: err = %v, want protocol violation", name, err)
		}
	}
}

func TestAddressedMessageKeepsVisited(t *testing.T) {
	c := NewCodec()
	a, b, d := NewNodeAddress(), NewNodeAddress(), NewNodeAddress()
	p, err := c.NewPayload("hello")
	if err != nil {
		t.Fatal(err)
	}
	msg := &AddressedMessage{
		Source:                 a,
		Destination:            d,
		Payload:                p,
		Visited:                NewAddressSet(a, b),
		TransmissionID:         10,
		OriginalTransmissionID: 20,
	}
	raw, err := c.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	m, err := c.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	got := m.(*AddressedMessage)
	if !slices.Equal(got.Visited.Slice(), SortAddresses([]NodeAddress{a, b})) {
		t.Fatalf("Visited = %v", got.Visited.Slice())
	}
	if got.TransmissionID != 10 || got.OriginalTransmissionID != 20 {
		t.Fatalf("ids = %d/%d", got.TransmissionID, got.OriginalTransmissionID)
	}
	v, err := c.DecodePayload(got.Payload)
	if err != nil || v != "hello" {
		t.Fatalf("DecodePayload = %v, %v", v, err)
	}
}

func TestRegisterPayload(t *testing.T) {
	c := NewCodec()
	if err := c.RegisterPayload(HeaderString, greeting{}); err == nil {
		t.Fatal("reserved header should be rejected")
	}
	if err := c.RegisterPayload(FirstUserHeader, greeting{}); err != nil {
		t.Fatalf("RegisterPayload: %v", err)
	}
	// Same pair again is fine; a conflicting one is not.
	if err := c.RegisterPayload(FirstUserHeader, greeting{}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if err := c.RegisterPayload(FirstUserHeader+1, greeting{}); err == nil {
		t.Fatal("type registered under two headers")
	}

	p, err := c.NewPayload(greeting{From: "a", N: 3})
	if err != nil {
		t.Fatal(err)
	}
	if p.Header != FirstUserHeader {
		t.Fatalf("Header = %d", p.Header)
	}
	v, err := c.DecodePayload(p)
	if err != nil {
		t.Fatal(err)
	}
	if g, ok := v.(greeting); !ok || g.From != "a" || g.N != 3 {
		t.Fatalf("DecodePayload = %#v", v)
	}
}

func TestPayloadUnregistered(t *testing.T) {
	c := NewCodec()
	if _, err := c.NewPayload(3.5); err == nil {
		t.Fatal("unregistered type should fail")
	}
	if _, err := c.DecodePayload(Payload{Header: 999}); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("err = %v, want protocol violation", err)
	}
}

func TestNodeAddressText(t *testing.T) {
	a := NewNodeAddress()
	b, err := ParseNodeAddress(a.String())
	if err != nil || a != b {
		t.Fatalf("ParseNodeAddress(%s) = %s, %v", a, b, err)
	}
	if _, err := ParseNodeAddress("not-an-address"); err == nil {
		t.Fatal("expected parse error")
	}
	if e := NewEdge(b, a); e.A.Compare(e.B) > 0 {
		t.Fatalf("edge not normalized: %v", e)
	}
}
