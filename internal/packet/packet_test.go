package packet_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/spectrum-virt/hosttools/internal/packet"
	"github.com/spectrum-virt/hosttools/internal/proto"
)

// -------------------------------------------------------------------------
// Frame builders
// -------------------------------------------------------------------------

var (
	macApp   = proto.MacAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	macPeer  = proto.MacAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	addrApp  = netip.MustParseAddr("2001:db8::1")
	addrPeer = netip.MustParseAddr("2001:db8::2")
)

// ipv6Frame builds dst/src ethernet + optional vlan tag + ipv6 header +
// payload.
func ipv6Frame(dst, src proto.MacAddr, vlan *uint16, ipSrc, ipDst netip.Addr, next uint8, payload []byte) []byte {
	var b []byte
	b = append(b, dst[:]...)
	b = append(b, src[:]...)
	if vlan != nil {
		tag := proto.EncodeVlanTag(*vlan)
		b = append(b, tag[:]...)
	}
	b = binary.BigEndian.AppendUint16(b, proto.EtherTypeIPv6)

	hdr := make([]byte, proto.IPv6HeaderSize)
	hdr[0] = 0x60
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(payload)))
	hdr[6] = next
	hdr[7] = 64
	src16 := ipSrc.As16()
	dst16 := ipDst.As16()
	copy(hdr[8:24], src16[:])
	copy(hdr[24:40], dst16[:])
	b = append(b, hdr...)
	return append(b, payload...)
}

func serialize(t *testing.T, out *packet.Outgoing) []byte {
	t.Helper()
	b, err := io.ReadAll(out)
	if err != nil {
		t.Fatalf("reading outgoing packet: %v", err)
	}
	return b
}

// -------------------------------------------------------------------------
// Header Parsing Tests
// -------------------------------------------------------------------------

func TestHeadersUntaggedIPv6(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0xab}, 30)
	frame := ipv6Frame(macPeer, macApp, nil, addrApp, addrPeer, 17, payload)

	p := packet.NewIncoming(bytes.NewReader(frame), false)
	h, err := p.Headers()
	if err != nil {
		t.Fatalf("Headers() error: %v", err)
	}

	if h.Vlan != nil {
		t.Error("Vlan is non-nil for untagged frame")
	}
	if h.EtherType != proto.EtherTypeIPv6 {
		t.Errorf("EtherType = %#x, want %#x", h.EtherType, proto.EtherTypeIPv6)
	}
	if h.IPv6 == nil {
		t.Fatal("IPv6 is nil")
	}
	if got := h.IPv6.Src(); got != addrApp {
		t.Errorf("Src() = %s, want %s", got, addrApp)
	}
	if got := h.IPv6.Dst(); got != addrPeer {
		t.Errorf("Dst() = %s, want %s", got, addrPeer)
	}
	if got := h.Ethernet.Dst(); got != macPeer {
		t.Errorf("Ethernet.Dst() = %s, want %s", got, macPeer)
	}
}

func TestHeadersVlanDecap(t *testing.T) {
	t.Parallel()

	vlan := uint16(100)
	frame := ipv6Frame(macPeer, macApp, &vlan, addrApp, addrPeer, 17, []byte("hello"))

	p := packet.NewIncoming(bytes.NewReader(frame), true)
	h, err := p.Headers()
	if err != nil {
		t.Fatalf("Headers() error: %v", err)
	}
	if h.Vlan == nil {
		t.Fatal("Vlan is nil for tagged frame with decap requested")
	}
	if got := h.Vlan.VlanID(); got != 100 {
		t.Errorf("VlanID() = %d, want 100", got)
	}
	if h.EtherType != proto.EtherTypeIPv6 {
		t.Errorf("inner EtherType = %#x, want %#x", h.EtherType, proto.EtherTypeIPv6)
	}
	if h.IPv6 == nil {
		t.Error("IPv6 is nil")
	}
}

func TestHeadersTaggedWithoutDecap(t *testing.T) {
	t.Parallel()

	// An app-side frame carrying 0x8100 is not decapsulated: the outer
	// EtherType stays, and no IPv6 header is recognized.
	vlan := uint16(7)
	frame := ipv6Frame(macPeer, macApp, &vlan, addrApp, addrPeer, 17, nil)

	p := packet.NewIncoming(bytes.NewReader(frame), false)
	h, err := p.Headers()
	if err != nil {
		t.Fatalf("Headers() error: %v", err)
	}
	if h.Vlan != nil {
		t.Error("Vlan parsed without decap requested")
	}
	if h.EtherType != proto.EtherType8021Q {
		t.Errorf("EtherType = %#x, want %#x", h.EtherType, proto.EtherType8021Q)
	}
	if h.IPv6 != nil {
		t.Error("IPv6 parsed behind an unstripped vlan tag")
	}
}

func TestHeadersShortFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		size int
	}{
		{"under_ethernet", 11},
		{"under_ethertype", 13},
		{"under_ipv6", 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			full := ipv6Frame(macPeer, macApp, nil, addrApp, addrPeer, 17, nil)
			p := packet.NewIncoming(bytes.NewReader(full[:tt.size]), false)
			if _, err := p.Headers(); err == nil {
				t.Error("Headers() succeeded on truncated frame")
			}
		})
	}
}

// -------------------------------------------------------------------------
// Round-Trip Tests
// -------------------------------------------------------------------------

func TestRoundTripUnmodified(t *testing.T) {
	t.Parallel()

	// Payload pushes the frame well past the peek window so the test
	// covers the streamed tail too.
	payload := bytes.Repeat([]byte{0x5a, 0xa5}, 400)
	frame := ipv6Frame(macPeer, macApp, nil, addrApp, addrPeer, 17, payload)

	p := packet.NewIncoming(bytes.NewReader(frame), false)
	if _, err := p.Headers(); err != nil {
		t.Fatalf("Headers() error: %v", err)
	}
	out, err := p.Out(nil)
	if err != nil {
		t.Fatalf("Out() error: %v", err)
	}
	if diff := cmp.Diff(frame, serialize(t, out)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripVlanDecapEncap(t *testing.T) {
	t.Parallel()

	vlan := uint16(100)
	payload := bytes.Repeat([]byte{0x11}, 200)
	frame := ipv6Frame(macPeer, macApp, &vlan, addrApp, addrPeer, 17, payload)

	p := packet.NewIncoming(bytes.NewReader(frame), true)
	if _, err := p.Headers(); err != nil {
		t.Fatalf("Headers() error: %v", err)
	}

	tag := proto.EncodeVlanTag(100)
	out, err := p.Out(tag[:])
	if err != nil {
		t.Fatalf("Out() error: %v", err)
	}
	if diff := cmp.Diff(frame, serialize(t, out)); diff != "" {
		t.Errorf("decap+encap round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestOutStripsVlan(t *testing.T) {
	t.Parallel()

	vlan := uint16(42)
	tagged := ipv6Frame(macPeer, macApp, &vlan, addrApp, addrPeer, 17, []byte("data"))
	untagged := ipv6Frame(macPeer, macApp, nil, addrApp, addrPeer, 17, []byte("data"))

	p := packet.NewIncoming(bytes.NewReader(tagged), true)
	out, err := p.Out(nil)
	if err != nil {
		t.Fatalf("Out() error: %v", err)
	}
	got := serialize(t, out)
	if diff := cmp.Diff(untagged, got); diff != "" {
		t.Errorf("vlan strip mismatch (-want +got):\n%s", diff)
	}
	if len(got) != len(tagged)-proto.VlanTagSize {
		t.Errorf("stripped length = %d, want %d", len(got), len(tagged)-proto.VlanTagSize)
	}
}

func TestOutAddsVlan(t *testing.T) {
	t.Parallel()

	vlan := uint16(9)
	untagged := ipv6Frame(macPeer, macApp, nil, addrApp, addrPeer, 17, []byte("data"))
	tagged := ipv6Frame(macPeer, macApp, &vlan, addrApp, addrPeer, 17, []byte("data"))

	p := packet.NewIncoming(bytes.NewReader(untagged), false)
	tag := proto.EncodeVlanTag(9)
	out, err := p.Out(tag[:])
	if err != nil {
		t.Fatalf("Out() error: %v", err)
	}
	got := serialize(t, out)
	if diff := cmp.Diff(tagged, got); diff != "" {
		t.Errorf("vlan encap mismatch (-want +got):\n%s", diff)
	}
	if len(got) != len(untagged)+proto.VlanTagSize {
		t.Errorf("encapped length = %d, want %d", len(got), len(untagged)+proto.VlanTagSize)
	}
}

func TestMacRewriteFlowsIntoOut(t *testing.T) {
	t.Parallel()

	frame := ipv6Frame(proto.MacAddr{}, macApp, nil, addrApp, addrPeer, 17, []byte("xyz"))
	p := packet.NewIncoming(bytes.NewReader(frame), false)
	h, err := p.Headers()
	if err != nil {
		t.Fatalf("Headers() error: %v", err)
	}
	h.Ethernet.SetDst(macPeer)

	out, err := p.Out(nil)
	if err != nil {
		t.Fatalf("Out() error: %v", err)
	}
	got := serialize(t, out)
	if rewritten := proto.MacAddr(got[0:6]); rewritten != macPeer {
		t.Errorf("emitted dst mac = %s, want %s", rewritten, macPeer)
	}
	// Everything past the destination is untouched.
	if !bytes.Equal(got[6:], frame[6:]) {
		t.Error("bytes past the dst mac changed")
	}
}

// -------------------------------------------------------------------------
// Tail / Clone Tests
// -------------------------------------------------------------------------

func TestZeroCopyTail(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0xcd}, 300)
	frame := ipv6Frame(macPeer, macApp, nil, addrApp, addrPeer, 17, payload)

	p := packet.NewIncoming(bytes.NewReader(frame), false)
	if _, err := p.Headers(); err != nil {
		t.Fatalf("Headers() error: %v", err)
	}

	tail, err := p.TailBytes()
	if err != nil {
		t.Fatalf("TailBytes() error: %v", err)
	}
	if !bytes.Equal(tail, frame[packet.PeekSize:]) {
		t.Error("tail does not match the frame past the peek window")
	}

	// Materializing must not consume: the packet still serializes whole.
	out, err := p.Out(nil)
	if err != nil {
		t.Fatalf("Out() error: %v", err)
	}
	if diff := cmp.Diff(frame, serialize(t, out)); diff != "" {
		t.Errorf("serialization after TailBytes mismatch (-want +got):\n%s", diff)
	}
}

func TestCloneIndependence(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0x42}, 150)
	frame := ipv6Frame(macPeer, macApp, nil, addrApp, addrPeer, 17, payload)

	p := packet.NewIncoming(bytes.NewReader(frame), false)
	if _, err := p.Headers(); err != nil {
		t.Fatalf("Headers() error: %v", err)
	}

	c1, err := p.Clone()
	if err != nil {
		t.Fatalf("Clone() error: %v", err)
	}
	c2, err := p.Clone()
	if err != nil {
		t.Fatalf("Clone() error: %v", err)
	}

	// Rewriting one clone's headers must not leak into the other.
	h1, err := c1.Headers()
	if err != nil {
		t.Fatalf("clone Headers() error: %v", err)
	}
	h1.Ethernet.SetDst(proto.MacAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})

	out2, err := c2.Out(nil)
	if err != nil {
		t.Fatalf("clone Out() error: %v", err)
	}
	if diff := cmp.Diff(frame, serialize(t, out2)); diff != "" {
		t.Errorf("clone 2 affected by clone 1 rewrite (-want +got):\n%s", diff)
	}
}

func TestNewPeeked(t *testing.T) {
	t.Parallel()

	frame := ipv6Frame(macPeer, macApp, nil, addrApp, addrPeer, 17, bytes.Repeat([]byte{1}, 100))

	p := packet.NewPeeked(false, frame[:packet.PeekSize], frame[packet.PeekSize:])
	out, err := p.Out(nil)
	if err != nil {
		t.Fatalf("Out() error: %v", err)
	}
	if diff := cmp.Diff(frame, serialize(t, out)); diff != "" {
		t.Errorf("NewPeeked serialization mismatch (-want +got):\n%s", diff)
	}
}

func TestShortFrameFitsEntirelyInPeek(t *testing.T) {
	t.Parallel()

	// A minimal 54-byte frame has an empty tail.
	frame := ipv6Frame(macPeer, macApp, nil, addrApp, addrPeer, 17, nil)
	if len(frame) >= packet.PeekSize {
		t.Fatalf("test frame unexpectedly large: %d", len(frame))
	}

	p := packet.NewIncoming(bytes.NewReader(frame), false)
	tail, err := p.TailBytes()
	if err != nil {
		t.Fatalf("TailBytes() error: %v", err)
	}
	if len(tail) != 0 {
		t.Errorf("tail = %d bytes, want 0", len(tail))
	}
	out, err := p.Out(nil)
	if err != nil {
		t.Fatalf("Out() error: %v", err)
	}
	if diff := cmp.Diff(frame, serialize(t, out)); diff != "" {
		t.Errorf("short frame round trip mismatch (-want +got):\n%s", diff)
	}
}
