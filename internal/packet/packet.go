// Package packet wraps a single Ethernet frame flowing through the router.
//
// A Packet has two states. It starts Incoming: the payload is an unread
// io.Reader, typically backed by guest memory, that may be consumed only
// once. The first call to Headers moves it to Peeked: up to PeekSize bytes
// are copied into an inline buffer for header inspection and rewrite, and
// the remainder of the payload stays behind the reader. Nothing past the
// peek is ever copied unless broadcast fan-out forces materialization.
package packet

import (
	"errors"
	"io"

	"github.com/spectrum-virt/hosttools/internal/proto"
)

// PeekSize is the inline header window. It covers the largest header
// stack the router inspects: ethernet (14) + vlan (4) + ipv6 (40) +
// icmpv6 (4).
const PeekSize = 64

// headOutSize is the serialization buffer of an outgoing packet. Larger
// than PeekSize to leave room for an inserted VLAN tag.
const headOutSize = 128

// ErrConsumed is returned when a packet's payload is used after it has
// already been handed off or discarded.
var ErrConsumed = errors.New("packet payload already consumed")

// tailData is the frame remainder past the peek window. It streams from
// the underlying reader until Bytes materializes it, after which reads
// come from the owned buffer. Materializing does not consume: the buffer
// remains readable from the current position.
type tailData struct {
	r   io.Reader
	buf []byte
	off int
}

func (t *tailData) Read(p []byte) (int, error) {
	if t.r != nil {
		return t.r.Read(p)
	}
	if t.off >= len(t.buf) {
		return 0, io.EOF
	}
	n := copy(p, t.buf[t.off:])
	t.off += n
	return n, nil
}

// bytes drains the streaming remainder into an owned buffer and returns
// it. Safe to call repeatedly.
func (t *tailData) bytes() ([]byte, error) {
	if t.r == nil {
		return t.buf[t.off:], nil
	}
	b, err := io.ReadAll(t.r)
	if err != nil {
		return nil, err
	}
	t.close()
	t.r = nil
	t.buf = b
	t.off = 0
	return b, nil
}

// close releases the underlying frame reader if it holds resources
// (e.g. a guest-memory descriptor chain).
func (t *tailData) close() {
	if c, ok := t.r.(io.Closer); ok {
		c.Close()
	}
}

// Packet is a frame in one of two states; see the package comment.
type Packet struct {
	decapVlan bool
	peeked    bool
	src       io.Reader
	peek      [PeekSize]byte
	peekLen   int
	tail      tailData
}

// NewIncoming wraps an unread frame payload. decapVlan selects whether
// Headers strips an 802.1Q tag (driver-side frames are tagged, app-side
// frames are not).
func NewIncoming(r io.Reader, decapVlan bool) *Packet {
	return &Packet{decapVlan: decapVlan, src: r}
}

// NewPeeked constructs a packet directly in the peeked state from an
// owned header window and tail buffer. Used by broadcast fan-out clones
// and by tests. peek must not exceed PeekSize.
func NewPeeked(decapVlan bool, peek, tail []byte) *Packet {
	p := &Packet{decapVlan: decapVlan, peeked: true}
	p.peekLen = copy(p.peek[:], peek)
	p.tail = tailData{buf: tail}
	return p
}

// Headers is the parsed, mutable view of the peeked header window.
// All header fields alias the packet's inline buffer; writing through
// them (e.g. Ethernet.SetDst) rewrites the frame that Out will emit.
type Headers struct {
	// Ethernet is the destination + source address block.
	Ethernet proto.Ethernet

	// Vlan is the stripped 802.1Q tag, nil unless the packet was
	// constructed with decapVlan and the frame carried one.
	Vlan proto.VlanTag

	// EtherType is the (inner, post-VLAN) EtherType.
	EtherType uint16

	// IPv6 is the fixed IPv6 header, nil for non-IPv6 frames.
	IPv6 proto.IPv6

	// Rest is the peek remainder after all parsed headers.
	Rest []byte

	// Tail streams the frame past the peek window.
	Tail io.Reader
}

// ensurePeeked copies the head of the payload into the inline buffer on
// first use. The length is whatever a single read returns; frame readers
// deliver the full head in one read for frames of at least PeekSize.
func (p *Packet) ensurePeeked() error {
	if p.peeked {
		return nil
	}
	if p.src == nil {
		return ErrConsumed
	}
	n, err := p.src.Read(p.peek[:])
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	p.peekLen = n
	p.tail = tailData{r: p.src}
	p.src = nil
	p.peeked = true
	return nil
}

// Headers transitions the packet to the peeked state if needed and
// parses the header window. It may be called repeatedly; each call
// re-derives the views from the same inline buffer.
func (p *Packet) Headers() (Headers, error) {
	if err := p.ensurePeeked(); err != nil {
		return Headers{}, err
	}

	b := p.peek[:p.peekLen]
	ether, b, err := proto.ParseEthernet(b)
	if err != nil {
		return Headers{}, err
	}

	outerType, err := proto.PeekEtherType(b)
	if err != nil {
		return Headers{}, err
	}

	var vlan proto.VlanTag
	if p.decapVlan && outerType == proto.EtherType8021Q {
		vlan, b, err = proto.ParseVlanTag(b)
		if err != nil {
			return Headers{}, err
		}
	}

	etherType, b, err := proto.ParseEtherType(b)
	if err != nil {
		return Headers{}, err
	}

	var ipv6 proto.IPv6
	if etherType == proto.EtherTypeIPv6 {
		ipv6, b, err = proto.ParseIPv6(b)
		if err != nil {
			return Headers{}, err
		}
	}

	return Headers{
		Ethernet:  ether,
		Vlan:      vlan,
		EtherType: etherType,
		IPv6:      ipv6,
		Rest:      b,
		Tail:      &p.tail,
	}, nil
}

// TailBytes materializes the frame remainder past the peek window into
// an owned buffer without consuming it. Broadcast fan-out uses this to
// clone the packet for every sink.
func (p *Packet) TailBytes() ([]byte, error) {
	if err := p.ensurePeeked(); err != nil {
		return nil, err
	}
	return p.tail.bytes()
}

// Clone returns an independent peeked copy sharing no mutable state with
// the original. The tail is materialized first; clones read the same
// backing buffer at their own offsets.
func (p *Packet) Clone() (*Packet, error) {
	tail, err := p.TailBytes()
	if err != nil {
		return nil, err
	}
	return NewPeeked(p.decapVlan, p.peek[:p.peekLen], tail), nil
}

// Discard releases the underlying frame without reading it further.
// Every drop path must call it so guest-memory descriptors are returned
// to the device.
func (p *Packet) Discard() {
	if p.src != nil {
		if c, ok := p.src.(io.Closer); ok {
			c.Close()
		}
		p.src = nil
		return
	}
	p.tail.close()
	p.tail.r = nil
}

// Out serializes the (possibly rewritten) headers and chains them with
// the untouched tail, producing the frame to put on the wire. vlanEncap,
// when non-nil, is a four-byte 802.1Q tag inserted after the Ethernet
// addresses; a tag stripped on ingress is never re-emitted unless the
// caller supplies one.
func (p *Packet) Out(vlanEncap []byte) (*Outgoing, error) {
	h, err := p.Headers()
	if err != nil {
		return nil, err
	}

	o := &Outgoing{tail: &p.tail}
	o.headLen = copy(o.head[:], h.Ethernet)
	if vlanEncap != nil {
		o.headLen += copy(o.head[o.headLen:], vlanEncap)
	}
	o.head[o.headLen] = byte(h.EtherType >> 8)
	o.head[o.headLen+1] = byte(h.EtherType)
	o.headLen += proto.EtherTypeSize
	if h.IPv6 != nil {
		o.headLen += copy(o.head[o.headLen:], h.IPv6)
	}
	o.headLen += copy(o.head[o.headLen:], h.Rest)
	return o, nil
}

// Outgoing is a serialized frame: a rebuilt header block chained with
// the original tail reader.
type Outgoing struct {
	head    [headOutSize]byte
	headLen int
	off     int
	tail    *tailData
}

// Read yields the header block followed by the tail.
func (o *Outgoing) Read(p []byte) (int, error) {
	if o.off < o.headLen {
		n := copy(p, o.head[o.off:o.headLen])
		o.off += n
		return n, nil
	}
	return o.tail.Read(p)
}

// Close releases the tail's underlying frame reader.
func (o *Outgoing) Close() error {
	o.tail.close()
	o.tail.r = nil
	return nil
}
