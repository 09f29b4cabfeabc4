// Package proto defines the wire layouts the inter-VM router inspects:
// Ethernet (IEEE 802.3), 802.1Q VLAN tags, IPv6 (RFC 8200), and the ICMPv6
// Router Advertisement (RFC 4861 Section 4.2).
//
// Header types are views over a byte slice, not decoded structs. A view
// aliases the caller's buffer, so field setters mutate the frame in place.
// All multi-byte fields are network byte order. Parsing a header from a
// buffer consumes a fixed-size prefix and returns the remainder.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

// -------------------------------------------------------------------------
// Protocol Constants
// -------------------------------------------------------------------------

const (
	// EtherTypeIPv6 is the EtherType for IPv6 payloads (RFC 2464 Section 3).
	EtherTypeIPv6 uint16 = 0x86dd

	// EtherType8021Q is the Tag Protocol Identifier for 802.1Q VLAN tags.
	EtherType8021Q uint16 = 0x8100

	// IPProtoICMPv6 is the IPv6 Next Header value for ICMPv6 (RFC 8200).
	IPProtoICMPv6 uint8 = 0x3a

	// ICMPv6TypeRouterAdvert is the ICMPv6 type of a Router Advertisement
	// (RFC 4861 Section 4.2).
	ICMPv6TypeRouterAdvert uint8 = 134
)

// Header sizes in bytes.
const (
	// EthernetSize covers the destination and source MAC addresses only.
	// The EtherType is handled separately because a VLAN tag may sit
	// between the addresses and the type field.
	EthernetSize = 12

	// EtherTypeSize is the 16-bit EtherType field.
	EtherTypeSize = 2

	// VlanTagSize is TPID (2) + TCI (2).
	VlanTagSize = 4

	// IPv6HeaderSize is the fixed IPv6 header (RFC 8200 Section 3).
	IPv6HeaderSize = 40

	// ICMPv6HeaderSize is type (1) + code (1) + checksum (2).
	ICMPv6HeaderSize = 4

	// RouterAdvertSize is the RA body following the ICMPv6 header:
	// hop limit (1) + flags (1) + router lifetime (2) + reachable
	// time (4) + retrans timer (4) (RFC 4861 Section 4.2).
	RouterAdvertSize = 12
)

// VlanIDMask extracts the 12-bit VLAN identifier from a TCI.
// The PCP and DEI bits are ignored on receive and zero on transmit.
const VlanIDMask uint16 = 0x0fff

// Truncation errors, one per parse step so drops are attributable.
var (
	ErrShortEthernet = errors.New("frame shorter than ethernet addresses")
	ErrShortVlanTag  = errors.New("frame shorter than vlan tag")
	ErrShortIPv6     = errors.New("frame shorter than ipv6 header")
	ErrShortICMPv6   = errors.New("frame shorter than icmpv6 header")
	ErrShortRadv     = errors.New("frame shorter than router advertisement")
)

// -------------------------------------------------------------------------
// MacAddr
// -------------------------------------------------------------------------

// MacAddr is a six-octet IEEE 802 MAC address in transmission order.
type MacAddr [6]byte

// String formats the address as colon-separated lowercase hex.
func (m MacAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsMulticast reports whether the address requires broadcast treatment:
// the all-ones broadcast address, the 802 group range 01:80:c2::/24, or
// the IPv6 multicast range 33:33::/16 (RFC 2464 Section 7).
func (m MacAddr) IsMulticast() bool {
	switch {
	case m == MacAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}:
		return true
	case m[0] == 0x01 && m[1] == 0x80 && m[2] == 0xc2:
		return true
	case m[0] == 0x33 && m[1] == 0x33:
		return true
	}
	return false
}

// -------------------------------------------------------------------------
// Ethernet — destination + source addresses
// -------------------------------------------------------------------------

// Ethernet is a view over the 12 address bytes at the start of a frame.
type Ethernet []byte

// ParseEthernet consumes the address block from b.
func ParseEthernet(b []byte) (Ethernet, []byte, error) {
	if len(b) < EthernetSize {
		return nil, nil, ErrShortEthernet
	}
	return Ethernet(b[:EthernetSize]), b[EthernetSize:], nil
}

// Dst returns the destination MAC address.
func (e Ethernet) Dst() MacAddr { return MacAddr(e[0:6]) }

// SetDst overwrites the destination MAC address in place.
func (e Ethernet) SetDst(m MacAddr) { copy(e[0:6], m[:]) }

// Src returns the source MAC address.
func (e Ethernet) Src() MacAddr { return MacAddr(e[6:12]) }

// -------------------------------------------------------------------------
// EtherType
// -------------------------------------------------------------------------

// PeekEtherType reads the 16-bit EtherType at the start of b without
// consuming it.
func PeekEtherType(b []byte) (uint16, error) {
	if len(b) < EtherTypeSize {
		return 0, ErrShortEthernet
	}
	return binary.BigEndian.Uint16(b), nil
}

// ParseEtherType consumes the 16-bit EtherType from b.
func ParseEtherType(b []byte) (uint16, []byte, error) {
	t, err := PeekEtherType(b)
	if err != nil {
		return 0, nil, err
	}
	return t, b[EtherTypeSize:], nil
}

// -------------------------------------------------------------------------
// VlanTag — IEEE 802.1Q
// -------------------------------------------------------------------------

// VlanTag is a view over a four-byte 802.1Q tag: TPID followed by TCI.
type VlanTag []byte

// ParseVlanTag consumes a VLAN tag from b.
func ParseVlanTag(b []byte) (VlanTag, []byte, error) {
	if len(b) < VlanTagSize {
		return nil, nil, ErrShortVlanTag
	}
	return VlanTag(b[:VlanTagSize]), b[VlanTagSize:], nil
}

// TCI returns the raw Tag Control Information field.
func (v VlanTag) TCI() uint16 { return binary.BigEndian.Uint16(v[2:4]) }

// VlanID returns the 12-bit VLAN identifier from the TCI.
func (v VlanTag) VlanID() uint16 { return v.TCI() & VlanIDMask }

// EncodeVlanTag serializes a tag with TPID 0x8100 and the given TCI into
// a four-byte array. Used on the encapsulation path; the PCP and
// DEI bits of tci are expected to be zero.
func EncodeVlanTag(tci uint16) [VlanTagSize]byte {
	var b [VlanTagSize]byte
	binary.BigEndian.PutUint16(b[0:2], EtherType8021Q)
	binary.BigEndian.PutUint16(b[2:4], tci)
	return b
}

// -------------------------------------------------------------------------
// IPv6 — RFC 8200 Section 3
// -------------------------------------------------------------------------

// IPv6 is a view over the 40-byte fixed IPv6 header.
type IPv6 []byte

// ParseIPv6 consumes the fixed IPv6 header from b.
func ParseIPv6(b []byte) (IPv6, []byte, error) {
	if len(b) < IPv6HeaderSize {
		return nil, nil, ErrShortIPv6
	}
	return IPv6(b[:IPv6HeaderSize]), b[IPv6HeaderSize:], nil
}

// PayloadLength returns the Payload Length field.
func (h IPv6) PayloadLength() uint16 { return binary.BigEndian.Uint16(h[4:6]) }

// NextHeader returns the Next Header field.
func (h IPv6) NextHeader() uint8 { return h[6] }

// HopLimit returns the Hop Limit field.
func (h IPv6) HopLimit() uint8 { return h[7] }

// Src returns the source address.
func (h IPv6) Src() netip.Addr { return netip.AddrFrom16([16]byte(h[8:24])) }

// Dst returns the destination address.
func (h IPv6) Dst() netip.Addr { return netip.AddrFrom16([16]byte(h[24:40])) }

// -------------------------------------------------------------------------
// ICMPv6 — RFC 4443 Section 2.1
// -------------------------------------------------------------------------

// ICMPv6 is a view over the four-byte ICMPv6 header.
type ICMPv6 []byte

// ParseICMPv6 consumes the ICMPv6 header from b.
func ParseICMPv6(b []byte) (ICMPv6, []byte, error) {
	if len(b) < ICMPv6HeaderSize {
		return nil, nil, ErrShortICMPv6
	}
	return ICMPv6(b[:ICMPv6HeaderSize]), b[ICMPv6HeaderSize:], nil
}

// Type returns the ICMPv6 message type.
func (h ICMPv6) Type() uint8 { return h[0] }

// Code returns the ICMPv6 message code.
func (h ICMPv6) Code() uint8 { return h[1] }

// -------------------------------------------------------------------------
// RouterAdvert — RFC 4861 Section 4.2
// -------------------------------------------------------------------------

// RouterAdvert is the decoded body of an ICMPv6 Router Advertisement,
// excluding options. Unlike the header views above it is a value type:
// the RA body may straddle the peeked head of a frame and its streamed
// tail, so it is read through an io.Reader rather than sliced.
type RouterAdvert struct {
	// CurHopLimit is the default Hop Limit advertised for the link.
	CurHopLimit uint8

	// Flags holds the M and O configuration bits.
	Flags uint8

	// RouterLifetime is the default-router lifetime in seconds.
	// Zero means the sender is not a default router.
	RouterLifetime uint16

	// ReachableTime is the advertised reachable time in milliseconds.
	ReachableTime uint32

	// RetransTimer is the advertised retransmission interval in
	// milliseconds.
	RetransTimer uint32
}

// ReadRouterAdvert decodes an RA body from r.
func ReadRouterAdvert(r io.Reader) (RouterAdvert, error) {
	var b [RouterAdvertSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return RouterAdvert{}, fmt.Errorf("%w: %w", ErrShortRadv, err)
	}
	return RouterAdvert{
		CurHopLimit:    b[0],
		Flags:          b[1],
		RouterLifetime: binary.BigEndian.Uint16(b[2:4]),
		ReachableTime:  binary.BigEndian.Uint32(b[4:8]),
		RetransTimer:   binary.BigEndian.Uint32(b[8:12]),
	}, nil
}
