// Package vhostnet implements the backend half of the vhost-user-net
// protocol over a unix stream socket. A cloud-hypervisor frontend
// connects, negotiates features, shares its guest memory over
// SCM_RIGHTS, and sets up two split virtqueues: queue 0 carries frames
// the guest transmits, queue 1 carries frames delivered to the guest.
//
// The router consumes a Device as an opaque bidirectional frame stream;
// transmitted frame payloads are read straight out of the mapped guest
// memory and released back to the guest when the frame is closed.
package vhostnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// Protocol constants (vhost-user specification)
// -------------------------------------------------------------------------

// Message requests handled by the backend. The numbering follows the
// vhost-user specification; requests this backend does not implement
// are acknowledged (when a reply is demanded) and otherwise ignored.
const (
	reqGetFeatures         = 1
	reqSetFeatures         = 2
	reqSetOwner            = 3
	reqResetOwner          = 4
	reqSetMemTable         = 5
	reqSetVringNum         = 8
	reqSetVringAddr        = 9
	reqSetVringBase        = 10
	reqGetVringBase        = 11
	reqSetVringKick        = 12
	reqSetVringCall        = 13
	reqSetVringErr         = 14
	reqGetProtocolFeatures = 15
	reqSetProtocolFeatures = 16
	reqGetQueueNum         = 17
	reqSetVringEnable      = 18
)

// Header flag bits.
const (
	flagVersion1  = 0x1
	flagReply     = 0x4
	flagNeedReply = 0x8
)

// Device feature bits offered to the frontend. No offload features are
// offered, so frames carry an all-zero virtio-net header.
const (
	featureVersion1         = 1 << 32 // VIRTIO_F_VERSION_1
	featureProtocolFeatures = 1 << 30 // VHOST_USER_F_PROTOCOL_FEATURES
)

// Protocol feature bits offered to the frontend.
const (
	protocolFeatureReplyAck = 1 << 3 // VHOST_USER_PROTOCOL_F_REPLY_ACK
)

// Vring payload masks for kick/call/err messages: the low byte is the
// queue index, bit 8 means "no fd attached, queue is polled".
const (
	vringIdxMask  = 0xff
	vringNoFDMask = 0x100
)

const (
	msgHeaderSize  = 12
	maxMsgSize     = 4096
	maxMsgFDs      = 16
	queueCount     = 2
	queueTx        = 0 // guest transmit: guest -> host
	queueRx        = 1 // guest receive:  host -> guest
	maxQueueSize   = 1024
	memRegionSize  = 32 // u64 gpa + size + uva + mmap offset
	vnetHeaderSize = 12 // virtio_net_hdr with num_buffers (VERSION_1)
)

// Message-layer errors. All of them are connection-fatal: the owner
// tears the device down and waits for a fresh frontend.
var (
	ErrMsgTooLarge     = errors.New("vhost-user message exceeds maximum size")
	ErrMsgTruncated    = errors.New("vhost-user message truncated")
	ErrMissingFD       = errors.New("vhost-user message missing expected fd")
	ErrBadQueueIndex   = errors.New("vhost-user queue index out of range")
	ErrDeviceClosed    = errors.New("vhost-user device closed")
	ErrIndirectDesc    = errors.New("indirect descriptors not negotiated")
	ErrDescChainLoop   = errors.New("descriptor chain longer than queue")
	ErrFrameTooShort   = errors.New("descriptor chain shorter than virtio-net header")
	ErrFrameTruncated  = errors.New("frame exceeds guest receive buffers")
	ErrQueueNotEnabled = errors.New("virtqueue not set up by frontend")
)

// message is one decoded vhost-user message plus any fds that rode
// along in ancillary data.
type message struct {
	req     uint32
	flags   uint32
	payload []byte
	fds     []int
}

// u64 reads the first eight payload bytes; vhost-user payloads are
// little-endian regardless of host order.
func (m *message) u64() (uint64, error) {
	if len(m.payload) < 8 {
		return 0, fmt.Errorf("request %d: %w", m.req, ErrMsgTruncated)
	}
	return binary.LittleEndian.Uint64(m.payload), nil
}

// closeFDs closes any fds that were not taken by a handler.
func (m *message) closeFDs() {
	for _, fd := range m.fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
	m.fds = nil
}

// takeFD removes the first fd from the message, or fails if none came.
func (m *message) takeFD() (int, error) {
	for i, fd := range m.fds {
		if fd >= 0 {
			m.fds[i] = -1
			return fd, nil
		}
	}
	return -1, fmt.Errorf("request %d: %w", m.req, ErrMissingFD)
}

// readMessage reads one message off the socket. Ancillary fds arrive
// with the header bytes; the payload follows in-stream.
func readMessage(conn *net.UnixConn) (*message, error) {
	var hdr [msgHeaderSize]byte
	oob := make([]byte, unix.CmsgSpace(4*maxMsgFDs))

	n, oobn, _, _, err := conn.ReadMsgUnix(hdr[:], oob)
	if err != nil {
		return nil, fmt.Errorf("read vhost-user header: %w", err)
	}
	if n < msgHeaderSize {
		if _, err := io.ReadFull(conn, hdr[n:]); err != nil {
			return nil, fmt.Errorf("read vhost-user header: %w", err)
		}
	}

	m := &message{
		req:   binary.LittleEndian.Uint32(hdr[0:4]),
		flags: binary.LittleEndian.Uint32(hdr[4:8]),
	}
	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}
	m.fds = fds

	size := binary.LittleEndian.Uint32(hdr[8:12])
	if size > maxMsgSize {
		m.closeFDs()
		return nil, fmt.Errorf("size %d: %w", size, ErrMsgTooLarge)
	}
	if size > 0 {
		m.payload = make([]byte, size)
		if _, err := io.ReadFull(conn, m.payload); err != nil {
			m.closeFDs()
			return nil, fmt.Errorf("read vhost-user payload: %w", err)
		}
	}
	return m, nil
}

// parseRights extracts SCM_RIGHTS fds from ancillary data.
func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for _, c := range cmsgs {
		got, err := unix.ParseUnixRights(&c)
		if err != nil {
			continue // not SCM_RIGHTS
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// writeReply sends a reply for req carrying payload. Replies always
// set the version and reply flags and never carry fds.
func writeReply(conn *net.UnixConn, req uint32, payload []byte) error {
	buf := make([]byte, msgHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], req)
	binary.LittleEndian.PutUint32(buf[4:8], flagVersion1|flagReply)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[msgHeaderSize:], payload)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("write vhost-user reply: %w", err)
	}
	return nil
}

// writeReplyU64 sends a single little-endian u64 reply.
func writeReplyU64(conn *net.UnixConn, req uint32, v uint64) error {
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], v)
	return writeReply(conn, req, payload[:])
}
