package vhostnet

import (
	"encoding/binary"
	"errors"
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

// socketPair returns two connected unix stream sockets.
func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	conns := make([]*net.UnixConn, 2)
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "sock")
		c, err := net.FileConn(f)
		f.Close()
		if err != nil {
			t.Fatalf("fileconn: %v", err)
		}
		uc, ok := c.(*net.UnixConn)
		if !ok {
			t.Fatalf("fileconn returned %T, want *net.UnixConn", c)
		}
		conns[i] = uc
		t.Cleanup(func() { uc.Close() })
	}
	return conns[0], conns[1]
}

// rawMessage encodes a vhost-user message for the frontend side.
func rawMessage(req, flags uint32, payload []byte) []byte {
	b := make([]byte, msgHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(b[0:4], req)
	binary.LittleEndian.PutUint32(b[4:8], flags)
	binary.LittleEndian.PutUint32(b[8:12], uint32(len(payload)))
	copy(b[msgHeaderSize:], payload)
	return b
}

func TestReadMessage(t *testing.T) {
	t.Parallel()

	front, back := socketPair(t)

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, 0xdeadbeef)
	if _, err := front.Write(rawMessage(reqSetFeatures, flagVersion1, payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	m, err := readMessage(back)
	if err != nil {
		t.Fatalf("readMessage() error: %v", err)
	}
	if m.req != reqSetFeatures {
		t.Errorf("req = %d, want %d", m.req, reqSetFeatures)
	}
	v, err := m.u64()
	if err != nil {
		t.Fatalf("u64() error: %v", err)
	}
	if v != 0xdeadbeef {
		t.Errorf("payload = %#x, want 0xdeadbeef", v)
	}
}

func TestReadMessageWithFD(t *testing.T) {
	t.Parallel()

	front, back := socketPair(t)

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	defer unix.Close(efd)

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, 0) // queue 0, fd attached
	oob := unix.UnixRights(efd)
	if _, _, err := front.WriteMsgUnix(rawMessage(reqSetVringKick, flagVersion1, payload), oob, nil); err != nil {
		t.Fatalf("sendmsg: %v", err)
	}

	m, err := readMessage(back)
	if err != nil {
		t.Fatalf("readMessage() error: %v", err)
	}
	fd, err := m.takeFD()
	if err != nil {
		t.Fatalf("takeFD() error: %v", err)
	}
	defer unix.Close(fd)
	if fd < 0 {
		t.Error("received invalid fd")
	}
	if _, err := m.takeFD(); !errors.Is(err, ErrMissingFD) {
		t.Errorf("second takeFD() error = %v, want %v", err, ErrMissingFD)
	}
}

func TestWriteReply(t *testing.T) {
	t.Parallel()

	front, back := socketPair(t)

	if err := writeReplyU64(back, reqGetFeatures, featureVersion1); err != nil {
		t.Fatalf("writeReplyU64() error: %v", err)
	}

	var hdr [msgHeaderSize + 8]byte
	if _, err := front.Read(hdr[:]); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if got := binary.LittleEndian.Uint32(hdr[0:4]); got != reqGetFeatures {
		t.Errorf("req = %d, want %d", got, reqGetFeatures)
	}
	flags := binary.LittleEndian.Uint32(hdr[4:8])
	if flags&flagReply == 0 {
		t.Error("reply flag not set")
	}
	if got := binary.LittleEndian.Uint64(hdr[12:20]); got != featureVersion1 {
		t.Errorf("features = %#x, want %#x", got, uint64(featureVersion1))
	}
}

func TestReadMessageRejectsOversize(t *testing.T) {
	t.Parallel()

	front, back := socketPair(t)

	b := make([]byte, msgHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], reqSetMemTable)
	binary.LittleEndian.PutUint32(b[4:8], flagVersion1)
	binary.LittleEndian.PutUint32(b[8:12], maxMsgSize+1)
	if _, err := front.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := readMessage(back); !errors.Is(err, ErrMsgTooLarge) {
		t.Errorf("readMessage() error = %v, want %v", err, ErrMsgTooLarge)
	}
}

func TestVringStateDecode(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], 1)
	binary.LittleEndian.PutUint32(payload[4:8], 256)
	m := &message{req: reqSetVringNum, payload: payload}

	idx, num, err := m.vringState()
	if err != nil {
		t.Fatalf("vringState() error: %v", err)
	}
	if idx != 1 || num != 256 {
		t.Errorf("vringState() = (%d, %d), want (1, 256)", idx, num)
	}

	short := &message{req: reqSetVringNum, payload: payload[:4]}
	if _, _, err := short.vringState(); !errors.Is(err, ErrMsgTruncated) {
		t.Errorf("short vringState() error = %v, want %v", err, ErrMsgTruncated)
	}
}
