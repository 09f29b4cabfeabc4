package vhostnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// kickPollInterval bounds how long a data-path wait can miss a kick
// that raced with the ring check. The eventfd read returns immediately
// once the frontend kicks; the deadline only caps the race window.
const kickPollInterval = 100 * time.Millisecond

// queue is one virtqueue plus its notification fds. Fields are written
// by the message loop during setup and read by the data path afterward;
// mu covers the handoff.
type queue struct {
	mu      sync.Mutex
	ring    vring
	kick    *os.File
	call    *os.File
	enabled bool

	// Ring addresses as received from SET_VRING_ADDR, resolved against
	// guest memory once both are known.
	descAddr, availAddr, usedAddr uint64
}

// Device is one vhost-user-net backend session. Create it with
// FromUnixStream; the message loop runs until the frontend disconnects
// or Close is called.
type Device struct {
	conn   *net.UnixConn
	logger *slog.Logger

	mu       sync.Mutex
	mem      *GuestMemory
	features uint64

	queues [queueCount]queue

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	// txGate serializes guest-transmit frames: the next chain is not
	// popped until the previous frame is released back to the guest.
	txGate chan struct{}
}

// FromUnixStream starts a backend session on an accepted connection.
// The vhost-user handshake proceeds asynchronously; ReadFrame and
// WriteFrame block until the frontend has enabled both queues.
func FromUnixStream(conn *net.UnixConn, logger *slog.Logger) (*Device, error) {
	d := &Device{
		conn:   conn,
		logger: logger.With(slog.String("component", "vhostnet")),
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
		txGate: make(chan struct{}, 1),
	}
	d.txGate <- struct{}{}
	go d.messageLoop()
	return d, nil
}

// Close tears the session down: the connection is closed, guest memory
// unmapped, and any blocked data-path call fails with ErrDeviceClosed.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.conn.Close()
		d.mu.Lock()
		d.mem.Close()
		d.mem = nil
		d.mu.Unlock()
		for i := range d.queues {
			q := &d.queues[i]
			q.mu.Lock()
			if q.kick != nil {
				q.kick.Close()
			}
			if q.call != nil {
				q.call.Close()
			}
			q.enabled = false
			q.mu.Unlock()
		}
	})
	return nil
}

// -------------------------------------------------------------------------
// Message loop
// -------------------------------------------------------------------------

func (d *Device) messageLoop() {
	defer d.Close()
	for {
		m, err := readMessage(d.conn)
		if err != nil {
			select {
			case <-d.closed:
			default:
				d.logger.Info("frontend disconnected",
					slog.String("error", err.Error()),
				)
			}
			return
		}
		err = d.handle(m)
		m.closeFDs()
		if err != nil {
			d.logger.Error("vhost-user message failed",
				slog.Int("request", int(m.req)),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// vringState decodes a vhost_vring_state payload: u32 index, u32 num.
func (m *message) vringState() (uint32, uint32, error) {
	if len(m.payload) < 8 {
		return 0, 0, fmt.Errorf("request %d: %w", m.req, ErrMsgTruncated)
	}
	return binary.LittleEndian.Uint32(m.payload[0:4]),
		binary.LittleEndian.Uint32(m.payload[4:8]), nil
}

// handle processes one frontend message. Unknown requests are
// acknowledged when the frontend demands a reply and dropped otherwise,
// which is what the specification asks of a minimal backend.
func (d *Device) handle(m *message) error {
	switch m.req {
	case reqGetFeatures:
		return writeReplyU64(d.conn, m.req, featureVersion1|featureProtocolFeatures)

	case reqSetFeatures:
		v, err := m.u64()
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.features = v
		d.mu.Unlock()

	case reqGetProtocolFeatures:
		return writeReplyU64(d.conn, m.req, protocolFeatureReplyAck)

	case reqSetProtocolFeatures, reqSetOwner, reqResetOwner, reqSetVringErr:
		// Accepted without effect.

	case reqGetQueueNum:
		return writeReplyU64(d.conn, m.req, queueCount)

	case reqSetMemTable:
		mem, err := newGuestMemory(m.payload, m.fds)
		if err != nil {
			return err
		}
		d.mu.Lock()
		old := d.mem
		d.mem = mem
		d.mu.Unlock()
		old.Close()
		if err := d.resolveRings(); err != nil {
			return err
		}

	case reqSetVringNum:
		idx, num, err := m.vringState()
		if err != nil {
			return err
		}
		q, err := d.queueAt(uint(idx))
		if err != nil {
			return err
		}
		if num == 0 || num > maxQueueSize {
			return fmt.Errorf("queue size %d: %w", num, ErrBadQueueIndex)
		}
		q.mu.Lock()
		q.ring.num = uint16(num)
		q.mu.Unlock()
		if err := d.resolveRings(); err != nil {
			return err
		}

	case reqSetVringBase:
		idx, base, err := m.vringState()
		if err != nil {
			return err
		}
		q, err := d.queueAt(uint(idx))
		if err != nil {
			return err
		}
		q.mu.Lock()
		q.ring.lastAvail = uint16(base)
		q.mu.Unlock()

	case reqGetVringBase:
		// Stops the queue and reports the backend's position.
		idx, _, err := m.vringState()
		if err != nil {
			return err
		}
		q, err := d.queueAt(uint(idx))
		if err != nil {
			return err
		}
		q.mu.Lock()
		q.enabled = false
		last := q.ring.lastAvail
		q.mu.Unlock()
		var payload [8]byte
		binary.LittleEndian.PutUint32(payload[0:4], idx)
		binary.LittleEndian.PutUint32(payload[4:8], uint32(last))
		return writeReply(d.conn, m.req, payload[:])

	case reqSetVringAddr:
		// vhost_vring_addr: u32 index, u32 flags, then u64 descriptor,
		// used, avail, and log addresses (frontend virtual).
		if len(m.payload) < 40 {
			return fmt.Errorf("vring addr: %w", ErrMsgTruncated)
		}
		idx := binary.LittleEndian.Uint32(m.payload[0:4])
		q, err := d.queueAt(uint(idx))
		if err != nil {
			return err
		}
		q.mu.Lock()
		q.descAddr = binary.LittleEndian.Uint64(m.payload[8:16])
		q.usedAddr = binary.LittleEndian.Uint64(m.payload[16:24])
		q.availAddr = binary.LittleEndian.Uint64(m.payload[24:32])
		q.mu.Unlock()
		if err := d.resolveRings(); err != nil {
			return err
		}

	case reqSetVringKick:
		err := d.vringFD(m, func(q *queue, f *os.File) {
			if q.kick != nil {
				q.kick.Close()
			}
			q.kick = f
		})
		if err != nil {
			return err
		}

	case reqSetVringCall:
		err := d.vringFD(m, func(q *queue, f *os.File) {
			if q.call != nil {
				q.call.Close()
			}
			q.call = f
		})
		if err != nil {
			return err
		}

	case reqSetVringEnable:
		idx, on, err := m.vringState()
		if err != nil {
			return err
		}
		q, err := d.queueAt(uint(idx))
		if err != nil {
			return err
		}
		q.mu.Lock()
		q.enabled = on != 0
		q.mu.Unlock()
		d.maybeReady()
	}

	if m.flags&flagNeedReply != 0 {
		return writeReplyU64(d.conn, m.req, 0)
	}
	return nil
}

// vringFD installs a kick or call eventfd. Bit 8 of the payload means
// the queue is polled and no fd is attached.
func (d *Device) vringFD(m *message, install func(*queue, *os.File)) error {
	v, err := m.u64()
	if err != nil {
		return err
	}
	q, err := d.queueAt(uint(v & vringIdxMask))
	if err != nil {
		return err
	}
	if v&vringNoFDMask != 0 {
		return nil
	}
	fd, err := m.takeFD()
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set eventfd nonblocking: %w", err)
	}
	f := os.NewFile(uintptr(fd), "vring-event")
	q.mu.Lock()
	install(q, f)
	q.mu.Unlock()
	d.maybeReady()
	return nil
}

func (d *Device) queueAt(i uint) (*queue, error) {
	if i >= queueCount {
		return nil, fmt.Errorf("queue %d: %w", i, ErrBadQueueIndex)
	}
	return &d.queues[i], nil
}

// resolveRings recomputes the ring slices for every queue whose
// geometry and addresses are known.
func (d *Device) resolveRings() error {
	d.mu.Lock()
	mem := d.mem
	d.mu.Unlock()
	if mem == nil {
		return nil
	}
	for i := range d.queues {
		q := &d.queues[i]
		q.mu.Lock()
		if q.ring.num == 0 || q.descAddr == 0 || q.availAddr == 0 || q.usedAddr == 0 {
			q.mu.Unlock()
			continue
		}
		n := uint64(q.ring.num)
		descB, errD := mem.FromUVA(q.descAddr, n*descSize)
		availB, errA := mem.FromUVA(q.availAddr, 4+n*2)
		usedB, errU := mem.FromUVA(q.usedAddr, 4+n*8)
		if err := errors.Join(errD, errA, errU); err != nil {
			q.mu.Unlock()
			return fmt.Errorf("resolve queue %d rings: %w", i, err)
		}
		q.ring.desc = descB
		q.ring.avail = availB
		q.ring.used = usedB
		q.mu.Unlock()
	}
	d.maybeReady()
	return nil
}

// maybeReady unblocks the data path once both queues are usable.
func (d *Device) maybeReady() {
	for i := range d.queues {
		q := &d.queues[i]
		q.mu.Lock()
		ok := q.enabled && q.ring.desc != nil && q.kick != nil
		q.mu.Unlock()
		if !ok {
			return
		}
	}
	d.readyOnce.Do(func() { close(d.ready) })
}

// waitReady blocks until the handshake completes.
func (d *Device) waitReady(ctx context.Context) error {
	select {
	case <-d.ready:
		return nil
	case <-d.closed:
		return ErrDeviceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -------------------------------------------------------------------------
// Data path
// -------------------------------------------------------------------------

// Frame is one guest-transmitted frame, readable straight out of guest
// memory with the virtio-net header already skipped. It must be fully
// read or closed before the next ReadFrame; Close returns the buffers
// to the guest.
type Frame struct {
	dev  *Device
	q    *queue
	head uint16
	segs [][]byte
	seg  int
	off  int
	once sync.Once
}

// Read fills p from the remaining descriptor-chain bytes, crossing
// segment boundaries so the whole head of a frame arrives in one read.
// Reaching the end releases the chain back to the guest.
func (f *Frame) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) && f.seg < len(f.segs) {
		n := copy(p[total:], f.segs[f.seg][f.off:])
		total += n
		f.off += n
		if f.off == len(f.segs[f.seg]) {
			f.seg++
			f.off = 0
		}
	}
	if total == 0 {
		f.Close()
		return 0, io.EOF
	}
	return total, nil
}

// Close releases the descriptor chain and lets the next transmit frame
// through. Idempotent.
func (f *Frame) Close() error {
	f.once.Do(func() {
		f.q.mu.Lock()
		f.q.ring.pushUsed(f.head, 0)
		f.q.mu.Unlock()
		f.dev.signalCall(f.q)
		f.dev.txGate <- struct{}{}
	})
	return nil
}

// ReadFrame blocks until the guest transmits a frame. The previous
// frame must have been consumed or closed first.
func (d *Device) ReadFrame(ctx context.Context) (io.ReadCloser, error) {
	if err := d.waitReady(ctx); err != nil {
		return nil, err
	}
	select {
	case <-d.txGate:
	case <-d.closed:
		return nil, ErrDeviceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	q := &d.queues[queueTx]
	for {
		frame, err := d.popTx(q)
		if err != nil {
			d.txGate <- struct{}{}
			return nil, err
		}
		if frame != nil {
			return frame, nil
		}
		if err := d.waitKick(ctx, q); err != nil {
			d.txGate <- struct{}{}
			return nil, err
		}
	}
}

// popTx takes one transmit chain if available and wraps it as a Frame.
// A chain shorter than the virtio-net header is completed immediately
// and reported.
func (d *Device) popTx(q *queue) (*Frame, error) {
	d.mu.Lock()
	mem := d.mem
	d.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.enabled || q.ring.desc == nil {
		return nil, ErrQueueNotEnabled
	}
	head, ok := q.ring.pop()
	if !ok {
		return nil, nil
	}
	_, bufs, err := q.ring.chain(head, mem)
	if err != nil {
		return nil, err
	}

	skip := vnetHeaderSize
	segs := make([][]byte, 0, len(bufs))
	for _, b := range bufs {
		if skip >= len(b) {
			skip -= len(b)
			continue
		}
		segs = append(segs, b[skip:])
		skip = 0
	}
	if skip > 0 {
		q.ring.pushUsed(head, 0)
		return nil, ErrFrameTooShort
	}
	return &Frame{dev: d, q: q, head: head, segs: segs}, nil
}

// WriteFrame copies one frame into the guest's receive buffers,
// prefixed with a zeroed virtio-net header, and notifies the guest.
func (d *Device) WriteFrame(ctx context.Context, r io.Reader) error {
	if err := d.waitReady(ctx); err != nil {
		return err
	}
	q := &d.queues[queueRx]
	for {
		done, err := d.tryWrite(q, r)
		if err != nil {
			return err
		}
		if done {
			d.signalCall(q)
			return nil
		}
		// No receive buffers posted; wait for the guest to refill.
		if err := d.waitKick(ctx, q); err != nil {
			return err
		}
	}
}

// tryWrite attempts the copy; false with nil error means no buffer was
// available and the caller should wait.
func (d *Device) tryWrite(q *queue, r io.Reader) (bool, error) {
	d.mu.Lock()
	mem := d.mem
	d.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.enabled || q.ring.desc == nil {
		return false, ErrQueueNotEnabled
	}
	head, ok := q.ring.pop()
	if !ok {
		return false, nil
	}
	descs, bufs, err := q.ring.chain(head, mem)
	if err != nil {
		return false, err
	}

	written := 0
	hdr := vnetHeaderSize
	for i, b := range bufs {
		if descs[i].flags&descFWrite == 0 {
			continue
		}
		off := 0
		for off < len(b) && hdr > 0 {
			b[off] = 0
			off++
			hdr--
			written++
		}
		for off < len(b) {
			n, rerr := r.Read(b[off:])
			written += n
			off += n
			if errors.Is(rerr, io.EOF) {
				q.ring.pushUsed(head, uint32(written))
				return true, nil
			}
			if rerr != nil {
				q.ring.pushUsed(head, uint32(written))
				return false, rerr
			}
		}
	}
	if hdr > 0 {
		q.ring.pushUsed(head, uint32(written))
		return false, ErrFrameTruncated
	}

	// Buffers exhausted; accept only if the source is also done.
	var probe [1]byte
	if n, rerr := r.Read(probe[:]); n > 0 || !errors.Is(rerr, io.EOF) {
		q.ring.pushUsed(head, uint32(written))
		return false, ErrFrameTruncated
	}
	q.ring.pushUsed(head, uint32(written))
	return true, nil
}

// waitKick waits for the frontend's queue notification. A deadline
// expiry returns success so the caller re-checks the ring; kicks that
// landed before the wait would otherwise be lost.
func (d *Device) waitKick(ctx context.Context, q *queue) error {
	q.mu.Lock()
	kick := q.kick
	q.mu.Unlock()
	if kick == nil {
		return ErrQueueNotEnabled
	}
	select {
	case <-d.closed:
		return ErrDeviceClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	var b [8]byte
	kick.SetReadDeadline(time.Now().Add(kickPollInterval))
	_, err := kick.Read(b[:])
	switch {
	case err == nil, errors.Is(err, os.ErrDeadlineExceeded):
		return nil
	case errors.Is(err, os.ErrClosed):
		return ErrDeviceClosed
	default:
		return fmt.Errorf("read kick eventfd: %w", err)
	}
}

// signalCall raises the frontend's interrupt eventfd.
func (d *Device) signalCall(q *queue) {
	q.mu.Lock()
	call := q.call
	q.mu.Unlock()
	if call == nil {
		return
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	call.Write(one[:])
}
