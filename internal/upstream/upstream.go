// Package upstream owns the driver-side boundary of the router: exactly
// one driver VM connection at a time, translation between the tagged
// driver wire format and the untagged internal format, and election of
// the active upstream VLAN from observed ICMPv6 Router Advertisements.
//
// The agent talks to the router only through a pair of bounded channels,
// exposed as a router.Stream / router.Sink. All election state lives
// inside the agent's run loop; the router observes it only through the
// frames it receives.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/spectrum-virt/hosttools/internal/packet"
	"github.com/spectrum-virt/hosttools/internal/proto"
	"github.com/spectrum-virt/hosttools/internal/router"
)

// channelDepth bounds the in-memory queues between the agent and the
// router, one per direction. A full queue suspends the producer.
const channelDepth = 64

// vlanNone is the in-memory sentinel for "no active interface". VLAN
// ids on the wire are 12 bits, so the sentinel is unreachable; it also
// compares greater than every real id, which the election rule relies on.
const vlanNone uint16 = 0xffff

// farFuture parks the reevaluation timer while no router advertisement
// is pending expiry.
const farFuture = 365 * 24 * time.Hour

// sendTimeout bounds writes toward the driver device, mirroring the
// router's per-peer send contract.
const sendTimeout = router.SendTimeout

// Sentinel errors surfaced through the stream/sink pair.
var (
	// ErrClosed is returned by the stream and sink once the agent's
	// run loop has exited. From the sink it ends the router's Run like
	// any non-timeout send error; from the stream the router logs it as
	// a stream end and keeps running.
	ErrClosed = errors.New("upstream agent closed")
)

// Device is the accepted driver connection as the agent consumes it:
// a bidirectional stream of Ethernet frames. Implemented by
// vhostnet.Device.
type Device interface {
	// ReadFrame blocks until the guest transmits a frame. The returned
	// reader must be fully read or closed before the next call.
	ReadFrame(ctx context.Context) (io.ReadCloser, error)

	// WriteFrame delivers a frame to the guest, honoring ctx.
	WriteFrame(ctx context.Context, r io.Reader) error

	Close() error
}

// Dialer performs the vhost-user handshake on an accepted connection.
type Dialer func(conn *net.UnixConn) (Device, error)

// Metrics receives upstream control-plane counters.
type Metrics interface {
	RadvObserved(vlan uint16)
	ActiveVlan(vlan int)
	FrameDropped(reason string)
}

type nopMetrics struct{}

func (nopMetrics) RadvObserved(uint16) {}
func (nopMetrics) ActiveVlan(int)      {}
func (nopMetrics) FrameDropped(string) {}

// Drop reason labels shared with the metrics collector.
const (
	DropUntagged     = "untagged"
	DropInactiveVlan = "inactive_vlan"
	DropShortFrame   = "short_frame"
	DropNotReady     = "not_ready"
	DropNoActive     = "no_active_vlan"
	DropSendTimeout  = "send_timeout"
)

// radvEntry records the expiry of the last nonzero-lifetime router
// advertisement seen on a VLAN. The slice holding these is strictly
// sorted by vlan with no duplicates.
type radvEntry struct {
	vlan  uint16
	until time.Time
}

// Option configures an Upstream.
type Option func(*Upstream)

// WithMetrics wires a metrics collector into the agent.
func WithMetrics(m Metrics) Option {
	return func(u *Upstream) { u.metrics = m }
}

// Upstream is the driver-side agent. Create with New, then run its
// loop; install the returned stream/sink into the router as the
// Upstream interface.
type Upstream struct {
	logger  *slog.Logger
	metrics Metrics

	listener *net.UnixListener
	dial     Dialer

	txCh chan *packet.Packet // driver -> router, untagged
	rxCh chan *packet.Packet // router -> driver, tagged on egress
	done chan struct{}

	// Election state, touched only by Run. timer is nil until Run
	// starts; rearm tolerates that so the election logic is testable
	// without a live run loop.
	active   uint16
	radv     []radvEntry
	timer    *time.Timer
	reevalAt time.Time
}

// New creates the agent plus the stream/sink pair the router consumes.
// dial is invoked for every accepted driver connection.
func New(ln *net.UnixListener, dial Dialer, logger *slog.Logger, opts ...Option) (*Upstream, router.Stream, router.Sink) {
	u := &Upstream{
		logger:   logger.With(slog.String("component", "upstream")),
		metrics:  nopMetrics{},
		listener: ln,
		dial:     dial,
		txCh:     make(chan *packet.Packet, channelDepth),
		rxCh:     make(chan *packet.Packet, channelDepth),
		done:     make(chan struct{}),
		active:   vlanNone,
	}
	for _, o := range opts {
		o(u)
	}
	return u, &agentStream{u: u}, &agentSink{u: u}
}

// agentStream yields the untagged frames the agent admitted.
type agentStream struct{ u *Upstream }

func (s *agentStream) Next(ctx context.Context) (*packet.Packet, error) {
	select {
	case p := <-s.u.txCh:
		return p, nil
	case <-s.u.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// agentSink queues frames for tagging and delivery to the driver.
type agentSink struct{ u *Upstream }

func (s *agentSink) Send(ctx context.Context, p *packet.Packet) error {
	select {
	case s.u.rxCh <- p:
		return nil
	case <-s.u.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// driverConn is one accepted driver device plus its frame pump.
type driverConn struct {
	dev    Device
	frames chan io.ReadCloser
	stop   chan struct{}
}

// Run accepts driver connections and shuttles frames until ctx is done
// or the driver device fails a write with a non-timeout error.
func (u *Upstream) Run(ctx context.Context) error {
	defer close(u.done)

	acceptCh := make(chan Device)
	go u.acceptLoop(ctx, acceptCh)

	u.timer = time.NewTimer(farFuture)
	defer u.timer.Stop()
	u.reevalAt = time.Now().Add(farFuture)

	var cur *driverConn
	for {
		var frames chan io.ReadCloser
		if cur != nil {
			frames = cur.frames
		}
		select {
		case <-ctx.Done():
			if cur != nil {
				cur.dev.Close()
			}
			return ctx.Err()

		case dev := <-acceptCh:
			u.logger.Info("driver connected")
			u.resetElection()
			if cur != nil {
				close(cur.stop)
				cur.dev.Close()
			}
			cur = &driverConn{
				dev:    dev,
				frames: make(chan io.ReadCloser),
				stop:   make(chan struct{}),
			}
			go u.readFrames(ctx, cur)

		case fr := <-frames:
			u.handleIngress(ctx, fr)

		case pkt := <-u.rxCh:
			if err := u.handleEgress(ctx, cur, pkt); err != nil {
				return err
			}

		case <-u.timer.C:
			u.handleExpiry()
		}
	}
}

// acceptLoop accepts and handshakes driver connections. Accept or
// handshake failures are logged and the loop keeps accepting.
func (u *Upstream) acceptLoop(ctx context.Context, out chan<- Device) {
	for {
		conn, err := u.listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			u.logger.Error("driver connection failed",
				slog.String("error", err.Error()),
			)
			continue
		}
		dev, err := u.dial(conn)
		if err != nil {
			u.logger.Error("driver handshake failed",
				slog.String("error", err.Error()),
			)
			conn.Close()
			continue
		}
		select {
		case out <- dev:
		case <-ctx.Done():
			dev.Close()
			return
		}
	}
}

// readFrames pumps one driver device into the run loop. It exits when
// the device fails (connection torn down or replaced) or the agent
// stops.
func (u *Upstream) readFrames(ctx context.Context, c *driverConn) {
	for {
		fr, err := c.dev.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				u.logger.Info("driver tx stream ended",
					slog.String("error", err.Error()),
				)
			}
			return
		}
		select {
		case c.frames <- fr:
		case <-c.stop:
			fr.Close()
			return
		case <-ctx.Done():
			fr.Close()
			return
		}
	}
}

// resetElection clears all state derived from the previous driver
// connection.
func (u *Upstream) resetElection() {
	u.radv = u.radv[:0]
	u.setActive(vlanNone)
	u.rearm(time.Now().Add(farFuture))
}

// setActive updates the election result and its gauge.
func (u *Upstream) setActive(vlan uint16) {
	u.active = vlan
	if vlan == vlanNone {
		u.metrics.ActiveVlan(-1)
	} else {
		u.metrics.ActiveVlan(int(vlan))
	}
}

// rearm points the reevaluation deadline (and timer, once Run has
// created it) at the given instant.
func (u *Upstream) rearm(at time.Time) {
	u.reevalAt = at
	if u.timer == nil {
		return
	}
	if !u.timer.Stop() {
		select {
		case <-u.timer.C:
		default:
		}
	}
	u.timer.Reset(time.Until(at))
}

// handleIngress admits one tagged driver frame: feed the election from
// any router advertisement, then forward to the router iff the frame's
// VLAN is the active interface.
func (u *Upstream) handleIngress(ctx context.Context, fr io.ReadCloser) {
	pkt := packet.NewIncoming(fr, true)
	h, err := pkt.Headers()
	if err != nil {
		u.logger.Warn("malformed frame from driver",
			slog.String("error", err.Error()),
		)
		u.metrics.FrameDropped(DropShortFrame)
		pkt.Discard()
		return
	}

	if h.Vlan == nil {
		u.logger.Warn("untagged packet from driver")
		u.metrics.FrameDropped(DropUntagged)
		pkt.Discard()
		return
	}
	vlanID := h.Vlan.VlanID()

	if h.IPv6 != nil && h.IPv6.NextHeader() == proto.IPProtoICMPv6 {
		if !u.inspectICMPv6(pkt, h, vlanID) {
			pkt.Discard()
			return
		}
	}

	if vlanID != u.active {
		u.logger.Debug("dropping packet from inactive interface",
			slog.Int("vlan", int(vlanID)),
		)
		u.metrics.FrameDropped(DropInactiveVlan)
		pkt.Discard()
		return
	}

	select {
	case u.txCh <- pkt:
	case <-ctx.Done():
		pkt.Discard()
	}
}

// inspectICMPv6 parses the ICMPv6 header from the peek remainder and
// feeds router advertisements into the election. Returns false when the
// frame is too short for its claimed headers and must be dropped.
func (u *Upstream) inspectICMPv6(pkt *packet.Packet, h packet.Headers, vlanID uint16) bool {
	icmp, rest, err := proto.ParseICMPv6(h.Rest)
	if err != nil {
		u.logger.Warn("short icmpv6 header from driver")
		u.metrics.FrameDropped(DropShortFrame)
		return false
	}
	if icmp.Type() != proto.ICMPv6TypeRouterAdvert {
		return true
	}

	// The RA body may extend past the peek window; chain the peek
	// remainder with the materialized tail. Materializing does not
	// consume the tail, so the frame can still be forwarded.
	tail, err := pkt.TailBytes()
	if err != nil {
		u.logger.Warn("reading router advertisement",
			slog.String("error", err.Error()),
		)
		u.metrics.FrameDropped(DropShortFrame)
		return false
	}
	radv, err := proto.ReadRouterAdvert(io.MultiReader(bytes.NewReader(rest), bytes.NewReader(tail)))
	if err != nil {
		u.logger.Warn("short router advertisement from driver")
		u.metrics.FrameDropped(DropShortFrame)
		return false
	}
	if radv.RouterLifetime != 0 {
		u.recordRadv(vlanID, radv)
	}
	return true
}

// recordRadv upserts the advertisement expiry for vlanID, keeping the
// slice strictly sorted, and applies the election rule: a lower vlan id
// preempts; an expired incumbent is replaced; the incumbent's own
// advertisement just extends the deadline.
func (u *Upstream) recordRadv(vlanID uint16, radv proto.RouterAdvert) {
	now := time.Now()
	expiry := now.Add(time.Duration(radv.RouterLifetime) * time.Second)

	i := sort.Search(len(u.radv), func(i int) bool { return u.radv[i].vlan >= vlanID })
	if i < len(u.radv) && u.radv[i].vlan == vlanID {
		u.radv[i].until = expiry
	} else {
		u.radv = append(u.radv, radvEntry{})
		copy(u.radv[i+1:], u.radv[i:])
		u.radv[i] = radvEntry{vlan: vlanID, until: expiry}
	}

	u.logger.Debug("router advertisement received",
		slog.Int("vlan", int(vlanID)),
		slog.Int("lifetime_s", int(radv.RouterLifetime)),
	)
	u.metrics.RadvObserved(vlanID)

	prev := u.active // vlanNone compares greater than any real id
	switch {
	case vlanID < prev || !u.reevalAt.After(now):
		u.setActive(vlanID)
		u.logger.Info("set active interface", slog.Int("vlan", int(vlanID)))
		u.rearm(expiry)
	case vlanID == prev:
		u.rearm(expiry)
	}
}

// handleExpiry runs when the active interface's advertisement lapses:
// fall back to the lowest vlan with an unexpired advertisement, or
// clear the selection.
func (u *Upstream) handleExpiry() {
	now := time.Now()
	prev := u.active
	u.logger.Info("router advertisement expired",
		slog.Int("vlan", int(prev)),
	)
	for _, e := range u.radv {
		if e.until.After(now) {
			u.setActive(e.vlan)
			u.logger.Info("set active interface", slog.Int("vlan", int(e.vlan)))
			u.rearm(e.until)
			return
		}
	}
	u.setActive(vlanNone)
	u.rearm(now.Add(farFuture))
}

// handleEgress tags one router frame with the active VLAN and writes it
// to the driver device. Dropped (with a warning) when no driver is
// connected or no interface is active; a write timeout drops the frame;
// any other write error is fatal.
func (u *Upstream) handleEgress(ctx context.Context, cur *driverConn, pkt *packet.Packet) error {
	if cur == nil {
		u.logger.Warn("dropped packet because driver is not ready")
		u.metrics.FrameDropped(DropNotReady)
		pkt.Discard()
		return nil
	}
	if u.active == vlanNone {
		u.logger.Warn("dropped packet because active interface is unknown")
		u.metrics.FrameDropped(DropNoActive)
		pkt.Discard()
		return nil
	}

	tag := proto.EncodeVlanTag(u.active)
	out, err := pkt.Out(tag[:])
	if err != nil {
		u.logger.Warn("malformed frame for driver",
			slog.String("error", err.Error()),
		)
		u.metrics.FrameDropped(DropShortFrame)
		pkt.Discard()
		return nil
	}
	defer out.Close()

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	err = cur.dev.WriteFrame(sctx, out)
	cancel()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		u.logger.Warn("driver rx has been blocked for 1 sec, dropping packet")
		u.metrics.FrameDropped(DropSendTimeout)
		return nil
	default:
		return err
	}
}
