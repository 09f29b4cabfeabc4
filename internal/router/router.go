// Package router implements the inter-VM data plane: a set of frame
// stream/sink pairs keyed by interface, a forwarding table learned from
// observed IPv6 traffic, and the per-frame learn/forward/broadcast/drop
// decision.
//
// The router owns no sockets. Interfaces are installed by the bootstrap
// (vhost-user-net devices for app VMs, the upstream agent's channel pair
// for the driver side); anything satisfying Stream and Sink and honoring
// the per-send context deadline may be installed.
package router

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spectrum-virt/hosttools/internal/packet"
	"github.com/spectrum-virt/hosttools/internal/proto"
)

// SendTimeout bounds every outbound send. A peer that does not accept a
// frame within this window has the frame dropped; the peer stays
// installed and later sends are attempted again.
const SendTimeout = 1 * time.Second

// ingressDepth is the shared ingress channel capacity. Matches the
// per-direction depth of the upstream agent's channels so backpressure
// behaves the same on both sides of the router.
const ingressDepth = 64

// -------------------------------------------------------------------------
// InterfaceID
// -------------------------------------------------------------------------

// Kind discriminates the interface namespace.
type Kind uint8

const (
	// KindUpstream is the single driver-side interface.
	KindUpstream Kind = iota

	// KindApp is an app VM interface; the App field carries its number.
	KindApp

	// KindBroadcast is a forwarding decision, never an installed
	// interface: fan the frame out to every peer except the ingress.
	KindBroadcast
)

// InterfaceID identifies an installed interface (or the synthetic
// broadcast decision). Comparable; used as a map key.
type InterfaceID struct {
	Kind Kind
	App  uint64
}

// Upstream is the driver-side interface id.
var Upstream = InterfaceID{Kind: KindUpstream}

// Broadcast is the synthetic fan-out decision.
var Broadcast = InterfaceID{Kind: KindBroadcast}

// App returns the id of the n-th accepted app VM.
func App(n uint64) InterfaceID {
	return InterfaceID{Kind: KindApp, App: n}
}

func (id InterfaceID) String() string {
	switch id.Kind {
	case KindUpstream:
		return "upstream"
	case KindApp:
		return "app" + itoa(id.App)
	case KindBroadcast:
		return "broadcast"
	}
	return "invalid"
}

// itoa avoids pulling strconv into the hot path imports for one call.
func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// -------------------------------------------------------------------------
// Stream / Sink capability
// -------------------------------------------------------------------------

// Stream produces the incoming frames of one interface.
type Stream interface {
	// Next blocks until a frame arrives, the stream fails, or ctx is
	// done. Stream failure (including EOF) is terminal for the stream
	// but not for the interface: the router logs and keeps the
	// interface installed.
	Next(ctx context.Context) (*packet.Packet, error)
}

// Sink consumes the outgoing frames of one interface. Send must honor
// ctx; the router allots SendTimeout per frame.
type Sink interface {
	Send(ctx context.Context, p *packet.Packet) error
}

// -------------------------------------------------------------------------
// Metrics
// -------------------------------------------------------------------------

// Metrics receives data-plane counters. The zero implementation used
// when no collector is wired discards everything.
type Metrics interface {
	FrameForwarded(egress string)
	FrameDropped(reason string)
	BroadcastFanout()
	FIBSize(n int)
}

type nopMetrics struct{}

func (nopMetrics) FrameForwarded(string) {}
func (nopMetrics) FrameDropped(string)   {}
func (nopMetrics) BroadcastFanout()      {}
func (nopMetrics) FIBSize(int)           {}

// Drop reason labels shared with the metrics collector.
const (
	DropShortFrame  = "short_frame"
	DropNoFIBMatch  = "no_fib_match"
	DropNotReady    = "not_ready"
	DropSendTimeout = "send_timeout"
)

// -------------------------------------------------------------------------
// Router
// -------------------------------------------------------------------------

type fibEntry struct {
	mac   proto.MacAddr
	iface InterfaceID
}

type ingressEntry struct {
	iface InterfaceID
	pkt   *packet.Packet
	err   error
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics wires a metrics collector into the data plane.
func WithMetrics(m Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// Router is the data plane. AddIface may be called concurrently with
// Run; the forwarding table is touched only by Run.
type Router struct {
	logger  *slog.Logger
	metrics Metrics

	defaultOut InterfaceID
	fib        map[netip.Addr]fibEntry
	ingress    chan ingressEntry

	mu      sync.Mutex
	streams map[InterfaceID]Stream
	sinks   map[InterfaceID]Sink
}

// New creates a Router. defaultOut receives traffic with no forwarding
// entry and a unicast destination; the bootstrap sets it to Upstream.
func New(defaultOut InterfaceID, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		logger:     logger.With(slog.String("component", "router")),
		metrics:    nopMetrics{},
		defaultOut: defaultOut,
		fib:        make(map[netip.Addr]fibEntry),
		ingress:    make(chan ingressEntry, ingressDepth),
		streams:    make(map[InterfaceID]Stream),
		sinks:      make(map[InterfaceID]Sink),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AddIface installs a stream/sink pair and starts pumping its incoming
// frames. Interfaces are never removed; a replaced id overwrites the
// previous registration but the old pump keeps feeding until its stream
// fails.
func (r *Router) AddIface(ctx context.Context, id InterfaceID, stream Stream, sink Sink) {
	r.mu.Lock()
	r.streams[id] = stream
	r.sinks[id] = sink
	r.mu.Unlock()

	go r.pump(ctx, id, stream)
}

// pump forwards one stream into the shared ingress channel, preserving
// per-interface FIFO order.
func (r *Router) pump(ctx context.Context, id InterfaceID, stream Stream) {
	for {
		pkt, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case r.ingress <- ingressEntry{iface: id, err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case r.ingress <- ingressEntry{iface: id, pkt: pkt}:
		case <-ctx.Done():
			pkt.Discard()
			return
		}
	}
}

// sink returns the registered sink for id, if any.
func (r *Router) sink(id InterfaceID) (Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[id]
	return s, ok
}

// sinksExcept snapshots every installed sink except the given ingress.
func (r *Router) sinksExcept(in InterfaceID) map[InterfaceID]Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[InterfaceID]Sink, len(r.sinks))
	for id, s := range r.sinks {
		if id != in {
			out[id] = s
		}
	}
	return out
}

// Run processes frames until ctx is done or a peer fails with a
// non-timeout I/O error. Frame-level failures (short frames, missing
// routes, send timeouts) drop the frame and continue.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-r.ingress:
			if entry.err != nil {
				r.logger.Info("incoming stream error",
					slog.String("iface", entry.iface.String()),
					slog.String("error", entry.err.Error()),
				)
				continue
			}
			if err := r.process(ctx, entry.iface, entry.pkt); err != nil {
				return err
			}
		}
	}
}

// process makes the forwarding decision for one frame and emits it.
func (r *Router) process(ctx context.Context, in InterfaceID, pkt *packet.Packet) error {
	h, err := pkt.Headers()
	if err != nil {
		r.logger.Debug("dropping malformed frame",
			slog.String("iface", in.String()),
			slog.String("error", err.Error()),
		)
		r.metrics.FrameDropped(DropShortFrame)
		pkt.Discard()
		return nil
	}

	// Only IPv6 is routed; everything else is dropped without logging.
	if h.IPv6 == nil {
		pkt.Discard()
		return nil
	}

	srcAddr := h.IPv6.Src()
	dstAddr := h.IPv6.Dst()
	dstMac := h.Ethernet.Dst()

	var out InterfaceID
	switch {
	case dstMac.IsMulticast():
		out = Broadcast
	default:
		if e, ok := r.fib[dstAddr]; ok {
			h.Ethernet.SetDst(e.mac)
			out = e.iface
		} else if in != r.defaultOut {
			out = r.defaultOut
		} else {
			r.logger.Warn("no fib match, dropping packet",
				slog.String("dst", dstAddr.String()),
			)
			r.metrics.FrameDropped(DropNoFIBMatch)
			pkt.Discard()
			return nil
		}
	}

	r.learn(in, srcAddr, h.Ethernet.Src())

	if out == Broadcast {
		return r.broadcast(ctx, in, pkt)
	}
	return r.unicast(ctx, out, pkt)
}

// learn inserts a forwarding entry for the frame's source. Frames
// arriving on the default-out interface never create entries, nor do
// unspecified or multicast sources. Existing entries are left alone
// even when the MAC or interface changed.
func (r *Router) learn(in InterfaceID, src netip.Addr, srcMac proto.MacAddr) {
	if in == r.defaultOut || src.IsUnspecified() || src.IsMulticast() {
		return
	}
	if _, ok := r.fib[src]; ok {
		return
	}
	r.logger.Debug("adding fib entry",
		slog.String("addr", src.String()),
		slog.String("mac", srcMac.String()),
		slog.String("iface", in.String()),
	)
	r.fib[src] = fibEntry{mac: srcMac, iface: in}
	r.metrics.FIBSize(len(r.fib))
}

// unicast sends to one installed sink with the per-send timeout.
func (r *Router) unicast(ctx context.Context, out InterfaceID, pkt *packet.Packet) error {
	sink, ok := r.sink(out)
	if !ok {
		r.logger.Warn("dropped packet because interface is not ready",
			slog.String("iface", out.String()),
		)
		r.metrics.FrameDropped(DropNotReady)
		pkt.Discard()
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, SendTimeout)
	err := sink.Send(sctx, pkt)
	cancel()
	switch {
	case err == nil:
		r.metrics.FrameForwarded(out.String())
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		r.logger.Warn("interface has been blocked for 1 sec, dropping packet",
			slog.String("iface", out.String()),
		)
		r.metrics.FrameDropped(DropSendTimeout)
		pkt.Discard()
		return nil
	default:
		return err
	}
}

// broadcast fans the frame out to every installed interface except the
// ingress. The tail is materialized once; every sink gets its own clone.
// Sends run concurrently, each under its own timeout, and every peer
// gets its full attempt even if a sibling fails: the group carries no
// shared context, so one sink's error cannot cancel the others. A
// timed-out peer just misses the frame; a non-timeout error aborts Run
// once all sends have finished.
func (r *Router) broadcast(ctx context.Context, in InterfaceID, pkt *packet.Packet) error {
	defer pkt.Discard()

	sinks := r.sinksExcept(in)
	r.metrics.BroadcastFanout()

	var g errgroup.Group
	for id, sink := range sinks {
		clone, err := pkt.Clone()
		if err != nil {
			return err
		}
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, SendTimeout)
			defer cancel()
			err := sink.Send(sctx, clone)
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				r.logger.Warn("interface has been blocked for 1 sec, dropping packet",
					slog.String("iface", id.String()),
				)
				r.metrics.FrameDropped(DropSendTimeout)
				return nil
			}
			if err == nil {
				r.metrics.FrameForwarded(id.String())
			}
			return err
		})
	}
	return g.Wait()
}
