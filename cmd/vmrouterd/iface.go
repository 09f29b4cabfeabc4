package main

import (
	"context"

	"github.com/spectrum-virt/hosttools/internal/packet"
	"github.com/spectrum-virt/hosttools/internal/vhostnet"
)

// deviceStream adapts a vhost-user-net device's transmit queue to the
// router's stream capability. App-side frames are plain Ethernet, so
// no VLAN decapsulation is requested.
type deviceStream struct {
	dev *vhostnet.Device
}

func (s deviceStream) Next(ctx context.Context) (*packet.Packet, error) {
	fr, err := s.dev.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	return packet.NewIncoming(fr, false), nil
}

// deviceSink adapts the device's receive queue to the router's sink
// capability. Frames are re-serialized untagged; a frame too mangled
// to serialize is dropped rather than treated as a peer failure.
type deviceSink struct {
	dev *vhostnet.Device
}

func (s deviceSink) Send(ctx context.Context, p *packet.Packet) error {
	out, err := p.Out(nil)
	if err != nil {
		p.Discard()
		return nil
	}
	defer out.Close()
	return s.dev.WriteFrame(ctx, out)
}
