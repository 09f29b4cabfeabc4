package vhostnet

import (
	"encoding/binary"
	"fmt"
)

// Split virtqueue layout (virtio 1.2 Section 2.7). All fields are
// little-endian. The three rings live in guest memory; this backend
// touches them only through the slices resolved at SET_VRING_ADDR time.

const (
	descSize      = 16
	descFNext     = 0x1
	descFWrite    = 0x2
	descFIndirect = 0x4
)

// desc is one decoded descriptor table entry.
type desc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// vring is the backend's view of one split virtqueue.
type vring struct {
	num       uint16
	desc      []byte // num * 16
	avail     []byte // 4 + num*2 (+2 used_event, unused here)
	used      []byte // 4 + num*8 (+2 avail_event, unused here)
	lastAvail uint16
}

// descAt decodes descriptor table entry i.
func (v *vring) descAt(i uint16) desc {
	b := v.desc[int(i)*descSize:]
	return desc{
		addr:  binary.LittleEndian.Uint64(b[0:8]),
		len:   binary.LittleEndian.Uint32(b[8:12]),
		flags: binary.LittleEndian.Uint16(b[12:14]),
		next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

// availIdx reads the frontend's producer index.
func (v *vring) availIdx() uint16 {
	return binary.LittleEndian.Uint16(v.avail[2:4])
}

// pop takes the next available descriptor chain head, if any.
func (v *vring) pop() (uint16, bool) {
	if v.lastAvail == v.availIdx() {
		return 0, false
	}
	slot := int(v.lastAvail % v.num)
	head := binary.LittleEndian.Uint16(v.avail[4+slot*2:])
	v.lastAvail++
	return head, true
}

// chain walks the descriptor chain starting at head and resolves every
// buffer through mem. Chains longer than the queue size indicate a
// loop and fail.
func (v *vring) chain(head uint16, mem *GuestMemory) ([]desc, [][]byte, error) {
	var (
		descs []desc
		bufs  [][]byte
	)
	i := head
	for {
		if len(descs) >= int(v.num) {
			return nil, nil, ErrDescChainLoop
		}
		if i >= v.num {
			return nil, nil, fmt.Errorf("descriptor %d: %w", i, ErrBadQueueIndex)
		}
		d := v.descAt(i)
		if d.flags&descFIndirect != 0 {
			return nil, nil, ErrIndirectDesc
		}
		buf, err := mem.FromGPA(d.addr, uint64(d.len))
		if err != nil {
			return nil, nil, err
		}
		descs = append(descs, d)
		bufs = append(bufs, buf)
		if d.flags&descFNext == 0 {
			return descs, bufs, nil
		}
		i = d.next
	}
}

// pushUsed publishes a completed chain: write the used element, then
// advance the used index so the frontend observes the element first.
func (v *vring) pushUsed(head uint16, written uint32) {
	idx := binary.LittleEndian.Uint16(v.used[2:4])
	slot := int(idx % v.num)
	elem := v.used[4+slot*8:]
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	binary.LittleEndian.PutUint16(v.used[2:4], idx+1)
}
