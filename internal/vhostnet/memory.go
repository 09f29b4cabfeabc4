package vhostnet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Guest memory translation errors.
var (
	ErrBadMemTable = errors.New("malformed memory table")
	ErrBadAddress  = errors.New("address outside guest memory")
)

// memRegion is one frontend-shared memory region, mapped read-write
// into this process.
type memRegion struct {
	gpa  uint64 // guest physical base
	size uint64
	uva  uint64 // frontend (VMM) virtual base, used for ring addresses
	data []byte
}

// GuestMemory is the set of regions from the last SET_MEM_TABLE.
// Descriptor buffer addresses are guest-physical; vring addresses in
// SET_VRING_ADDR are frontend virtual addresses. Both resolve here.
type GuestMemory struct {
	regions []memRegion
}

// newGuestMemory parses a SET_MEM_TABLE payload and maps each region
// from its fd. Payload layout: u32 nregions, u32 padding, then per
// region u64 gpa, u64 size, u64 uva, u64 mmap offset.
func newGuestMemory(payload []byte, fds []int) (*GuestMemory, error) {
	if len(payload) < 8 {
		return nil, ErrBadMemTable
	}
	n := binary.LittleEndian.Uint32(payload[0:4])
	if len(payload) < 8+int(n)*memRegionSize || int(n) > len(fds) {
		return nil, fmt.Errorf("%d regions, %d fds: %w", n, len(fds), ErrBadMemTable)
	}

	m := &GuestMemory{regions: make([]memRegion, 0, n)}
	for i := range int(n) {
		b := payload[8+i*memRegionSize:]
		r := memRegion{
			gpa:  binary.LittleEndian.Uint64(b[0:8]),
			size: binary.LittleEndian.Uint64(b[8:16]),
			uva:  binary.LittleEndian.Uint64(b[16:24]),
		}
		moff := binary.LittleEndian.Uint64(b[24:32])

		data, err := unix.Mmap(fds[i], int64(moff), int(r.size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("mmap region %d: %w", i, err)
		}
		r.data = data
		m.regions = append(m.regions, r)
	}
	return m, nil
}

// FromGPA resolves a guest-physical range to the mapped bytes. The
// range must not straddle regions.
func (m *GuestMemory) FromGPA(addr, size uint64) ([]byte, error) {
	return m.resolve(addr, size, func(r *memRegion) uint64 { return r.gpa })
}

// FromUVA resolves a frontend-virtual range to the mapped bytes.
func (m *GuestMemory) FromUVA(addr, size uint64) ([]byte, error) {
	return m.resolve(addr, size, func(r *memRegion) uint64 { return r.uva })
}

func (m *GuestMemory) resolve(addr, size uint64, base func(*memRegion) uint64) ([]byte, error) {
	if m == nil {
		return nil, ErrBadAddress
	}
	for i := range m.regions {
		r := &m.regions[i]
		b := base(r)
		if addr >= b && addr-b+size <= r.size {
			off := addr - b
			return r.data[off : off+size], nil
		}
	}
	return nil, fmt.Errorf("0x%x+%d: %w", addr, size, ErrBadAddress)
}

// Close unmaps every region. Frames referencing the memory must be
// released first; the device serializes that by draining in-flight
// frames before replacing its table.
func (m *GuestMemory) Close() {
	if m == nil {
		return
	}
	for _, r := range m.regions {
		if r.data != nil {
			unix.Munmap(r.data)
		}
	}
	m.regions = nil
}
