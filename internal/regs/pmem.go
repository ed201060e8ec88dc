package regs

import (
	"fmt"
	"sync/atomic"

	"periph.io/x/host/v3/pmem"

	"dsictl/internal/errcode"
)

// Mem is a Bus over a physically mapped register block.
type Mem struct {
	view  *pmem.View
	words []uint32
	base  uint64
}

// MapMem maps size bytes of physical memory at base. It needs /dev/mem
// access, so it usually only works as root.
func MapMem(base uint64, size int) (*Mem, error) {
	if size <= 0 || size%4 != 0 {
		return nil, errcode.New(errcode.InvalidArgument, "regs map", fmt.Sprintf("bad window size %d", size))
	}
	v, err := pmem.Map(base, size)
	if err != nil {
		return nil, errcode.Wrap(errcode.ResourceUnavailable, fmt.Sprintf("regs map 0x%x", base), err)
	}
	return &Mem{view: v, words: v.Uint32(), base: base}, nil
}

func (m *Mem) word(off uint32) (*uint32, error) {
	if off%4 != 0 || int(off/4) >= len(m.words) {
		return nil, errcode.New(errcode.InvalidArgument, "regs", fmt.Sprintf("offset 0x%x out of window 0x%x", off, m.base))
	}
	return &m.words[off/4], nil
}

// Read32 implements Bus.
func (m *Mem) Read32(off uint32) (uint32, error) {
	w, err := m.word(off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(w), nil
}

// Write32 implements Bus. The atomic store keeps the compiler from merging
// or reordering register writes.
func (m *Mem) Write32(off uint32, v uint32) error {
	w, err := m.word(off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(w, v)
	return nil
}

// Barrier implements Bus by reading back the first word of the window,
// which flushes posted writes on the interconnect.
func (m *Mem) Barrier() error {
	if len(m.words) > 0 {
		_ = atomic.LoadUint32(&m.words[0])
	}
	return nil
}

// Close unmaps the window.
func (m *Mem) Close() error {
	m.words = nil
	return m.view.Close()
}
