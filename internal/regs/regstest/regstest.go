// Package regstest is meant to be used to test code using a fake register
// window.
package regstest

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInjected is returned by accesses that hit a configured fault.
var ErrInjected = errors.New("regstest: injected fault")

// Access is one recorded register access.
type Access struct {
	Write bool
	Off   uint32
	V     uint32
}

func (a Access) String() string {
	op := "R"
	if a.Write {
		op = "W"
	}
	return fmt.Sprintf("%s 0x%04x=0x%08x", op, a.Off, a.V)
}

// File implements regs.Bus over a map.
//
// Modify its members to simulate hardware behavior. Grab the Mutex first.
type File struct {
	sync.Mutex
	Regs map[uint32]uint32
	Log  []Access
	// FailWrite makes every write to these offsets fail.
	FailWrite map[uint32]bool
	// OnWrite lets a test emulate self-clearing bits and similar side effects.
	// It is called with the lock held and may modify Regs.
	OnWrite  func(off, v uint32)
	Barriers int
}

// New returns an empty File.
func New() *File {
	return &File{Regs: map[uint32]uint32{}, FailWrite: map[uint32]bool{}}
}

// Read32 implements regs.Bus.
func (f *File) Read32(off uint32) (uint32, error) {
	f.Lock()
	defer f.Unlock()
	v := f.Regs[off]
	f.Log = append(f.Log, Access{Off: off, V: v})
	return v, nil
}

// Write32 implements regs.Bus.
func (f *File) Write32(off uint32, v uint32) error {
	f.Lock()
	defer f.Unlock()
	if f.FailWrite[off] {
		return ErrInjected
	}
	f.Regs[off] = v
	f.Log = append(f.Log, Access{Write: true, Off: off, V: v})
	if f.OnWrite != nil {
		f.OnWrite(off, v)
	}
	return nil
}

// Barrier implements regs.Bus.
func (f *File) Barrier() error {
	f.Lock()
	f.Barriers++
	f.Unlock()
	return nil
}

// Writes returns the values written to off, in order.
func (f *File) Writes(off uint32) []uint32 {
	f.Lock()
	defer f.Unlock()
	var out []uint32
	for _, a := range f.Log {
		if a.Write && a.Off == off {
			out = append(out, a.V)
		}
	}
	return out
}

// WriteCount returns the number of successful writes recorded.
func (f *File) WriteCount() int {
	f.Lock()
	defer f.Unlock()
	n := 0
	for _, a := range f.Log {
		if a.Write {
			n++
		}
	}
	return n
}

// Reset clears the access log but keeps register contents.
func (f *File) Reset() {
	f.Lock()
	f.Log = nil
	f.Barriers = 0
	f.Unlock()
}
