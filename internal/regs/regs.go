// Package regs is the register-access layer used by the DSI programmer.
//
// The state machine never touches memory directly: it talks to a Bus, which
// is backed either by a physically mapped register block (pmem) or by a
// bridge chip exposing 16-bit addressed registers over I2C (mmr). Tests use
// regstest.File.
package regs

import (
	"fmt"
	"time"

	"dsictl/internal/errcode"
)

// Bus is a 32-bit register window addressed by byte offset.
//
// Write32 must not be reordered with respect to later accesses on the same
// Bus. Barrier guarantees every prior write has reached the device before
// it returns.
type Bus interface {
	Read32(off uint32) (uint32, error)
	Write32(off uint32, v uint32) error
	Barrier() error
}

// Update does a read-modify-write: the bits in mask are replaced by val.
func Update(b Bus, off, mask, val uint32) error {
	cur, err := b.Read32(off)
	if err != nil {
		return err
	}
	return b.Write32(off, (cur&^mask)|(val&mask))
}

// WriteSync writes v and issues a barrier.
func WriteSync(b Bus, off, v uint32) error {
	if err := b.Write32(off, v); err != nil {
		return err
	}
	return b.Barrier()
}

// PollOpts bounds a register poll.
type PollOpts struct {
	Interval time.Duration
	Timeout  time.Duration
	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Poll reads off until (value & mask) == want or the timeout elapses. The
// number of reads is bounded by Timeout/Interval, never unbounded.
func Poll(b Bus, off, mask, want uint32, o PollOpts) (uint32, error) {
	if o.Interval <= 0 {
		o.Interval = 100 * time.Microsecond
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	tries := int(o.Timeout/o.Interval) + 1
	var v uint32
	for i := 0; i < tries; i++ {
		var err error
		if v, err = b.Read32(off); err != nil {
			return v, err
		}
		if v&mask == want {
			return v, nil
		}
		o.Sleep(o.Interval)
	}
	return v, errcode.New(errcode.HardwareTimeout, "poll",
		fmt.Sprintf("reg 0x%04x=0x%08x mask 0x%08x want 0x%08x after %s", off, v, mask, want, o.Timeout))
}
