package regs

import (
	"encoding/binary"
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/mmr"

	"dsictl/internal/errcode"
)

// Bridge is a Bus for DSI bridge chips that expose their controller over a
// 16-bit addressed register map on I2C or SPI.
type Bridge struct {
	dev mmr.Dev16
}

// NewBridge wraps c. Registers are little-endian on every bridge we support.
func NewBridge(c conn.Conn) *Bridge {
	return &Bridge{dev: mmr.Dev16{Conn: c, Order: binary.LittleEndian}}
}

func (b *Bridge) reg(off uint32) (uint16, error) {
	if off > 0xffff {
		return 0, errcode.New(errcode.InvalidArgument, "bridge", fmt.Sprintf("offset 0x%x exceeds 16-bit map", off))
	}
	return uint16(off), nil
}

// Read32 implements Bus.
func (b *Bridge) Read32(off uint32) (uint32, error) {
	r, err := b.reg(off)
	if err != nil {
		return 0, err
	}
	v, err := b.dev.ReadUint32(r)
	if err != nil {
		return 0, errcode.Wrap(errcode.HardwareTimeout, fmt.Sprintf("bridge read 0x%04x", r), err)
	}
	return v, nil
}

// Write32 implements Bus.
func (b *Bridge) Write32(off uint32, v uint32) error {
	r, err := b.reg(off)
	if err != nil {
		return err
	}
	if err := b.dev.WriteUint32(r, v); err != nil {
		return errcode.Wrap(errcode.HardwareTimeout, fmt.Sprintf("bridge write 0x%04x", r), err)
	}
	return nil
}

// Barrier implements Bus. Bus transactions complete before Tx returns, so
// there is nothing left in flight.
func (b *Bridge) Barrier() error { return nil }
