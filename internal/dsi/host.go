package dsi

import (
	"encoding/binary"
	"fmt"
	"time"

	"dsictl/internal/errcode"
	appLog "dsictl/internal/log"
	"dsictl/internal/regs"
)

// Controller register map.
const (
	regCtrl           = 0x0004
	regStatus         = 0x0008
	regFIFOStatus     = 0x000c
	regVideoModeCtrl  = 0x0010
	regVideoActiveH   = 0x0024
	regVideoActiveV   = 0x0028
	regVideoTotal     = 0x002c
	regVideoHSync     = 0x0030
	regVideoVSync     = 0x0034
	regVideoVSyncVPos = 0x0038
	regCmdDMACtrl     = 0x003c
	regCmdMDPCtrl     = 0x0040
	regDMACmdLength   = 0x004c
	regStream0Ctrl    = 0x0058
	regStream0Total   = 0x005c
	regStream1Ctrl    = 0x0060
	regStream1Total   = 0x0064
	regTrigCtrl       = 0x0084
	regDMATrigger     = 0x0090
	regLaneCtrl       = 0x00ac
	regIntCtrl        = 0x0110
	regSoftReset      = 0x0114
	regClkCtrl        = 0x0118
	regHorizontalIdle = 0x0194
	regCmdFIFO        = 0x0200

	cmdFIFOSize = 0x100
)

// Register bits.
const (
	ctrlEnable    = 1 << 0
	ctrlVideoMode = 1 << 1
	ctrlCmdMode   = 1 << 2
	ctrlLaneShift = 4
	ctrlClkLane   = 1 << 8

	statusCmdBusy   = 1 << 0
	statusDMABusy   = 1 << 3
	statusVideoBusy = 1 << 4

	laneForceClkHS = 1 << 28

	totalPending = 0x8000000
	totalMask    = 0x7ffffff

	clkCtrlAll = 0x23f

	idleEnable = 1 << 12

	intCmdDMADoneMask = 1 << 1
	intErrMask        = 1 << 25
)

// PHY register map.
const (
	phyLaneCfgBase   = 0x0000
	phyLaneStride    = 0x40
	phyLaneCfgRegs   = 9
	phyCtrl0         = 0x0170
	phyStrength0     = 0x0184
	phyStrength1     = 0x0188
	phyBistCtrlBase  = 0x01b4
	phyGlblTestCtrl  = 0x01d4
	phyRegulatorBase = 0x0280

	phyCtrl0Enable = 0x5f
)

// programmer is the register-level half of the controller. It knows the
// register layout; the state machine decides when each step runs.
type programmer struct {
	ctrl  regs.Bus
	phy   regs.Bus
	cfg   *Config
	sleep func(time.Duration)
	log   appLog.Logger
}

func (p *programmer) write(b regs.Bus, off, v uint32) error {
	if err := b.Write32(off, v); err != nil {
		return fmt.Errorf("write 0x%04x: %w", off, err)
	}
	return nil
}

// swReset pulses the controller soft reset with the clocks forced on.
func (p *programmer) swReset() error {
	for _, w := range []struct{ off, v uint32 }{
		{regClkCtrl, clkCtrlAll},
		{regSoftReset, 1},
	} {
		if err := p.write(p.ctrl, w.off, w.v); err != nil {
			return err
		}
	}
	if err := p.ctrl.Barrier(); err != nil {
		return err
	}
	if err := p.write(p.ctrl, regSoftReset, 0); err != nil {
		return err
	}
	return p.ctrl.Barrier()
}

// phyInit loads the board PHY tables and enables the PHY.
func (p *programmer) phyInit() error {
	t := &p.cfg.Phy
	for i, v := range t.Regulator {
		if err := p.write(p.phy, phyRegulatorBase+uint32(i)*4, uint32(v)); err != nil {
			return err
		}
	}
	if err := p.write(p.phy, phyStrength0, uint32(t.Strength[0])); err != nil {
		return err
	}
	if err := p.write(p.phy, phyStrength1, uint32(t.Strength[1])); err != nil {
		return err
	}
	for i, v := range t.LaneCfg {
		lane, reg := uint32(i/phyLaneCfgRegs), uint32(i%phyLaneCfgRegs)
		if err := p.write(p.phy, phyLaneCfgBase+lane*phyLaneStride+reg*4, uint32(v)); err != nil {
			return err
		}
	}
	for i, v := range t.Bist {
		if err := p.write(p.phy, phyBistCtrlBase+uint32(i)*4, uint32(v)); err != nil {
			return err
		}
	}
	if err := p.write(p.phy, phyGlblTestCtrl, 0); err != nil {
		return err
	}
	if err := p.write(p.phy, phyCtrl0, phyCtrl0Enable); err != nil {
		return err
	}
	return p.phy.Barrier()
}

// phyDisable powers the PHY and its regulator down.
func (p *programmer) phyDisable() error {
	if err := p.write(p.phy, phyCtrl0, 0); err != nil {
		return err
	}
	if err := p.write(p.phy, phyRegulatorBase, 0); err != nil {
		return err
	}
	return p.phy.Barrier()
}

// ctrlSetup programs the video timing registers.
func (p *programmer) ctrlSetup(t Timing) error {
	hspw, vspw := uint32(t.HPulseWidth), uint32(t.VPulseWidth)
	hstart := hspw + uint32(t.HBackPorch)
	vstart := vspw + uint32(t.VBackPorch)
	for _, w := range []struct{ off, v uint32 }{
		{regVideoActiveH, (hstart+uint32(t.XRes))<<16 | hstart},
		{regVideoActiveV, (vstart+uint32(t.YRes))<<16 | vstart},
		{regVideoTotal, totalValue(t)},
		{regVideoHSync, hspw << 16},
		{regVideoVSync, 0},
		{regVideoVSyncVPos, vspw << 16},
	} {
		if err := p.write(p.ctrl, w.off, w.v); err != nil {
			return err
		}
	}
	return p.ctrl.Barrier()
}

// hostInit programs lanes, triggers, interrupts and the clock gates, then
// enables the controller in the panel's native mode.
func (p *programmer) hostInit() error {
	lanes := uint32(1)<<uint32(p.cfg.Lanes) - 1
	ctrl := uint32(ctrlEnable|ctrlClkLane) | lanes<<ctrlLaneShift | p.modeBits(p.cfg.Type)
	vc := uint32(p.cfg.VirtualChannel) & 0x3
	for _, w := range []struct{ off, v uint32 }{
		{regClkCtrl, clkCtrlAll},
		{regTrigCtrl, 0x4},
		{regCmdDMACtrl, vc<<8 | 1<<28},
		{regCmdMDPCtrl, uint32(p.cfg.BPP/8) | vc<<8},
		{regVideoModeCtrl, uint32(p.cfg.BPP/8-1) << 4},
		{regIntCtrl, intCmdDMADoneMask | intErrMask},
		{regCtrl, ctrl},
	} {
		if err := p.write(p.ctrl, w.off, w.v); err != nil {
			return err
		}
	}
	return p.ctrl.Barrier()
}

func (p *programmer) modeBits(t PanelType) uint32 {
	if t == CommandPanel {
		return ctrlCmdMode
	}
	return ctrlVideoMode
}

// bringUp is the full OFF→ON register sequence.
func (p *programmer) bringUp(t Timing) error {
	if err := p.swReset(); err != nil {
		return fmt.Errorf("soft reset: %w", err)
	}
	if err := p.phyInit(); err != nil {
		return fmt.Errorf("phy init: %w", err)
	}
	if err := p.ctrlSetup(t); err != nil {
		return fmt.Errorf("ctrl setup: %w", err)
	}
	if err := p.hostInit(); err != nil {
		return fmt.Errorf("host init: %w", err)
	}
	return nil
}

// waitIdle waits for in-flight command and video traffic to drain.
func (p *programmer) waitIdle() error {
	_, err := regs.Poll(p.ctrl, regStatus, statusCmdBusy|statusDMABusy|statusVideoBusy, 0,
		regs.PollOpts{Interval: 100 * time.Microsecond, Timeout: p.cfg.CmdTimeout, Sleep: p.sleep})
	return err
}

// controllerCfg enables or disables the controller once the engines are
// idle. A busy engine is logged and the change applied anyway.
func (p *programmer) controllerCfg(enable bool) error {
	if err := p.waitIdle(); err != nil {
		p.log.Warn("controller busy, forcing state change", "enable", enable, "err", err)
	}
	v := uint32(0)
	if enable {
		v = ctrlEnable
	}
	if err := regs.Update(p.ctrl, regCtrl, ctrlEnable, v); err != nil {
		return fmt.Errorf("ctrl cfg: %w", err)
	}
	return p.ctrl.Barrier()
}

// opModeConfig switches the controller between video and command mode.
func (p *programmer) opModeConfig(t PanelType) error {
	if err := regs.Update(p.ctrl, regCtrl, ctrlVideoMode|ctrlCmdMode, p.modeBits(t)); err != nil {
		return fmt.Errorf("op mode: %w", err)
	}
	return p.ctrl.Barrier()
}

// forceClkLaneHS keeps the clock lane in high speed between frames.
func (p *programmer) forceClkLaneHS() error {
	if err := regs.Update(p.ctrl, regLaneCtrl, laneForceClkHS, laneForceClkHS); err != nil {
		return fmt.Errorf("lane ctrl: %w", err)
	}
	return p.ctrl.Barrier()
}

// send transmits each command through the DMA FIFO and waits for it to
// drain before the next one.
func (p *programmer) send(cmds []Command) error {
	for i, c := range cmds {
		pkt := encodePacket(c, p.cfg.VirtualChannel)
		if len(pkt) > cmdFIFOSize {
			return errcode.New(errcode.InvalidArgument, "send",
				fmt.Sprintf("command %d is %d bytes, fifo holds %d", i, len(pkt), cmdFIFOSize))
		}
		for off := 0; off < len(pkt); off += 4 {
			if err := p.write(p.ctrl, regCmdFIFO+uint32(off), binary.LittleEndian.Uint32(pkt[off:off+4])); err != nil {
				return err
			}
		}
		if err := p.write(p.ctrl, regDMACmdLength, uint32(len(pkt))); err != nil {
			return err
		}
		if err := regs.WriteSync(p.ctrl, regDMATrigger, 1); err != nil {
			return fmt.Errorf("dma trigger: %w", err)
		}
		if _, err := regs.Poll(p.ctrl, regStatus, statusDMABusy, 0,
			regs.PollOpts{Interval: 50 * time.Microsecond, Timeout: p.cfg.CmdTimeout, Sleep: p.sleep}); err != nil {
			return fmt.Errorf("command 0x%02x: %w", c.DataType, err)
		}
		if c.Wait > 0 {
			p.sleep(c.Wait)
		}
	}
	return nil
}

// encodePacket lays out a command as header word plus payload, padded to a
// whole number of words.
func encodePacket(c Command, vc int) []byte {
	di := c.DataType&0x3f | byte(vc&0x3)<<6
	var pkt []byte
	if c.DataType == dtDCSLongWrite || len(c.Payload) > 2 {
		n := len(c.Payload)
		pkt = append([]byte{di, byte(n), byte(n >> 8), 0}, c.Payload...)
	} else {
		hdr := []byte{di, 0, 0, 0}
		copy(hdr[1:3], c.Payload)
		pkt = hdr
	}
	for len(pkt)%4 != 0 {
		pkt = append(pkt, 0xff)
	}
	return pkt
}

// streamSize programs the command-mode stream window for roi and the
// horizontal idle matching its width.
func (p *programmer) streamSize(roi Rect) error {
	ctrl := uint32(roi.W*3+1)<<16 | uint32(p.cfg.VirtualChannel)<<8 | dtDCSLongWrite
	total := uint32(roi.H)<<16 | uint32(roi.W)
	var idle uint32
	for _, r := range p.cfg.HorizontalIdle {
		if roi.W > r.Min && roi.W <= r.Max {
			idle = r.Idle
			break
		}
	}
	if idle != 0 {
		idle |= idleEnable
	}
	for _, w := range []struct{ off, v uint32 }{
		{regStream1Ctrl, ctrl},
		{regStream0Ctrl, ctrl},
		{regStream1Total, total},
		{regStream0Total, total},
		{regHorizontalIdle, idle},
	} {
		if err := p.write(p.ctrl, w.off, w.v); err != nil {
			return err
		}
	}
	return p.ctrl.Barrier()
}

// totalValue is the VIDEO_MODE_TOTAL encoding of t.
func totalValue(t Timing) uint32 {
	return uint32(t.VTotal()-1)<<16 | uint32(t.HTotal()-1)
}
