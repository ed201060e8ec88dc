package dsi

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"dsictl/internal/errcode"
	appLog "dsictl/internal/log"
	"dsictl/internal/regs/regstest"
)

func TestEncodePacket(t *testing.T) {
	data := []struct {
		c    Command
		vc   int
		want []byte
	}{
		{Command{DataType: dtDCSShortWrite0, Payload: []byte{0x29}}, 0, []byte{0x05, 0x29, 0x00, 0x00}},
		{Command{DataType: dtDCSShortWrite1, Payload: []byte{0x35, 0x00}}, 0, []byte{0x15, 0x35, 0x00, 0x00}},
		{Command{DataType: dtDCSLongWrite, Payload: []byte{0x2a, 0x00, 0x00, 0x02, 0xcf}}, 1,
			[]byte{0x79, 0x05, 0x00, 0x00, 0x2a, 0x00, 0x00, 0x02, 0xcf, 0xff, 0xff, 0xff}},
	}
	for i, line := range data {
		if got := encodePacket(line.c, line.vc); !bytes.Equal(got, line.want) {
			t.Errorf("#%d: got % x, want % x", i, got, line.want)
		}
	}
}

func newProgrammer(f *regstest.File) *programmer {
	cfg := testConfig()
	cfg.CmdTimeout = time.Millisecond
	return &programmer{ctrl: f, phy: f, cfg: &cfg, sleep: func(time.Duration) {}, log: appLog.With("component", "test")}
}

func TestSendRejectsOversizedCommand(t *testing.T) {
	f := regstest.New()
	p := newProgrammer(f)
	err := p.send([]Command{{DataType: dtDCSLongWrite, Payload: make([]byte, cmdFIFOSize)}})
	if !errors.Is(err, errcode.InvalidArgument) {
		t.Fatalf("got %v", err)
	}
	if f.WriteCount() != 0 {
		t.Fatal("oversized command reached the fifo")
	}
}

func TestSendTimesOut(t *testing.T) {
	f := regstest.New()
	f.OnWrite = func(off, v uint32) {
		if off == regDMATrigger {
			f.Regs[regStatus] |= statusDMABusy
		}
	}
	p := newProgrammer(f)
	err := p.send([]Command{{DataType: dtDCSShortWrite0, Payload: []byte{0x29}}})
	if !errors.Is(err, errcode.HardwareTimeout) {
		t.Fatalf("got %v", err)
	}
}

func TestSendWaits(t *testing.T) {
	f := regstest.New()
	p := newProgrammer(f)
	var slept []time.Duration
	p.sleep = func(d time.Duration) { slept = append(slept, d) }
	if err := p.send([]Command{{DataType: dtDCSShortWrite0, Payload: []byte{0x11}, Wait: 120 * time.Millisecond}}); err != nil {
		t.Fatal(err)
	}
	if len(slept) != 1 || slept[0] != 120*time.Millisecond {
		t.Fatalf("slept %v", slept)
	}
	if f.Barriers == 0 {
		t.Fatal("trigger not followed by a barrier")
	}
}

func TestControllerCfgForcesThroughBusyEngine(t *testing.T) {
	f := regstest.New()
	f.Regs[regStatus] = statusVideoBusy
	f.Regs[regCtrl] = ctrlEnable | ctrlVideoMode
	p := newProgrammer(f)
	if err := p.controllerCfg(false); err != nil {
		t.Fatal(err)
	}
	if f.Regs[regCtrl] != ctrlVideoMode {
		t.Fatalf("ctrl 0x%x", f.Regs[regCtrl])
	}
}

func TestPhyInitLoadsTables(t *testing.T) {
	f := regstest.New()
	p := newProgrammer(f)
	p.cfg.Phy.Strength = [2]byte{0xff, 0x06}
	p.cfg.Phy.LaneCfg[9] = 0xaa
	if err := p.phyInit(); err != nil {
		t.Fatal(err)
	}
	if f.Regs[phyStrength0] != 0xff || f.Regs[phyStrength1] != 0x06 {
		t.Fatal("strength not written")
	}
	// Lane 1, register 0.
	if f.Regs[phyLaneCfgBase+phyLaneStride] != 0xaa {
		t.Fatal("lane config not written")
	}
	if f.Regs[phyCtrl0] != phyCtrl0Enable {
		t.Fatal("phy not enabled")
	}
}
