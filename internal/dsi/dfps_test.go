package dsi

import (
	"errors"
	"reflect"
	"testing"

	"periph.io/x/conn/v3/physic"

	"dsictl/internal/errcode"
)

func TestUpdateFPSSameRate(t *testing.T) {
	r := newRig(t, rigOpts{})
	r.on(t)
	if err := r.c.Handle(UpdateFPS{FPS: 60}); err != nil {
		t.Fatal(err)
	}
	if n := r.regs.WriteCount(); n != 0 {
		t.Fatalf("%d register writes", n)
	}
	if err := r.c.Handle(UpdateFPS{}); err != nil || len(r.regs.Log) != 0 {
		t.Fatalf("zero fps: err=%v log=%v", err, r.regs.Log)
	}
}

func TestUpdateFPSDisabled(t *testing.T) {
	r := newRig(t, rigOpts{cfg: func(c *Config) { c.DynamicFPS = false }})
	r.on(t)
	err := r.c.Handle(UpdateFPS{FPS: 50})
	if !errors.Is(err, errcode.UnsupportedConfiguration) {
		t.Fatalf("got %v", err)
	}
	if r.c.FrameRate() != 60 {
		t.Fatalf("frame rate %d", r.c.FrameRate())
	}
	if r.regs.WriteCount() != 0 {
		t.Fatal("registers written")
	}
}

func TestPorchUpdateThreeWrites(t *testing.T) {
	r := newRig(t, rigOpts{})
	r.on(t)
	v0 := uint32(1323<<16 | 859)
	if r.regs.Regs[regVideoTotal] != v0 {
		t.Fatalf("total 0x%08x", r.regs.Regs[regVideoTotal])
	}
	if err := r.c.Handle(UpdateFPS{FPS: 50}); err != nil {
		t.Fatal(err)
	}
	// 68318400 Hz / (860 * 50) = 1588 lines.
	v1 := uint32(1587<<16 | 859)
	want := []uint32{v0 | totalPending, v1 | totalPending, v1}
	if got := r.regs.Writes(regVideoTotal); !reflect.DeepEqual(got, want) {
		t.Fatalf("writes %x, want %x", got, want)
	}
	if r.regs.WriteCount() != 3 {
		t.Fatalf("%d writes", r.regs.WriteCount())
	}
	st := r.c.Status()
	if st.FrameRate != 50 || st.VTotal != 1588 {
		t.Fatalf("status %+v", st)
	}
	if r.clocks[ClockPixel].rate != 68318400*physic.Hertz {
		t.Fatal("porch mode must not touch the pixel clock")
	}
}

func TestPorchUpdateTwoWrites(t *testing.T) {
	r := newRig(t, rigOpts{cfg: func(c *Config) { c.Timing.YRes = 2400 }})
	r.on(t)
	// vtotal 2444 at 60 fps, 2932 at 50: both totals carry bit 27.
	v0 := uint32(2443<<16 | 859)
	if err := r.c.Handle(UpdateFPS{FPS: 50}); err != nil {
		t.Fatal(err)
	}
	v1 := uint32(2931<<16 | 859)
	if v1&totalPending == 0 {
		t.Fatal("test total should carry the pending bit")
	}
	want := []uint32{v0 | totalPending, v1}
	if got := r.regs.Writes(regVideoTotal); !reflect.DeepEqual(got, want) {
		t.Fatalf("writes %x, want %x", got, want)
	}
}

func TestPorchUpdateRejectsShortFrame(t *testing.T) {
	r := newRig(t, rigOpts{})
	r.on(t)
	if err := r.c.Handle(UpdateFPS{FPS: 120}); !errors.Is(err, errcode.UnsupportedConfiguration) {
		t.Fatalf("got %v", err)
	}
	if r.c.FrameRate() != 60 || r.regs.WriteCount() != 0 {
		t.Fatal("failed update changed state")
	}
}

func TestPorchUpdateWhileOff(t *testing.T) {
	r := newRig(t, rigOpts{})
	if err := r.c.Handle(UpdateFPS{FPS: 50}); err != nil {
		t.Fatal(err)
	}
	if r.regs.WriteCount() != 0 {
		t.Fatal("registers written with clocks off")
	}
	if err := r.c.RequestPowerState(PowerOn); err != nil {
		t.Fatal(err)
	}
	if got, want := r.regs.Regs[regVideoTotal], uint32(1587<<16|859); got != want {
		t.Fatalf("total 0x%08x, want 0x%08x", got, want)
	}
}

func TestClockUpdateImmediate(t *testing.T) {
	r := newRig(t, rigOpts{cfg: func(c *Config) { c.DFPSMode = DFPSImmediateClk }})
	r.on(t)
	if err := r.c.Handle(UpdateFPS{FPS: 50}); err != nil {
		t.Fatal(err)
	}
	want := []string{"-clk:pixel", "-clk:byte", "-clk:iface", "+clk:iface", "+clk:byte", "+clk:pixel"}
	if got := r.j.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("journal %v", got)
	}
	ctrl := r.regs.Writes(regCtrl)
	if len(ctrl) < 2 || ctrl[0]&ctrlVideoMode != 0 || ctrl[len(ctrl)-1]&ctrlVideoMode == 0 {
		t.Fatalf("video engine not paused around the clock cycle: %x", ctrl)
	}
	if got := r.clocks[ClockPixel].rate; got != 860*1324*50*physic.Hertz {
		t.Fatalf("pixel clock %s", got)
	}
	if r.c.FrameRate() != 50 {
		t.Fatalf("frame rate %d", r.c.FrameRate())
	}
}

func TestClockUpdateSuspendResume(t *testing.T) {
	r := newRig(t, rigOpts{cfg: func(c *Config) { c.DFPSMode = DFPSSuspendResume }})
	r.on(t)
	if err := r.c.Handle(UpdateFPS{FPS: 30}); err != nil {
		t.Fatal(err)
	}
	if len(r.j.list()) != 0 || r.regs.WriteCount() != 0 {
		t.Fatal("suspend/resume mode must only reprogram rates")
	}
	if got := r.clocks[ClockByte].rate; got != 860*1324*30*3*physic.Hertz/4 {
		t.Fatalf("byte clock %s", got)
	}
}

func TestClockUpdateUnsupportedRate(t *testing.T) {
	r := newRig(t, rigOpts{cfg: func(c *Config) { c.DFPSMode = DFPSImmediateClk }})
	r.on(t)
	if err := r.c.Handle(UpdateFPS{FPS: 5}); !errors.Is(err, errcode.UnsupportedConfiguration) {
		t.Fatalf("got %v", err)
	}
	if r.c.FrameRate() != 60 || len(r.j.list()) != 0 {
		t.Fatal("failed update changed state")
	}
	if r.clocks[ClockPixel].rate != 68318400*physic.Hertz {
		t.Fatal("pixel clock changed")
	}
}

func TestClockUpdateRestartFailureKeepsRate(t *testing.T) {
	r := newRig(t, rigOpts{cfg: func(c *Config) { c.DFPSMode = DFPSImmediateClk }})
	r.clocks[ClockByte].failEnable = 860 * 1324 * 50 * 3 * physic.Hertz / 4
	r.on(t)
	if err := r.c.Handle(UpdateFPS{FPS: 50}); !errors.Is(err, errRefused) {
		t.Fatalf("got %v", err)
	}
	want := []string{
		"-clk:pixel", "-clk:byte", "-clk:iface",
		"+clk:iface", "-clk:iface",
		"+clk:iface", "+clk:byte", "+clk:pixel",
	}
	if got := r.j.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("journal\n got %v\nwant %v", got, want)
	}
	if r.c.FrameRate() != 60 {
		t.Fatalf("frame rate %d", r.c.FrameRate())
	}
	if r.clocks[ClockPixel].rate != 68318400*physic.Hertz {
		t.Fatalf("pixel clock %s", r.clocks[ClockPixel].rate)
	}
	if st := r.c.Status(); st.ClockRefs != 1 || !st.ClocksOn {
		t.Fatalf("clocks %+v", st)
	}
	ctrl := r.regs.Writes(regCtrl)
	if len(ctrl) == 0 || ctrl[len(ctrl)-1]&ctrlVideoMode == 0 {
		t.Fatalf("video engine left paused: %x", ctrl)
	}
}

func TestClockUpdateRestartFailureDropsClocks(t *testing.T) {
	r := newRig(t, rigOpts{cfg: func(c *Config) { c.DFPSMode = DFPSImmediateClk }})
	r.clocks[ClockByte].failEnable = 860 * 1324 * 50 * 3 * physic.Hertz / 4
	r.on(t)
	r.clocks[ClockPixel].failEnable = 68318400 * physic.Hertz
	if err := r.c.Handle(UpdateFPS{FPS: 50}); !errors.Is(err, errRefused) {
		t.Fatalf("got %v", err)
	}
	if r.c.FrameRate() != 60 {
		t.Fatalf("frame rate %d", r.c.FrameRate())
	}
	if st := r.c.Status(); st.ClockRefs != 0 || st.ClocksOn {
		t.Fatalf("clocks %+v", st)
	}
	if got := r.j.list(); got[len(got)-1] != "-vdda" {
		t.Fatalf("core rail left on: %v", got)
	}
}

func TestComputeClocks(t *testing.T) {
	cfg := testConfig()
	p, err := computeClocks(&cfg, cfg.Timing, 60)
	if err != nil {
		t.Fatal(err)
	}
	if p.PixelClock != 68318400*physic.Hertz || p.LaneRate != 409910400*physic.Hertz || p.PostDiv != 1 {
		t.Fatalf("%+v", p)
	}
	p, err = computeClocks(&cfg, cfg.Timing, 30)
	if err != nil {
		t.Fatal(err)
	}
	if p.PostDiv != 2 || p.VCO != 409910400*physic.Hertz {
		t.Fatalf("%+v", p)
	}
	if _, err := computeClocks(&cfg, cfg.Timing, 0); !errors.Is(err, errcode.InvalidArgument) {
		t.Fatalf("got %v", err)
	}
	if _, err := computeClocks(&cfg, cfg.Timing, 240); !errors.Is(err, errcode.UnsupportedConfiguration) {
		t.Fatalf("got %v", err)
	}
}
