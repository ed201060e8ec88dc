package dsi

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"

	"dsictl/internal/clk"
	"dsictl/internal/pinctrl"
	"dsictl/internal/power"
	"dsictl/internal/regs/regstest"
)

var errRefused = errors.New("refused")

// journal is the ordered record of every hardware side effect in a test.
type journal struct {
	mu sync.Mutex
	ev []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.ev = append(j.ev, s)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.ev...)
}

func (j *journal) clear() {
	j.mu.Lock()
	j.ev = nil
	j.mu.Unlock()
}

// with returns the entries carrying prefix.
func (j *journal) with(prefix string) []string {
	var out []string
	for _, e := range j.list() {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

type testRail struct {
	name    string
	j       *journal
	failOn  bool
	failOff bool
}

func (r *testRail) String() string { return r.name }

func (r *testRail) Enable() error {
	if r.failOn {
		return errRefused
	}
	r.j.add("+" + r.name)
	return nil
}

func (r *testRail) Disable() error {
	if r.failOff {
		return errRefused
	}
	r.j.add("-" + r.name)
	return nil
}

type testClock struct {
	name string
	j    *journal
	rate physic.Frequency
	// failEnable makes Enable fail once the clock runs at this rate.
	failEnable physic.Frequency
}

func (c *testClock) Name() string { return c.name }
func (c *testClock) Enable() error {
	if c.failEnable != 0 && c.rate == c.failEnable {
		return errRefused
	}
	c.j.add("+clk:" + c.name)
	return nil
}
func (c *testClock) Disable() error {
	c.j.add("-clk:" + c.name)
	return nil
}
func (c *testClock) SetRate(f physic.Frequency) error { c.rate = f; return nil }

// testPin journals every level driven on it.
type testPin struct {
	*gpiotest.Pin
	j       *journal
	failLow bool
}

func (p *testPin) Out(l gpio.Level) error {
	if p.failLow && l == gpio.Low {
		return errRefused
	}
	p.j.add(fmt.Sprintf("%s=%s", p.N, l))
	return p.Pin.Out(l)
}

// hookPanel implements every optional panel capability.
type hookPanel struct {
	j     *journal
	lpErr error
	onErr error
}

func (p *hookPanel) Name() string { return "hook" }

func (p *hookPanel) On(tx Transmitter) error {
	if p.onErr != nil {
		return p.onErr
	}
	p.j.add("panel:on")
	return tx.Send(
		Command{DataType: dtDCSShortWrite0, Payload: []byte{0x11}, Wait: 120 * time.Millisecond},
		Command{DataType: dtDCSShortWrite0, Payload: []byte{0x29}},
	)
}

func (p *hookPanel) Off(tx Transmitter) error {
	p.j.add("panel:off")
	return tx.Send(
		Command{DataType: dtDCSShortWrite0, Payload: []byte{0x28}},
		Command{DataType: dtDCSShortWrite0, Payload: []byte{0x10}},
	)
}

func (p *hookPanel) LowPowerConfig(tx Transmitter, enter bool) error {
	if p.lpErr != nil {
		return p.lpErr
	}
	p.j.add(fmt.Sprintf("panel:lp=%t", enter))
	return nil
}

func (p *hookPanel) SetHBM(tx Transmitter, on bool) error {
	p.j.add(fmt.Sprintf("panel:hbm=%t", on))
	return nil
}

func (p *hookPanel) SetColumnPageAddress(tx Transmitter, roi Rect) error {
	p.j.add(fmt.Sprintf("panel:roi=%dx%d+%d+%d", roi.W, roi.H, roi.X, roi.Y))
	return nil
}

// barePanel implements no optional capability.
type barePanel struct{}

func (barePanel) Name() string { return "bare" }

// testConfig is a 720x1280 video panel at 60 fps: htotal 860, vtotal 1324.
func testConfig() Config {
	return Config{
		Name:  "test",
		Type:  VideoPanel,
		Lanes: 4,
		BPP:   24,
		Timing: Timing{
			XRes: 720, YRes: 1280,
			HBackPorch: 60, HFrontPorch: 60, HPulseWidth: 20,
			VBackPorch: 20, VFrontPorch: 20, VPulseWidth: 4,
		},
		FrameRate:  60,
		OnLink:     LinkLP,
		OffLink:    LinkLP,
		DynamicFPS: true,
		DFPSMode:   DFPSImmediatePorch,
	}
}

type rig struct {
	j      *journal
	regs   *regstest.File
	rails  map[string]*testRail
	clocks map[string]*testClock
	seq    *power.Sequencer
	group  *clk.Group
	te     *gpiotest.Pin
	panel  *hookPanel
	c      *Controller

	// attached is the journal of Attach itself.
	attached []string
}

type rigOpts struct {
	cfg  func(*Config)
	pins func(*pinctrl.Config, *journal)
	bare bool
	te   bool
}

func newRig(t *testing.T, o rigOpts) *rig {
	t.Helper()
	r := &rig{
		j:      &journal{},
		regs:   regstest.New(),
		rails:  map[string]*testRail{},
		clocks: map[string]*testClock{},
	}
	mk := func(names ...string) []power.Rail {
		var out []power.Rail
		for _, n := range names {
			tr := &testRail{name: n, j: r.j}
			r.rails[n] = tr
			out = append(out, power.Rail{Name: n, Reg: tr})
		}
		return out
	}
	nop := func(time.Duration) {}
	seq, err := power.NewSequencer(map[power.Domain][]power.Rail{
		power.DomainCore:  mk("vdda"),
		power.DomainIOVDD: mk("vddio"),
		power.DomainPanel: mk("vsp", "vsn", "lab"),
	}, nop)
	if err != nil {
		t.Fatal(err)
	}
	r.seq = seq

	var clocks []clk.Clock
	for _, n := range []string{"iface", ClockByte, ClockPixel} {
		tc := &testClock{name: n, j: r.j}
		r.clocks[n] = tc
		clocks = append(clocks, tc)
	}
	r.group = clk.NewGroup(clocks...)

	pc := pinctrl.Config{
		Reset: &testPin{Pin: &gpiotest.Pin{N: "RST", Num: 23}, j: r.j},
		ResetSequence: []pinctrl.Step{
			{Level: gpio.High}, {Level: gpio.Low}, {Level: gpio.High},
		},
		Sleep: nop,
	}
	if o.te {
		r.te = &gpiotest.Pin{N: "TE", Num: 24}
		pc.TE = r.te
	}

	if o.pins != nil {
		o.pins(&pc, r.j)
	}

	cfg := testConfig()
	if o.cfg != nil {
		o.cfg(&cfg)
	}
	var p Panel = barePanel{}
	if !o.bare {
		r.panel = &hookPanel{j: r.j}
		p = r.panel
	}
	r.c, err = Attach(cfg, Hardware{
		Ctrl:   r.regs,
		Power:  seq,
		Pins:   pinctrl.New(pc),
		Clocks: r.group,
		Sleep:  nop,
	}, p)
	if err != nil {
		t.Fatal(err)
	}
	r.attached = r.j.list()
	r.j.clear()
	r.regs.Reset()
	return r
}

// on brings the controller to ON and clears the records.
func (r *rig) on(t *testing.T) {
	t.Helper()
	if err := r.c.RequestPowerState(PowerOn); err != nil {
		t.Fatal(err)
	}
	r.j.clear()
	r.regs.Reset()
}

// railsOn lists the rails currently enabled according to the journal.
func (r *rig) railsOn() []string {
	on := map[string]bool{}
	var order []string
	for _, e := range r.j.list() {
		if strings.HasPrefix(e, "+") && !strings.HasPrefix(e, "+clk:") {
			n := e[1:]
			if !on[n] {
				order = append(order, n)
			}
			on[n] = true
		} else if strings.HasPrefix(e, "-") && !strings.HasPrefix(e, "-clk:") {
			on[e[1:]] = false
		}
	}
	var out []string
	for _, n := range order {
		if on[n] {
			out = append(out, n)
		}
	}
	return out
}
