// Package board turns the configuration into the hardware bundle the
// controller drives: register buses, rails, pins, clocks and the panel
// driver.
package board

import (
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"dsictl/internal/clk"
	"dsictl/internal/config"
	"dsictl/internal/dsi"
	appLog "dsictl/internal/log"
	"dsictl/internal/panel"
	"dsictl/internal/pinctrl"
	"dsictl/internal/power"
	"dsictl/internal/regs"
	"dsictl/internal/regs/regstest"
)

// PinLookup resolves a pin name. It returns nil for unknown names.
type PinLookup func(name string) gpio.PinIO

// Board is everything dsi.Attach needs, plus what must be released on exit.
type Board struct {
	Config   dsi.Config
	Hardware dsi.Hardware
	Panel    dsi.Panel

	closers []func() error
}

// Open builds the board described by cfg. On the "sim" backend no host
// drivers are loaded: registers live in memory and pins are fakes.
func Open(cfg *config.Config) (*Board, error) {
	lookup := gpioreg.ByName
	if cfg.Registers.Backend == "sim" {
		lookup = simPins()
	} else {
		if runtime.GOOS != "linux" {
			return nil, errors.New("board: hardware backends need linux")
		}
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("board: host init: %w", err)
		}
	}
	return build(cfg, lookup, nil)
}

func simPins() PinLookup {
	pins := map[string]*gpiotest.Pin{}
	return func(name string) gpio.PinIO {
		p, ok := pins[name]
		if !ok {
			p = &gpiotest.Pin{N: name, Num: len(pins)}
			pins[name] = p
		}
		return p
	}
}

// build does the work of Open with an explicit pin lookup and sleep, so
// tests can run it against fake pins.
func build(cfg *config.Config, lookup PinLookup, sleep func(time.Duration)) (*Board, error) {
	if sleep == nil {
		sleep = time.Sleep
	}
	b := &Board{}
	if err := b.assemble(cfg, lookup, sleep); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Board) assemble(cfg *config.Config, lookup PinLookup, sleep func(time.Duration)) error {
	var err error
	if b.Config, err = DSIConfig(cfg.Panel); err != nil {
		return err
	}
	if b.Panel, err = PanelDriver(cfg.Panel); err != nil {
		return err
	}
	if err = b.openRegisters(cfg.Registers); err != nil {
		return err
	}

	domains := map[power.Domain][]power.Rail{}
	for d, rails := range map[power.Domain][]config.RailConfig{
		power.DomainCore:  cfg.Power.Core,
		power.DomainIOVDD: cfg.Power.IOVDD,
		power.DomainPanel: cfg.Power.Panel,
	} {
		for _, rc := range rails {
			r, err := rail(rc, lookup)
			if err != nil {
				return fmt.Errorf("power.%s: %w", d, err)
			}
			domains[d] = append(domains[d], r)
		}
	}
	seq, err := power.NewSequencer(domains, sleep)
	if err != nil {
		return err
	}

	pins, err := pinConfig(cfg.GPIO, lookup)
	if err != nil {
		return err
	}
	pins.Sleep = sleep

	clocks := make([]clk.Clock, 0, len(cfg.Clocks))
	for _, cc := range cfg.Clocks {
		rate := physic.Frequency(cc.RateHz) * physic.Hertz
		if cc.Pin == "" {
			clocks = append(clocks, &clk.Fixed{ClockName: cc.Name, Rate: rate})
			continue
		}
		p := lookup(cc.Pin)
		if p == nil {
			return fmt.Errorf("clock %s: unknown pin %q", cc.Name, cc.Pin)
		}
		clocks = append(clocks, &clk.PinClock{ClockName: cc.Name, Pin: p, Rate: rate})
	}

	b.Hardware.Power = seq
	b.Hardware.Pins = pinctrl.New(pins)
	b.Hardware.Clocks = clk.NewGroup(clocks...)
	b.Hardware.Sleep = sleep
	appLog.Info("board ready", "backend", cfg.Registers.Backend, "panel", b.Panel.Name(),
		"clocks", len(clocks), "rails", len(cfg.Power.Core)+len(cfg.Power.IOVDD)+len(cfg.Power.Panel))
	return nil
}

func (b *Board) openRegisters(rc config.RegisterConfig) error {
	switch rc.Backend {
	case "sim":
		f := regstest.New()
		b.Hardware.Ctrl, b.Hardware.Phy = f, f
		appLog.Warn("using simulated registers; the panel is not driven")
	case "pmem":
		ctrl, err := regs.MapMem(rc.CtrlBase, rc.CtrlSize)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, ctrl.Close)
		b.Hardware.Ctrl = ctrl
		if rc.PhyBase != 0 {
			phy, err := regs.MapMem(rc.PhyBase, rc.PhySize)
			if err != nil {
				return err
			}
			b.closers = append(b.closers, phy.Close)
			b.Hardware.Phy = phy
		}
	case "i2c":
		bus, err := i2creg.Open(rc.I2CBus)
		if err != nil {
			return fmt.Errorf("i2c bus %q: %w", rc.I2CBus, err)
		}
		b.closers = append(b.closers, bus.Close)
		b.Hardware.Ctrl = regs.NewBridge(&i2c.Dev{Bus: bus, Addr: rc.I2CAddr})
	default:
		return fmt.Errorf("registers: unknown backend %q", rc.Backend)
	}
	return nil
}

// Close releases register mappings and buses in reverse order of opening.
func (b *Board) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

func rail(rc config.RailConfig, lookup PinLookup) (power.Rail, error) {
	r := power.Rail{
		Name:         rc.Name,
		MinVoltage:   physic.ElectricPotential(rc.MinMicrovolt) * physic.MicroVolt,
		MaxVoltage:   physic.ElectricPotential(rc.MaxMicrovolt) * physic.MicroVolt,
		EnableLoad:   physic.ElectricCurrent(rc.EnableLoadUA) * physic.MicroAmpere,
		DisableLoad:  physic.ElectricCurrent(rc.DisableLoadUA) * physic.MicroAmpere,
		PreOnSleep:   ms(rc.PreOnMS),
		PostOnSleep:  ms(rc.PostOnMS),
		PreOffSleep:  ms(rc.PreOffMS),
		PostOffSleep: ms(rc.PostOffMS),
	}
	switch rc.Regulator.Type {
	case "gpio":
		p := lookup(rc.Regulator.Pin)
		if p == nil {
			return r, fmt.Errorf("rail %s: unknown pin %q", rc.Name, rc.Regulator.Pin)
		}
		r.Reg = &power.GPIOSwitch{Pin: p, ActiveLow: rc.Regulator.ActiveLow}
	case "userspace":
		r.Reg = &power.Userspace{Dir: rc.Regulator.Dir}
	case "fixed":
		r.Reg = &power.Fixed{Name: rc.Name}
	default:
		return r, fmt.Errorf("rail %s: unknown regulator type %q", rc.Name, rc.Regulator.Type)
	}
	return r, nil
}

func pinConfig(gc config.GPIOConfig, lookup PinLookup) (pinctrl.Config, error) {
	var pc pinctrl.Config
	var err error
	get := func(role, name string) gpio.PinIO {
		if name == "" || err != nil {
			return nil
		}
		p := lookup(name)
		if p == nil {
			err = fmt.Errorf("gpio %s: unknown pin %q", role, name)
		}
		return p
	}
	// Assign through locals so unwired roles stay nil interfaces.
	if p := get("reset", gc.Reset); p != nil {
		pc.Reset = p
	}
	if p := get("enable", gc.Enable); p != nil {
		pc.Enable = p
	}
	if p := get("backlight", gc.Backlight); p != nil {
		pc.Backlight = p
	}
	if p := get("mode", gc.Mode); p != nil {
		pc.Mode = p
		pc.ModeLevel = gpio.Level(gc.ModeHigh)
	}
	if p := get("te", gc.TE); p != nil {
		pc.TE = p
		pc.Active = append(pc.Active, pinctrl.Setting{Pin: p, Pull: gpio.PullDown})
		pc.Suspend = append(pc.Suspend, pinctrl.Setting{Pin: p, Pull: gpio.Float})
	}
	if err != nil {
		return pc, err
	}
	for _, st := range gc.ResetSequence {
		pc.ResetSequence = append(pc.ResetSequence, pinctrl.Step{
			Level: gpio.Level(st.High),
			Hold:  time.Duration(st.HoldUS) * time.Microsecond,
		})
	}
	return pc, nil
}

// DSIConfig converts the panel section into the controller configuration.
func DSIConfig(p config.PanelConfig) (dsi.Config, error) {
	c := dsi.Config{
		Name:           p.Name,
		Type:           dsi.VideoPanel,
		Lanes:          p.Lanes,
		BPP:            p.BPP,
		VirtualChannel: p.VirtualChannel,
		FrameRate:      p.FrameRate,
		Timing: dsi.Timing{
			XRes:        p.Timing.XRes,
			YRes:        p.Timing.YRes,
			HBackPorch:  p.Timing.HBackPorch,
			HFrontPorch: p.Timing.HFrontPorch,
			HPulseWidth: p.Timing.HPulseWidth,
			VBackPorch:  p.Timing.VBackPorch,
			VFrontPorch: p.Timing.VFrontPorch,
			VPulseWidth: p.Timing.VPulseWidth,
		},
		LP11Init:       p.LP11Init,
		InitDelay:      time.Duration(p.InitDelayUS) * time.Microsecond,
		ForceClkLaneHS: p.ForceClkLaneHS,
		OnLink:         link(p.OnLink),
		OffLink:        link(p.OffLink),
		VsyncEnable:    p.VsyncEnable,
		HWVsyncMode:    p.HWVsyncMode,
		DynamicFPS:     p.DynamicFPS,
		DFPSMode:       dsi.ParseDFPSMode(p.DFPSMode),
		ContSplash:     p.ContSplash,
		PartialUpdate:  p.PartialUpdate,
		CmdTimeout:     ms(p.CmdTimeoutMS),
	}
	if p.Type == "command" {
		c.Type = dsi.CommandPanel
	}
	for _, h := range p.HorizontalIdle {
		c.HorizontalIdle = append(c.HorizontalIdle, dsi.IdleRange{Min: h.Min, Max: h.Max, Idle: h.Idle})
	}
	tables := []struct {
		name string
		src  string
		dst  []byte
	}{
		{"strength", p.Phy.Strength, c.Phy.Strength[:]},
		{"regulator", p.Phy.Regulator, c.Phy.Regulator[:]},
		{"bist", p.Phy.Bist, c.Phy.Bist[:]},
		{"lane_cfg", p.Phy.LaneCfg, c.Phy.LaneCfg[:]},
	}
	for _, t := range tables {
		if err := fillTable(t.dst, t.src); err != nil {
			return c, fmt.Errorf("phy %s: %w", t.name, err)
		}
	}
	return c, nil
}

// fillTable decodes hex into dst. An empty string leaves dst zeroed.
func fillTable(dst []byte, src string) error {
	src = strings.Join(strings.Fields(src), "")
	if src == "" {
		return nil
	}
	b, err := hex.DecodeString(src)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%d bytes, want %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

// PanelDriver compiles the configured command sequences into a panel driver.
func PanelDriver(p config.PanelConfig) (dsi.Panel, error) {
	var seq panel.Sequences
	lists := []struct {
		name string
		src  []panel.CommandSpec
		dst  *[]dsi.Command
	}{
		{"on_cmds", p.OnCmds, &seq.On},
		{"off_cmds", p.OffCmds, &seq.Off},
		{"idle_on_cmds", p.IdleOnCmds, &seq.IdleOn},
		{"idle_off_cmds", p.IdleOffCmds, &seq.IdleOff},
		{"hbm_on_cmds", p.HBMOnCmds, &seq.HBMOn},
		{"hbm_off_cmds", p.HBMOffCmds, &seq.HBMOff},
	}
	for _, l := range lists {
		cmds, err := panel.Compile(l.src)
		if err != nil {
			return nil, fmt.Errorf("panel %s: %w", l.name, err)
		}
		*l.dst = cmds
	}
	name := p.Name
	if name == "" {
		name = "panel"
	}
	return panel.New(name, seq), nil
}

func link(s string) dsi.LinkState {
	if s == "hs" {
		return dsi.LinkHS
	}
	return dsi.LinkLP
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
