package dsi

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/physic"

	"dsictl/internal/clk"
	"dsictl/internal/errcode"
	appLog "dsictl/internal/log"
	"dsictl/internal/pinctrl"
	"dsictl/internal/power"
	"dsictl/internal/regs"
)

// Clock names the controller programs rates on when the group has them.
const (
	ClockByte  = "byte"
	ClockPixel = "pixel"
	ClockEsc   = "esc"
)

// Hardware is the set of collaborators a Controller drives. Only Ctrl is
// required; the rest default to empty implementations.
type Hardware struct {
	Ctrl   regs.Bus
	Phy    regs.Bus
	Power  *power.Sequencer
	Pins   *pinctrl.Controller
	Clocks *clk.Group
	Sleep  func(time.Duration)
}

// Controller is one DSI controller with its attached panel. All methods are
// safe for concurrent use; transitions are serialized.
type Controller struct {
	mu sync.Mutex

	cfg   Config
	hw    Hardware
	prog  *programmer
	panel Panel
	log   appLog.Logger

	state     PowerState
	ctrlState CtrlState
	blank     BlankState
	timing    Timing
	plan      ClockPlan
	clkRefs   int
	queue     []Command
	roi       Rect
	esdReady  bool
	closed    bool

	dead atomic.Bool

	recoveryMu sync.Mutex
	recovery   func()
}

// Attach validates cfg, programs the attach-time settings and returns the
// controller. With ContSplash the panel is assumed to be lit by the
// bootloader and the controller starts ON without touching the reset line.
func Attach(cfg Config, hw Hardware, p Panel) (*Controller, error) {
	const op = "attach"
	if p == nil {
		return nil, errcode.New(errcode.InvalidArgument, op, "no panel")
	}
	if hw.Ctrl == nil {
		return nil, errcode.New(errcode.InvalidArgument, op, "no controller registers")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if hw.Phy == nil {
		hw.Phy = hw.Ctrl
	}
	if hw.Sleep == nil {
		hw.Sleep = time.Sleep
	}
	if hw.Power == nil {
		seq, err := power.NewSequencer(nil, hw.Sleep)
		if err != nil {
			return nil, err
		}
		hw.Power = seq
	}
	if hw.Pins == nil {
		hw.Pins = pinctrl.New(pinctrl.Config{Sleep: hw.Sleep})
	}
	if hw.Clocks == nil {
		hw.Clocks = clk.NewGroup()
	}

	plan, err := computeClocks(&cfg, cfg.Timing, cfg.FrameRate)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:    cfg,
		hw:     hw,
		panel:  p,
		timing: cfg.Timing,
		plan:   plan,
		log:    appLog.With("component", "dsi", "panel", p.Name()),
	}
	c.prog = &programmer{ctrl: hw.Ctrl, phy: hw.Phy, cfg: &c.cfg, sleep: hw.Sleep, log: c.log}

	if err := hw.Power.Configure(); err != nil {
		return nil, err
	}
	if cfg.Type == CommandPanel && hw.Pins.HasTE() {
		if err := hw.Pins.ConfigureTE(); err != nil {
			return nil, err
		}
	}
	if err := c.applyClockRates(plan); err != nil {
		return nil, err
	}

	if cfg.ContSplash {
		if err := c.attachSplash(); err != nil {
			return nil, fmt.Errorf("cont splash: %w", err)
		}
		c.log.Info("attached with continuous splash", "type", cfg.Type, "fps", cfg.FrameRate)
		return c, nil
	}
	c.state = PowerOff
	c.ctrlState = CtrlUnknown
	c.log.Info("attached", "type", cfg.Type, "lanes", cfg.Lanes, "fps", cfg.FrameRate,
		"pclk", plan.PixelClock, "lane_rate", plan.LaneRate)
	return c, nil
}

// attachSplash takes over a panel the bootloader left running: rails and
// clocks are claimed, the reset line is left alone.
func (c *Controller) attachSplash() error {
	var undo []func() error
	for d := power.DomainIOVDD; d < power.NumDomains; d++ {
		off, err := c.domainOn(d)
		if err != nil {
			c.unwind(undo)
			return err
		}
		undo = append(undo, off)
	}
	if err := c.hw.Pins.SelectState(true); err != nil {
		c.log.Warn("active pin state not applied", "err", err)
	}
	if err := c.clkAcquire(); err != nil {
		c.unwind(undo)
		return err
	}
	c.state = PowerOn
	c.ctrlState = CtrlPanelInit | CtrlMDPActive
	c.blank = Unblanked
	return nil
}

func (c *Controller) applyClockRates(p ClockPlan) error {
	for _, r := range []struct {
		name string
		rate physic.Frequency
	}{
		{ClockByte, p.ByteClock},
		{ClockPixel, p.PixelClock},
		{ClockEsc, escClockRate},
	} {
		if _, ok := c.hw.Clocks.Lookup(r.name); !ok {
			continue
		}
		if err := c.hw.Clocks.SetRate(r.name, r.rate); err != nil {
			return err
		}
	}
	return nil
}

// RequestPowerState moves the panel to target. Requesting the current state
// is a no-op that touches no hardware.
func (c *Controller) RequestPowerState(target PowerState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen("request power state"); err != nil {
		return err
	}
	return c.setPowerState(target)
}

func (c *Controller) checkOpen(op string) error {
	if c.closed {
		return errcode.New(errcode.ResourceUnavailable, op, "controller detached")
	}
	return nil
}

// setPowerState is the transition table. c.mu must be held.
func (c *Controller) setPowerState(target PowerState) error {
	if !target.valid() {
		return errcode.New(errcode.InvalidArgument, "power state", target.String())
	}
	from := c.state
	if target == from {
		c.log.Debug("no change in power state", "state", from)
		return nil
	}
	c.log.Debug("power transition", "from", from, "to", target)

	switch {
	case target == PowerOff:
		err := c.powerOff()
		c.state = PowerOff
		if err != nil {
			return fmt.Errorf("power off: %w", err)
		}
	case from == PowerOff:
		if err := c.powerOn(); err != nil {
			return fmt.Errorf("power on: %w", err)
		}
		c.state = PowerOn
		c.ctrlState &^= CtrlUnknown
		if target == PowerDoze {
			return c.lowPower(true)
		}
	default:
		return c.lowPower(target == PowerDoze)
	}
	c.log.Info("power state changed", "from", from, "to", c.state)
	return nil
}

// powerOn runs the OFF→ON sequence. On failure everything it acquired is
// released in reverse order and the error is returned.
func (c *Controller) powerOn() (err error) {
	var undo []func() error
	defer func() {
		if err != nil {
			c.log.Error("power on failed, rolling back", err, "steps", len(undo))
			c.unwind(undo)
		}
	}()

	// Core comes up with the clocks. With LP11 init the panel rail waits
	// until the lanes are in LP11.
	for d := power.DomainIOVDD; d < power.NumDomains; d++ {
		if d == power.DomainPanel && c.cfg.LP11Init {
			continue
		}
		off, err := c.domainOn(d)
		if err != nil {
			return err
		}
		undo = append(undo, off)
	}
	// Pins are parked on rollback even when Enable fails partway.
	if !c.cfg.LP11Init {
		undo = append(undo, c.hw.Pins.Disable)
		if err := c.hw.Pins.Enable(); err != nil {
			return err
		}
	}
	if err := c.clkAcquire(); err != nil {
		return err
	}
	undo = append(undo, c.clkRelease, c.prog.phyDisable)

	if err := c.prog.bringUp(c.timing); err != nil {
		return err
	}

	if c.cfg.LP11Init {
		off, err := c.domainOn(power.DomainPanel)
		if err != nil {
			return err
		}
		undo = append(undo, off, c.hw.Pins.Disable)
		if err := c.hw.Pins.Enable(); err != nil {
			return err
		}
	}
	if c.cfg.InitDelay > 0 {
		c.hw.Sleep(c.cfg.InitDelay)
	}
	if c.cfg.ForceClkLaneHS {
		if err := c.prog.forceClkLaneHS(); err != nil {
			return err
		}
	}
	if c.cfg.Type == CommandPanel {
		// Command panels only clock the link while something is sent.
		if err := c.clkRelease(); err != nil {
			c.log.Warn("clock release after power on failed", "err", err)
		}
	}
	c.dead.Store(false)
	return nil
}

// powerOff runs the ON→OFF sequence. Every step is attempted; the first
// failure is returned.
func (c *Controller) powerOff() error {
	var first error
	keep := func(err error, what string) {
		if err == nil {
			return
		}
		c.log.Error("power off step failed", err, "step", what)
		if first == nil {
			first = fmt.Errorf("%s: %w", what, err)
		}
	}

	if c.cfg.Type == CommandPanel {
		keep(c.clkAcquire(), "clock acquire")
	}
	if !c.cfg.LP11Init {
		keep(c.hw.Pins.Disable(), "panel reset")
	}
	keep(c.prog.controllerCfg(false), "controller disable")
	keep(c.prog.phyDisable(), "phy disable")
	keep(c.clkReleaseAll(), "clock release")

	for d := power.NumDomains - 1; d > power.DomainCore; d-- {
		if d == power.DomainPanel {
			continue
		}
		keep(c.domainOff(d), "domain "+d.String())
	}
	if c.cfg.LP11Init {
		keep(c.hw.Pins.Disable(), "panel reset")
	}
	keep(c.domainOff(power.DomainPanel), "domain "+power.DomainPanel.String())

	c.ctrlState &^= CtrlPanelInit
	c.blank = Blanked
	return first
}

// lowPower moves the panel in or out of its low-power mode through the
// panel hook. A panel without the hook stays ON.
func (c *Controller) lowPower(enter bool) error {
	target := PowerOn
	if enter {
		target = PowerDoze
	}
	lp, ok := c.panel.(LowPowerConfigurer)
	if !ok {
		c.log.Debug("panel has no low power mode", "enter", enter)
		if !enter {
			c.state = PowerOn
			c.blank = Unblanked
		}
		return nil
	}
	if err := c.withClocks(func() error { return lp.LowPowerConfig(c.tx(), enter) }); err != nil {
		return fmt.Errorf("low power config: %w", err)
	}
	c.state = target
	if enter {
		c.blank = BlankLowPower
	} else {
		c.blank = Unblanked
	}
	c.log.Info("power state changed", "to", target)
	return nil
}

func (c *Controller) domainOn(d power.Domain) (func() error, error) {
	n, err := c.hw.Power.EnableDomain(d, true)
	if err != nil {
		if rerr := c.hw.Power.RollbackDomain(d, n); rerr != nil {
			c.log.Error("domain rollback failed", rerr, "domain", d)
		}
		return nil, err
	}
	return func() error { return c.domainOff(d) }, nil
}

func (c *Controller) domainOff(d power.Domain) error {
	if !c.hw.Power.Enabled(d) {
		return nil
	}
	_, err := c.hw.Power.EnableDomain(d, false)
	return err
}

// unwind runs undo steps last to first, logging failures.
func (c *Controller) unwind(undo []func() error) {
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i](); err != nil {
			c.log.Error("rollback step failed", err, "step", i)
		}
	}
}

// clkAcquire takes a clock reference. The first reference powers the core
// domain and starts the clock group.
func (c *Controller) clkAcquire() error {
	if c.clkRefs == 0 {
		off, err := c.domainOn(power.DomainCore)
		if err != nil {
			return err
		}
		if err := c.hw.Clocks.Enable(); err != nil {
			if oerr := off(); oerr != nil {
				c.log.Error("core domain rollback failed", oerr)
			}
			return err
		}
		c.log.Debug("link clocks on")
	}
	c.clkRefs++
	return nil
}

// clkRelease drops a clock reference. The last one stops the clock group
// and powers the core domain down.
func (c *Controller) clkRelease() error {
	switch c.clkRefs {
	case 0:
		return errcode.New(errcode.AlreadyInState, "clock release", "no clock reference held")
	case 1:
		c.clkRefs = 0
		var first error
		if c.hw.Clocks.On() {
			first = c.hw.Clocks.Disable()
		}
		if err := c.domainOff(power.DomainCore); err != nil && first == nil {
			first = err
		}
		c.log.Debug("link clocks off")
		return first
	default:
		c.clkRefs--
		return nil
	}
}

func (c *Controller) clkReleaseAll() error {
	if c.clkRefs == 0 {
		return nil
	}
	if c.clkRefs > 1 {
		c.log.Warn("dropping outstanding clock references", "refs", c.clkRefs-1)
		c.clkRefs = 1
	}
	return c.clkRelease()
}

// withClocks runs fn with a clock reference held.
func (c *Controller) withClocks(fn func() error) error {
	if err := c.clkAcquire(); err != nil {
		return err
	}
	err := fn()
	if rerr := c.clkRelease(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// unblank sends the panel init sequence if needed and arms TE.
func (c *Controller) unblank() error {
	return c.withClocks(func() error {
		if c.blank == BlankLowPower {
			return c.setPowerState(PowerOn)
		}
		if c.ctrlState&CtrlPanelInit == 0 {
			if in, ok := c.panel.(Initializer); ok {
				if err := in.On(c.tx()); err != nil {
					c.log.Error("panel init failed", err)
					return fmt.Errorf("panel on: %w", err)
				}
			}
			c.ctrlState |= CtrlPanelInit
		}
		if c.teManaged() {
			if err := c.setTear(true); err != nil {
				return err
			}
		}
		c.blank = Unblanked
		return nil
	})
}

// blank takes the panel down to ps. DOZE is handed to the low power hook.
func (c *Controller) blankTo(ps PowerState) error {
	if c.state == PowerOff {
		c.log.Debug("blank with panel off")
		return nil
	}
	return c.withClocks(func() error {
		if ps == PowerDoze {
			return c.setPowerState(PowerDoze)
		}
		if c.cfg.Type == VideoPanel && c.cfg.OffLink == LinkLP {
			if err := c.prog.swReset(); err != nil {
				return err
			}
			if err := c.prog.hostInit(); err != nil {
				return err
			}
		}
		if err := c.prog.opModeConfig(CommandPanel); err != nil {
			return err
		}
		if c.teManaged() {
			if err := c.setTear(false); err != nil {
				return err
			}
		}
		if c.ctrlState&CtrlPanelInit != 0 {
			if fin, ok := c.panel.(Finalizer); ok {
				if err := fin.Off(c.tx()); err != nil {
					c.log.Error("panel off failed", err)
					return fmt.Errorf("panel off: %w", err)
				}
			}
			c.ctrlState &^= CtrlPanelInit
		}
		c.blank = Blanked
		return nil
	})
}

func (c *Controller) teManaged() bool {
	return c.cfg.Type == CommandPanel && c.cfg.VsyncEnable && c.cfg.HWVsyncMode && c.hw.Pins.HasTE()
}

func (c *Controller) setTear(on bool) error {
	cmd := Command{DataType: dtDCSShortWrite0, Payload: []byte{dcsSetTearOff}}
	if on {
		cmd = Command{DataType: dtDCSShortWrite1, Payload: []byte{dcsSetTearOn, 0x00}}
	}
	if err := c.prog.send([]Command{cmd}); err != nil {
		return fmt.Errorf("tear %s: %w", onOff(on), err)
	}
	return nil
}

// contSplashOn re-initializes controller registers for a panel the
// bootloader left running, without resetting the panel.
func (c *Controller) contSplashOn() error {
	if c.ctrlState&CtrlPanelInit != 0 {
		c.log.Warn("unexpected controller state at splash finish", "ctrl_state", c.ctrlState)
	}
	return c.withClocks(func() error {
		if err := c.prog.ctrlSetup(c.timing); err != nil {
			return err
		}
		return c.prog.swReset()
	})
}

// QueueCommands appends cmds to the list committed by CmdlistKickoff.
func (c *Controller) QueueCommands(cmds ...Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen("queue commands"); err != nil {
		return err
	}
	for _, cmd := range cmds {
		cmd.Payload = append([]byte(nil), cmd.Payload...)
		c.queue = append(c.queue, cmd)
	}
	return nil
}

// kickoff sends the queued command list. The list is dropped either way.
func (c *Controller) kickoff() error {
	if len(c.queue) == 0 {
		return nil
	}
	q := c.queue
	c.queue = nil
	if c.state == PowerOff {
		return errcode.New(errcode.ResourceUnavailable, "cmdlist kickoff", "panel is off")
	}
	return c.withClocks(func() error { return c.prog.send(q) })
}

// SetRecoveryHandler installs or replaces the recovery callback. It does not
// wait for an in-flight transition.
func (c *Controller) SetRecoveryHandler(h func()) {
	c.recoveryMu.Lock()
	c.recovery = h
	c.recoveryMu.Unlock()
}

// Recover marks the panel dead and invokes the registered recovery handler.
// The handler runs without any controller lock held, so it may issue
// events itself.
func (c *Controller) Recover() error {
	c.recoveryMu.Lock()
	h := c.recovery
	c.recoveryMu.Unlock()
	c.dead.Store(true)
	if h == nil {
		return errcode.New(errcode.ResourceUnavailable, "recover", "no recovery handler registered")
	}
	c.log.Warn("invoking recovery handler")
	h()
	return nil
}

// IsPanelDead reports whether recovery was triggered since the last
// successful power on.
func (c *Controller) IsPanelDead() bool {
	return c.dead.Load()
}

// Status is a snapshot of the controller state.
type Status struct {
	Panel      string          `json:"panel"`
	Type       string          `json:"type"`
	PowerState string          `json:"power_state"`
	CtrlState  string          `json:"ctrl_state"`
	BlankState string          `json:"blank_state"`
	FrameRate  int             `json:"frame_rate"`
	PixelClock string          `json:"pixel_clock"`
	LaneRate   string          `json:"lane_rate"`
	VTotal     int             `json:"vtotal"`
	HTotal     int             `json:"htotal"`
	ClockRefs  int             `json:"clock_refs"`
	ClocksOn   bool            `json:"clocks_on"`
	Domains    map[string]bool `json:"domains"`
	Queued     int             `json:"queued_commands"`
	ESDReady   bool            `json:"esd_ready"`
	PanelDead  bool            `json:"panel_dead"`
	ROI        *Rect           `json:"roi,omitempty"`
}

// Status returns a snapshot. It waits for an in-flight transition.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Panel:      c.panel.Name(),
		Type:       c.cfg.Type.String(),
		PowerState: c.state.String(),
		CtrlState:  c.ctrlState.String(),
		BlankState: c.blank.String(),
		FrameRate:  c.cfg.FrameRate,
		PixelClock: c.plan.PixelClock.String(),
		LaneRate:   c.plan.LaneRate.String(),
		VTotal:     c.timing.VTotal(),
		HTotal:     c.timing.HTotal(),
		ClockRefs:  c.clkRefs,
		ClocksOn:   c.hw.Clocks.On(),
		Domains:    map[string]bool{},
		Queued:     len(c.queue),
		ESDReady:   c.esdReady,
		PanelDead:  c.dead.Load(),
	}
	for d := power.DomainCore; d < power.NumDomains; d++ {
		s.Domains[d.String()] = c.hw.Power.Enabled(d)
	}
	if c.roi != (Rect{}) {
		roi := c.roi
		s.ROI = &roi
	}
	return s
}

// PowerState returns the current panel power state.
func (c *Controller) PowerState() PowerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FrameRate returns the configured refresh rate.
func (c *Controller) FrameRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.FrameRate
}

// Close detaches the controller: the panel is powered off and regulator
// handles are released. Further calls fail with ResourceUnavailable.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var first error
	if c.state != PowerOff {
		first = c.setPowerState(PowerOff)
	} else if err := c.clkReleaseAll(); err != nil {
		first = err
	}
	if err := c.hw.Power.Release(); err != nil && first == nil {
		first = err
	}
	c.closed = true
	c.log.Info("detached")
	return first
}

// tx returns a Transmitter for panel hooks. Callers hold c.mu and a clock
// reference.
func (c *Controller) tx() Transmitter {
	return hostTx{c.prog}
}

type hostTx struct{ p *programmer }

func (t hostTx) Send(cmds ...Command) error {
	return t.p.send(cmds)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
