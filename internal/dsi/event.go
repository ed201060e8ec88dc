package dsi

import (
	"fmt"

	"dsictl/internal/errcode"
)

// Event is a lifecycle event from the display pipeline. Handle dispatches on
// the concrete type; types it does not know are ignored.
type Event interface {
	Name() string
}

type (
	// Unblank powers the panel on and, for LP on-commands, initializes it.
	Unblank struct{}
	// PanelOn hands the panel to the compositor.
	PanelOn struct{}
	// Blank blanks the panel to State when off-commands go in HS.
	Blank struct{ State PowerState }
	// PanelOff takes the panel from the compositor and powers it to State.
	PanelOff struct{ State PowerState }
	// ContSplashBegin stops a bootloader splash before the compositor starts.
	ContSplashBegin struct{}
	// ContSplashFinish hands a bootloader splash over to the compositor.
	ContSplashFinish struct{}
	// ClkCtrl takes or drops a clock reference.
	ClkCtrl struct{ Enable bool }
	// CmdlistKickoff sends the queued command list.
	CmdlistKickoff struct{}
	// UpdateFPS changes the refresh rate. FPS 0 is ignored.
	UpdateFPS struct{ FPS int }
	// EnableTE turns the panel's tear-effect output on or off.
	EnableTE struct{ Enable bool }
	// RegisterRecoveryHandler installs the callback Recover invokes.
	RegisterRecoveryHandler struct{ Handler func() }
	// EnableHBM toggles high brightness mode.
	EnableHBM struct{ Enable bool }
	// EnablePartialROI sets the panel update window.
	EnablePartialROI struct{ ROI Rect }
	// StreamSize programs the command-mode stream window. A zero ROI means
	// the last partial ROI, or the full panel.
	StreamSize struct{ ROI Rect }
)

func (Unblank) Name() string                 { return "unblank" }
func (PanelOn) Name() string                 { return "panel_on" }
func (Blank) Name() string                   { return "blank" }
func (PanelOff) Name() string                { return "panel_off" }
func (ContSplashBegin) Name() string         { return "cont_splash_begin" }
func (ContSplashFinish) Name() string        { return "cont_splash_finish" }
func (ClkCtrl) Name() string                 { return "panel_clk_ctrl" }
func (CmdlistKickoff) Name() string          { return "dsi_cmdlist_koff" }
func (UpdateFPS) Name() string               { return "panel_update_fps" }
func (EnableTE) Name() string                { return "enable_te" }
func (RegisterRecoveryHandler) Name() string { return "register_recovery_handler" }
func (EnableHBM) Name() string               { return "enable_hbm" }
func (EnablePartialROI) Name() string        { return "enable_partial_roi" }
func (StreamSize) Name() string              { return "dsi_stream_size" }

// Handle applies ev. The returned error carries an errcode.Code; unknown
// events return nil.
func (c *Controller) Handle(ev Event) error {
	if ev == nil {
		return errcode.New(errcode.InvalidArgument, "handle", "nil event")
	}
	// Recovery registration may come from another context while a
	// transition is running; it only takes the recovery lock.
	if r, ok := ev.(RegisterRecoveryHandler); ok {
		c.SetRecoveryHandler(r.Handler)
		c.log.Debug("recovery handler registered", "set", r.Handler != nil)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(ev.Name()); err != nil {
		return err
	}
	c.log.Debug("event", "event", ev.Name())
	err := c.dispatch(ev)
	if err != nil {
		c.log.Error("event failed", err, "event", ev.Name(), "rc", errcode.Of(err).RC())
	}
	return err
}

func (c *Controller) dispatch(ev Event) error {
	switch e := ev.(type) {
	case Unblank:
		return c.handleUnblank()
	case PanelOn:
		c.ctrlState |= CtrlMDPActive
		var err error
		if c.cfg.OnLink == LinkHS {
			err = c.unblank()
		}
		c.esdReady = true
		return err
	case Blank:
		if !e.State.valid() {
			return errcode.New(errcode.InvalidArgument, ev.Name(), e.State.String())
		}
		if c.cfg.OffLink == LinkHS {
			return c.blankTo(e.State)
		}
		return nil
	case PanelOff:
		return c.handlePanelOff(e.State)
	case ContSplashBegin:
		if c.cfg.OffLink == LinkHS {
			return c.blankTo(PowerOff)
		}
		return nil
	case ContSplashFinish:
		var first error
		if c.cfg.OffLink == LinkLP {
			first = c.blankTo(PowerOff)
		}
		c.ctrlState &^= CtrlMDPActive
		if err := c.contSplashOn(); err != nil && first == nil {
			first = err
		}
		return first
	case ClkCtrl:
		if e.Enable {
			return c.clkAcquire()
		}
		return c.clkRelease()
	case CmdlistKickoff:
		return c.kickoff()
	case UpdateFPS:
		if e.FPS == 0 {
			return nil
		}
		return c.updateFPS(e.FPS)
	case EnableTE:
		if c.state == PowerOff {
			return errcode.New(errcode.ResourceUnavailable, ev.Name(), "panel is off")
		}
		return c.withClocks(func() error { return c.setTear(e.Enable) })
	case EnableHBM:
		h, ok := c.panel.(HBMSetter)
		if !ok {
			return nil
		}
		return c.withClocks(func() error { return h.SetHBM(c.tx(), e.Enable) })
	case EnablePartialROI:
		if err := c.checkROI(e.ROI); err != nil {
			return err
		}
		c.roi = e.ROI
		a, ok := c.panel.(ColumnPageAddresser)
		if !ok {
			return nil
		}
		return c.withClocks(func() error { return a.SetColumnPageAddress(c.tx(), e.ROI) })
	case StreamSize:
		return c.handleStreamSize(e.ROI)
	default:
		c.log.Debug("unhandled event", "event", ev.Name())
		return nil
	}
}

func (c *Controller) handleUnblank() error {
	if c.state == PowerDoze {
		return c.setPowerState(PowerOn)
	}
	if err := c.setPowerState(PowerOn); err != nil {
		return err
	}
	if err := c.withClocks(func() error { return c.prog.opModeConfig(c.cfg.Type) }); err != nil {
		return err
	}
	if c.cfg.OnLink == LinkLP {
		return c.unblank()
	}
	return nil
}

// handlePanelOff blanks (for LP off-commands) and then powers down to ps.
// The power transition runs even if blanking failed.
func (c *Controller) handlePanelOff(ps PowerState) error {
	if !ps.valid() {
		return errcode.New(errcode.InvalidArgument, "panel_off", ps.String())
	}
	c.ctrlState &^= CtrlMDPActive
	var first error
	if c.cfg.OffLink == LinkLP {
		first = c.blankTo(ps)
	}
	if err := c.setPowerState(ps); err != nil && first == nil {
		first = err
	}
	return first
}

func (c *Controller) handleStreamSize(roi Rect) error {
	const op = "stream size"
	if !c.cfg.PartialUpdate {
		return errcode.New(errcode.UnsupportedConfiguration, op, "partial update not enabled")
	}
	if roi == (Rect{}) {
		roi = c.roi
	}
	if roi == (Rect{}) {
		roi = Rect{W: c.timing.XRes, H: c.timing.YRes}
	}
	if err := c.checkROI(roi); err != nil {
		return err
	}
	if c.state == PowerOff {
		return errcode.New(errcode.ResourceUnavailable, op, "panel is off")
	}
	return c.withClocks(func() error { return c.prog.streamSize(roi) })
}

func (c *Controller) checkROI(r Rect) error {
	if r.X < 0 || r.Y < 0 || r.W <= 0 || r.H <= 0 ||
		r.X+r.W > c.timing.XRes || r.Y+r.H > c.timing.YRes {
		return errcode.New(errcode.InvalidArgument, "roi",
			fmt.Sprintf("%dx%d+%d+%d outside %dx%d", r.W, r.H, r.X, r.Y, c.timing.XRes, c.timing.YRes))
	}
	return nil
}
