// Package pinctrl drives the panel-side GPIOs: reset, display enable,
// backlight enable, mode select and the tear-effect input, plus the
// active/suspend pin configurations around them.
package pinctrl

import (
	"time"

	"periph.io/x/conn/v3/gpio"

	"dsictl/internal/errcode"
	appLog "dsictl/internal/log"
)

// Step is one level of the reset waveform, held for Hold.
type Step struct {
	Level gpio.Level
	Hold  time.Duration
}

// DefaultResetSequence is high/low/high with 20ms/200µs/20ms holds, the
// usual requirement of MIPI panels.
var DefaultResetSequence = []Step{
	{Level: gpio.High, Hold: 20 * time.Millisecond},
	{Level: gpio.Low, Hold: 200 * time.Microsecond},
	{Level: gpio.High, Hold: 20 * time.Millisecond},
}

// Setting configures one pin as part of a pin state.
type Setting struct {
	Pin gpio.PinIO
	// Out selects output mode driven at Level; otherwise the pin becomes an
	// input with Pull.
	Out   bool
	Level gpio.Level
	Pull  gpio.Pull
}

// Config lists the wired pins. Nil pins are not connected on this board.
type Config struct {
	Reset     gpio.PinOut
	Enable    gpio.PinOut
	Backlight gpio.PinOut
	Mode      gpio.PinOut
	// ModeLevel is driven on Mode while the panel is powered.
	ModeLevel gpio.Level
	TE        gpio.PinIn

	ResetSequence []Step

	Active  []Setting
	Suspend []Setting

	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Controller is the reset/pin controller of one panel. Callers serialize
// access.
type Controller struct {
	cfg Config
	log appLog.Logger
}

// New returns a Controller for cfg.
func New(cfg Config) *Controller {
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if len(cfg.ResetSequence) == 0 {
		cfg.ResetSequence = DefaultResetSequence
	}
	return &Controller{cfg: cfg, log: appLog.With("component", "pinctrl")}
}

// HasTE reports whether a tear-effect line is wired.
func (c *Controller) HasTE() bool {
	return c.cfg.TE != nil
}

// ConfigureTE sets the TE line up as a pulled-down input.
func (c *Controller) ConfigureTE() error {
	if c.cfg.TE == nil {
		return nil
	}
	if err := c.cfg.TE.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return errcode.Wrap(errcode.ResourceUnavailable, "te gpio "+c.cfg.TE.Name(), err)
	}
	return nil
}

// SelectState applies the active or suspend pin configuration.
func (c *Controller) SelectState(active bool) error {
	set := c.cfg.Suspend
	name := "suspend"
	if active {
		set, name = c.cfg.Active, "active"
	}
	for _, s := range set {
		var err error
		if s.Out {
			err = s.Pin.Out(s.Level)
		} else {
			err = s.Pin.In(s.Pull, gpio.NoEdge)
		}
		if err != nil {
			return errcode.Wrap(errcode.ResourceUnavailable, "pin state "+name+" "+s.Pin.Name(), err)
		}
	}
	return nil
}

// Enable brings the panel out of reset: active pin state, display enable,
// the reset waveform, backlight enable and mode select, in that order.
func (c *Controller) Enable() error {
	if err := c.SelectState(true); err != nil {
		// Boards without pin states still work; the GPIOs are driven directly.
		c.log.Warn("active pin state not applied", "err", err)
	}
	if c.cfg.Enable != nil {
		if err := c.cfg.Enable.Out(gpio.High); err != nil {
			return errcode.Wrap(errcode.ResourceUnavailable, "enable gpio", err)
		}
	}
	if c.cfg.Reset == nil {
		c.log.Debug("reset line not configured")
	} else {
		for _, st := range c.cfg.ResetSequence {
			if err := c.cfg.Reset.Out(st.Level); err != nil {
				return errcode.Wrap(errcode.ResourceUnavailable, "reset gpio", err)
			}
			if st.Hold > 0 {
				c.cfg.Sleep(st.Hold)
			}
		}
	}
	if c.cfg.Backlight != nil {
		if err := c.cfg.Backlight.Out(gpio.High); err != nil {
			return errcode.Wrap(errcode.ResourceUnavailable, "backlight gpio", err)
		}
	}
	if c.cfg.Mode != nil {
		if err := c.cfg.Mode.Out(c.cfg.ModeLevel); err != nil {
			return errcode.Wrap(errcode.ResourceUnavailable, "mode gpio", err)
		}
	}
	c.log.Debug("panel reset released")
	return nil
}

// Disable holds the panel in reset and parks the pins. Every step is
// attempted; the first failure is returned.
func (c *Controller) Disable() error {
	var first error
	keep := func(err error, what string) {
		if err != nil && first == nil {
			first = errcode.Wrap(errcode.ResourceUnavailable, what, err)
		}
	}
	if c.cfg.Backlight != nil {
		keep(c.cfg.Backlight.Out(gpio.Low), "backlight gpio")
	}
	if c.cfg.Reset != nil {
		keep(c.cfg.Reset.Out(gpio.Low), "reset gpio")
	}
	if c.cfg.Enable != nil {
		keep(c.cfg.Enable.Out(gpio.Low), "enable gpio")
	}
	if c.cfg.Mode != nil {
		keep(c.cfg.Mode.Out(gpio.Low), "mode gpio")
	}
	if err := c.SelectState(false); err != nil {
		c.log.Warn("suspend pin state not applied", "err", err)
	}
	c.log.Debug("panel held in reset")
	return first
}
