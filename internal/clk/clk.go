// Package clk switches the controller clocks as one unit.
package clk

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"dsictl/internal/errcode"
	appLog "dsictl/internal/log"
)

// Clock is one gateable clock.
type Clock interface {
	Name() string
	Enable() error
	Disable() error
	SetRate(physic.Frequency) error
}

// Group is an ordered set of clocks enabled and disabled together.
//
// It is not safe for concurrent use; the controller serializes access.
type Group struct {
	clocks []Clock
	on     bool
	log    appLog.Logger
}

// NewGroup returns a Group switching clocks in the given order.
func NewGroup(clocks ...Clock) *Group {
	return &Group{clocks: clocks, log: appLog.With("component", "clk")}
}

// On reports whether the group is currently enabled.
func (g *Group) On() bool { return g.on }

// Lookup finds a clock by name.
func (g *Group) Lookup(name string) (Clock, bool) {
	for _, c := range g.clocks {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Enable turns every clock on in order. If one fails the ones already on
// are turned back off, so the group is never left half enabled.
func (g *Group) Enable() error {
	if g.on {
		return errcode.New(errcode.AlreadyInState, "clk enable", "group already on")
	}
	for i, c := range g.clocks {
		if err := c.Enable(); err != nil {
			g.log.Error("clock enable failed", err, "clock", c.Name())
			for j := i - 1; j >= 0; j-- {
				if derr := g.clocks[j].Disable(); derr != nil {
					g.log.Error("clock rollback failed", derr, "clock", g.clocks[j].Name())
				}
			}
			return errcode.Wrap(errcode.ResourceUnavailable, "clk enable "+c.Name(), err)
		}
	}
	g.on = true
	return nil
}

// Disable turns every clock off in reverse order. All clocks are attempted
// and the first error is returned.
func (g *Group) Disable() error {
	if !g.on {
		return errcode.New(errcode.AlreadyInState, "clk disable", "group already off")
	}
	var first error
	for i := len(g.clocks) - 1; i >= 0; i-- {
		if err := g.clocks[i].Disable(); err != nil {
			g.log.Error("clock disable failed", err, "clock", g.clocks[i].Name())
			if first == nil {
				first = errcode.Wrap(errcode.ResourceUnavailable, "clk disable "+g.clocks[i].Name(), err)
			}
		}
	}
	g.on = false
	return first
}

// SetRate programs the named clock. Clocks missing from the group are
// reported as ResourceUnavailable.
func (g *Group) SetRate(name string, f physic.Frequency) error {
	c, ok := g.Lookup(name)
	if !ok {
		return errcode.New(errcode.ResourceUnavailable, "clk set rate", "no clock "+name)
	}
	if err := c.SetRate(f); err != nil {
		return errcode.Wrap(errcode.ResourceUnavailable, "clk set rate "+name, err)
	}
	g.log.Debug("clock rate set", "clock", name, "rate", f)
	return nil
}

// PinClock is a clock generated on a GPIO capable of hardware PWM or a
// general purpose clock function, e.g. GPCLK0 on a Raspberry Pi.
type PinClock struct {
	ClockName string
	Pin       gpio.PinOut
	Rate      physic.Frequency
	running   bool
}

func (p *PinClock) Name() string { return p.ClockName }

// Enable starts a 50% duty square wave at Rate.
func (p *PinClock) Enable() error {
	if p.Rate == 0 {
		return fmt.Errorf("clock %s: rate not set", p.ClockName)
	}
	if err := p.Pin.PWM(gpio.DutyHalf, p.Rate); err != nil {
		return err
	}
	p.running = true
	return nil
}

// Disable parks the pin low.
func (p *PinClock) Disable() error {
	p.running = false
	return p.Pin.Out(gpio.Low)
}

// SetRate stores f and, when running, restarts the output at the new rate.
func (p *PinClock) SetRate(f physic.Frequency) error {
	p.Rate = f
	if p.running {
		return p.Pin.PWM(gpio.DutyHalf, f)
	}
	return nil
}

// Fixed is a clock the board keeps running; gating is a no-op but the rate
// is remembered for reporting.
type Fixed struct {
	ClockName string
	Rate      physic.Frequency
}

func (f *Fixed) Name() string                    { return f.ClockName }
func (f *Fixed) Enable() error                   { return nil }
func (f *Fixed) Disable() error                  { return nil }
func (f *Fixed) SetRate(r physic.Frequency) error { f.Rate = r; return nil }
