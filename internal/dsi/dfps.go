package dsi

import (
	"fmt"

	"dsictl/internal/errcode"
	"dsictl/internal/regs"
)

// updateFPS changes the refresh rate using the configured strategy.
func (c *Controller) updateFPS(fps int) error {
	const op = "update fps"
	if !c.cfg.DynamicFPS {
		return errcode.New(errcode.UnsupportedConfiguration, op, "dynamic fps not enabled for "+c.panel.Name())
	}
	if fps <= 0 {
		return errcode.New(errcode.InvalidArgument, op, fmt.Sprintf("fps=%d", fps))
	}
	if fps == c.cfg.FrameRate {
		c.log.Debug("panel already at this fps", "fps", fps)
		return nil
	}
	from := c.cfg.FrameRate
	var err error
	if c.cfg.DFPSMode == DFPSImmediatePorch {
		err = c.porchUpdate(fps)
	} else {
		err = c.clockUpdate(fps)
	}
	if err != nil {
		return err
	}
	c.log.Info("frame rate changed", "from", from, "to", fps, "mode", c.cfg.DFPSMode)
	return nil
}

// porchUpdate keeps the pixel clock and stretches the vertical front porch
// so one frame takes 1/fps. The new total is latched through the pending
// bit of VIDEO_MODE_TOTAL.
func (c *Controller) porchUpdate(fps int) error {
	const op = "porch update"
	ht := c.timing.HTotal()
	vt := int(c.plan.hertz() / int64(ht*fps))
	nt := c.timing
	nt.VFrontPorch += vt - c.timing.VTotal()
	if nt.VFrontPorch < 1 {
		return errcode.New(errcode.UnsupportedConfiguration, op,
			fmt.Sprintf("%d fps needs vtotal %d, below the active area", fps, vt))
	}

	if c.hw.Clocks.On() {
		cur, err := c.hw.Ctrl.Read32(regVideoTotal)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		next := totalValue(nt)
		seq := []uint32{cur | totalPending}
		if next&totalPending != 0 {
			seq = append(seq, next)
		} else {
			seq = append(seq, next|totalPending, next&totalMask)
		}
		for _, v := range seq {
			if err := c.prog.write(c.hw.Ctrl, regVideoTotal, v); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		if err := c.hw.Ctrl.Barrier(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	} else {
		c.log.Debug("clocks off, new porch applies at next power on", "vtotal", nt.VTotal())
	}
	c.timing = nt
	c.cfg.FrameRate = fps
	c.plan.FrameRate = fps
	return nil
}

// clockUpdate recomputes the link clocks for fps. In immediate mode with
// the link running, the video engine is paused while the clocks cycle.
// The new rate is recorded only once the clocks run at it.
func (c *Controller) clockUpdate(fps int) error {
	plan, err := computeClocks(&c.cfg, c.timing, fps)
	if err != nil {
		c.log.Error("unable to compute clock dividers", err, "fps", fps)
		return err
	}
	prev := c.plan
	if err := c.applyClockRates(plan); err != nil {
		c.restoreClockRates(prev)
		return fmt.Errorf("clock update: %w", err)
	}
	if c.cfg.DFPSMode != DFPSImmediateClk || !c.hw.Clocks.On() {
		c.plan = plan
		c.cfg.FrameRate = fps
		return nil
	}

	ctrl, err := c.hw.Ctrl.Read32(regCtrl)
	if err != nil {
		c.restoreClockRates(prev)
		return fmt.Errorf("clock update: %w", err)
	}
	if err := c.prog.write(c.hw.Ctrl, regCtrl, ctrl&^ctrlVideoMode); err != nil {
		c.restoreClockRates(prev)
		return fmt.Errorf("clock update: %w", err)
	}
	if err := c.prog.controllerCfg(true); err != nil {
		c.restoreClockRates(prev)
		return fmt.Errorf("clock update: %w", err)
	}
	if err := c.hw.Clocks.Disable(); err != nil {
		c.log.Error("clock cycle off failed", err)
	}
	if err := c.hw.Clocks.Enable(); err != nil {
		return c.recoverClocks(prev, ctrl, fmt.Errorf("clock update: %w", err))
	}
	c.plan = plan
	c.cfg.FrameRate = fps
	if err := regs.WriteSync(c.hw.Ctrl, regCtrl, ctrl|ctrlVideoMode); err != nil {
		return fmt.Errorf("clock update: %w", err)
	}
	return nil
}

// recoverClocks brings the link back at the previous rates after the
// clocks failed to restart at new ones. If that fails too, every clock
// reference is dropped so the next user starts the clocks again.
func (c *Controller) recoverClocks(prev ClockPlan, ctrl uint32, cause error) error {
	c.restoreClockRates(prev)
	if err := c.hw.Clocks.Enable(); err != nil {
		c.log.Error("clocks did not restart at previous rates", err)
		if rerr := c.clkReleaseAll(); rerr != nil {
			c.log.Error("clock release failed", rerr)
		}
		return cause
	}
	if err := regs.WriteSync(c.hw.Ctrl, regCtrl, ctrl|ctrlVideoMode); err != nil {
		c.log.Error("video engine restart failed", err)
	}
	return cause
}

func (c *Controller) restoreClockRates(prev ClockPlan) {
	if err := c.applyClockRates(prev); err != nil {
		c.log.Error("restoring clock rates failed", err)
	}
}
