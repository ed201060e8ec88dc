package dsi

import (
	"fmt"

	"periph.io/x/conn/v3/physic"

	"dsictl/internal/errcode"
)

// PHY limits for the per-lane bit rate and the PLL VCO.
const (
	minLaneRate = 80 * physic.MegaHertz
	maxLaneRate = 1500 * physic.MegaHertz
	minVCO      = 350 * physic.MegaHertz
	maxVCO      = 1500 * physic.MegaHertz

	escClockRate = 19200 * physic.KiloHertz
)

// ClockPlan is the clock configuration for one frame rate.
type ClockPlan struct {
	FrameRate  int
	PixelClock physic.Frequency
	LaneRate   physic.Frequency
	ByteClock  physic.Frequency
	VCO        physic.Frequency
	PostDiv    int
}

// computeClocks derives pixel, lane and byte clocks plus the PLL post
// divider for timing t at fps.
func computeClocks(cfg *Config, t Timing, fps int) (ClockPlan, error) {
	const op = "clock dividers"
	if fps <= 0 {
		return ClockPlan{}, errcode.New(errcode.InvalidArgument, op, fmt.Sprintf("fps=%d", fps))
	}
	pixels := int64(t.HTotal()) * int64(t.VTotal()) * int64(fps)
	pclk := physic.Frequency(pixels) * physic.Hertz
	lane := physic.Frequency(pixels*int64(cfg.BPP)/int64(cfg.Lanes)) * physic.Hertz
	if lane < minLaneRate || lane > maxLaneRate {
		return ClockPlan{}, errcode.New(errcode.UnsupportedConfiguration, op,
			fmt.Sprintf("lane rate %s at %d fps outside %s..%s", lane, fps, minLaneRate, maxLaneRate))
	}
	div := 1
	for lane*physic.Frequency(div) < minVCO {
		div *= 2
		if div > 16 {
			return ClockPlan{}, errcode.New(errcode.UnsupportedConfiguration, op,
				fmt.Sprintf("no post divider for lane rate %s", lane))
		}
	}
	vco := lane * physic.Frequency(div)
	if vco > maxVCO {
		return ClockPlan{}, errcode.New(errcode.UnsupportedConfiguration, op,
			fmt.Sprintf("vco %s above %s", vco, maxVCO))
	}
	return ClockPlan{
		FrameRate:  fps,
		PixelClock: pclk,
		LaneRate:   lane,
		ByteClock:  lane / 8,
		VCO:        vco,
		PostDiv:    div,
	}, nil
}

func (p ClockPlan) hertz() int64 {
	return int64(p.PixelClock / physic.Hertz)
}
