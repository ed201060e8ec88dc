// Package dsi implements the power and mode state machine of a DSI panel
// controller, the register programmer behind it and the event interface the
// display pipeline drives it with.
package dsi

import (
	"fmt"
	"strings"
	"time"

	"dsictl/internal/errcode"
)

// PowerState is the panel power state. Exactly one is current.
type PowerState int

const (
	PowerOff PowerState = iota
	PowerOn
	PowerDoze
)

func (s PowerState) String() string {
	switch s {
	case PowerOff:
		return "off"
	case PowerOn:
		return "on"
	case PowerDoze:
		return "doze"
	default:
		return fmt.Sprintf("power(%d)", int(s))
	}
}

func (s PowerState) valid() bool {
	return s >= PowerOff && s <= PowerDoze
}

// ParsePowerState is the inverse of PowerState.String.
func ParsePowerState(s string) (PowerState, error) {
	switch strings.ToLower(s) {
	case "off":
		return PowerOff, nil
	case "on":
		return PowerOn, nil
	case "doze", "lp":
		return PowerDoze, nil
	}
	return 0, errcode.New(errcode.InvalidArgument, "parse power state", s)
}

// CtrlState tracks what the controller has done to the panel, independently
// of its power state.
type CtrlState uint32

const (
	// CtrlUnknown is set at attach when no boot splash is running.
	CtrlUnknown CtrlState = 1 << iota
	// CtrlPanelInit is set once the panel init sequence has been sent.
	CtrlPanelInit
	// CtrlMDPActive is set while the compositor owns the panel.
	CtrlMDPActive
)

func (s CtrlState) String() string {
	var parts []string
	if s&CtrlUnknown != 0 {
		parts = append(parts, "unknown")
	}
	if s&CtrlPanelInit != 0 {
		parts = append(parts, "panel_init")
	}
	if s&CtrlMDPActive != 0 {
		parts = append(parts, "mdp_active")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// BlankState is what the panel is showing.
type BlankState int

const (
	Blanked BlankState = iota
	Unblanked
	BlankLowPower
)

func (b BlankState) String() string {
	switch b {
	case Unblanked:
		return "unblank"
	case BlankLowPower:
		return "low_power"
	default:
		return "blank"
	}
}

// PanelType selects how pixels reach the panel.
type PanelType int

const (
	// VideoPanel streams pixels continuously.
	VideoPanel PanelType = iota
	// CommandPanel has its own frame memory, updated on demand.
	CommandPanel
)

func (p PanelType) String() string {
	if p == CommandPanel {
		return "command"
	}
	return "video"
}

// LinkState is the link mode a command sequence is sent in.
type LinkState int

const (
	LinkLP LinkState = iota
	LinkHS
)

func (l LinkState) String() string {
	if l == LinkHS {
		return "hs"
	}
	return "lp"
}

// DFPSMode selects the dynamic refresh rate strategy.
type DFPSMode int

const (
	// DFPSSuspendResume recomputes clocks; they take effect on next power on.
	DFPSSuspendResume DFPSMode = iota
	// DFPSImmediateClk recomputes clocks and cycles them right away.
	DFPSImmediateClk
	// DFPSImmediatePorch stretches the vertical front porch in place.
	DFPSImmediatePorch
)

func (m DFPSMode) String() string {
	switch m {
	case DFPSImmediateClk:
		return "dfps_immediate_clk_mode"
	case DFPSImmediatePorch:
		return "dfps_immediate_porch_mode"
	default:
		return "dfps_suspend_resume_mode"
	}
}

// ParseDFPSMode maps a mode name to DFPSMode. Unknown names fall back to
// suspend/resume.
func ParseDFPSMode(s string) DFPSMode {
	switch s {
	case "dfps_immediate_clk_mode", "immediate_clk":
		return DFPSImmediateClk
	case "dfps_immediate_porch_mode", "immediate_porch":
		return DFPSImmediatePorch
	default:
		return DFPSSuspendResume
	}
}

// Timing is the panel video timing in pixels and lines.
type Timing struct {
	XRes        int
	YRes        int
	HBackPorch  int
	HFrontPorch int
	HPulseWidth int
	VBackPorch  int
	VFrontPorch int
	VPulseWidth int
}

// HTotal is the line length including blanking.
func (t Timing) HTotal() int {
	return t.XRes + t.HBackPorch + t.HFrontPorch + t.HPulseWidth
}

// VTotal is the frame height including blanking.
func (t Timing) VTotal() int {
	return t.YRes + t.VBackPorch + t.VFrontPorch + t.VPulseWidth
}

// PhyTables are the board-specific PHY settings.
type PhyTables struct {
	Strength  [2]byte
	Regulator [7]byte
	Bist      [6]byte
	LaneCfg   [45]byte
}

// IdleRange gives the horizontal idle cycles for ROI widths in (Min, Max].
type IdleRange struct {
	Min, Max int
	Idle     uint32
}

// Rect is a region of interest in panel coordinates.
type Rect struct {
	X, Y, W, H int
}

// Config is the typed controller and panel configuration handed over at
// attach time.
type Config struct {
	Name           string
	Type           PanelType
	Lanes          int
	BPP            int
	VirtualChannel int
	Timing         Timing
	FrameRate      int

	LP11Init       bool
	InitDelay      time.Duration
	ForceClkLaneHS bool

	OnLink  LinkState
	OffLink LinkState

	VsyncEnable bool
	HWVsyncMode bool

	DynamicFPS bool
	DFPSMode   DFPSMode

	ContSplash     bool
	PartialUpdate  bool
	HorizontalIdle []IdleRange

	Phy PhyTables

	// CmdTimeout bounds the wait for a command DMA to finish.
	CmdTimeout time.Duration
}

func (c *Config) validate() error {
	const op = "attach"
	switch {
	case c.Lanes < 1 || c.Lanes > 4:
		return errcode.New(errcode.InvalidArgument, op, fmt.Sprintf("lanes=%d", c.Lanes))
	case c.FrameRate <= 0:
		return errcode.New(errcode.InvalidArgument, op, fmt.Sprintf("frame_rate=%d", c.FrameRate))
	case c.Timing.XRes <= 0 || c.Timing.YRes <= 0:
		return errcode.New(errcode.InvalidArgument, op, "panel resolution not set")
	}
	switch c.BPP {
	case 16, 18, 24:
	default:
		return errcode.New(errcode.InvalidArgument, op, fmt.Sprintf("bpp=%d", c.BPP))
	}
	if c.CmdTimeout <= 0 {
		c.CmdTimeout = 20 * time.Millisecond
	}
	return nil
}
