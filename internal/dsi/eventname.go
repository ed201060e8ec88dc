package dsi

import (
	"fmt"

	"dsictl/internal/errcode"
)

// EventArgs carries the arguments of an event received by name, e.g. from
// the HTTP API or a schedule entry.
type EventArgs struct {
	// State is the target power state of blank and panel_off ("off" when
	// empty).
	State  string `json:"state,omitempty" yaml:"state,omitempty"`
	Enable bool   `json:"enable,omitempty" yaml:"enable,omitempty"`
	FPS    int    `json:"fps,omitempty" yaml:"fps,omitempty"`
	ROI    *Rect  `json:"roi,omitempty" yaml:"roi,omitempty"`
}

// NewEvent builds the event called name. Recovery registration takes a
// callback and can not be built this way.
func NewEvent(name string, a EventArgs) (Event, error) {
	const op = "new event"
	state := func() (PowerState, error) {
		if a.State == "" {
			return PowerOff, nil
		}
		return ParsePowerState(a.State)
	}
	roi := func() Rect {
		if a.ROI == nil {
			return Rect{}
		}
		return *a.ROI
	}
	switch name {
	case Unblank{}.Name():
		return Unblank{}, nil
	case PanelOn{}.Name():
		return PanelOn{}, nil
	case Blank{}.Name():
		s, err := state()
		return Blank{State: s}, err
	case PanelOff{}.Name():
		s, err := state()
		return PanelOff{State: s}, err
	case ContSplashBegin{}.Name():
		return ContSplashBegin{}, nil
	case ContSplashFinish{}.Name():
		return ContSplashFinish{}, nil
	case ClkCtrl{}.Name():
		return ClkCtrl{Enable: a.Enable}, nil
	case CmdlistKickoff{}.Name():
		return CmdlistKickoff{}, nil
	case UpdateFPS{}.Name():
		if a.FPS < 0 {
			return nil, errcode.New(errcode.InvalidArgument, op, fmt.Sprintf("fps=%d", a.FPS))
		}
		return UpdateFPS{FPS: a.FPS}, nil
	case EnableTE{}.Name():
		return EnableTE{Enable: a.Enable}, nil
	case EnableHBM{}.Name():
		return EnableHBM{Enable: a.Enable}, nil
	case EnablePartialROI{}.Name():
		return EnablePartialROI{ROI: roi()}, nil
	case StreamSize{}.Name():
		return StreamSize{ROI: roi()}, nil
	}
	return nil, errcode.New(errcode.InvalidArgument, op, "unknown event "+name)
}
