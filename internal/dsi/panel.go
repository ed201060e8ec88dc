package dsi

import "time"

// Command is one pre-encoded DSI packet. The controller does not interpret
// the payload.
type Command struct {
	// DataType is the DSI data type, e.g. 0x05 DCS short write.
	DataType byte
	Payload  []byte
	// Wait is slept after the packet has been sent.
	Wait time.Duration
}

// Transmitter sends commands to the panel. Panel hooks receive one while
// the controller holds its clocks and transition lock.
type Transmitter interface {
	Send(cmds ...Command) error
}

// Panel is the panel driver attached to a controller. Everything beyond
// Name is optional: the controller checks for the interfaces below and
// skips hooks the panel does not implement.
type Panel interface {
	Name() string
}

// Initializer sends the panel's power-on command sequence.
type Initializer interface {
	On(tx Transmitter) error
}

// Finalizer sends the panel's power-off command sequence.
type Finalizer interface {
	Off(tx Transmitter) error
}

// LowPowerConfigurer moves the panel in and out of its idle/low-power mode.
type LowPowerConfigurer interface {
	LowPowerConfig(tx Transmitter, enter bool) error
}

// HBMSetter toggles high brightness mode.
type HBMSetter interface {
	SetHBM(tx Transmitter, on bool) error
}

// ColumnPageAddresser programs the panel's update window for partial
// updates.
type ColumnPageAddresser interface {
	SetColumnPageAddress(tx Transmitter, roi Rect) error
}

// DCS data types and commands the controller sends on its own.
const (
	dtDCSShortWrite0 = 0x05
	dtDCSShortWrite1 = 0x15
	dtDCSLongWrite   = 0x39

	dcsSetTearOff = 0x34
	dcsSetTearOn  = 0x35
)
