// Package panel implements a panel driver whose hooks send command
// sequences taken from configuration.
package panel

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"dsictl/internal/dsi"
	"dsictl/internal/errcode"
	appLog "dsictl/internal/log"
)

// DCS commands used for partial updates.
const (
	dcsSetColumnAddress = 0x2a
	dcsSetPageAddress   = 0x2b

	dtDCSLongWrite = 0x39
)

// CommandSpec is one command as written in configuration, e.g.
// {type: 0x15, payload: "51 ff", wait_ms: 0}.
type CommandSpec struct {
	DataType int    `yaml:"type" json:"type"`
	Payload  string `yaml:"payload" json:"payload"`
	WaitMS   int    `yaml:"wait_ms,omitempty" json:"wait_ms,omitempty"`
}

// Compile decodes specs into commands. Payload bytes are hex, optionally
// separated by spaces.
func Compile(specs []CommandSpec) ([]dsi.Command, error) {
	out := make([]dsi.Command, 0, len(specs))
	for i, s := range specs {
		if s.DataType < 0 || s.DataType > 0x3f {
			return nil, errcode.New(errcode.InvalidArgument, "compile command",
				fmt.Sprintf("#%d: data type 0x%x", i, s.DataType))
		}
		payload, err := hex.DecodeString(strings.Join(strings.Fields(s.Payload), ""))
		if err != nil {
			return nil, errcode.Wrap(errcode.InvalidArgument, fmt.Sprintf("compile command #%d", i), err)
		}
		if s.WaitMS < 0 {
			return nil, errcode.New(errcode.InvalidArgument, "compile command",
				fmt.Sprintf("#%d: wait_ms=%d", i, s.WaitMS))
		}
		out = append(out, dsi.Command{
			DataType: byte(s.DataType),
			Payload:  payload,
			Wait:     time.Duration(s.WaitMS) * time.Millisecond,
		})
	}
	return out, nil
}

// Sequences are the command lists a panel is driven with. Empty lists are
// skipped.
type Sequences struct {
	On      []dsi.Command
	Off     []dsi.Command
	IdleOn  []dsi.Command
	IdleOff []dsi.Command
	HBMOn   []dsi.Command
	HBMOff  []dsi.Command
}

// CmdPanel drives a panel from configured sequences. It implements
// dsi.Initializer, dsi.Finalizer, dsi.HBMSetter and dsi.ColumnPageAddresser.
type CmdPanel struct {
	name string
	seq  Sequences
	log  appLog.Logger
}

// DozePanel is a CmdPanel with an idle mode; it also implements
// dsi.LowPowerConfigurer.
type DozePanel struct {
	*CmdPanel
}

// New returns the driver for seq. Panels without idle sequences do not get
// a low power hook, so the controller keeps them ON when asked to doze.
func New(name string, seq Sequences) dsi.Panel {
	p := &CmdPanel{name: name, seq: seq, log: appLog.With("component", "panel", "panel", name)}
	if len(seq.IdleOn) > 0 || len(seq.IdleOff) > 0 {
		return &DozePanel{p}
	}
	return p
}

func (p *CmdPanel) Name() string { return p.name }

func (p *CmdPanel) run(tx dsi.Transmitter, what string, cmds []dsi.Command) error {
	if len(cmds) == 0 {
		p.log.Debug("no commands", "sequence", what)
		return nil
	}
	if err := tx.Send(cmds...); err != nil {
		return fmt.Errorf("%s sequence: %w", what, err)
	}
	p.log.Debug("sequence sent", "sequence", what, "commands", len(cmds))
	return nil
}

func (p *CmdPanel) On(tx dsi.Transmitter) error  { return p.run(tx, "on", p.seq.On) }
func (p *CmdPanel) Off(tx dsi.Transmitter) error { return p.run(tx, "off", p.seq.Off) }

// SetHBM sends the HBM on or off sequence.
func (p *CmdPanel) SetHBM(tx dsi.Transmitter, on bool) error {
	if on {
		return p.run(tx, "hbm on", p.seq.HBMOn)
	}
	return p.run(tx, "hbm off", p.seq.HBMOff)
}

// SetColumnPageAddress limits panel memory writes to roi.
func (p *CmdPanel) SetColumnPageAddress(tx dsi.Transmitter, roi dsi.Rect) error {
	return p.run(tx, "column/page address", []dsi.Command{
		{DataType: dtDCSLongWrite, Payload: addrPayload(dcsSetColumnAddress, roi.X, roi.X+roi.W-1)},
		{DataType: dtDCSLongWrite, Payload: addrPayload(dcsSetPageAddress, roi.Y, roi.Y+roi.H-1)},
	})
}

func addrPayload(cmd byte, start, end int) []byte {
	return []byte{cmd, byte(start >> 8), byte(start), byte(end >> 8), byte(end)}
}

// LowPowerConfig sends the idle on or off sequence.
func (p *DozePanel) LowPowerConfig(tx dsi.Transmitter, enter bool) error {
	if enter {
		return p.run(tx, "idle on", p.seq.IdleOn)
	}
	return p.run(tx, "idle off", p.seq.IdleOff)
}
