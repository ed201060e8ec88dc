// Package power sequences the supply rails feeding a DSI controller and its
// panel.
//
// Rails are grouped in domains. A domain is switched as a unit: rails come
// up in declaration order and go down in reverse, each with its own load
// vote and settle delays.
package power

import (
	"fmt"
	"io"
	"time"

	"periph.io/x/conn/v3/physic"

	"dsictl/internal/errcode"
	appLog "dsictl/internal/log"
)

// Domain identifies a group of rails switched together.
type Domain int

const (
	// DomainCore feeds the controller core. It follows the clocks.
	DomainCore Domain = iota
	// DomainIOVDD feeds the controller and PHY I/O.
	DomainIOVDD
	// DomainPanel feeds the panel itself.
	DomainPanel

	NumDomains
)

func (d Domain) String() string {
	switch d {
	case DomainCore:
		return "core"
	case DomainIOVDD:
		return "iovdd"
	case DomainPanel:
		return "panel"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// ParseDomain is the inverse of Domain.String.
func ParseDomain(s string) (Domain, error) {
	for d := DomainCore; d < NumDomains; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, errcode.New(errcode.InvalidArgument, "parse domain", s)
}

// Regulator is the switch behind one rail.
type Regulator interface {
	String() string
	Enable() error
	Disable() error
}

// VoltageSetter is implemented by regulators whose output can be programmed.
type VoltageSetter interface {
	SetVoltage(min, max physic.ElectricPotential) error
}

// LoadSetter is implemented by regulators that accept a load vote, which
// selects their operating mode.
type LoadSetter interface {
	SetLoad(physic.ElectricCurrent) error
}

// Rail is one supply. Values are fixed once configuration is loaded.
type Rail struct {
	Name        string
	MinVoltage  physic.ElectricPotential
	MaxVoltage  physic.ElectricPotential
	EnableLoad  physic.ElectricCurrent
	DisableLoad physic.ElectricCurrent

	PreOnSleep   time.Duration
	PostOnSleep  time.Duration
	PreOffSleep  time.Duration
	PostOffSleep time.Duration

	Reg Regulator
}

// Sequencer drives every domain of one controller.
//
// It is not safe for concurrent use; the controller's transition lock
// serializes all calls.
type Sequencer struct {
	rails   [NumDomains][]Rail
	enabled [NumDomains]bool
	sleep   func(time.Duration)
	log     appLog.Logger
}

// NewSequencer builds a Sequencer. sleep defaults to time.Sleep.
func NewSequencer(domains map[Domain][]Rail, sleep func(time.Duration)) (*Sequencer, error) {
	if sleep == nil {
		sleep = time.Sleep
	}
	s := &Sequencer{sleep: sleep, log: appLog.With("component", "power")}
	for d, rails := range domains {
		if d < 0 || d >= NumDomains {
			return nil, errcode.New(errcode.InvalidArgument, "new sequencer", d.String())
		}
		for _, r := range rails {
			if r.Reg == nil {
				return nil, errcode.New(errcode.ResourceUnavailable, "new sequencer",
					fmt.Sprintf("rail %s in %s has no regulator", r.Name, d))
			}
		}
		s.rails[d] = append([]Rail(nil), rails...)
	}
	return s, nil
}

// Rails returns the rails of d in declaration order.
func (s *Sequencer) Rails(d Domain) []Rail {
	return s.rails[d]
}

// Enabled reports whether d is currently switched on.
func (s *Sequencer) Enabled(d Domain) bool {
	return s.enabled[d]
}

// Unenforced lists the configured rail settings that the rail's regulator
// cannot apply, as "rail: voltage" or "rail: load".
func (s *Sequencer) Unenforced() []string {
	var out []string
	for d := DomainCore; d < NumDomains; d++ {
		for _, r := range s.rails[d] {
			if _, ok := r.Reg.(VoltageSetter); !ok && (r.MinVoltage != 0 || r.MaxVoltage != 0) {
				out = append(out, r.Name+": voltage")
			}
			if _, ok := r.Reg.(LoadSetter); !ok && (r.EnableLoad != 0 || r.DisableLoad != 0) {
				out = append(out, r.Name+": load")
			}
		}
	}
	return out
}

// Configure programs voltages once at attach time. Settings the regulator
// cannot apply are logged and skipped.
func (s *Sequencer) Configure() error {
	for _, u := range s.Unenforced() {
		s.log.Warn("rail setting not applied by regulator", "setting", u)
	}
	for d := DomainCore; d < NumDomains; d++ {
		for _, r := range s.rails[d] {
			vs, ok := r.Reg.(VoltageSetter)
			if !ok || (r.MinVoltage == 0 && r.MaxVoltage == 0) {
				continue
			}
			if err := vs.SetVoltage(r.MinVoltage, r.MaxVoltage); err != nil {
				s.log.Error("failed to set rail voltage", err, "domain", d, "rail", r.Name)
				return errcode.Wrap(errcode.ResourceUnavailable, "configure "+r.Name, err)
			}
			s.log.Debug("rail configured", "domain", d, "rail", r.Name, "min", r.MinVoltage, "max", r.MaxVoltage)
		}
	}
	return nil
}

// EnableDomain switches d on or off.
//
// It returns the index of the first rail that failed, or the rail count
// when every rail switched. When switching on, rails that did come up are
// left on so the caller can decide how far to roll back with
// RollbackDomain. When switching off, every rail is attempted and the
// first failure is reported.
//
// Switching a domain to the state it is already in is AlreadyInState.
func (s *Sequencer) EnableDomain(d Domain, on bool) (int, error) {
	if d < 0 || d >= NumDomains {
		return 0, errcode.New(errcode.InvalidArgument, "enable domain", d.String())
	}
	if s.enabled[d] == on {
		return 0, errcode.New(errcode.AlreadyInState, "enable domain",
			fmt.Sprintf("%s already %s", d, onOff(on)))
	}
	rails := s.rails[d]
	if on {
		for i, r := range rails {
			if err := s.railOn(r); err != nil {
				s.log.Error("failed to enable rail", err, "domain", d, "rail", r.Name, "index", i)
				return i, err
			}
		}
		s.enabled[d] = true
		s.log.Debug("domain on", "domain", d, "rails", len(rails))
		return len(rails), nil
	}

	failed := len(rails)
	var first error
	for i := len(rails) - 1; i >= 0; i-- {
		if err := s.railOff(rails[i]); err != nil {
			s.log.Error("failed to disable rail", err, "domain", d, "rail", rails[i].Name)
			if first == nil {
				first, failed = err, i
			}
		}
	}
	s.enabled[d] = false
	s.log.Debug("domain off", "domain", d, "rails", len(rails))
	return failed, first
}

// RollbackDomain disables rails [0,n) of d in reverse order after a partial
// EnableDomain. The domain stays marked off.
func (s *Sequencer) RollbackDomain(d Domain, n int) error {
	rails := s.rails[d]
	if n > len(rails) {
		n = len(rails)
	}
	var first error
	for i := n - 1; i >= 0; i-- {
		if err := s.railOff(rails[i]); err != nil && first == nil {
			first = err
		}
	}
	s.enabled[d] = false
	s.log.Debug("domain rolled back", "domain", d, "rails", n)
	return first
}

// Release closes regulator handles that need it. It is the detach-time
// counterpart of Configure.
func (s *Sequencer) Release() error {
	var first error
	for d := NumDomains - 1; d >= DomainCore; d-- {
		for _, r := range s.rails[d] {
			if c, ok := r.Reg.(io.Closer); ok {
				if err := c.Close(); err != nil && first == nil {
					first = err
				}
			}
		}
	}
	return first
}

func (s *Sequencer) railOn(r Rail) error {
	if r.PreOnSleep > 0 {
		s.sleep(r.PreOnSleep)
	}
	if ls, ok := r.Reg.(LoadSetter); ok && r.EnableLoad > 0 {
		if err := ls.SetLoad(r.EnableLoad); err != nil {
			return errcode.Wrap(errcode.ResourceUnavailable, "load "+r.Name, err)
		}
	}
	if err := r.Reg.Enable(); err != nil {
		return errcode.Wrap(errcode.ResourceUnavailable, "enable "+r.Name, err)
	}
	if r.PostOnSleep > 0 {
		s.sleep(r.PostOnSleep)
	}
	return nil
}

func (s *Sequencer) railOff(r Rail) error {
	if r.PreOffSleep > 0 {
		s.sleep(r.PreOffSleep)
	}
	if ls, ok := r.Reg.(LoadSetter); ok && r.DisableLoad > 0 {
		if err := ls.SetLoad(r.DisableLoad); err != nil {
			return errcode.Wrap(errcode.ResourceUnavailable, "load "+r.Name, err)
		}
	}
	if err := r.Reg.Disable(); err != nil {
		return errcode.Wrap(errcode.ResourceUnavailable, "disable "+r.Name, err)
	}
	if r.PostOffSleep > 0 {
		s.sleep(r.PostOffSleep)
	}
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
