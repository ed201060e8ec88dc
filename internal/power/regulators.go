package power

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"periph.io/x/conn/v3/gpio"
)

// GPIOSwitch is a load switch or LDO whose enable input is wired to a GPIO.
type GPIOSwitch struct {
	Pin       gpio.PinOut
	ActiveLow bool
}

func (g *GPIOSwitch) String() string {
	return fmt.Sprintf("gpio-switch(%s)", g.Pin.Name())
}

func (g *GPIOSwitch) level(on bool) gpio.Level {
	if g.ActiveLow {
		return gpio.Level(!on)
	}
	return gpio.Level(on)
}

// Enable implements Regulator.
func (g *GPIOSwitch) Enable() error {
	return g.Pin.Out(g.level(true))
}

// Disable implements Regulator.
func (g *GPIOSwitch) Disable() error {
	return g.Pin.Out(g.level(false))
}

// Userspace drives a Linux "reg-userspace-consumer" device: writing
// "enabled" or "disabled" to its state attribute takes or drops the
// consumer's reference on the regulator.
type Userspace struct {
	// Dir is the consumer's sysfs directory, e.g.
	// /sys/devices/platform/lcd-vdd-consumer.
	Dir string
}

func (u *Userspace) String() string {
	return "userspace(" + filepath.Base(u.Dir) + ")"
}

// Enable implements Regulator.
func (u *Userspace) Enable() error {
	return u.write("enabled")
}

// Disable implements Regulator.
func (u *Userspace) Disable() error {
	return u.write("disabled")
}

// State reads back the consumer state.
func (u *Userspace) State() (string, error) {
	b, err := os.ReadFile(filepath.Join(u.Dir, "state"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (u *Userspace) write(state string) error {
	return os.WriteFile(filepath.Join(u.Dir, "state"), []byte(state+"\n"), 0o644)
}

// Fixed is an always-on supply that the board does not let us switch. It
// keeps rail ordering and delays intact in the sequencer.
type Fixed struct {
	Name string
}

func (f *Fixed) String() string { return "fixed(" + f.Name + ")" }

// Enable implements Regulator.
func (f *Fixed) Enable() error { return nil }

// Disable implements Regulator.
func (f *Fixed) Disable() error { return nil }
