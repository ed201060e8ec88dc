package pinctrl

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// tracePin records every level driven on it.
type tracePin struct {
	*gpiotest.Pin
	levels []gpio.Level
	fail   bool
}

func newTracePin(name string, num int) *tracePin {
	return &tracePin{Pin: &gpiotest.Pin{N: name, Num: num}}
}

func (p *tracePin) Out(l gpio.Level) error {
	if p.fail {
		return errors.New("pin busy")
	}
	p.levels = append(p.levels, l)
	return p.Pin.Out(l)
}

func TestEnableRunsResetWaveform(t *testing.T) {
	rst := newTracePin("GPIO23", 23)
	en := newTracePin("GPIO22", 22)
	mode := newTracePin("GPIO25", 25)
	var holds []time.Duration
	c := New(Config{
		Reset:     rst,
		Enable:    en,
		Mode:      mode,
		ModeLevel: gpio.High,
		Sleep:     func(d time.Duration) { holds = append(holds, d) },
	})
	if err := c.Enable(); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rst.levels, []gpio.Level{gpio.High, gpio.Low, gpio.High}) {
		t.Fatalf("reset levels %v", rst.levels)
	}
	if !reflect.DeepEqual(holds, []time.Duration{20 * time.Millisecond, 200 * time.Microsecond, 20 * time.Millisecond}) {
		t.Fatalf("holds %v", holds)
	}
	if en.L != gpio.High || mode.L != gpio.High {
		t.Fatal("enable and mode should be high")
	}
}

func TestEnableFailsOnResetPin(t *testing.T) {
	rst := newTracePin("GPIO23", 23)
	rst.fail = true
	c := New(Config{Reset: rst, Sleep: func(time.Duration) {}})
	if err := c.Enable(); err == nil {
		t.Fatal("expected error")
	}
}

func TestDisableParksEverything(t *testing.T) {
	rst := newTracePin("GPIO23", 23)
	en := newTracePin("GPIO22", 22)
	bl := newTracePin("GPIO18", 18)
	park := &gpiotest.Pin{N: "GPIO2", Num: 2}
	c := New(Config{
		Reset:     rst,
		Enable:    en,
		Backlight: bl,
		Suspend:   []Setting{{Pin: park, Pull: gpio.PullDown}},
		Sleep:     func(time.Duration) {},
	})
	en.fail = true
	if err := c.Disable(); err == nil {
		t.Fatal("enable pin failure should be reported")
	}
	if rst.L != gpio.Low || bl.L != gpio.Low {
		t.Fatal("reset and backlight should still be driven low")
	}
	if park.P != gpio.PullDown {
		t.Fatalf("suspend state not applied: pull=%s", park.P)
	}
}

func TestSelectActiveState(t *testing.T) {
	p := &gpiotest.Pin{N: "GPIO3", Num: 3}
	c := New(Config{Active: []Setting{{Pin: p, Out: true, Level: gpio.High}}})
	if err := c.SelectState(true); err != nil {
		t.Fatal(err)
	}
	if p.L != gpio.High {
		t.Fatal("active state should drive high")
	}
}

func TestConfigureTE(t *testing.T) {
	te := &gpiotest.Pin{N: "GPIO24", Num: 24}
	c := New(Config{TE: te})
	if !c.HasTE() {
		t.Fatal("HasTE")
	}
	if err := c.ConfigureTE(); err != nil {
		t.Fatal(err)
	}
	if te.P != gpio.PullDown {
		t.Fatalf("pull=%s", te.P)
	}
	if New(Config{}).ConfigureTE() != nil {
		t.Fatal("missing TE is not an error")
	}
}
