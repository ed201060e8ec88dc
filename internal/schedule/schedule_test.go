package schedule

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dsictl/internal/config"
	"dsictl/internal/dsi"
	"dsictl/internal/errcode"
)

type target struct {
	mu     sync.Mutex
	events []dsi.Event
	states []dsi.PowerState
	fired  chan struct{}
	err    error
}

func (t *target) Handle(ev dsi.Event) error {
	t.mu.Lock()
	t.events = append(t.events, ev)
	t.mu.Unlock()
	if t.fired != nil {
		select {
		case t.fired <- struct{}{}:
		default:
		}
	}
	return t.err
}

func (t *target) RequestPowerState(ps dsi.PowerState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = append(t.states, ps)
	return t.err
}

func TestCompile(t *testing.T) {
	tg := &target{}
	data := []struct {
		entry  config.ScheduleEntry
		action string
	}{
		{config.ScheduleEntry{Cron: "0 23 * * *", Power: "doze"}, "power doze"},
		{config.ScheduleEntry{Cron: "0 7 * * *", Event: "unblank"}, "unblank"},
		{config.ScheduleEntry{Cron: "0 1 * * *", Event: "panel_update_fps", FPS: 30}, "panel_update_fps(30)"},
	}
	for i, line := range data {
		action, run, err := compile(line.entry, tg)
		if err != nil {
			t.Fatalf("#%d: %v", i, err)
		}
		if action != line.action {
			t.Errorf("#%d: action %q, want %q", i, action, line.action)
		}
		if err := run(); err != nil {
			t.Fatal(err)
		}
	}
	if len(tg.states) != 1 || tg.states[0] != dsi.PowerDoze {
		t.Fatalf("states %v", tg.states)
	}
	if len(tg.events) != 2 || tg.events[1] != (dsi.UpdateFPS{FPS: 30}) {
		t.Fatalf("events %v", tg.events)
	}
}

func TestNewRejectsBadEntries(t *testing.T) {
	data := []struct {
		entry config.ScheduleEntry
		want  string
	}{
		{config.ScheduleEntry{Cron: "0 25 * * *", Event: "unblank"}, "cron"},
		{config.ScheduleEntry{Cron: "0 1 * * *", Event: "reboot"}, "unknown event"},
		{config.ScheduleEntry{Cron: "0 1 * * *", Power: "sleep"}, "sleep"},
	}
	for i, line := range data {
		_, err := New([]config.ScheduleEntry{line.entry}, time.UTC, &target{})
		if err == nil || !strings.Contains(err.Error(), line.want) {
			t.Errorf("#%d: got %v, want %q", i, err, line.want)
		}
	}
}

func TestUpcomingOrder(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)
	s, err := New([]config.ScheduleEntry{
		{Cron: "0 23 * * *", Power: "doze"},
		{Cron: "*/1 * * * *", Event: "panel_on"},
	}, loc, &target{})
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop(context.Background())
	up := s.Upcoming()
	if len(up) != 2 {
		t.Fatalf("%d entries", len(up))
	}
	if up[1].Next.Before(up[0].Next) {
		t.Fatalf("order %+v", up)
	}
	for _, u := range up {
		if u.Action == "power doze" && u.Next.In(loc).Hour() != 23 {
			t.Fatalf("next run %v not in schedule zone", u.Next)
		}
	}
}

func TestEntriesFire(t *testing.T) {
	tg := &target{fired: make(chan struct{}, 1), err: errcode.New(errcode.HardwareTimeout, "test", "")}
	s, err := New([]config.ScheduleEntry{{Cron: "@every 1s", Event: "panel_on"}}, time.UTC, tg)
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop(context.Background())
	select {
	case <-tg.fired:
	case <-time.After(3 * time.Second):
		t.Fatal("entry never fired")
	}
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if !errors.Is(tg.err, errcode.HardwareTimeout) || tg.events[0] != (dsi.PanelOn{}) {
		t.Fatalf("events %v", tg.events)
	}
}

func TestResolveLocation(t *testing.T) {
	if ResolveLocation("") != time.Local || ResolveLocation("Local") != time.Local {
		t.Fatal("local zone not used")
	}
	if ResolveLocation("No/Such_Zone") != time.Local {
		t.Fatal("bad zone must fall back")
	}
	if ResolveLocation("UTC").String() != "UTC" {
		t.Fatal("UTC")
	}
}
