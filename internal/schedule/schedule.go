// Package schedule fires controller events on cron specs, e.g. dozing the
// panel at night and waking it in the morning.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"dsictl/internal/config"
	"dsictl/internal/dsi"
	appLog "dsictl/internal/log"
)

// Target is what schedule entries act on; *dsi.Controller satisfies it.
type Target interface {
	Handle(dsi.Event) error
	RequestPowerState(dsi.PowerState) error
}

// Upcoming describes the next run of one entry.
type Upcoming struct {
	Spec   string    `json:"spec"`
	Action string    `json:"action"`
	Next   time.Time `json:"next"`
}

// Scheduler owns a cron instance running the configured entries.
type Scheduler struct {
	cron    *cron.Cron
	actions map[cron.EntryID]string
	specs   map[cron.EntryID]string
	log     appLog.Logger
}

// New parses entries against loc. Nothing runs until Start.
func New(entries []config.ScheduleEntry, loc *time.Location, t Target) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	log := appLog.With("component", "schedule")
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{log})),
			cron.WithLogger(cronLogger{log}),
		),
		actions: map[cron.EntryID]string{},
		specs:   map[cron.EntryID]string{},
		log:     log,
	}
	for i, e := range entries {
		action, run, err := compile(e, t)
		if err != nil {
			return nil, fmt.Errorf("schedule[%d]: %w", i, err)
		}
		id, err := s.cron.AddFunc(e.Cron, func() {
			if err := run(); err != nil {
				log.Error("scheduled action failed", err, "action", action, "spec", e.Cron)
				return
			}
			log.Info("scheduled action done", "action", action)
		})
		if err != nil {
			return nil, fmt.Errorf("schedule[%d]: cron %q: %w", i, e.Cron, err)
		}
		s.actions[id] = action
		s.specs[id] = e.Cron
	}
	return s, nil
}

// compile turns an entry into a runnable action and its display name.
func compile(e config.ScheduleEntry, t Target) (string, func() error, error) {
	if e.Power != "" {
		ps, err := dsi.ParsePowerState(e.Power)
		if err != nil {
			return "", nil, err
		}
		return "power " + ps.String(), func() error { return t.RequestPowerState(ps) }, nil
	}
	ev, err := dsi.NewEvent(e.Event, dsi.EventArgs{FPS: e.FPS})
	if err != nil {
		return "", nil, err
	}
	action := ev.Name()
	if e.FPS > 0 {
		action = fmt.Sprintf("%s(%d)", action, e.FPS)
	}
	return action, func() error { return t.Handle(ev) }, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "entries", len(s.actions))
}

// Stop stops scheduling and waits for running actions or ctx, whichever
// comes first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("scheduled action still running at shutdown")
	}
}

// Upcoming lists the next run of every entry, soonest first. Next is zero
// until the scheduler has started.
func (s *Scheduler) Upcoming() []Upcoming {
	var out []Upcoming
	for _, e := range s.cron.Entries() {
		out = append(out, Upcoming{Spec: s.specs[e.ID], Action: s.actions[e.ID], Next: e.Next})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Next.Before(out[j].Next) })
	return out
}

// ResolveLocation loads an IANA zone name, falling back to the local zone.
func ResolveLocation(name string) *time.Location {
	if name == "" || name == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

// cronLogger routes cron's own messages to our logger.
type cronLogger struct {
	log appLog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, err, kv...)
}
