package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dsictl/internal/board"
	"dsictl/internal/config"
	"dsictl/internal/dsi"
	"dsictl/internal/errcode"
	appLog "dsictl/internal/log"
	"dsictl/internal/schedule"
	"dsictl/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	event      string
	args       string
	power      string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI flags override the config file if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("dsictl starting", "version", "0.1.0")

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"backend", conf.Registers.Backend,
		"panel", conf.Panel.Name,
		"type", conf.Panel.Type,
		"lanes", conf.Panel.Lanes,
		"frame_rate", conf.Panel.FrameRate,
		"schedule_count", len(conf.Schedule),
	)

	b, err := board.Open(conf)
	if err != nil {
		appLog.Error("failed to open board", err)
		os.Exit(1)
	}
	defer b.Close()

	ctrl, err := dsi.Attach(b.Config, b.Hardware, b.Panel)
	if err != nil {
		appLog.Error("failed to attach controller", err, "rc", errcode.Of(err).RC())
		b.Close()
		os.Exit(1)
	}

	if flags.event != "" || flags.power != "" {
		err := oneShot(ctrl, flags)
		printResult(err)
		if err != nil {
			b.Close()
			os.Exit(1)
		}
		return
	}

	if err := runDaemon(conf, ctrl); err != nil {
		appLog.Error("daemon failed", err)
		b.Close()
		os.Exit(1)
	}
	appLog.Info("dsictl exiting")
}

// oneShot applies a single event or power request and leaves the panel in
// the resulting state.
func oneShot(ctrl *dsi.Controller, flags flagConfig) error {
	if flags.power != "" {
		ps, err := dsi.ParsePowerState(flags.power)
		if err != nil {
			return err
		}
		return ctrl.RequestPowerState(ps)
	}
	var args dsi.EventArgs
	if flags.args != "" {
		if err := json.Unmarshal([]byte(flags.args), &args); err != nil {
			return errcode.Wrap(errcode.InvalidArgument, "parse -args", err)
		}
	}
	ev, err := dsi.NewEvent(flags.event, args)
	if err != nil {
		return err
	}
	return ctrl.Handle(ev)
}

func printResult(err error) {
	code := errcode.Of(err)
	out := map[string]any{"rc": code.RC(), "code": string(code)}
	if err != nil {
		out["error"] = err.Error()
	}
	_ = json.NewEncoder(os.Stdout).Encode(out)
}

func runDaemon(conf *config.Config, ctrl *dsi.Controller) error {
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	// Recovery power-cycles the panel outside the caller's context.
	err := ctrl.Handle(dsi.RegisterRecoveryHandler{Handler: func() {
		go powerCycle(ctrl)
	}})
	if err != nil {
		return err
	}

	sched, err := schedule.New(conf.Schedule, schedule.ResolveLocation(conf.Timezone), ctrl)
	if err != nil {
		return err
	}
	sched.Start()

	errCh := make(chan error, 1)
	if conf.Listen != "" {
		srv := web.NewServer(conf, ctrl, sched)
		go func() { errCh <- srv.Serve(ctx) }()
	} else {
		appLog.Info("HTTP API disabled")
	}

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errCh:
		cancel()
	}

	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	sched.Stop(stopCtx)
	if cerr := ctrl.Close(); cerr != nil {
		appLog.Error("failed to detach controller", cerr)
	}
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func powerCycle(ctrl *dsi.Controller) {
	appLog.Warn("panel recovery: power cycling")
	if err := ctrl.RequestPowerState(dsi.PowerOff); err != nil {
		appLog.Error("panel recovery: power off failed", err)
	}
	if err := ctrl.RequestPowerState(dsi.PowerOn); err != nil {
		appLog.Error("panel recovery: power on failed", err)
		return
	}
	if err := ctrl.Handle(dsi.Unblank{}); err != nil {
		appLog.Error("panel recovery: unblank failed", err)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/dsictl/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level (overrides config if set)")
	flag.StringVar(&cfg.event, "event", "", "Send one event (e.g. unblank, panel_off) and exit")
	flag.StringVar(&cfg.args, "args", "", `Event arguments as JSON, e.g. '{"state":"doze"}'`)
	flag.StringVar(&cfg.power, "power", "", "Request one power state (on, off, doze) and exit")

	flag.Parse()

	return cfg
}
