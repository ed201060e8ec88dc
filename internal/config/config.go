package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"dsictl/internal/panel"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Converting it into hardware objects is internal/board's job.

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// RegisterConfig selects how the controller and PHY register blocks are
// reached.
type RegisterConfig struct {
	// Backend is one of:
	//   - "pmem": memory-mapped through /dev/mem at CtrlBase/PhyBase
	//   - "i2c":  a bridge chip with a 16-bit register map on I2CBus/I2CAddr
	//   - "sim":  an in-memory register file, for running off-target
	Backend string `yaml:"backend" json:"backend"`

	CtrlBase uint64 `yaml:"ctrl_base,omitempty" json:"ctrl_base,omitempty"`
	CtrlSize int    `yaml:"ctrl_size,omitempty" json:"ctrl_size,omitempty"`
	PhyBase  uint64 `yaml:"phy_base,omitempty" json:"phy_base,omitempty"`
	PhySize  int    `yaml:"phy_size,omitempty" json:"phy_size,omitempty"`

	// I2CBus is the periph.io bus name ("" for the first bus).
	I2CBus  string `yaml:"i2c_bus,omitempty" json:"i2c_bus,omitempty"`
	I2CAddr uint16 `yaml:"i2c_addr,omitempty" json:"i2c_addr,omitempty"`
}

// ResetStep is one level of the reset waveform.
type ResetStep struct {
	High   bool `yaml:"high" json:"high"`
	HoldUS int  `yaml:"hold_us" json:"hold_us"`
}

// GPIOConfig names the panel-side pins, as known to periph.io's gpioreg
// (e.g. "GPIO17"). Empty names are not wired.
type GPIOConfig struct {
	Reset     string `yaml:"reset,omitempty" json:"reset,omitempty"`
	Enable    string `yaml:"enable,omitempty" json:"enable,omitempty"`
	Backlight string `yaml:"backlight,omitempty" json:"backlight,omitempty"`
	Mode      string `yaml:"mode,omitempty" json:"mode,omitempty"`
	// ModeHigh drives the mode pin high while the panel is powered.
	ModeHigh bool   `yaml:"mode_high,omitempty" json:"mode_high,omitempty"`
	TE       string `yaml:"te,omitempty" json:"te,omitempty"`

	// ResetSequence overrides the default high/low/high waveform.
	ResetSequence []ResetStep `yaml:"reset_sequence,omitempty" json:"reset_sequence,omitempty"`
}

// ClockConfig is one controller clock. Pin names a PWM capable GPIO
// generating it; without a pin the clock is fixed and only its rate is
// tracked.
type ClockConfig struct {
	Name   string `yaml:"name" json:"name"`
	Pin    string `yaml:"pin,omitempty" json:"pin,omitempty"`
	RateHz int64  `yaml:"rate_hz,omitempty" json:"rate_hz,omitempty"`
}

// RegulatorConfig selects the switch behind a rail.
type RegulatorConfig struct {
	// Type is "gpio", "userspace" or "fixed".
	Type      string `yaml:"type" json:"type"`
	Pin       string `yaml:"pin,omitempty" json:"pin,omitempty"`
	ActiveLow bool   `yaml:"active_low,omitempty" json:"active_low,omitempty"`
	// Dir is the sysfs directory of a reg-userspace-consumer device.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// RailConfig is one supply of a power domain.
type RailConfig struct {
	Name          string `yaml:"name" json:"name"`
	MinMicrovolt  int64  `yaml:"min_uv,omitempty" json:"min_uv,omitempty"`
	MaxMicrovolt  int64  `yaml:"max_uv,omitempty" json:"max_uv,omitempty"`
	EnableLoadUA  int64  `yaml:"enable_load_ua,omitempty" json:"enable_load_ua,omitempty"`
	DisableLoadUA int64  `yaml:"disable_load_ua,omitempty" json:"disable_load_ua,omitempty"`

	PreOnMS   int `yaml:"pre_on_ms,omitempty" json:"pre_on_ms,omitempty"`
	PostOnMS  int `yaml:"post_on_ms,omitempty" json:"post_on_ms,omitempty"`
	PreOffMS  int `yaml:"pre_off_ms,omitempty" json:"pre_off_ms,omitempty"`
	PostOffMS int `yaml:"post_off_ms,omitempty" json:"post_off_ms,omitempty"`

	Regulator RegulatorConfig `yaml:"regulator" json:"regulator"`
}

// PowerConfig lists the rails of each domain in enable order.
type PowerConfig struct {
	Core  []RailConfig `yaml:"core" json:"core"`
	IOVDD []RailConfig `yaml:"iovdd" json:"iovdd"`
	Panel []RailConfig `yaml:"panel" json:"panel"`
}

// TimingConfig is the panel video timing.
type TimingConfig struct {
	XRes        int `yaml:"xres" json:"xres"`
	YRes        int `yaml:"yres" json:"yres"`
	HBackPorch  int `yaml:"h_back_porch" json:"h_back_porch"`
	HFrontPorch int `yaml:"h_front_porch" json:"h_front_porch"`
	HPulseWidth int `yaml:"h_pulse_width" json:"h_pulse_width"`
	VBackPorch  int `yaml:"v_back_porch" json:"v_back_porch"`
	VFrontPorch int `yaml:"v_front_porch" json:"v_front_porch"`
	VPulseWidth int `yaml:"v_pulse_width" json:"v_pulse_width"`
}

// IdleConfig maps ROI widths in (min, max] to horizontal idle cycles.
type IdleConfig struct {
	Min  int    `yaml:"min" json:"min"`
	Max  int    `yaml:"max" json:"max"`
	Idle uint32 `yaml:"idle" json:"idle"`
}

// PhyConfig holds the PHY tables as hex strings, spaces allowed.
type PhyConfig struct {
	Strength  string `yaml:"strength,omitempty" json:"strength,omitempty"`
	Regulator string `yaml:"regulator,omitempty" json:"regulator,omitempty"`
	Bist      string `yaml:"bist,omitempty" json:"bist,omitempty"`
	LaneCfg   string `yaml:"lane_cfg,omitempty" json:"lane_cfg,omitempty"`
}

// PanelConfig describes the panel and how the controller drives it.
type PanelConfig struct {
	Name           string       `yaml:"name" json:"name"`
	Type           string       `yaml:"type" json:"type"` // "video" or "command"
	Lanes          int          `yaml:"lanes" json:"lanes"`
	BPP            int          `yaml:"bpp" json:"bpp"`
	VirtualChannel int          `yaml:"virtual_channel,omitempty" json:"virtual_channel,omitempty"`
	FrameRate      int          `yaml:"frame_rate" json:"frame_rate"`
	Timing         TimingConfig `yaml:"timing" json:"timing"`

	LP11Init       bool `yaml:"lp11_init,omitempty" json:"lp11_init,omitempty"`
	InitDelayUS    int  `yaml:"init_delay_us,omitempty" json:"init_delay_us,omitempty"`
	ForceClkLaneHS bool `yaml:"force_clk_lane_hs,omitempty" json:"force_clk_lane_hs,omitempty"`

	// OnLink and OffLink are "lp" or "hs".
	OnLink  string `yaml:"on_link" json:"on_link"`
	OffLink string `yaml:"off_link" json:"off_link"`

	VsyncEnable bool `yaml:"vsync_enable,omitempty" json:"vsync_enable,omitempty"`
	HWVsyncMode bool `yaml:"hw_vsync_mode,omitempty" json:"hw_vsync_mode,omitempty"`

	DynamicFPS bool   `yaml:"dynamic_fps,omitempty" json:"dynamic_fps,omitempty"`
	DFPSMode   string `yaml:"dfps_mode,omitempty" json:"dfps_mode,omitempty"`

	ContSplash     bool         `yaml:"cont_splash,omitempty" json:"cont_splash,omitempty"`
	PartialUpdate  bool         `yaml:"partial_update,omitempty" json:"partial_update,omitempty"`
	HorizontalIdle []IdleConfig `yaml:"horizontal_idle,omitempty" json:"horizontal_idle,omitempty"`

	CmdTimeoutMS int `yaml:"cmd_timeout_ms,omitempty" json:"cmd_timeout_ms,omitempty"`

	Phy PhyConfig `yaml:"phy,omitempty" json:"phy,omitempty"`

	OnCmds      []panel.CommandSpec `yaml:"on_cmds,omitempty" json:"on_cmds,omitempty"`
	OffCmds     []panel.CommandSpec `yaml:"off_cmds,omitempty" json:"off_cmds,omitempty"`
	IdleOnCmds  []panel.CommandSpec `yaml:"idle_on_cmds,omitempty" json:"idle_on_cmds,omitempty"`
	IdleOffCmds []panel.CommandSpec `yaml:"idle_off_cmds,omitempty" json:"idle_off_cmds,omitempty"`
	HBMOnCmds   []panel.CommandSpec `yaml:"hbm_on_cmds,omitempty" json:"hbm_on_cmds,omitempty"`
	HBMOffCmds  []panel.CommandSpec `yaml:"hbm_off_cmds,omitempty" json:"hbm_off_cmds,omitempty"`
}

// ScheduleEntry fires an event on a cron spec. Exactly one of Event or
// Power is set. FPS is the argument of "panel_update_fps".
type ScheduleEntry struct {
	Cron  string `yaml:"cron" json:"cron"`
	Event string `yaml:"event,omitempty" json:"event,omitempty"`
	Power string `yaml:"power,omitempty" json:"power,omitempty"`
	FPS   int    `yaml:"fps,omitempty" json:"fps,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is "debug", "info", "warn" or "error".
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Timezone is the IANA timezone schedule entries are evaluated in.
	Timezone string `yaml:"timezone" json:"timezone"`

	Registers RegisterConfig `yaml:"registers" json:"registers"`
	GPIO      GPIOConfig     `yaml:"gpio" json:"gpio"`
	Clocks    []ClockConfig  `yaml:"clocks" json:"clocks"`
	Power     PowerConfig    `yaml:"power" json:"power"`
	Panel     PanelConfig    `yaml:"panel" json:"panel"`

	Schedule []ScheduleEntry `yaml:"schedule,omitempty" json:"schedule,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration: a simulated
// 720x1280 video panel, so a first run works without hardware.
func DefaultConfig() *Config {
	return &Config{
		Listen:    "127.0.0.1:8080",
		LogLevel:  "info",
		Timezone:  "Local",
		Registers: RegisterConfig{Backend: "sim"},
		Clocks: []ClockConfig{
			{Name: "iface"},
			{Name: "byte"},
			{Name: "pixel"},
			{Name: "esc", RateHz: 19200000},
		},
		Power: PowerConfig{
			Core:  []RailConfig{{Name: "vdda", Regulator: RegulatorConfig{Type: "fixed"}}},
			IOVDD: []RailConfig{{Name: "vddio", Regulator: RegulatorConfig{Type: "fixed"}}},
			Panel: []RailConfig{{Name: "vsp", PostOnMS: 1, Regulator: RegulatorConfig{Type: "fixed"}}},
		},
		Panel: PanelConfig{
			Name:      "sim-720p",
			Type:      "video",
			Lanes:     4,
			BPP:       24,
			FrameRate: 60,
			Timing: TimingConfig{
				XRes: 720, YRes: 1280,
				HBackPorch: 100, HFrontPorch: 20, HPulseWidth: 20,
				VBackPorch: 32, VFrontPorch: 10, VPulseWidth: 2,
			},
			OnLink:     "lp",
			OffLink:    "lp",
			DynamicFPS: true,
			DFPSMode:   "dfps_immediate_porch_mode",
			OnCmds: []panel.CommandSpec{
				{DataType: 0x05, Payload: "11", WaitMS: 120},
				{DataType: 0x05, Payload: "29", WaitMS: 20},
			},
			OffCmds: []panel.CommandSpec{
				{DataType: 0x05, Payload: "28", WaitMS: 20},
				{DataType: 0x05, Payload: "10", WaitMS: 120},
			},
		},
		Schedule:  []ScheduleEntry{},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	c.Registers.Backend = strings.ToLower(c.Registers.Backend)
	if c.Registers.Backend == "" {
		c.Registers.Backend = "sim"
	}
	if c.Registers.CtrlSize == 0 {
		c.Registers.CtrlSize = 0x400
	}
	if c.Registers.PhySize == 0 {
		c.Registers.PhySize = 0x300
	}

	p := &c.Panel
	switch p.Type {
	case "video", "command":
		// ok
	default:
		p.Type = "video"
	}
	if p.FrameRate <= 0 {
		p.FrameRate = 60
	}
	if p.OnLink == "" {
		p.OnLink = "lp"
	}
	if p.OffLink == "" {
		p.OffLink = "lp"
	}
	if p.CmdTimeoutMS <= 0 {
		p.CmdTimeoutMS = 20
	}
	for i := range c.Clocks {
		c.Clocks[i].Name = strings.TrimSpace(c.Clocks[i].Name)
	}
	for _, rails := range [][]RailConfig{c.Power.Core, c.Power.IOVDD, c.Power.Panel} {
		for i := range rails {
			if rails[i].Regulator.Type == "" {
				rails[i].Regulator.Type = "fixed"
			}
		}
	}
	if c.Schedule == nil {
		c.Schedule = []ScheduleEntry{}
	}
}

// Validate reports the first setting that can not be turned into hardware.
// Timing and lane limits are checked again when the controller attaches.
func (c *Config) Validate() error {
	switch c.Registers.Backend {
	case "sim":
	case "pmem":
		if c.Registers.CtrlBase == 0 {
			return errors.New("registers: ctrl_base is required for pmem")
		}
	case "i2c":
		if c.Registers.I2CAddr == 0 {
			return errors.New("registers: i2c_addr is required for i2c")
		}
	default:
		return fmt.Errorf("registers: unknown backend %q", c.Registers.Backend)
	}

	seen := map[string]bool{}
	for _, ck := range c.Clocks {
		if ck.Name == "" {
			return errors.New("clocks: entry without a name")
		}
		if seen[ck.Name] {
			return fmt.Errorf("clocks: %q listed twice", ck.Name)
		}
		seen[ck.Name] = true
	}

	domains := []struct {
		name  string
		rails []RailConfig
	}{{"core", c.Power.Core}, {"iovdd", c.Power.IOVDD}, {"panel", c.Power.Panel}}
	for _, d := range domains {
		for _, r := range d.rails {
			if err := r.validate(); err != nil {
				return fmt.Errorf("power.%s: %w", d.name, err)
			}
		}
	}

	switch c.Panel.OnLink {
	case "lp", "hs":
	default:
		return fmt.Errorf("panel: on_link %q", c.Panel.OnLink)
	}
	switch c.Panel.OffLink {
	case "lp", "hs":
	default:
		return fmt.Errorf("panel: off_link %q", c.Panel.OffLink)
	}
	for i, h := range c.Panel.HorizontalIdle {
		if h.Max <= h.Min {
			return fmt.Errorf("panel: horizontal_idle[%d] has max <= min", i)
		}
	}

	for i, e := range c.Schedule {
		if strings.TrimSpace(e.Cron) == "" {
			return fmt.Errorf("schedule[%d]: cron is empty", i)
		}
		if (e.Event == "") == (e.Power == "") {
			return fmt.Errorf("schedule[%d]: set exactly one of event or power", i)
		}
	}
	return nil
}

func (r RailConfig) validate() error {
	if r.Name == "" {
		return errors.New("rail without a name")
	}
	if r.MaxMicrovolt != 0 && r.MaxMicrovolt < r.MinMicrovolt {
		return fmt.Errorf("rail %s: max_uv below min_uv", r.Name)
	}
	if r.PreOnMS < 0 || r.PostOnMS < 0 || r.PreOffMS < 0 || r.PostOffMS < 0 {
		return fmt.Errorf("rail %s: negative delay", r.Name)
	}
	switch r.Regulator.Type {
	case "fixed":
	case "gpio":
		if r.Regulator.Pin == "" {
			return fmt.Errorf("rail %s: gpio regulator needs a pin", r.Name)
		}
	case "userspace":
		if r.Regulator.Dir == "" {
			return fmt.Errorf("rail %s: userspace regulator needs a dir", r.Name)
		}
	default:
		return fmt.Errorf("rail %s: unknown regulator type %q", r.Name, r.Regulator.Type)
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".dsictl-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
