package core

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ThrottleConfig is one immutable snapshot of the shaping parameters.
// Readers get it through an atomic pointer and never see a partial update.
type ThrottleConfig struct {
	// BandwidthBytesPerSec is the ceiling for the target's traffic. 0 disables it.
	BandwidthBytesPerSec float64 `json:"bandwidth_bytes_per_sec"`
	// LatencyMS is the artificial one-way delay. 0 disables it.
	LatencyMS uint32 `json:"latency_ms"`
	// LossProbability is the per-packet drop probability in [0,1].
	LossProbability float64 `json:"loss"`
	// ProcessSubstring selects the target process (case-insensitive).
	ProcessSubstring string `json:"process"`
}

// Latency returns the configured delay as a duration.
func (c *ThrottleConfig) Latency() time.Duration {
	return time.Duration(c.LatencyMS) * time.Millisecond
}

// Validate checks every field and returns a *ConfigError on the first problem.
func (c *ThrottleConfig) Validate() error {
	if math.IsNaN(c.BandwidthBytesPerSec) || math.IsInf(c.BandwidthBytesPerSec, 0) || c.BandwidthBytesPerSec < 0 {
		return &ConfigError{Field: "bandwidth", Reason: "must be a finite value >= 0"}
	}
	if math.IsNaN(c.LossProbability) || c.LossProbability < 0 || c.LossProbability > 1 {
		return &ConfigError{Field: "loss", Reason: "must be between 0 and 1"}
	}
	if strings.TrimSpace(c.ProcessSubstring) == "" {
		return &ConfigError{Field: "process", Reason: "must not be empty"}
	}
	return nil
}

func (c ThrottleConfig) String() string {
	return fmt.Sprintf("ThrottleConfig(bandwidth=%.0fB/s, delay=%dms, drop_rate=%.1f%%, process=%q)",
		c.BandwidthBytesPerSec, c.LatencyMS, c.LossProbability*100, c.ProcessSubstring)
}

// MbpsToBytesPerSec converts megabits per second to bytes per second.
func MbpsToBytesPerSec(mbps float64) float64 {
	return mbps * 1_000_000 / 8
}

// ShutdownPolicy selects what happens to pending packets on exit.
type ShutdownPolicy int

const (
	// ShutdownFlush forwards every pending packet immediately.
	ShutdownFlush ShutdownPolicy = iota
	// ShutdownDrop discards pending packets.
	ShutdownDrop
)

func (p ShutdownPolicy) String() string {
	switch p {
	case ShutdownFlush:
		return "flush"
	case ShutdownDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// ParseShutdownPolicy parses "flush" or "drop".
func ParseShutdownPolicy(s string) (ShutdownPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "flush", "forward", "":
		return ShutdownFlush, nil
	case "drop":
		return ShutdownDrop, nil
	default:
		return ShutdownFlush, fmt.Errorf("unknown shutdown policy: %q", s)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for ShutdownPolicy.
func (p *ShutdownPolicy) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseShutdownPolicy(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for ShutdownPolicy.
func (p ShutdownPolicy) MarshalYAML() (any, error) {
	return p.String(), nil
}

// ThrottleSection is the YAML form of ThrottleConfig.
type ThrottleSection struct {
	Process       string  `yaml:"process"`
	BandwidthMbps float64 `yaml:"bandwidth_mbps"`
	LatencyMS     uint32  `yaml:"latency_ms"`
	Loss          float64 `yaml:"loss"`
	// Enabled is the initial toggle state.
	Enabled bool `yaml:"enabled"`
}

// EngineSection tunes the shaping loop.
type EngineSection struct {
	Tick          time.Duration  `yaml:"tick"`
	Burst         time.Duration  `yaml:"burst"`
	ColdStart     *bool          `yaml:"cold_start,omitempty"`
	MaxRateQueue  int            `yaml:"max_rate_queue"`
	MaxHold       time.Duration  `yaml:"max_hold"`
	MaxDelayQueue int            `yaml:"max_delay_queue"`
	Shutdown      ShutdownPolicy `yaml:"shutdown"`
	LossSeed      uint64         `yaml:"loss_seed,omitempty"`
}

// ClassifierSection tunes process resolution.
type ClassifierSection struct {
	Refresh    time.Duration `yaml:"refresh"`
	AllMatches bool          `yaml:"all_matches,omitempty"`
}

// CaptureSection configures the capture filter.
type CaptureSection struct {
	Filter         string `yaml:"filter,omitempty"`
	PortRangeStart uint16 `yaml:"port_range_start"`
	PortRangeEnd   uint16 `yaml:"port_range_end"`
	MaxListedPorts int    `yaml:"max_listed_ports"`
	Priority       int16  `yaml:"priority,omitempty"`
}

// ControlSection configures the control API.
type ControlSection struct {
	// Address is a pipe name (Windows) or socket path. Empty selects the platform default.
	Address  string `yaml:"address,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Version        int               `yaml:"version"`
	Throttle       ThrottleSection   `yaml:"throttle"`
	Engine         EngineSection     `yaml:"engine"`
	Classifier     ClassifierSection `yaml:"classifier"`
	Capture        CaptureSection    `yaml:"capture"`
	Control        ControlSection    `yaml:"control,omitempty"`
	StatusInterval time.Duration     `yaml:"status_interval"`
	Logging        LogConfig         `yaml:"logging,omitempty"`
}

// DefaultConfig returns the configuration written when no file exists.
func DefaultConfig() Config {
	return Config{
		Version: CurrentConfigVersion,
		Throttle: ThrottleSection{
			Process:       "Your-process-here",
			BandwidthMbps: 2.0,
			LatencyMS:     10,
		},
		Engine: EngineSection{
			Tick:          time.Millisecond,
			Burst:         time.Second,
			MaxRateQueue:  10000,
			MaxHold:       5 * time.Second,
			MaxDelayQueue: 65536,
		},
		Classifier: ClassifierSection{
			Refresh: time.Second,
		},
		Capture: CaptureSection{
			PortRangeStart: 49000,
			PortRangeEnd:   65000,
			MaxListedPorts: 20,
		},
		StatusInterval: 5 * time.Second,
		Logging:        LogConfig{Level: "info"},
	}
}

// withDefaults fills zero values that must not stay zero.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Version == 0 {
		c.Version = d.Version
	}
	if c.Engine.Tick <= 0 {
		c.Engine.Tick = d.Engine.Tick
	}
	if c.Engine.Burst <= 0 {
		c.Engine.Burst = d.Engine.Burst
	}
	if c.Engine.MaxRateQueue <= 0 {
		c.Engine.MaxRateQueue = d.Engine.MaxRateQueue
	}
	if c.Engine.MaxHold <= 0 {
		c.Engine.MaxHold = d.Engine.MaxHold
	}
	if c.Engine.MaxDelayQueue <= 0 {
		c.Engine.MaxDelayQueue = d.Engine.MaxDelayQueue
	}
	if c.Classifier.Refresh <= 0 {
		c.Classifier.Refresh = d.Classifier.Refresh
	}
	if c.Capture.PortRangeStart == 0 && c.Capture.PortRangeEnd == 0 {
		c.Capture.PortRangeStart = d.Capture.PortRangeStart
		c.Capture.PortRangeEnd = d.Capture.PortRangeEnd
	}
	if c.Capture.MaxListedPorts <= 0 {
		c.Capture.MaxListedPorts = d.Capture.MaxListedPorts
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	return c
}

// ThrottleConfig builds the engine snapshot from the YAML section.
func (c Config) ThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		BandwidthBytesPerSec: MbpsToBytesPerSec(c.Throttle.BandwidthMbps),
		LatencyMS:            c.Throttle.LatencyMS,
		LossProbability:      c.Throttle.Loss,
		ProcessSubstring:     c.Throttle.Process,
	}
}

// ColdStart reports whether the token bucket starts empty on enable.
func (c Config) ColdStart() bool {
	return c.Engine.ColdStart == nil || *c.Engine.ColdStart
}

// Validate checks the whole file. Errors are *ConfigError.
func (c Config) Validate() error {
	if c.Throttle.BandwidthMbps < 0 || math.IsNaN(c.Throttle.BandwidthMbps) {
		return &ConfigError{Field: "throttle.bandwidth_mbps", Reason: "must be >= 0"}
	}
	tc := c.ThrottleConfig()
	if err := tc.Validate(); err != nil {
		return err
	}
	if c.Capture.PortRangeStart >= c.Capture.PortRangeEnd {
		return &ConfigError{Field: "capture.port_range_start", Reason: "must be less than port_range_end"}
	}
	if c.Engine.Tick > time.Second {
		return &ConfigError{Field: "engine.tick", Reason: "must not exceed 1s"}
	}
	return nil
}

// ConfigManager handles loading, saving, and hot-reloading configuration.
// The current snapshot is published through an atomic pointer.
type ConfigManager struct {
	mu       sync.Mutex // serializes Load/Save/Reload
	current  atomic.Pointer[Config]
	filePath string
	bus      *EventBus
	overlay  func(*Config)
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	cm := &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
	def := DefaultConfig()
	cm.current.Store(&def)
	return cm
}

// SetOverlay registers fn to patch every snapshot read from disk by Load
// and Reload, before validation. The file is never rewritten with the
// patched values.
func (cm *ConfigManager) SetOverlay(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.overlay = fn
}

func (cm *ConfigManager) overlaid(cfg *Config) (*Config, error) {
	if cm.overlay == nil {
		return cfg, nil
	}
	out := *cfg
	cm.overlay(&out)
	out = out.withDefaults()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Path returns the backing file path.
func (cm *ConfigManager) Path() string { return cm.filePath }

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func (cm *ConfigManager) Load() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cfg, migrated, err := cm.read()
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Config", "Config %s not found, creating default config", cm.filePath)
			def := DefaultConfig()
			if saveErr := cm.save(&def); saveErr != nil {
				return fmt.Errorf("[Config] failed to create default config: %w", saveErr)
			}
			cur, err := cm.overlaid(&def)
			if err != nil {
				return err
			}
			cm.current.Store(cur)
			return nil
		}
		return err
	}

	if migrated {
		if err := cm.save(cfg); err != nil {
			Log.Warnf("Config", "Migrated config not saved: %v", err)
		}
	}
	cur, err := cm.overlaid(cfg)
	if err != nil {
		return err
	}
	cm.current.Store(cur)
	Log.Infof("Config", "Configuration loaded from %s", cm.filePath)
	return nil
}

// Reload re-reads the file. A malformed or invalid file is rejected: the
// previous snapshot stays in effect and EventConfigRejected is published.
func (cm *ConfigManager) Reload() error {
	cm.mu.Lock()
	cfg, _, err := cm.read()
	if err == nil {
		cfg, err = cm.overlaid(cfg)
	}
	if err == nil {
		cm.current.Store(cfg)
	}
	cm.mu.Unlock()

	if err != nil {
		Log.Warnf("Config", "Reload rejected, keeping previous config: %v", err)
		if cm.bus != nil {
			cm.bus.Publish(Event{Type: EventConfigRejected, Payload: err})
		}
		return err
	}

	Log.Infof("Config", "Configuration reloaded: %s", cfg.ThrottleConfig())
	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded, Payload: ConfigPayload{Config: *cfg}})
	}
	return nil
}

// read parses, migrates and validates the file without touching the
// current snapshot.
func (cm *ConfigManager) read() (*Config, bool, error) {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, err
		}
		return nil, false, &ConfigError{Reason: "failed to read " + cm.filePath, Err: err}
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, false, &ConfigError{Reason: "failed to parse config", Err: err}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	version, migrated, err := MigrateConfig(raw)
	if err != nil {
		return nil, false, &ConfigError{Field: "version", Reason: "migration failed", Err: err}
	}
	if version > CurrentConfigVersion {
		return nil, false, &ConfigError{Field: "version",
			Reason: fmt.Sprintf("version %d is newer than supported %d", version, CurrentConfigVersion)}
	}
	if migrated {
		Log.Infof("Config", "Migrated %s to config version %d", cm.filePath, version)
		if data, err = yaml.Marshal(raw); err != nil {
			return nil, false, &ConfigError{Reason: "failed to re-encode migrated config", Err: err}
		}
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, false, &ConfigError{Reason: "failed to parse config", Err: err}
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return &cfg, migrated, nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.save(cm.current.Load())
}

func (cm *ConfigManager) save(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("[Config] failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(cm.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("[Config] failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(cm.filePath, data, 0o644); err != nil {
		return fmt.Errorf("[Config] failed to write config %s: %w", cm.filePath, err)
	}
	Log.Infof("Config", "Configuration saved to %s", cm.filePath)
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	return *cm.current.Load()
}

// Set validates and installs cfg as the current snapshot.
func (cm *ConfigManager) Set(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	cm.current.Store(&cfg)
	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded, Payload: ConfigPayload{Config: cfg}})
	}
	return nil
}
