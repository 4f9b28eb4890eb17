package core

import (
	"fmt"
	"strings"
)

// CurrentConfigVersion is the latest config schema version.
const CurrentConfigVersion = 1

// configMigration defines a single config migration step.
type configMigration struct {
	FromVersion int
	Migrate     func(raw map[string]any) error
}

// configMigrations is the ordered list of all migrations.
// Each migration transforms the raw map from FromVersion to FromVersion+1.
var configMigrations = []configMigration{
	{FromVersion: 0, Migrate: migrateFlatToV1},
}

// MigrateConfig applies all pending migrations to a raw config map.
// Returns the final version number and whether any migration was applied.
func MigrateConfig(raw map[string]any) (version int, migrated bool, err error) {
	// Pre-versioned files have no version key.
	switch v := raw["version"].(type) {
	case int:
		version = v
	case float64:
		version = int(v)
	default:
		version = 0
	}

	startVersion := version
	for _, m := range configMigrations {
		if m.FromVersion == version {
			if err := m.Migrate(raw); err != nil {
				return version, version != startVersion,
					fmt.Errorf("migration v%d→v%d failed: %w", m.FromVersion, m.FromVersion+1, err)
			}
			version++
			raw["version"] = version
		}
	}
	return version, version != startVersion, nil
}

// flatKeys maps the flat settings of the legacy JSON config file to
// their section and key in the nested layout.
var flatKeys = map[string][2]string{
	"target_bandwidth_mbps":  {"throttle", "bandwidth_mbps"},
	"lag_delay_ms":           {"throttle", "latency_ms"},
	"packet_drop_rate":       {"throttle", "loss"},
	"process_name_substring": {"throttle", "process"},
	"port_range_start":       {"capture", "port_range_start"},
	"port_range_end":         {"capture", "port_range_end"},
	"log_level":              {"logging", "level"},
	"log_file":               {"logging", "file"},
}

// flatDropped are flat settings with no equivalent: hotkeys are replaced
// by the control API and the status line is time based.
var flatDropped = []string{"toggle_key", "exit_key", "status_update_interval"}

// migrateFlatToV1 moves flat JSON-era keys into their sections.
func migrateFlatToV1(raw map[string]any) error {
	for old, dst := range flatKeys {
		v, ok := raw[old]
		if !ok {
			continue
		}
		delete(raw, old)
		if v == nil {
			continue
		}
		section, err := sectionOf(raw, dst[0])
		if err != nil {
			return err
		}
		if _, set := section[dst[1]]; set {
			continue // the nested value wins
		}
		if s, ok := v.(string); ok && dst[0] == "logging" && dst[1] == "level" {
			v = strings.ToLower(s)
		}
		section[dst[1]] = v
	}
	for _, k := range flatDropped {
		delete(raw, k)
	}
	return nil
}

func sectionOf(raw map[string]any, name string) (map[string]any, error) {
	switch s := raw[name].(type) {
	case nil:
		m := map[string]any{}
		raw[name] = m
		return m, nil
	case map[string]any:
		return s, nil
	default:
		return nil, fmt.Errorf("%s is a %T, not a section", name, s)
	}
}
