// Package data loads static zone definitions from YAML, the same way game
// content tables are loaded at boot: read once, validate, serve from memory.
package data

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ZoneBlueprint describes one zone to start at boot.
type ZoneBlueprint struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Extension      string `yaml:"extension"` // registered extension or "lua"
	Script         string `yaml:"script"`    // lua script path when Extension == "lua"
	TickIntervalMs int    `yaml:"tick_interval_ms"`
	LerpPeriodMs   int    `yaml:"lerp_period_ms"`
	MaxClients     int    `yaml:"max_clients"`
}

// TickInterval returns the configured cadence, zero when unset (zone default
// applies).
func (b ZoneBlueprint) TickInterval() time.Duration {
	return time.Duration(b.TickIntervalMs) * time.Millisecond
}

// LerpPeriod returns the interpolation hint, zero when unset.
func (b ZoneBlueprint) LerpPeriod() time.Duration {
	return time.Duration(b.LerpPeriodMs) * time.Millisecond
}

// BlueprintTable holds all blueprints keyed by zone ID.
type BlueprintTable struct {
	byID  map[string]ZoneBlueprint
	order []string
}

// LoadBlueprints reads zone definitions from a YAML file.
func LoadBlueprints(path string) (*BlueprintTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blueprints %s: %w", path, err)
	}

	var file struct {
		Zones []ZoneBlueprint `yaml:"zones"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse blueprints %s: %w", path, err)
	}

	t := &BlueprintTable{byID: make(map[string]ZoneBlueprint, len(file.Zones))}
	for _, b := range file.Zones {
		if b.ID == "" {
			return nil, fmt.Errorf("blueprint without id in %s", path)
		}
		if _, dup := t.byID[b.ID]; dup {
			return nil, fmt.Errorf("duplicate blueprint id %q in %s", b.ID, path)
		}
		if b.TickIntervalMs < 0 || b.LerpPeriodMs < 0 {
			return nil, fmt.Errorf("blueprint %q: negative timing", b.ID)
		}
		t.byID[b.ID] = b
		t.order = append(t.order, b.ID)
	}
	return t, nil
}

// Get returns the blueprint for a zone ID.
func (t *BlueprintTable) Get(id string) (ZoneBlueprint, bool) {
	b, ok := t.byID[id]
	return b, ok
}

// All returns blueprints in file order.
func (t *BlueprintTable) All() []ZoneBlueprint {
	out := make([]ZoneBlueprint, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// Count reports the number of blueprints.
func (t *BlueprintTable) Count() int {
	return len(t.byID)
}
