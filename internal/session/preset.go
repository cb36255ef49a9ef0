/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package session

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/loqalabs/loqa-murajaah/internal/window"
)

// ErrUnknownPreset is returned for a preset name with no registered tuning.
var ErrUnknownPreset = errors.New("unknown session preset")

// Preset is a named window tuning. Zero durations keep the manager
// defaults.
type Preset struct {
	Name     string        `json:"name"`
	Language string        `json:"language"`
	Window   time.Duration `json:"window"`
	Step     time.Duration `json:"step"`
}

var presets = map[string]Preset{
	// Default geometry, Arabic recognition.
	"arabic": {Name: "arabic", Language: "ar"},
	// Longer context for recitation review.
	"murajaah": {Name: "murajaah", Language: "ar", Window: 3 * time.Second, Step: 2 * time.Second},
	// Short windows for quicker feedback.
	"fast": {Name: "fast", Language: "ar", Window: 1500 * time.Millisecond, Step: 1200 * time.Millisecond},
}

// LookupPreset returns the preset registered under name.
func LookupPreset(name string) (Preset, error) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return p, nil
}

// PresetNames lists the registered presets in name order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply overlays the preset geometry on base. Thresholds are kept.
func (p Preset) Apply(base window.Config, sampleRate int) window.Config {
	if p.Window <= 0 || p.Step <= 0 {
		return base
	}
	return window.ConfigFromDurations(sampleRate, p.Window, p.Step, base.DuplicateThreshold, base.SilenceThreshold)
}
